package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger := NewLogger("debug")
	if logger.GetLevel() != zerolog.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	logger = NewLogger("invalid")
	if logger.GetLevel() != zerolog.InfoLevel {
		t.Fatalf("expected info fallback, got %s", logger.GetLevel())
	}
}

func TestNewFileLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scalpbot.log")
	logger, closer, err := NewFileLogger("info", path)
	if err != nil {
		t.Fatalf("NewFileLogger returned error: %v", err)
	}
	logger.Info().Str("sym", "AAPL").Msg("transition")
	if err := closer.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "transition") {
		t.Fatalf("expected log entry in file, got %q", string(data))
	}
}

func TestNewFileLoggerBadPath(t *testing.T) {
	if _, _, err := NewFileLogger("info", filepath.Join(t.TempDir(), "missing", "x.log")); err == nil {
		t.Fatalf("expected error for unwritable path")
	}
}
