// Package config exposes strongly typed application configuration structs loaded from YAML.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// App captures process-wide runtime settings such as name, environment, metrics, and logging.
type App struct {
	Name        string
	Env         string
	MetricsAddr string `yaml:"metrics_addr"`
	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
}

// Broker describes brokerage connectivity. Credentials are resolved from the
// environment, never from this file.
type Broker struct {
	Mode      string // "live" or "paper"
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
	StreamURL string `yaml:"stream_url"`
	Feed      string // market data feed tier, e.g. "iex"
}

// Trading groups the per-session trading parameters shared by every symbol.
type Trading struct {
	Lot                      float64  // dollar notional per entry
	Symbols                  []string `yaml:"symbols"`
	CheckupIntervalSecs      int      `yaml:"checkup_interval_secs"`
	CancelBuyAfterSecs       int      `yaml:"cancel_buy_after_secs"`
	LiquidateBeforeCloseSecs int      `yaml:"liquidate_before_close_secs"`
	MinBars                  int      `yaml:"min_bars"`
	MaxEntryNotional         float64  `yaml:"max_entry_notional"` // 0 disables the guard
	MaxShares                float64  `yaml:"max_shares"`         // 0 disables the guard
}

// StrategyParams groups tunable knobs for a strategy implementation.
type StrategyParams struct {
	SMAPeriod int `yaml:"sma_period"`
}

// Strategy specifies which strategy is active along with the parameter bundle.
type Strategy struct {
	Mode   string
	Params StrategyParams
}

// Journal configures the audit trail sink.
type Journal struct {
	Path string
}

// Config collects every configuration leaf for easy marshaling from YAML.
type Config struct {
	App      App      `yaml:"app"`
	Broker   Broker   `yaml:"broker"`
	Trading  Trading  `yaml:"trading"`
	Strategy Strategy `yaml:"strategy"`
	Journal  Journal  `yaml:"journal"`
}

// Load reads a YAML file from disk and hydrates a Config struct.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var config Config
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	return &config, nil
}

// Save persists a Config struct to disk as YAML.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal yaml: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
