// Package strategy contains entry signal generation logic over session bar buffers.
package strategy

import (
	"strings"

	"scalpbot-go/internal/market"
)

// Strategy defines behaviour shared by entry signal implementations.
// Implementations must be stateless across calls except via the buffer contents
// so they can be swapped without touching the trader.
type Strategy interface {
	ShouldEnter(bars *market.Buffer) bool
	Name() string
}

// Params expresses tunable knobs required by strategy constructors.
type Params struct {
	SMAPeriod int
}

// Build returns a strategy implementation matching the configured mode.
func Build(mode string, params Params) Strategy {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", "sma", "sma_cross", "sma_crossover":
		return NewSMACross(params.SMAPeriod)
	default:
		return NewSMACross(params.SMAPeriod)
	}
}
