package strategy

import (
	"fmt"

	"scalpbot-go/internal/market"
)

// SMACross fires when the latest close crosses above the simple moving average
// of the most recent period bars: the previous close sat below its rolling
// average and the current close sits above it.
type SMACross struct {
	period int
}

// NewSMACross builds the default crossover strategy; period falls back to 20.
func NewSMACross(period int) *SMACross {
	if period <= 0 {
		period = 20
	}
	return &SMACross{period: period}
}

// Name returns the identifier for logging.
func (s *SMACross) Name() string { return fmt.Sprintf("SMACross(%d)", s.period) }

// ShouldEnter evaluates the crossover condition. Requires at least period+1
// bars so both the current and previous rolling averages are defined.
func (s *SMACross) ShouldEnter(bars *market.Buffer) bool {
	closes := bars.Closes()
	n := len(closes)
	if n < s.period+1 {
		return false
	}
	prevAvg := mean(closes[n-1-s.period : n-1])
	currAvg := mean(closes[n-s.period:])
	return closes[n-2] < prevAvg && closes[n-1] > currAvg
}

func mean(values []float64) float64 {
	var total float64
	for _, v := range values {
		total += v
	}
	return total / float64(len(values))
}
