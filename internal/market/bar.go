package market

import "time"

// Bar is a one-minute OHLCV aggregate. Immutable once received.
type Bar struct {
	Symbol    string
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    uint64
	Timestamp time.Time
}

// Buffer is an append-only, session-scoped sequence of minute bars ordered by
// timestamp. It is not safe for concurrent use; each buffer is owned by a
// single fleet worker.
type Buffer struct {
	bars []Bar
}

// NewBuffer creates an empty buffer optionally pre-sizing storage.
func NewBuffer(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{bars: make([]Bar, 0, capacity)}
}

// Append adds a bar to the buffer. Bars whose timestamp is not strictly after
// the last accepted bar are ignored and Append returns false; duplicates keep
// the first writer.
func (b *Buffer) Append(bar Bar) bool {
	if n := len(b.bars); n > 0 && !bar.Timestamp.After(b.bars[n-1].Timestamp) {
		return false
	}
	b.bars = append(b.bars, bar)
	return true
}

// Seed appends historical bars in order and returns how many were accepted.
func (b *Buffer) Seed(bars []Bar) int {
	accepted := 0
	for _, bar := range bars {
		if b.Append(bar) {
			accepted++
		}
	}
	return accepted
}

// Len returns the number of bars held.
func (b *Buffer) Len() int { return len(b.bars) }

// Last returns the most recent bar, if any.
func (b *Buffer) Last() (Bar, bool) {
	if len(b.bars) == 0 {
		return Bar{}, false
	}
	return b.bars[len(b.bars)-1], true
}

// Closes returns the close prices in timestamp order.
func (b *Buffer) Closes() []float64 {
	out := make([]float64, len(b.bars))
	for i, bar := range b.bars {
		out[i] = bar.Close
	}
	return out
}
