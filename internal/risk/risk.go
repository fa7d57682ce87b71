// Package risk holds pre-trade guards applied before entry orders are placed.
package risk

// Limits caps what a single entry order may buy. A zero value disables the
// corresponding check, so the zero Limits allows everything.
type Limits struct {
	MaxEntryNotional float64 // dollar cap per entry order
	MaxShares        float64 // share cap per entry order
}

// AllowEntry reports whether buying qty shares at price passes the caps.
func (l Limits) AllowEntry(qty, price float64) bool {
	if l.MaxEntryNotional > 0 && qty*price > l.MaxEntryNotional {
		return false
	}
	if l.MaxShares > 0 && qty > l.MaxShares {
		return false
	}
	return true
}
