// Package market standardizes payloads shared between the feed, broker, and trading layers.
package market

import "time"

// Side enumerates order directions.
type Side string

const (
	// Buy indicates a long entry order.
	Buy Side = "buy"
	// Sell indicates an exit order.
	Sell Side = "sell"
)

// Kind enumerates order types supported by the broker.
type Kind string

const (
	// Limit rests at a price until marketable.
	Limit Kind = "limit"
	// Market executes immediately at the prevailing price.
	Market Kind = "market"
)

// OrderStatus mirrors the broker's order lifecycle states.
type OrderStatus string

const (
	OrderNew             OrderStatus = "new"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCanceled        OrderStatus = "canceled"
	OrderRejected        OrderStatus = "rejected"
)

// Terminal reports whether no further updates can arrive for this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCanceled, OrderRejected:
		return true
	}
	return false
}

// Order represents the broker's view of a working or completed order.
type Order struct {
	ID          string
	Symbol      string
	Side        Side
	Kind        Kind
	Qty         float64
	LimitPrice  float64 // 0 for market orders
	Status      OrderStatus
	SubmittedAt time.Time
}

// Position is a held quantity with its average entry price.
type Position struct {
	Symbol        string
	Qty           float64
	AvgEntryPrice float64
}

// Clock is a snapshot of the market session state sampled from the broker.
type Clock struct {
	IsOpen    bool
	NextClose time.Time
}

// TimeToClose returns the remaining session time as seen from now.
func (c Clock) TimeToClose(now time.Time) time.Duration {
	return c.NextClose.Sub(now)
}

// UpdateEvent enumerates order lifecycle notifications delivered by the feed.
type UpdateEvent string

const (
	UpdateNew         UpdateEvent = "new"
	UpdateFill        UpdateEvent = "fill"
	UpdatePartialFill UpdateEvent = "partial_fill"
	UpdateCanceled    UpdateEvent = "canceled"
	UpdateRejected    UpdateEvent = "rejected"
)

// OrderUpdate carries an order lifecycle event together with the order snapshot.
type OrderUpdate struct {
	Event     UpdateEvent
	Order     Order
	FillPrice float64
	FillQty   float64
	Ts        time.Time
}
