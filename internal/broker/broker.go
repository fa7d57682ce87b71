// Package broker abstracts the brokerage REST surface used by the traders.
package broker

import (
	"context"
	"errors"
	"time"

	"scalpbot-go/internal/market"
)

// ErrRejected wraps broker-side order rejections (invalid parameters,
// insufficient buying power). Callers treat it as a local, non-fatal outcome.
var ErrRejected = errors.New("order rejected")

// OrderRequest describes an order placement.
type OrderRequest struct {
	Symbol      string
	Side        market.Side
	Kind        market.Kind
	Qty         float64
	LimitPrice  float64 // ignored for market orders
	TimeInForce string  // "day" unless stated otherwise
}

// Client is the brokerage operations contract the traders depend on.
type Client interface {
	// LastTrade returns the most recent trade price for the symbol.
	LastTrade(ctx context.Context, symbol string) (float64, error)

	// SubmitOrder places an order; rejections surface as ErrRejected.
	SubmitOrder(ctx context.Context, req OrderRequest) (market.Order, error)

	// CancelOrder requests cancellation. Canceling an already terminal order
	// is not an error.
	CancelOrder(ctx context.Context, orderID string) error

	// OpenOrders lists the non-terminal orders for the symbol.
	OpenOrders(ctx context.Context, symbol string) ([]market.Order, error)

	// Position returns the current position, or nil when flat.
	Position(ctx context.Context, symbol string) (*market.Position, error)

	// Bars returns the session's minute bars from start onward.
	Bars(ctx context.Context, symbol string, start time.Time) ([]market.Bar, error)

	// Clock returns the market session snapshot.
	Clock(ctx context.Context) (market.Clock, error)
}
