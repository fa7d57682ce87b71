// Package feed hosts streaming connectors for minute bars and order updates.
package feed

import (
	"context"

	"scalpbot-go/internal/market"
)

// Stream is a pluggable pair of event sources: minute bars keyed by symbol and
// order lifecycle updates. Run pushes events onto the provided channels until
// the context is canceled or the stream fails terminally.
type Stream interface {
	Run(ctx context.Context, bars chan<- market.Bar, updates chan<- market.OrderUpdate) error
}
