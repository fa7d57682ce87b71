// Package paper provides an in-process simulated venue that implements both
// the broker client and the streaming feed, for offline runs and tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/scmhub/calendar"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/market"
)

const epsilon = 1e-9

type positionState struct {
	Qty     float64
	AvgCost float64
}

// Venue tracks virtual cash, positions, and resting orders. Limit orders rest
// until a pushed bar trades through their price; market orders fill at the
// last seen price.
type Venue struct {
	mu           sync.Mutex
	log          zerolog.Logger
	symbols      []string
	startingCash float64
	cash         float64
	realizedPnL  float64
	positions    map[string]positionState
	open         map[string]market.Order
	last         map[string]float64
	history      map[string][]market.Bar
	fills        []market.OrderUpdate

	barsCh    chan market.Bar
	updatesCh chan market.OrderUpdate

	now func() time.Time
	cal *calendar.Calendar
}

// Option configures Venue construction parameters.
type Option func(*Venue)

// WithNow overrides the clock source (tests).
func WithNow(now func() time.Time) Option {
	return func(v *Venue) {
		if now != nil {
			v.now = now
		}
	}
}

// WithLastPrice seeds the last trade price for a symbol.
func WithLastPrice(symbol string, price float64) Option {
	return func(v *Venue) { v.last[symbol] = price }
}

// NewVenue constructs a venue for the given symbols with a starting bankroll.
func NewVenue(symbols []string, startingCash float64, log zerolog.Logger, opts ...Option) *Venue {
	v := &Venue{
		log:          log,
		symbols:      append([]string(nil), symbols...),
		startingCash: startingCash,
		cash:         startingCash,
		positions:    make(map[string]positionState),
		open:         make(map[string]market.Order),
		last:         make(map[string]float64),
		history:      make(map[string][]market.Bar),
		barsCh:       make(chan market.Bar, 256),
		updatesCh:    make(chan market.OrderUpdate, 256),
		now:          time.Now,
		cal:          calendar.GetCalendar("xnys"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run implements feed.Stream by forwarding simulated events to the caller.
func (v *Venue) Run(ctx context.Context, bars chan<- market.Bar, updates chan<- market.OrderUpdate) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case bar := <-v.barsCh:
			select {
			case bars <- bar:
			case <-ctx.Done():
				return ctx.Err()
			}
		case update := <-v.updatesCh:
			select {
			case updates <- update:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// PushBar feeds a bar into the simulation: resting orders marketable against
// the bar fill first, then the bar itself is delivered.
func (v *Venue) PushBar(bar market.Bar) {
	v.mu.Lock()
	v.last[bar.Symbol] = bar.Close
	v.history[bar.Symbol] = append(v.history[bar.Symbol], bar)

	var filled []market.OrderUpdate
	for id, order := range v.open {
		if order.Symbol != bar.Symbol {
			continue
		}
		marketable := (order.Side == market.Buy && bar.Low <= order.LimitPrice+epsilon) ||
			(order.Side == market.Sell && bar.High >= order.LimitPrice-epsilon)
		if !marketable {
			continue
		}
		delete(v.open, id)
		filled = append(filled, v.fillLocked(order, order.LimitPrice))
	}
	v.mu.Unlock()

	for _, update := range filled {
		v.updatesCh <- update
	}
	v.barsCh <- bar
}

// fillLocked applies avg-cost accounting and returns the fill update. Callers
// must hold the mutex.
func (v *Venue) fillLocked(order market.Order, price float64) market.OrderUpdate {
	notional := order.Qty * price
	state := v.positions[order.Symbol]
	switch order.Side {
	case market.Buy:
		newQty := state.Qty + order.Qty
		newAvg := price
		if newQty > 0 {
			newAvg = ((state.AvgCost * state.Qty) + notional) / newQty
		}
		v.cash -= notional
		v.positions[order.Symbol] = positionState{Qty: newQty, AvgCost: newAvg}
	case market.Sell:
		v.realizedPnL += (price - state.AvgCost) * order.Qty
		v.cash += notional
		newQty := state.Qty - order.Qty
		if newQty <= epsilon {
			delete(v.positions, order.Symbol)
		} else {
			v.positions[order.Symbol] = positionState{Qty: newQty, AvgCost: state.AvgCost}
		}
	}

	order.Status = market.OrderFilled
	update := market.OrderUpdate{
		Event:     market.UpdateFill,
		Order:     order,
		FillPrice: price,
		FillQty:   order.Qty,
		Ts:        v.now(),
	}
	v.fills = append(v.fills, update)
	return update
}

// LastTrade implements broker.Client.
func (v *Venue) LastTrade(_ context.Context, symbol string) (float64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	price, ok := v.last[symbol]
	if !ok {
		return 0, fmt.Errorf("no trade seen for %s", symbol)
	}
	return price, nil
}

// SubmitOrder implements broker.Client. Invalid parameters and insufficient
// cash surface as broker.ErrRejected.
func (v *Venue) SubmitOrder(_ context.Context, req broker.OrderRequest) (market.Order, error) {
	v.mu.Lock()

	if req.Qty <= 0 {
		v.mu.Unlock()
		return market.Order{}, fmt.Errorf("%w: quantity must be positive", broker.ErrRejected)
	}
	price := req.LimitPrice
	if req.Kind == market.Market {
		price = v.last[req.Symbol]
		if price <= 0 {
			v.mu.Unlock()
			return market.Order{}, fmt.Errorf("%w: no market price for %s", broker.ErrRejected, req.Symbol)
		}
	}
	if req.Side == market.Buy && req.Qty*price > v.cash+epsilon {
		v.mu.Unlock()
		return market.Order{}, fmt.Errorf("%w: insufficient cash", broker.ErrRejected)
	}
	if req.Side == market.Sell && v.positions[req.Symbol].Qty+epsilon < req.Qty {
		v.mu.Unlock()
		return market.Order{}, fmt.Errorf("%w: insufficient position", broker.ErrRejected)
	}

	order := market.Order{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		Status:      market.OrderNew,
		SubmittedAt: v.now(),
	}

	var update *market.OrderUpdate
	if req.Kind == market.Market {
		filled := v.fillLocked(order, price)
		update = &filled
	} else {
		v.open[order.ID] = order
	}
	v.mu.Unlock()

	if update != nil {
		v.updatesCh <- *update
	}
	return order, nil
}

// CancelOrder implements broker.Client; canceling a terminal or unknown order
// is a no-op.
func (v *Venue) CancelOrder(_ context.Context, orderID string) error {
	v.mu.Lock()
	order, ok := v.open[orderID]
	if !ok {
		v.mu.Unlock()
		return nil
	}
	delete(v.open, orderID)
	v.mu.Unlock()

	order.Status = market.OrderCanceled
	v.updatesCh <- market.OrderUpdate{
		Event: market.UpdateCanceled,
		Order: order,
		Ts:    v.now(),
	}
	return nil
}

// OpenOrders implements broker.Client.
func (v *Venue) OpenOrders(_ context.Context, symbol string) ([]market.Order, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var orders []market.Order
	for _, order := range v.open {
		if order.Symbol == symbol {
			orders = append(orders, order)
		}
	}
	return orders, nil
}

// Position implements broker.Client; returns nil when flat.
func (v *Venue) Position(_ context.Context, symbol string) (*market.Position, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	state, ok := v.positions[symbol]
	if !ok || state.Qty <= epsilon {
		return nil, nil
	}
	return &market.Position{Symbol: symbol, Qty: state.Qty, AvgEntryPrice: state.AvgCost}, nil
}

// Bars implements broker.Client.
func (v *Venue) Bars(_ context.Context, symbol string, start time.Time) ([]market.Bar, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var bars []market.Bar
	for _, bar := range v.history[symbol] {
		if !bar.Timestamp.Before(start) {
			bars = append(bars, bar)
		}
	}
	return bars, nil
}

// Clock implements broker.Client using the XNYS trading calendar.
func (v *Venue) Clock(_ context.Context) (market.Clock, error) {
	now := v.now()
	loc := time.UTC
	isOpen := false
	if v.cal != nil {
		loc = v.cal.Loc
		isOpen = v.cal.IsOpen(now)
	}
	return market.Clock{IsOpen: isOpen, NextClose: v.nextClose(now.In(loc))}, nil
}

// nextClose walks forward to 16:00 local on the next business day.
func (v *Venue) nextClose(now time.Time) time.Time {
	day := now
	for i := 0; i < 10; i++ {
		closeAt := time.Date(day.Year(), day.Month(), day.Day(), 16, 0, 0, 0, day.Location())
		business := day.Weekday() != time.Saturday && day.Weekday() != time.Sunday
		if v.cal != nil {
			business = v.cal.IsBusinessDay(day)
		}
		if business && now.Before(closeAt) {
			return closeAt
		}
		day = day.AddDate(0, 0, 1)
	}
	return now
}

// RealizedPnL returns total closed-trade profit and loss.
func (v *Venue) RealizedPnL() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.realizedPnL
}

// Cash reports free cash that can be deployed into new longs.
func (v *Venue) Cash() float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cash
}

// Fills returns a copy of the fill updates emitted so far.
func (v *Venue) Fills() []market.OrderUpdate {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]market.OrderUpdate, len(v.fills))
	copy(out, v.fills)
	return out
}
