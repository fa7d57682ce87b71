// Package trader implements the per-symbol order lifecycle and the fleet that
// drives one lifecycle per instrument.
package trader

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/journal"
	"scalpbot-go/internal/market"
	"scalpbot-go/internal/metrics"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/strategy"
)

// State enumerates the trading lifecycle for one symbol.
type State string

const (
	// StateToBuy: flat, no open order, waiting for an entry signal.
	StateToBuy State = "TO_BUY"
	// StateBuySubmitted: a buy order is working.
	StateBuySubmitted State = "BUY_SUBMITTED"
	// StateToSell: holding a position with no open order.
	StateToSell State = "TO_SELL"
	// StateSellSubmitted: a sell order is working.
	StateSellSubmitted State = "SELL_SUBMITTED"
	// StateDone: trading halted for this symbol for the session.
	StateDone State = "DONE"
)

// Config carries the per-symbol trading parameters.
type Config struct {
	Symbol         string
	Lot            float64 // dollar notional per entry
	MinBars        int     // bars required before evaluating the signal
	CancelBuyAfter time.Duration
	CloseMargin    time.Duration // liquidate when this close to the bell
	Limits         risk.Limits   // zero value allows everything
}

func (c *Config) applyDefaults() {
	if c.MinBars <= 0 {
		c.MinBars = 21
	}
	if c.CancelBuyAfter <= 0 {
		c.CancelBuyAfter = 2 * time.Minute
	}
	if c.CloseMargin <= 0 {
		c.CloseMargin = 5 * time.Minute
	}
}

// Trader owns one symbol's session state. All methods must be invoked from the
// symbol's single fleet worker; the struct holds no locks by design of the
// dispatch model.
type Trader struct {
	cfg     Config
	client  broker.Client
	strat   strategy.Strategy
	journal journal.Recorder
	log     zerolog.Logger

	bars       *market.Buffer
	state      State
	stateSince time.Time
	order      *market.Order
	position   *market.Position

	now func() time.Time
}

// Option configures optional trader behavior.
type Option func(*Trader)

// WithNow overrides the wall clock (tests).
func WithNow(now func() time.Time) Option {
	return func(t *Trader) {
		if now != nil {
			t.now = now
		}
	}
}

// New builds a trader in the initial TO_BUY state. Reconcile must run before
// the trader receives events.
func New(cfg Config, client broker.Client, strat strategy.Strategy, rec journal.Recorder, log zerolog.Logger, opts ...Option) *Trader {
	cfg.applyDefaults()
	if rec == nil {
		rec = journal.Nop{}
	}
	tr := &Trader{
		cfg:     cfg,
		client:  client,
		strat:   strat,
		journal: rec,
		log:     log.With().Str("sym", cfg.Symbol).Logger(),
		bars:    market.NewBuffer(512),
		state:   StateToBuy,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(tr)
	}
	return tr
}

// Symbol returns the instrument this trader owns.
func (t *Trader) Symbol() string { return t.cfg.Symbol }

// State returns the current lifecycle state.
func (t *Trader) State() State { return t.state }

// Done reports whether the trader has halted for the session.
func (t *Trader) Done() bool { return t.state == StateDone }

// Reconcile initializes the trader from the broker's view: today's bars, any
// open order, and any held position. Broker failures and inconsistent broker
// state halt only this symbol.
func (t *Trader) Reconcile(ctx context.Context, clock market.Clock) {
	history, err := t.client.Bars(ctx, t.cfg.Symbol, sessionStart(t.now()))
	if err != nil {
		t.log.Error().Err(err).Msg("failed to fetch session bars, halting symbol")
		t.halt()
		return
	}
	t.bars.Seed(history)

	open, err := t.client.OpenOrders(ctx, t.cfg.Symbol)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to fetch open orders, halting symbol")
		t.halt()
		return
	}
	if len(open) > 1 {
		t.log.Error().Int("orders", len(open)).Msg("multiple open orders for one symbol, halting symbol")
		t.halt()
		return
	}
	if len(open) == 1 {
		order := open[0]
		t.order = &order
	}

	position, err := t.client.Position(ctx, t.cfg.Symbol)
	if err != nil {
		t.log.Error().Err(err).Msg("failed to fetch position, halting symbol")
		t.halt()
		return
	}
	t.position = position

	if !clock.IsOpen || clock.TimeToClose(t.now()) <= t.cfg.CloseMargin {
		t.log.Info().Msg("market closed or past liquidation cutoff at startup")
		t.liquidate(ctx, clock.IsOpen)
		return
	}

	if t.position != nil {
		if t.order == nil {
			t.transition(StateToSell)
		} else {
			if t.order.Side != market.Sell {
				t.log.Warn().Str("side", string(t.order.Side)).Msg("open order side mismatches held position")
			}
			t.transition(StateSellSubmitted)
		}
	} else {
		if t.order == nil {
			t.transition(StateToBuy)
		} else {
			if t.order.Side != market.Buy {
				t.log.Warn().Str("side", string(t.order.Side)).Msg("open order side mismatches flat book")
			}
			t.transition(StateBuySubmitted)
		}
	}
	t.log.Info().Str("state", string(t.state)).Int("bars", t.bars.Len()).Msg("reconciled")
}

// OnBar appends the bar and, when flat and armed, evaluates the entry signal.
func (t *Trader) OnBar(ctx context.Context, bar market.Bar) {
	if !t.bars.Append(bar) {
		t.log.Debug().Time("ts", bar.Timestamp).Msg("dropped duplicate or out-of-order bar")
		return
	}
	t.log.Debug().Time("ts", bar.Timestamp).Float64("close", bar.Close).Int("bars", t.bars.Len()).Msg("received bar")

	if t.state != StateToBuy {
		return
	}
	t.evaluate(ctx)
}

// evaluate runs the strategy and submits a buy on a signal. Called only while
// TO_BUY.
func (t *Trader) evaluate(ctx context.Context) {
	if t.bars.Len() < t.cfg.MinBars {
		return
	}
	if !t.strat.ShouldEnter(t.bars) {
		return
	}
	t.submitBuy(ctx)
}

// submitBuy places a limit buy at the last trade price sized to the lot
// notional. Submission failure is local: log and stay TO_BUY.
func (t *Trader) submitBuy(ctx context.Context) {
	price, err := t.client.LastTrade(ctx, t.cfg.Symbol)
	if err != nil {
		t.log.Warn().Err(err).Msg("last trade lookup failed, skipping entry")
		return
	}
	qty := math.Floor(t.cfg.Lot / price)
	if qty < 1 {
		t.log.Warn().Float64("price", price).Msg("lot too small for one share, skipping entry")
		return
	}
	if !t.cfg.Limits.AllowEntry(qty, price) {
		t.log.Warn().Float64("qty", qty).Float64("px", price).Msg("entry blocked by risk limits")
		return
	}

	order, err := t.client.SubmitOrder(ctx, broker.OrderRequest{
		Symbol:      t.cfg.Symbol,
		Side:        market.Buy,
		Kind:        market.Limit,
		Qty:         qty,
		LimitPrice:  price,
		TimeInForce: "day",
	})
	if err != nil {
		t.log.Info().Err(err).Msg("buy submission failed")
		return
	}

	t.order = &order
	t.journal.Record(journal.Entry{
		Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindOrder,
		OrderID: order.ID, Side: string(order.Side), Qty: order.Qty, Price: order.LimitPrice,
	})
	metrics.OrdersTotal.WithLabelValues(t.cfg.Symbol, string(market.Buy)).Inc()
	t.log.Info().Str("order_id", order.ID).Float64("qty", qty).Float64("px", price).Msg("submitted buy")
	t.transition(StateBuySubmitted)
}

// submitSell places the exit order. With bailout it is a market order;
// otherwise a limit at max(lastTrade, entryPrice). A failure leaves the trader
// TO_SELL because the position is real.
func (t *Trader) submitSell(ctx context.Context, bailout bool) {
	if t.position == nil {
		return
	}

	req := broker.OrderRequest{
		Symbol:      t.cfg.Symbol,
		Side:        market.Sell,
		Qty:         t.position.Qty,
		TimeInForce: "day",
	}
	if bailout {
		req.Kind = market.Market
	} else {
		price, err := t.client.LastTrade(ctx, t.cfg.Symbol)
		if err != nil {
			t.log.Warn().Err(err).Msg("last trade lookup failed, will retry sell at next checkup")
			t.transition(StateToSell)
			return
		}
		req.Kind = market.Limit
		req.LimitPrice = math.Max(price, t.position.AvgEntryPrice)
	}

	order, err := t.client.SubmitOrder(ctx, req)
	if err != nil {
		t.log.Error().Err(err).Msg("sell submission failed, holding position")
		t.transition(StateToSell)
		return
	}

	t.order = &order
	t.journal.Record(journal.Entry{
		Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindOrder,
		OrderID: order.ID, Side: string(order.Side), Qty: order.Qty, Price: order.LimitPrice,
	})
	metrics.OrdersTotal.WithLabelValues(t.cfg.Symbol, string(market.Sell)).Inc()
	t.log.Info().Str("order_id", order.ID).Float64("qty", order.Qty).Float64("px", order.LimitPrice).Msg("submitted sell")
	t.transition(StateSellSubmitted)
}

// OnOrderUpdate applies an order lifecycle event. Updates for anything other
// than the current order are stale and ignored.
func (t *Trader) OnOrderUpdate(ctx context.Context, update market.OrderUpdate) {
	if t.order == nil || update.Order.ID != t.order.ID {
		t.log.Debug().Str("order_id", update.Order.ID).Str("event", string(update.Event)).Msg("ignoring stale order update")
		return
	}

	switch update.Event {
	case market.UpdateFill:
		t.journal.Record(journal.Entry{
			Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindFill,
			OrderID: update.Order.ID, Side: string(update.Order.Side), Qty: update.FillQty, Price: update.FillPrice,
		})
		metrics.FillsTotal.WithLabelValues(t.cfg.Symbol, string(update.Order.Side)).Inc()
		t.order = nil
		switch t.state {
		case StateBuySubmitted:
			t.adoptPosition(ctx, update)
			t.transition(StateToSell)
			t.submitSell(ctx, false)
		case StateSellSubmitted:
			t.position = nil
			t.transition(StateToBuy)
		default:
			t.log.Warn().Str("state", string(t.state)).Msg("unexpected state for fill")
		}

	case market.UpdatePartialFill:
		// refresh snapshots; no transition until the order goes terminal
		order := update.Order
		t.order = &order
		if position, err := t.client.Position(ctx, t.cfg.Symbol); err == nil {
			t.position = position
		}

	case market.UpdateCanceled, market.UpdateRejected:
		if update.Event == market.UpdateRejected {
			t.log.Warn().Str("order_id", update.Order.ID).Msg("order rejected")
		}
		t.journal.Record(journal.Entry{
			Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindCancel,
			OrderID: update.Order.ID, Side: string(update.Order.Side),
		})
		t.order = nil
		switch t.state {
		case StateBuySubmitted:
			if t.position != nil {
				// a partial fill landed before the cancel; exit the remainder
				t.transition(StateToSell)
				t.submitSell(ctx, false)
			} else {
				t.transition(StateToBuy)
			}
		case StateSellSubmitted:
			t.transition(StateToSell)
		default:
			t.log.Warn().Str("state", string(t.state)).Str("event", string(update.Event)).Msg("unexpected state for terminal update")
		}

	default:
		t.log.Debug().Str("event", string(update.Event)).Msg("ignoring order update event")
	}
}

// Checkup is the periodic safety pass: cancel stale buys, recover missing
// sells, re-evaluate the signal, and liquidate near the close.
func (t *Trader) Checkup(ctx context.Context, clock market.Clock) {
	if t.state == StateDone {
		return
	}

	if clock.IsOpen && clock.TimeToClose(t.now()) <= t.cfg.CloseMargin {
		t.log.Info().Msg("close approaching, liquidating")
		t.liquidate(ctx, true)
		return
	}

	switch t.state {
	case StateToBuy:
		t.evaluate(ctx)
	case StateBuySubmitted:
		if t.order != nil && t.order.Side == market.Buy && t.now().Sub(t.order.SubmittedAt) > t.cfg.CancelBuyAfter {
			t.log.Info().Str("order_id", t.order.ID).Float64("px", t.order.LimitPrice).Msg("canceling missed buy order")
			if err := t.client.CancelOrder(ctx, t.order.ID); err != nil {
				t.log.Warn().Err(err).Msg("cancel request failed")
			}
			// the cancel update, not this request, drives the transition
		}
	case StateToSell:
		t.submitSell(ctx, false)
	case StateSellSubmitted:
		// sells may rest until filled or the close margin forces a bailout
	}
}

// Bailout flattens and halts the symbol immediately. Used by the fleet when it
// is going down with the market still open.
func (t *Trader) Bailout(ctx context.Context) {
	if t.state == StateDone {
		return
	}
	t.liquidate(ctx, true)
}

// liquidate cancels any open order, flattens any position with a market order
// when the market is open, and halts the symbol.
func (t *Trader) liquidate(ctx context.Context, marketOpen bool) {
	if t.order != nil {
		if err := t.client.CancelOrder(ctx, t.order.ID); err != nil {
			t.log.Warn().Err(err).Str("order_id", t.order.ID).Msg("cancel during liquidation failed")
		}
		t.order = nil
	}
	if t.position != nil && marketOpen {
		if _, err := t.client.SubmitOrder(ctx, broker.OrderRequest{
			Symbol:      t.cfg.Symbol,
			Side:        market.Sell,
			Kind:        market.Market,
			Qty:         t.position.Qty,
			TimeInForce: "day",
		}); err != nil {
			t.log.Error().Err(err).Msg("liquidation sell failed")
		} else {
			t.journal.Record(journal.Entry{
				Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindLiquidate,
				Side: string(market.Sell), Qty: t.position.Qty,
			})
		}
	}
	t.position = nil
	t.transition(StateDone)
}

// halt stops the symbol without placing orders.
func (t *Trader) halt() {
	t.order = nil
	t.position = nil
	t.transition(StateDone)
}

// adoptPosition prefers the broker's record after a fill, falling back to the
// fill itself.
func (t *Trader) adoptPosition(ctx context.Context, update market.OrderUpdate) {
	if position, err := t.client.Position(ctx, t.cfg.Symbol); err == nil && position != nil {
		t.position = position
		return
	}
	t.position = &market.Position{
		Symbol:        t.cfg.Symbol,
		Qty:           update.FillQty,
		AvgEntryPrice: update.FillPrice,
	}
}

func (t *Trader) transition(to State) {
	if to == t.state {
		t.stateSince = t.now()
		return
	}
	t.log.Info().Str("from", string(t.state)).Str("to", string(to)).Msg("transition")
	t.journal.Record(journal.Entry{
		Ts: t.now(), Symbol: t.cfg.Symbol, Kind: journal.KindTransition,
		From: string(t.state), To: string(to),
	})
	metrics.TransitionsTotal.WithLabelValues(t.cfg.Symbol, string(to)).Inc()
	t.state = to
	t.stateSince = t.now()
}

// sessionStart returns 09:30 New York time on the current day.
func sessionStart(now time.Time) time.Time {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 9, 30, 0, 0, loc)
}
