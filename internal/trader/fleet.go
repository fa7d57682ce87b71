package trader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/feed"
	"scalpbot-go/internal/market"
	"scalpbot-go/internal/metrics"
)

const queueSize = 64

// event is the single dispatch unit a fleet worker consumes; exactly one field
// is set.
type event struct {
	bar       *market.Bar
	update    *market.OrderUpdate
	clock     *market.Clock
	liquidate bool
}

// Fleet owns one trader per symbol and routes streamed events plus a periodic
// checkup to each symbol's sequential worker. Workers never share state, so
// one symbol's broker round trip never stalls another symbol's events.
type Fleet struct {
	log      zerolog.Logger
	client   broker.Client
	stream   feed.Stream
	traders  map[string]*Trader
	queues   map[string]chan event
	interval time.Duration

	wg     sync.WaitGroup
	doneCh chan string
}

// FleetOption configures Fleet construction parameters.
type FleetOption func(*Fleet)

// WithCheckupInterval overrides the default 30s checkup cadence.
func WithCheckupInterval(d time.Duration) FleetOption {
	return func(f *Fleet) {
		if d > 0 {
			f.interval = d
		}
	}
}

// NewFleet builds a fleet over the given traders.
func NewFleet(client broker.Client, stream feed.Stream, traders []*Trader, log zerolog.Logger, opts ...FleetOption) *Fleet {
	f := &Fleet{
		log:      log,
		client:   client,
		stream:   stream,
		traders:  make(map[string]*Trader, len(traders)),
		queues:   make(map[string]chan event, len(traders)),
		interval: 30 * time.Second,
		doneCh:   make(chan string, len(traders)),
	}
	for _, tr := range traders {
		f.traders[tr.Symbol()] = tr
		f.queues[tr.Symbol()] = make(chan event, queueSize)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Run reconciles every trader against the broker, starts the stream and the
// per-symbol workers, and dispatches until every trader is done, the market
// closes, or the context is canceled.
func (f *Fleet) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	clock, err := f.client.Clock(ctx)
	if err != nil {
		return fmt.Errorf("initial clock fetch: %w", err)
	}
	for _, tr := range f.traders {
		tr.Reconcile(ctx, clock)
	}

	bars := make(chan market.Bar, 4*queueSize)
	updates := make(chan market.OrderUpdate, queueSize)
	streamErr := make(chan error, 1)
	go func() { streamErr <- f.stream.Run(ctx, bars, updates) }()

	for symbol, tr := range f.traders {
		f.wg.Add(1)
		go f.worker(ctx, tr, f.queues[symbol])
	}

	remaining := len(f.traders)
	finished := make(map[string]bool, remaining)
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	defer func() {
		cancel()
		f.wg.Wait()
	}()

	for remaining > 0 {
		select {
		case <-ctx.Done():
			f.log.Info().Msg("dispatch canceled")
			return ctx.Err()

		case err := <-streamErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			f.log.Error().Err(err).Msg("stream failed, attempting bailout")
			f.bailout(ctx, finished)
			return fmt.Errorf("stream stopped: %w", err)

		case bar := <-bars:
			f.dispatchBar(bar)

		case update := <-updates:
			if err := f.dispatchUpdate(ctx, update); err != nil {
				return err
			}

		case symbol := <-f.doneCh:
			if !finished[symbol] {
				finished[symbol] = true
				remaining--
				f.log.Info().Str("sym", symbol).Int("remaining", remaining).Msg("symbol done for the session")
			}

		case <-ticker.C:
			clock, err := f.client.Clock(ctx)
			if err != nil {
				f.log.Warn().Err(err).Msg("clock fetch failed, skipping checkup")
				continue
			}
			if !clock.IsOpen {
				f.log.Info().Msg("market is not open, stopping")
				return nil
			}
			if err := f.broadcastCheckup(ctx, clock, finished); err != nil {
				return err
			}
		}
	}

	f.log.Info().Msg("all symbols done")
	return nil
}

// worker drains one symbol's queue sequentially. It keeps draining after the
// trader is done so dispatch never blocks on a dead symbol.
func (f *Fleet) worker(ctx context.Context, tr *Trader, queue <-chan event) {
	defer f.wg.Done()

	notified := false
	notify := func() {
		if notified || !tr.Done() {
			return
		}
		notified = true
		select {
		case f.doneCh <- tr.Symbol():
		case <-ctx.Done():
		}
	}
	notify()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-queue:
			switch {
			case ev.bar != nil:
				tr.OnBar(ctx, *ev.bar)
			case ev.update != nil:
				tr.OnOrderUpdate(ctx, *ev.update)
			case ev.clock != nil:
				tr.Checkup(ctx, *ev.clock)
			case ev.liquidate:
				tr.Bailout(ctx)
			}
			notify()
		}
	}
}

// dispatchBar routes a bar to its symbol's queue. A full queue drops the bar:
// a missed minute is an accepted loss, a stalled dispatcher is not.
func (f *Fleet) dispatchBar(bar market.Bar) {
	queue, ok := f.queues[bar.Symbol]
	if !ok {
		return
	}
	select {
	case queue <- event{bar: &bar}:
	default:
		metrics.BarsDropped.WithLabelValues(bar.Symbol).Inc()
		f.log.Warn().Str("sym", bar.Symbol).Msg("symbol queue full, dropping bar")
	}
}

// dispatchUpdate routes an order update to the owning symbol. Updates are
// never dropped.
func (f *Fleet) dispatchUpdate(ctx context.Context, update market.OrderUpdate) error {
	queue, ok := f.queues[update.Order.Symbol]
	if !ok {
		f.log.Debug().Str("sym", update.Order.Symbol).Msg("order update for unknown symbol")
		return nil
	}
	select {
	case queue <- event{update: &update}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// bailout is the best-effort liquidation pass before a fatal exit: every live
// symbol flattens if the market is open. Waits for the workers to confirm,
// bounded so a wedged broker cannot block shutdown.
func (f *Fleet) bailout(ctx context.Context, finished map[string]bool) {
	clock, err := f.client.Clock(ctx)
	if err != nil || !clock.IsOpen {
		return
	}
	pending := 0
	for symbol, queue := range f.queues {
		if finished[symbol] {
			continue
		}
		select {
		case queue <- event{liquidate: true}:
			pending++
		case <-ctx.Done():
			return
		}
	}
	timeout := time.After(10 * time.Second)
	for pending > 0 {
		select {
		case <-f.doneCh:
			pending--
		case <-timeout:
			f.log.Warn().Int("pending", pending).Msg("bailout timed out")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (f *Fleet) broadcastCheckup(ctx context.Context, clock market.Clock, finished map[string]bool) error {
	for symbol, queue := range f.queues {
		if finished[symbol] {
			continue
		}
		select {
		case queue <- event{clock: &clock}:
			metrics.CheckupsTotal.WithLabelValues(symbol).Inc()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
