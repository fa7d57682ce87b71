package trader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/broker"
	"scalpbot-go/internal/journal"
	"scalpbot-go/internal/market"
	"scalpbot-go/internal/risk"
	"scalpbot-go/internal/strategy"
)

// fakeClient records broker calls and serves canned responses.
type fakeClient struct {
	mu        sync.Mutex
	lastTrade float64
	bars      []market.Bar
	open      []market.Order
	position  *market.Position
	clock     market.Clock

	lastTradeErr error
	submitErr    error
	openErr      error

	submitted []broker.OrderRequest
	canceled  []string
	nextID    int
	now       time.Time
}

func (f *fakeClient) LastTrade(context.Context, string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastTrade, f.lastTradeErr
}

func (f *fakeClient) SubmitOrder(_ context.Context, req broker.OrderRequest) (market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return market.Order{}, f.submitErr
	}
	f.submitted = append(f.submitted, req)
	f.nextID++
	return market.Order{
		ID:          fmt.Sprintf("ord-%d", f.nextID),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Kind:        req.Kind,
		Qty:         req.Qty,
		LimitPrice:  req.LimitPrice,
		Status:      market.OrderNew,
		SubmittedAt: f.now,
	}, nil
}

func (f *fakeClient) CancelOrder(_ context.Context, orderID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, orderID)
	return nil
}

func (f *fakeClient) OpenOrders(context.Context, string) ([]market.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, f.openErr
}

func (f *fakeClient) Position(context.Context, string) (*market.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *fakeClient) Bars(context.Context, string, time.Time) ([]market.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bars, nil
}

func (f *fakeClient) Clock(context.Context) (market.Clock, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock, nil
}

func (f *fakeClient) submissions() []broker.OrderRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broker.OrderRequest, len(f.submitted))
	copy(out, f.submitted)
	return out
}

var testBase = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

func openClock(now time.Time) market.Clock {
	return market.Clock{IsOpen: true, NextClose: now.Add(6 * time.Hour)}
}

func newTestTrader(client *fakeClient) *Trader {
	tr := New(Config{Symbol: "AAPL", Lot: 2000}, client,
		strategy.Build("sma_cross", strategy.Params{SMAPeriod: 20}),
		journal.Nop{}, zerolog.Nop())
	tr.now = func() time.Time { return testBase }
	return tr
}

func feedCloses(ctx context.Context, tr *Trader, closes []float64) {
	for i, close := range closes {
		tr.OnBar(ctx, market.Bar{
			Symbol:    "AAPL",
			Open:      close,
			High:      close + 0.5,
			Low:       close - 0.5,
			Close:     close,
			Volume:    1000,
			Timestamp: testBase.Add(time.Duration(i) * time.Minute),
		})
	}
}

func crossoverCloses() []float64 {
	closes := make([]float64, 0, 21)
	for i := 0; i < 19; i++ {
		closes = append(closes, 100)
	}
	return append(closes, 95, 105)
}

func TestCrossoverSubmitsOneBuy(t *testing.T) {
	client := &fakeClient{lastTrade: 104.50, now: testBase}
	tr := newTestTrader(client)
	ctx := context.Background()

	closes := crossoverCloses()
	feedCloses(ctx, tr, closes[:20])
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("no order expected before the signal arms, got %+v", got)
	}
	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY, got %s", tr.State())
	}

	feedCloses(ctx, tr, closes)
	got := client.submissions()
	if len(got) != 1 {
		t.Fatalf("expected exactly one buy, got %d", len(got))
	}
	req := got[0]
	if req.Side != market.Buy || req.Kind != market.Limit {
		t.Fatalf("unexpected order: %+v", req)
	}
	if req.Qty != 19 {
		t.Fatalf("expected qty floor(2000/104.50)=19, got %.0f", req.Qty)
	}
	if req.LimitPrice != 104.50 {
		t.Fatalf("expected limit at last trade, got %.2f", req.LimitPrice)
	}
	if tr.State() != StateBuySubmitted {
		t.Fatalf("expected BUY_SUBMITTED, got %s", tr.State())
	}
	if tr.order == nil || tr.order.Side != market.Buy {
		t.Fatalf("expected tracked buy order, got %+v", tr.order)
	}
}

func TestLotTooSmallSkipsEntry(t *testing.T) {
	client := &fakeClient{lastTrade: 5000, now: testBase}
	tr := newTestTrader(client)

	feedCloses(context.Background(), tr, crossoverCloses())
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("expected no order for sub-share lot, got %+v", got)
	}
	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY, got %s", tr.State())
	}
}

func TestRiskLimitBlocksEntry(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	tr := newTestTrader(client)
	tr.cfg.Limits = risk.Limits{MaxShares: 10}

	feedCloses(context.Background(), tr, crossoverCloses())
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("expected risk guard to block the entry, got %+v", got)
	}
	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY, got %s", tr.State())
	}
}

func TestBuySubmissionFailureStaysToBuy(t *testing.T) {
	client := &fakeClient{lastTrade: 100, submitErr: broker.ErrRejected, now: testBase}
	tr := newTestTrader(client)

	feedCloses(context.Background(), tr, crossoverCloses())
	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY after rejected submission, got %s", tr.State())
	}
	if tr.order != nil {
		t.Fatalf("no order should be tracked, got %+v", tr.order)
	}
}

func TestBuyFillSubmitsSellAboveEntry(t *testing.T) {
	client := &fakeClient{lastTrade: 100.50, now: testBase}
	client.position = &market.Position{Symbol: "AAPL", Qty: 19, AvgEntryPrice: 100.00}
	tr := newTestTrader(client)
	tr.state = StateBuySubmitted
	tr.order = &market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Qty: 19, SubmittedAt: testBase}

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event:     market.UpdateFill,
		Order:     market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Status: market.OrderFilled},
		FillPrice: 100.00,
		FillQty:   19,
		Ts:        testBase,
	})

	got := client.submissions()
	if len(got) != 1 {
		t.Fatalf("expected one sell, got %d", len(got))
	}
	req := got[0]
	if req.Side != market.Sell || req.Kind != market.Limit || req.Qty != 19 {
		t.Fatalf("unexpected sell: %+v", req)
	}
	if req.LimitPrice != 100.50 {
		t.Fatalf("sell should price at the higher of last trade and entry, got %.2f", req.LimitPrice)
	}
	if tr.State() != StateSellSubmitted {
		t.Fatalf("expected SELL_SUBMITTED, got %s", tr.State())
	}
}

func TestBuyFillSellFloorsAtEntryPrice(t *testing.T) {
	client := &fakeClient{lastTrade: 99.00, now: testBase}
	client.position = &market.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 101.00}
	tr := newTestTrader(client)
	tr.state = StateBuySubmitted
	tr.order = &market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Qty: 10, SubmittedAt: testBase}

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event:     market.UpdateFill,
		Order:     market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy},
		FillPrice: 101.00,
		FillQty:   10,
	})

	got := client.submissions()
	if len(got) != 1 || got[0].LimitPrice != 101.00 {
		t.Fatalf("sell should not price below entry, got %+v", got)
	}
}

func TestSellFillReturnsToBuy(t *testing.T) {
	client := &fakeClient{lastTrade: 101, now: testBase}
	tr := newTestTrader(client)
	tr.state = StateSellSubmitted
	tr.position = &market.Position{Symbol: "AAPL", Qty: 19, AvgEntryPrice: 100}
	tr.order = &market.Order{ID: "sell-1", Symbol: "AAPL", Side: market.Sell, Qty: 19}

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event:     market.UpdateFill,
		Order:     market.Order{ID: "sell-1", Symbol: "AAPL", Side: market.Sell},
		FillPrice: 100.50,
		FillQty:   19,
	})

	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY after exit fill, got %s", tr.State())
	}
	if tr.order != nil || tr.position != nil {
		t.Fatalf("expected flat book, got order=%+v position=%+v", tr.order, tr.position)
	}
}

func TestStaleUpdateIgnored(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	tr := newTestTrader(client)

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event:   market.UpdateFill,
		Order:   market.Order{ID: "ghost", Symbol: "AAPL", Side: market.Buy},
		FillQty: 5,
	})

	if tr.State() != StateToBuy {
		t.Fatalf("stale update must not change state, got %s", tr.State())
	}
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("stale update must not place orders, got %+v", got)
	}
}

func TestCheckupCancelsBuyAfterTimeout(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	tr := newTestTrader(client)
	tr.state = StateBuySubmitted
	tr.order = &market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, SubmittedAt: testBase}

	ctx := context.Background()

	tr.now = func() time.Time { return testBase.Add(119 * time.Second) }
	tr.Checkup(ctx, openClock(testBase))
	if len(client.canceled) != 0 {
		t.Fatalf("cancel must wait for the timeout, got %v", client.canceled)
	}

	tr.now = func() time.Time { return testBase.Add(121 * time.Second) }
	tr.Checkup(ctx, openClock(testBase))
	if len(client.canceled) != 1 || client.canceled[0] != "buy-1" {
		t.Fatalf("expected buy-1 canceled, got %v", client.canceled)
	}
	// the broker's cancel notification, not the request, moves the state
	if tr.State() != StateBuySubmitted {
		t.Fatalf("expected BUY_SUBMITTED until the cancel confirms, got %s", tr.State())
	}

	tr.OnOrderUpdate(ctx, market.OrderUpdate{
		Event: market.UpdateCanceled,
		Order: market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Status: market.OrderCanceled},
	})
	if tr.State() != StateToBuy {
		t.Fatalf("expected TO_BUY after cancel confirms, got %s", tr.State())
	}
}

func TestCanceledBuyWithPartialPositionExits(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	tr := newTestTrader(client)
	tr.state = StateBuySubmitted
	tr.order = &market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy}
	tr.position = &market.Position{Symbol: "AAPL", Qty: 7, AvgEntryPrice: 100}

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event: market.UpdateCanceled,
		Order: market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy},
	})

	got := client.submissions()
	if len(got) != 1 || got[0].Side != market.Sell || got[0].Qty != 7 {
		t.Fatalf("expected sell for the partial position, got %+v", got)
	}
	if tr.State() != StateSellSubmitted {
		t.Fatalf("expected SELL_SUBMITTED, got %s", tr.State())
	}
}

func TestCanceledSellResubmitsAtCheckup(t *testing.T) {
	client := &fakeClient{lastTrade: 100.25, now: testBase}
	tr := newTestTrader(client)
	tr.state = StateSellSubmitted
	tr.position = &market.Position{Symbol: "AAPL", Qty: 19, AvgEntryPrice: 100}
	tr.order = &market.Order{ID: "sell-1", Symbol: "AAPL", Side: market.Sell}

	ctx := context.Background()
	tr.OnOrderUpdate(ctx, market.OrderUpdate{
		Event: market.UpdateCanceled,
		Order: market.Order{ID: "sell-1", Symbol: "AAPL", Side: market.Sell},
	})
	if tr.State() != StateToSell {
		t.Fatalf("expected TO_SELL after sell cancel, got %s", tr.State())
	}
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("resubmission should wait for the checkup, got %+v", got)
	}

	tr.Checkup(ctx, openClock(testBase))
	got := client.submissions()
	if len(got) != 1 || got[0].Side != market.Sell || got[0].Kind != market.Limit {
		t.Fatalf("expected one limit sell, got %+v", got)
	}
	if tr.State() != StateSellSubmitted {
		t.Fatalf("expected SELL_SUBMITTED, got %s", tr.State())
	}
}

func TestCheckupLiquidatesNearClose(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	tr := newTestTrader(client)
	tr.state = StateSellSubmitted
	tr.position = &market.Position{Symbol: "AAPL", Qty: 19, AvgEntryPrice: 100}
	tr.order = &market.Order{ID: "sell-1", Symbol: "AAPL", Side: market.Sell}

	ctx := context.Background()
	clock := market.Clock{IsOpen: true, NextClose: testBase.Add(4 * time.Minute)}
	tr.Checkup(ctx, clock)

	if len(client.canceled) != 1 || client.canceled[0] != "sell-1" {
		t.Fatalf("expected resting sell canceled, got %v", client.canceled)
	}
	got := client.submissions()
	if len(got) != 1 || got[0].Kind != market.Market || got[0].Side != market.Sell || got[0].Qty != 19 {
		t.Fatalf("expected market bailout sell, got %+v", got)
	}
	if tr.State() != StateDone {
		t.Fatalf("expected DONE after liquidation, got %s", tr.State())
	}

	// a second checkup past Done is inert
	tr.Checkup(ctx, clock)
	if len(client.submissions()) != 1 || len(client.canceled) != 1 {
		t.Fatalf("done trader must not act again")
	}
}

func TestReconcileMapsBrokerState(t *testing.T) {
	cases := []struct {
		name     string
		position *market.Position
		open     []market.Order
		want     State
	}{
		{"flat", nil, nil, StateToBuy},
		{"working buy", nil, []market.Order{{ID: "b", Symbol: "AAPL", Side: market.Buy}}, StateBuySubmitted},
		{"held position", &market.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100}, nil, StateToSell},
		{"held with working sell", &market.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100},
			[]market.Order{{ID: "s", Symbol: "AAPL", Side: market.Sell}}, StateSellSubmitted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := &fakeClient{lastTrade: 100, position: tc.position, open: tc.open, now: testBase}
			tr := newTestTrader(client)
			tr.Reconcile(context.Background(), openClock(testBase))
			if tr.State() != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, tr.State())
			}
		})
	}
}

func TestReconcileHaltsOnMultipleOpenOrders(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	client.open = []market.Order{
		{ID: "a", Symbol: "AAPL", Side: market.Buy},
		{ID: "b", Symbol: "AAPL", Side: market.Sell},
	}
	tr := newTestTrader(client)

	tr.Reconcile(context.Background(), openClock(testBase))
	if tr.State() != StateDone {
		t.Fatalf("expected DONE on inconsistent broker state, got %s", tr.State())
	}
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("halt must not place orders, got %+v", got)
	}
}

func TestReconcileClosedMarketHaltsWithoutSelling(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	client.position = &market.Position{Symbol: "AAPL", Qty: 10, AvgEntryPrice: 100}
	tr := newTestTrader(client)

	tr.Reconcile(context.Background(), market.Clock{IsOpen: false, NextClose: testBase.Add(18 * time.Hour)})
	if tr.State() != StateDone {
		t.Fatalf("expected DONE when the market is closed, got %s", tr.State())
	}
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("no orders while the market is closed, got %+v", got)
	}
}

func TestPartialFillRefreshesWithoutTransition(t *testing.T) {
	client := &fakeClient{lastTrade: 100, now: testBase}
	client.position = &market.Position{Symbol: "AAPL", Qty: 5, AvgEntryPrice: 100}
	tr := newTestTrader(client)
	tr.state = StateBuySubmitted
	tr.order = &market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Qty: 19}

	tr.OnOrderUpdate(context.Background(), market.OrderUpdate{
		Event:     market.UpdatePartialFill,
		Order:     market.Order{ID: "buy-1", Symbol: "AAPL", Side: market.Buy, Qty: 19, Status: market.OrderPartiallyFilled},
		FillPrice: 100,
		FillQty:   5,
	})

	if tr.State() != StateBuySubmitted {
		t.Fatalf("partial fill must not transition, got %s", tr.State())
	}
	if tr.position == nil || tr.position.Qty != 5 {
		t.Fatalf("position should track the broker, got %+v", tr.position)
	}
	if got := client.submissions(); len(got) != 0 {
		t.Fatalf("partial fill must not place orders, got %+v", got)
	}
}
