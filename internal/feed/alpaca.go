package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"scalpbot-go/internal/market"
	"scalpbot-go/internal/metrics"
)

const (
	defaultDataStreamURL   = "wss://stream.data.alpaca.markets/v2/iex"
	defaultUpdateStreamURL = "wss://paper-api.alpaca.markets/stream"

	readDeadline = 30 * time.Second
	pingInterval = 15 * time.Second
	maxBackoff   = 30 * time.Second
)

// AlpacaStream consumes the Alpaca market data and account websocket APIs and
// converts their payloads into market types.
type AlpacaStream struct {
	key             string
	secret          string
	symbols         []string
	dataStreamURL   string
	updateStreamURL string
	log             zerolog.Logger
}

// Option configures AlpacaStream construction parameters.
type Option func(*AlpacaStream)

// WithDataStreamURL overrides the market data websocket endpoint.
func WithDataStreamURL(u string) Option {
	return func(s *AlpacaStream) {
		if u != "" {
			s.dataStreamURL = u
		}
	}
}

// WithUpdateStreamURL overrides the order update websocket endpoint.
func WithUpdateStreamURL(u string) Option {
	return func(s *AlpacaStream) {
		if u != "" {
			s.updateStreamURL = u
		}
	}
}

// NewAlpacaStream constructs a stream subscribed to minute bars for the given
// symbols plus the account's order updates.
func NewAlpacaStream(key, secret string, symbols []string, log zerolog.Logger, opts ...Option) *AlpacaStream {
	s := &AlpacaStream{
		key:             key,
		secret:          secret,
		symbols:         append([]string(nil), symbols...),
		dataStreamURL:   defaultDataStreamURL,
		updateStreamURL: defaultUpdateStreamURL,
		log:             log,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run implements Stream. Both websocket sessions run until the context is
// canceled; either one failing terminally ends the run.
func (s *AlpacaStream) Run(ctx context.Context, bars chan<- market.Bar, updates chan<- market.OrderUpdate) error {
	if len(s.symbols) == 0 {
		return fmt.Errorf("alpaca stream requires at least one symbol")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	go func() { errc <- s.runWithRetry(ctx, "market data", func(c context.Context) error { return s.consumeBars(c, bars) }) }()
	go func() {
		errc <- s.runWithRetry(ctx, "order updates", func(c context.Context) error { return s.consumeUpdates(c, updates) })
	}()

	err := <-errc
	cancel()
	<-errc
	return err
}

// runWithRetry reconnects with capped exponential backoff, the same loop the
// connectors use for flaky public streams.
func (s *AlpacaStream) runWithRetry(ctx context.Context, name string, consume func(context.Context) error) error {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Str("stream", name).Msg("stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		return nil
	}
}

type dataStreamMessage struct {
	Type      string    `json:"T"`
	Msg       string    `json:"msg"`
	Symbol    string    `json:"S"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    uint64    `json:"v"`
	Timestamp time.Time `json:"t"`
}

func (s *AlpacaStream) consumeBars(ctx context.Context, out chan<- market.Bar) error {
	conn, err := s.dial(ctx, s.dataStreamURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := map[string]string{"action": "auth", "key": s.key, "secret": s.secret}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("auth write: %w", err)
	}

	streams := make([]string, len(s.symbols))
	copy(streams, s.symbols)
	sub := map[string]any{"action": "subscribe", "bars": streams}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("subscribe write: %w", err)
	}

	s.log.Info().Strs("symbols", s.symbols).Msg("connected market data stream")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var msgs []dataStreamMessage
		if err := json.Unmarshal(message, &msgs); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode data stream message")
			continue
		}
		for _, msg := range msgs {
			switch msg.Type {
			case "b":
				bar := market.Bar{
					Symbol:    msg.Symbol,
					Open:      msg.Open,
					High:      msg.High,
					Low:       msg.Low,
					Close:     msg.Close,
					Volume:    msg.Volume,
					Timestamp: msg.Timestamp,
				}
				select {
				case out <- bar:
					metrics.BarsTotal.WithLabelValues(bar.Symbol).Inc()
				case <-ctx.Done():
					return ctx.Err()
				}
			case "error":
				return fmt.Errorf("data stream error: %s", msg.Msg)
			case "success", "subscription":
				// control messages, nothing to do
			default:
				s.log.Debug().Str("type", msg.Type).Msg("ignoring data stream message")
			}
		}
	}
}

type updateEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type tradeUpdateData struct {
	Event     string      `json:"event"`
	Price     string      `json:"price"`
	Qty       string      `json:"qty"`
	Timestamp time.Time   `json:"timestamp"`
	Order     updateOrder `json:"order"`
}

type updateOrder struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Qty         string    `json:"qty"`
	LimitPrice  string    `json:"limit_price"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type authorizationData struct {
	Status string `json:"status"`
}

func (s *AlpacaStream) consumeUpdates(ctx context.Context, out chan<- market.OrderUpdate) error {
	conn, err := s.dial(ctx, s.updateStreamURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	auth := map[string]any{
		"action": "authenticate",
		"data":   map[string]string{"key_id": s.key, "secret_key": s.secret},
	}
	if err := conn.WriteJSON(auth); err != nil {
		return fmt.Errorf("authenticate write: %w", err)
	}
	listen := map[string]any{
		"action": "listen",
		"data":   map[string][]string{"streams": {"trade_updates"}},
	}
	if err := conn.WriteJSON(listen); err != nil {
		return fmt.Errorf("listen write: %w", err)
	}

	s.log.Info().Msg("connected order update stream")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		var env updateEnvelope
		if err := json.Unmarshal(message, &env); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode update stream message")
			continue
		}
		switch env.Stream {
		case "authorization":
			var data authorizationData
			if err := json.Unmarshal(env.Data, &data); err == nil && data.Status == "unauthorized" {
				return fmt.Errorf("order update stream unauthorized")
			}
		case "trade_updates":
			var data tradeUpdateData
			if err := json.Unmarshal(env.Data, &data); err != nil {
				s.log.Warn().Err(err).Msg("failed to decode trade update")
				continue
			}
			update, err := convertUpdate(data)
			if err != nil {
				s.log.Warn().Err(err).Msg("invalid trade update")
				continue
			}
			select {
			case out <- update:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			s.log.Debug().Str("stream", env.Stream).Msg("ignoring update stream message")
		}
	}
}

func (s *AlpacaStream) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	conn.SetReadLimit(1 << 20)
	conn.SetReadDeadline(time.Now().Add(readDeadline))
	conn.SetPongHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return conn, nil
}

func convertUpdate(data tradeUpdateData) (market.OrderUpdate, error) {
	order, err := convertUpdateOrder(data.Order)
	if err != nil {
		return market.OrderUpdate{}, err
	}
	update := market.OrderUpdate{
		Event: market.UpdateEvent(strings.ToLower(data.Event)),
		Order: order,
		Ts:    data.Timestamp,
	}
	if data.Price != "" {
		update.FillPrice, err = strconv.ParseFloat(data.Price, 64)
		if err != nil {
			return market.OrderUpdate{}, fmt.Errorf("bad fill price %q", data.Price)
		}
	}
	if data.Qty != "" {
		update.FillQty, err = strconv.ParseFloat(data.Qty, 64)
		if err != nil {
			return market.OrderUpdate{}, fmt.Errorf("bad fill qty %q", data.Qty)
		}
	}
	return update, nil
}

func convertUpdateOrder(raw updateOrder) (market.Order, error) {
	qty, err := strconv.ParseFloat(raw.Qty, 64)
	if err != nil {
		return market.Order{}, fmt.Errorf("order %s: bad qty %q", raw.ID, raw.Qty)
	}
	var limit float64
	if raw.LimitPrice != "" {
		limit, err = strconv.ParseFloat(raw.LimitPrice, 64)
		if err != nil {
			return market.Order{}, fmt.Errorf("order %s: bad limit price %q", raw.ID, raw.LimitPrice)
		}
	}
	return market.Order{
		ID:          raw.ID,
		Symbol:      raw.Symbol,
		Side:        market.Side(raw.Side),
		Kind:        market.Kind(raw.Type),
		Qty:         qty,
		LimitPrice:  limit,
		Status:      market.OrderStatus(raw.Status),
		SubmittedAt: raw.SubmittedAt,
	}, nil
}
