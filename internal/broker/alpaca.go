package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"scalpbot-go/internal/market"
)

const (
	defaultBaseURL = "https://paper-api.alpaca.markets"
	defaultDataURL = "https://data.alpaca.markets"
)

// Alpaca talks to the Alpaca trading and market data REST APIs.
type Alpaca struct {
	key     string
	secret  string
	baseURL string
	dataURL string
	client  *http.Client
	log     zerolog.Logger
}

// Option configures Alpaca construction parameters.
type Option func(*Alpaca)

// WithBaseURL overrides the trading API endpoint.
func WithBaseURL(u string) Option {
	return func(a *Alpaca) {
		if u != "" {
			a.baseURL = u
		}
	}
}

// WithDataURL overrides the market data API endpoint.
func WithDataURL(u string) Option {
	return func(a *Alpaca) {
		if u != "" {
			a.dataURL = u
		}
	}
}

// WithHTTPClient swaps the underlying HTTP client (tests).
func WithHTTPClient(c *http.Client) Option {
	return func(a *Alpaca) {
		if c != nil {
			a.client = c
		}
	}
}

// NewAlpaca constructs a REST client authenticated with the given key pair.
func NewAlpaca(key, secret string, log zerolog.Logger, opts ...Option) *Alpaca {
	a := &Alpaca{
		key:     key,
		secret:  secret,
		baseURL: defaultBaseURL,
		dataURL: defaultDataURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Alpaca encodes order numerics as JSON strings.
type alpacaOrder struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Qty         string    `json:"qty"`
	LimitPrice  string    `json:"limit_price"`
	Status      string    `json:"status"`
	SubmittedAt time.Time `json:"submitted_at"`
}

type alpacaPosition struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	AvgEntryPrice string `json:"avg_entry_price"`
}

type alpacaClock struct {
	IsOpen    bool      `json:"is_open"`
	NextClose time.Time `json:"next_close"`
}

type alpacaBar struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    uint64    `json:"v"`
}

type alpacaBarsResponse struct {
	Bars          []alpacaBar `json:"bars"`
	NextPageToken *string     `json:"next_page_token"`
}

type alpacaLatestTrade struct {
	Trade struct {
		Price float64 `json:"p"`
	} `json:"trade"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// LastTrade implements Client.
func (a *Alpaca) LastTrade(ctx context.Context, symbol string) (float64, error) {
	var resp alpacaLatestTrade
	path := fmt.Sprintf("%s/v2/stocks/%s/trades/latest", a.dataURL, symbol)
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, fmt.Errorf("last trade %s: %w", symbol, err)
	}
	return resp.Trade.Price, nil
}

// SubmitOrder implements Client.
func (a *Alpaca) SubmitOrder(ctx context.Context, req OrderRequest) (market.Order, error) {
	tif := req.TimeInForce
	if tif == "" {
		tif = "day"
	}
	body := map[string]string{
		"symbol":        req.Symbol,
		"side":          string(req.Side),
		"type":          string(req.Kind),
		"qty":           strconv.FormatFloat(req.Qty, 'f', -1, 64),
		"time_in_force": tif,
	}
	if req.Kind == market.Limit {
		body["limit_price"] = strconv.FormatFloat(req.LimitPrice, 'f', 2, 64)
	}

	var resp alpacaOrder
	if err := a.do(ctx, http.MethodPost, a.baseURL+"/v2/orders", body, &resp); err != nil {
		return market.Order{}, fmt.Errorf("submit %s %s: %w", req.Side, req.Symbol, err)
	}
	return convertOrder(resp)
}

// CancelOrder implements Client. A 404 or 422 means the order is already
// terminal, which callers accept silently.
func (a *Alpaca) CancelOrder(ctx context.Context, orderID string) error {
	err := a.do(ctx, http.MethodDelete, a.baseURL+"/v2/orders/"+url.PathEscape(orderID), nil, nil)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && (se.code == http.StatusNotFound || se.code == http.StatusUnprocessableEntity) {
			return nil
		}
		return fmt.Errorf("cancel order %s: %w", orderID, err)
	}
	return nil
}

// OpenOrders implements Client.
func (a *Alpaca) OpenOrders(ctx context.Context, symbol string) ([]market.Order, error) {
	path := fmt.Sprintf("%s/v2/orders?status=open&symbols=%s", a.baseURL, url.QueryEscape(symbol))
	var resp []alpacaOrder
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("open orders %s: %w", symbol, err)
	}
	orders := make([]market.Order, 0, len(resp))
	for _, raw := range resp {
		order, err := convertOrder(raw)
		if err != nil {
			return nil, fmt.Errorf("open orders %s: %w", symbol, err)
		}
		orders = append(orders, order)
	}
	return orders, nil
}

// Position implements Client; a 404 means flat and returns nil, nil.
func (a *Alpaca) Position(ctx context.Context, symbol string) (*market.Position, error) {
	var resp alpacaPosition
	err := a.do(ctx, http.MethodGet, a.baseURL+"/v2/positions/"+url.PathEscape(symbol), nil, &resp)
	if err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("position %s: %w", symbol, err)
	}
	qty, err := strconv.ParseFloat(resp.Qty, 64)
	if err != nil {
		return nil, fmt.Errorf("position %s: bad qty %q", symbol, resp.Qty)
	}
	avg, err := strconv.ParseFloat(resp.AvgEntryPrice, 64)
	if err != nil {
		return nil, fmt.Errorf("position %s: bad avg price %q", symbol, resp.AvgEntryPrice)
	}
	return &market.Position{Symbol: resp.Symbol, Qty: qty, AvgEntryPrice: avg}, nil
}

// Bars implements Client.
func (a *Alpaca) Bars(ctx context.Context, symbol string, start time.Time) ([]market.Bar, error) {
	path := fmt.Sprintf("%s/v2/stocks/%s/bars?timeframe=1Min&adjustment=raw&limit=10000&start=%s",
		a.dataURL, symbol, url.QueryEscape(start.Format(time.RFC3339)))
	var resp alpacaBarsResponse
	if err := a.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("bars %s: %w", symbol, err)
	}
	bars := make([]market.Bar, 0, len(resp.Bars))
	for _, raw := range resp.Bars {
		bars = append(bars, market.Bar{
			Symbol:    symbol,
			Open:      raw.Open,
			High:      raw.High,
			Low:       raw.Low,
			Close:     raw.Close,
			Volume:    raw.Volume,
			Timestamp: raw.Timestamp,
		})
	}
	return bars, nil
}

// Clock implements Client.
func (a *Alpaca) Clock(ctx context.Context) (market.Clock, error) {
	var resp alpacaClock
	if err := a.do(ctx, http.MethodGet, a.baseURL+"/v2/clock", nil, &resp); err != nil {
		return market.Clock{}, fmt.Errorf("clock: %w", err)
	}
	return market.Clock{IsOpen: resp.IsOpen, NextClose: resp.NextClose}, nil
}

type statusError struct {
	code int
	msg  string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("alpaca: status %d: %s", e.code, e.msg)
}

// Unwrap surfaces ErrRejected for order-rejection statuses so callers can
// branch with errors.Is.
func (e *statusError) Unwrap() error {
	if e.code == http.StatusUnprocessableEntity || e.code == http.StatusForbidden {
		return ErrRejected
	}
	return nil
}

func (a *Alpaca) do(ctx context.Context, method, rawURL string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return err
	}
	req.Header.Set("APCA-API-KEY-ID", a.key)
	req.Header.Set("APCA-API-SECRET-KEY", a.secret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr apiError
		msg := resp.Status
		if data, err := io.ReadAll(io.LimitReader(resp.Body, 4096)); err == nil {
			if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
				msg = apiErr.Message
			}
		}
		return &statusError{code: resp.StatusCode, msg: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func convertOrder(raw alpacaOrder) (market.Order, error) {
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
		Status:      normalizeStatus(raw.Status),
		SubmittedAt: raw.SubmittedAt,
	}, nil
}

func normalizeStatus(status string) market.OrderStatus {
	switch status {
	case "new", "accepted", "pending_new":
		return market.OrderNew
	case "partially_filled":
		return market.OrderPartiallyFilled
	case "filled":
		return market.OrderFilled
	case "canceled", "expired", "done_for_day":
		return market.OrderCanceled
	case "rejected":
		return market.OrderRejected
	}
	return market.OrderStatus(status)
}
