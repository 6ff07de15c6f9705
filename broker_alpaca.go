// FILE: broker_alpaca.go
// Package main – Alpaca Trading API v2 REST client.
//
// Implements Broker against Alpaca's trading endpoints (paper or live,
// selected by ALPACA_BASE_URL) plus the market-data endpoint for the latest
// trade. Auth is the two key headers; prices come back as JSON number
// strings and are decoded straight into decimal.Decimal.
//
// Error classification:
//   • network error / timeout / 429 / 5xx  → BrokerTransient (retry next cycle)
//   • 403 / 422                            → BrokerRejected  (surface, keep rung Pending)
//   • 404 on the position endpoint         → ErrNoPosition   (a signal, not a fault)
package main

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
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AlpacaBroker implements Broker for the Alpaca REST API.
type AlpacaBroker struct {
	client    *http.Client
	baseURL   string // trading API, e.g. https://paper-api.alpaca.markets
	dataURL   string // market data API, e.g. https://data.alpaca.markets
	apiKey    string
	apiSecret string
}

// NewAlpacaBroker builds the client from Config. Credentials are validated in
// loadConfigFromEnv; missing keys never get this far.
func NewAlpacaBroker(cfg Config) *AlpacaBroker {
	return &AlpacaBroker{
		client:    &http.Client{Timeout: 15 * time.Second},
		baseURL:   strings.TrimRight(cfg.AlpacaBaseURL, "/"),
		dataURL:   strings.TrimRight(cfg.AlpacaDataURL, "/"),
		apiKey:    cfg.AlpacaAPIKey,
		apiSecret: cfg.AlpacaSecretKey,
	}
}

func (b *AlpacaBroker) Name() string { return "alpaca" }

// ---- wire types ----

type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

type alpacaOrder struct {
	ID             string           `json:"id"`
	Symbol         string           `json:"symbol"`
	Qty            decimal.Decimal  `json:"qty"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	CreatedAt      time.Time        `json:"created_at"`
}

func (o alpacaOrder) normalize() BrokerOrder {
	out := BrokerOrder{
		ID:        o.ID,
		Symbol:    o.Symbol,
		Qty:       o.Qty,
		Side:      OrderSide(o.Side),
		Type:      OrderType(o.Type),
		CreatedAt: o.CreatedAt,
	}
	switch o.Status {
	case "filled":
		out.Status = StatusFilled
	case "new", "accepted", "partially_filled", "pending_new", "accepted_for_bidding", "held", "pending_cancel", "pending_replace":
		out.Status = StatusOpen
	default:
		out.Status = StatusClosed
	}
	if o.LimitPrice != nil {
		out.LimitPrice = *o.LimitPrice
	}
	if o.FilledAvgPrice != nil {
		out.FilledAvgPrice = *o.FilledAvgPrice
	}
	return out
}

// ---- interface methods ----

func (b *AlpacaBroker) GetPosition(ctx context.Context, symbol string) (*BrokerPosition, error) {
	status, data, err := b.doReq(ctx, http.MethodGet, b.baseURL+"/v2/positions/"+url.PathEscape(symbol), nil)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, fmt.Errorf("alpaca: %s: %w", symbol, ErrNoPosition)
	}
	if err := classifyStatus("get_position", status, data); err != nil {
		return nil, err
	}
	var pos alpacaPosition
	if err := json.Unmarshal(data, &pos); err != nil {
		return nil, brokerTransient("get_position", fmt.Errorf("decode position: %w", err))
	}
	return &BrokerPosition{
		Symbol:        pos.Symbol,
		Qty:           pos.Qty,
		AvgEntryPrice: pos.AvgEntryPrice,
		CurrentPrice:  pos.CurrentPrice,
		UnrealizedPL:  pos.UnrealizedPL,
	}, nil
}

func (b *AlpacaBroker) ListOrders(ctx context.Context, status OrderStatus, symbol string, limit int) ([]BrokerOrder, error) {
	// The venue's status filter only accepts open, closed, or all. Filled
	// orders live in the closed set, so a filled query widens to closed and
	// the fills are selected after decoding.
	venueStatus := status
	if status == StatusFilled {
		venueStatus = StatusClosed
	}
	q := url.Values{}
	q.Set("status", string(venueStatus))
	if symbol != "" {
		q.Set("symbols", symbol)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	code, data, err := b.doReq(ctx, http.MethodGet, b.baseURL+"/v2/orders?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if err := classifyStatus("list_orders", code, data); err != nil {
		return nil, err
	}
	var raw []alpacaOrder
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, brokerTransient("list_orders", fmt.Errorf("decode orders: %w", err))
	}
	out := make([]BrokerOrder, 0, len(raw))
	for _, o := range raw {
		no := o.normalize()
		if status == StatusFilled && no.Status != StatusFilled {
			continue
		}
		out = append(out, no)
	}
	return out, nil
}

func (b *AlpacaBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	body := map[string]string{
		"symbol":        req.Symbol,
		"qty":           req.Qty.String(),
		"side":          string(req.Side),
		"type":          string(req.Type),
		"time_in_force": string(req.TimeInForce),
	}
	if req.Type == OrderLimit {
		body["limit_price"] = req.LimitPrice.StringFixed(2)
	}
	bs, err := json.Marshal(body)
	if err != nil {
		return "", brokerRejected("submit_order", err)
	}
	code, data, err := b.doReq(ctx, http.MethodPost, b.baseURL+"/v2/orders", bs)
	if err != nil {
		return "", err
	}
	if err := classifyStatus("submit_order", code, data); err != nil {
		return "", err
	}
	var placed alpacaOrder
	if err := json.Unmarshal(data, &placed); err != nil {
		return "", brokerTransient("submit_order", fmt.Errorf("decode order: %w", err))
	}
	return placed.ID, nil
}

func (b *AlpacaBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := b.dataURL + "/v2/stocks/" + url.PathEscape(symbol) + "/trades/latest"
	code, data, err := b.doReq(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	if err := classifyStatus("get_latest_price", code, data); err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Trade struct {
			Price decimal.Decimal `json:"p"`
		} `json:"trade"`
	}
	if err := json.Unmarshal(data, &resp); err != nil {
		return decimal.Zero, brokerTransient("get_latest_price", fmt.Errorf("decode trade: %w", err))
	}
	if !resp.Trade.Price.IsPositive() {
		return decimal.Zero, brokerTransient("get_latest_price", fmt.Errorf("no trade price for %s", symbol))
	}
	return resp.Trade.Price, nil
}

// ---- request plumbing ----

// doReq issues one authenticated request and returns (status, body). Network
// failures and timeouts come back as BrokerTransient; HTTP status
// classification is the caller's job because 404 means different things per
// endpoint.
func (b *AlpacaBroker) doReq(ctx context.Context, method, fullURL string, body []byte) (int, []byte, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, fullURL, rd)
	if err != nil {
		return 0, nil, brokerRejected("request", err)
	}
	req.Header.Set("APCA-API-KEY-ID", b.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", b.apiSecret)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, nil, err
		}
		return 0, nil, brokerTransient("request", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return 0, nil, brokerTransient("request", err)
	}
	return resp.StatusCode, data, nil
}

// classifyStatus maps a non-2xx response to the error taxonomy.
func classifyStatus(op string, code int, body []byte) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return brokerTransient(op, fmt.Errorf("http %d: %s", code, trimBody(body)))
	case code == http.StatusForbidden || code == http.StatusUnprocessableEntity:
		return brokerRejected(op, fmt.Errorf("http %d: %s", code, trimBody(body)))
	default:
		return brokerRejected(op, fmt.Errorf("http %d: %s", code, trimBody(body)))
	}
}

func trimBody(bs []byte) string {
	s := strings.TrimSpace(string(bs))
	if len(s) > 256 {
		s = s[:256] + "…"
	}
	return s
}
