// FILE: broker.go
// Package main – Broker abstractions shared by all execution backends.
//
// This file defines the minimal interface the reconciliation engine needs to
// talk to a brokerage backend (paper or real):
//   • Broker interface: position lookup, order listing/submission, latest price
//   • Common types: OrderSide, OrderType, OrderStatus, BrokerOrder, BrokerPosition
//
// Two concrete implementations live in separate files:
//   • broker_paper.go   – in-memory paper venue (no external calls)
//   • broker_alpaca.go  – HTTP client for the Alpaca Trading API v2
//
// broker_guard.go wraps any Broker with a rate limiter and circuit breaker.
package main

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide is the side of a trade.
type OrderSide string

const (
	SideBuy  OrderSide = "buy"
	SideSell OrderSide = "sell"
)

// OrderType distinguishes market entries from ladder limit rungs.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus filters for ListOrders, matching the venue's order lifecycle.
type OrderStatus string

const (
	StatusOpen   OrderStatus = "open"
	StatusFilled OrderStatus = "filled"
	// StatusClosed marks an order that reached a terminal state without
	// filling (canceled, expired, rejected). It appears on normalized
	// orders; ListOrders is only ever filtered by open or filled.
	StatusClosed OrderStatus = "closed"
)

// TimeInForce for submitted orders. The strategy only uses GTC.
type TimeInForce string

const TIFGoodTillCancel TimeInForce = "gtc"

// BrokerPosition is a normalized view of a live position at the venue.
type BrokerPosition struct {
	Symbol        string
	Qty           decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	UnrealizedPL  decimal.Decimal
}

// BrokerOrder is a normalized view of an order at the venue.
type BrokerOrder struct {
	ID             string
	Symbol         string
	Qty            decimal.Decimal
	Side           OrderSide
	Type           OrderType
	Status         OrderStatus
	LimitPrice     decimal.Decimal // zero unless Type == OrderLimit
	FilledAvgPrice decimal.Decimal // zero unless (partially) filled
	CreatedAt      time.Time
}

// OrderRequest is one order submission.
type OrderRequest struct {
	Symbol      string
	Qty         decimal.Decimal
	Side        OrderSide
	Type        OrderType
	TimeInForce TimeInForce
	LimitPrice  decimal.Decimal // required when Type == OrderLimit
}

// Broker is the minimal surface the reconciliation engine needs to operate.
// GetPosition returns ErrNoPosition (possibly wrapped) when the venue holds
// nothing in symbol; every other failure is a classified *BrokerError.
type Broker interface {
	Name() string
	GetPosition(ctx context.Context, symbol string) (*BrokerPosition, error)
	ListOrders(ctx context.Context, status OrderStatus, symbol string, limit int) ([]BrokerOrder, error)
	SubmitOrder(ctx context.Context, req OrderRequest) (orderID string, err error)
	GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}
