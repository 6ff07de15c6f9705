// FILE: broker_paper.go
// Package main – In-memory paper broker (no external dependencies).
//
// This broker simulates the venue entirely in memory. It's used for dry runs
// (PAPER_BROKER=true) and as the engine's test double: market buys "fill"
// immediately at the current quote, limit orders rest on an in-memory open
// book, and every submission is recorded for inspection.
//
// Methods:
//   • Name() string
//   • GetPosition(ctx, symbol)
//   • ListOrders(ctx, status, symbol, limit)
//   • SubmitOrder(ctx, req)
//   • GetLatestPrice(ctx, symbol)
//
// Test hooks:
//   • SetQuote(symbol, price)          – seed the quote used for fills
//   • Submissions() []OrderRequest     – every SubmitOrder call, in order
//   • SeedOpenOrder / SeedFilledOrder  – preload venue-side order state
//   • FailWith(err)                    – make every call fail (outage sim)
//   • CallCount()                      – total venue calls served
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PaperBroker keeps venue state behind one mutex.
type PaperBroker struct {
	mu          sync.Mutex
	quotes      map[string]decimal.Decimal
	positions   map[string]*BrokerPosition
	open        []BrokerOrder
	filled      []BrokerOrder
	submissions []OrderRequest
	calls       int
	failErr     error
}

func NewPaperBroker() *PaperBroker {
	return &PaperBroker{
		quotes:    make(map[string]decimal.Decimal),
		positions: make(map[string]*BrokerPosition),
	}
}

func (p *PaperBroker) Name() string { return "paper" }

func (p *PaperBroker) GetPosition(ctx context.Context, symbol string) (*BrokerPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return nil, p.failErr
	}
	pos, ok := p.positions[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: %s: %w", symbol, ErrNoPosition)
	}
	cp := *pos
	return &cp, nil
}

func (p *PaperBroker) ListOrders(ctx context.Context, status OrderStatus, symbol string, limit int) ([]BrokerOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return nil, p.failErr
	}
	src := p.open
	if status == StatusFilled {
		src = p.filled
	}
	out := make([]BrokerOrder, 0, len(src))
	for _, o := range src {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// SubmitOrder fills market buys immediately at the current quote and rests
// limit orders on the open book.
func (p *PaperBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return "", p.failErr
	}
	p.submissions = append(p.submissions, req)

	order := BrokerOrder{
		ID:         uuid.New().String(),
		Symbol:     req.Symbol,
		Qty:        req.Qty,
		Side:       req.Side,
		Type:       req.Type,
		LimitPrice: req.LimitPrice,
		CreatedAt:  time.Now().UTC(),
	}

	if req.Type == OrderMarket {
		px, ok := p.quotes[req.Symbol]
		if !ok {
			return "", brokerRejected("submit_order", fmt.Errorf("paper: no quote for %s", req.Symbol))
		}
		order.Status = StatusFilled
		order.FilledAvgPrice = px
		p.filled = append(p.filled, order)
		p.applyFillLocked(order)
		return order.ID, nil
	}

	order.Status = StatusOpen
	p.open = append(p.open, order)
	return order.ID, nil
}

func (p *PaperBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failErr != nil {
		return decimal.Zero, p.failErr
	}
	px, ok := p.quotes[symbol]
	if !ok {
		return decimal.Zero, brokerTransient("get_latest_price", fmt.Errorf("paper: no quote for %s", symbol))
	}
	return px, nil
}

// applyFillLocked folds a fill into the position book.
func (p *PaperBroker) applyFillLocked(o BrokerOrder) {
	pos, ok := p.positions[o.Symbol]
	if !ok {
		p.positions[o.Symbol] = &BrokerPosition{
			Symbol:        o.Symbol,
			Qty:           o.Qty,
			AvgEntryPrice: o.FilledAvgPrice,
			CurrentPrice:  o.FilledAvgPrice,
		}
		return
	}
	newQty := pos.Qty.Add(o.Qty)
	cost := pos.AvgEntryPrice.Mul(pos.Qty).Add(o.FilledAvgPrice.Mul(o.Qty))
	pos.AvgEntryPrice = cost.Div(newQty)
	pos.Qty = newQty
}

// ---- test hooks ----

func (p *PaperBroker) SetQuote(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = price
}

func (p *PaperBroker) Submissions() []OrderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]OrderRequest, len(p.submissions))
	copy(out, p.submissions)
	return out
}

func (p *PaperBroker) SeedOpenOrder(o BrokerOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Status = StatusOpen
	p.open = append(p.open, o)
}

func (p *PaperBroker) SeedFilledOrder(o BrokerOrder) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.ID == "" {
		o.ID = uuid.New().String()
	}
	o.Status = StatusFilled
	p.filled = append(p.filled, o)
	if o.Side == SideBuy {
		p.applyFillLocked(o)
	}
}

// SeedPosition installs a position directly, bypassing the fill path.
func (p *PaperBroker) SeedPosition(pos BrokerPosition) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := pos
	p.positions[pos.Symbol] = &cp
}

// CallCount reports how many venue calls this broker has served.
func (p *PaperBroker) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// FailWith makes every subsequent call return err; FailWith(nil) heals it.
func (p *PaperBroker) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failErr = err
}
