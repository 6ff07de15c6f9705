// FILE: broker_guard.go
// Package main – Rate-limit and circuit-breaker guard around a Broker.
//
// Every venue call first waits on a token bucket (BROKER_RATE_LIMIT calls/sec
// with BROKER_RATE_BURST burst) and then runs inside a circuit breaker. A
// tripped breaker fails calls fast as BrokerTransient until the venue proves
// healthy again, so one outage costs a few skipped cycles instead of a pile
// of hung requests.
//
// Order rejections do not count against the breaker: a venue that answers
// "no" is a healthy venue.
package main

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// GuardedBroker decorates another Broker. It implements Broker itself, so the
// engine never knows it is there.
type GuardedBroker struct {
	inner   Broker
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
}

func NewGuardedBroker(cfg Config, inner Broker) *GuardedBroker {
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBrokerRejected(err) || errors.Is(err, ErrNoPosition)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("broker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("broker circuit state changed")
		},
	}
	return &GuardedBroker{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Limit(cfg.BrokerRateLimit), cfg.BrokerRateBurst),
		breaker: gobreaker.NewCircuitBreaker(settings),
	}
}

func (g *GuardedBroker) Name() string { return g.inner.Name() }

// call runs fn behind the limiter and breaker, translating breaker refusals
// into transient broker errors.
func (g *GuardedBroker) call(ctx context.Context, op string, fn func() (any, error)) (any, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, brokerTransient(op, err)
	}
	v, err := g.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, brokerTransient(op, err)
	}
	return v, err
}

func (g *GuardedBroker) GetPosition(ctx context.Context, symbol string) (*BrokerPosition, error) {
	v, err := g.call(ctx, "get_position", func() (any, error) {
		return g.inner.GetPosition(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.(*BrokerPosition), nil
}

func (g *GuardedBroker) ListOrders(ctx context.Context, status OrderStatus, symbol string, limit int) ([]BrokerOrder, error) {
	v, err := g.call(ctx, "list_orders", func() (any, error) {
		return g.inner.ListOrders(ctx, status, symbol, limit)
	})
	if err != nil {
		return nil, err
	}
	return v.([]BrokerOrder), nil
}

func (g *GuardedBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	v, err := g.call(ctx, "submit_order", func() (any, error) {
		return g.inner.SubmitOrder(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (g *GuardedBroker) GetLatestPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	v, err := g.call(ctx, "get_latest_price", func() (any, error) {
		return g.inner.GetLatestPrice(ctx, symbol)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return v.(decimal.Decimal), nil
}
