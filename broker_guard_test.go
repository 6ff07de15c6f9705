package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func guardConfig() Config {
	return Config{BrokerRateLimit: 1000, BrokerRateBurst: 100}
}

func TestGuardedBroker_PassesThrough(t *testing.T) {
	paper := NewPaperBroker()
	paper.SetQuote("AAPL", d("187.50"))
	g := NewGuardedBroker(guardConfig(), paper)

	px, err := g.GetLatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "187.5", px.String())
	assert.Equal(t, "paper", g.Name())
}

func TestGuardedBroker_NoPositionDoesNotTrip(t *testing.T) {
	paper := NewPaperBroker()
	g := NewGuardedBroker(guardConfig(), paper)
	ctx := context.Background()

	// Far more "no position" answers than the trip threshold.
	for i := 0; i < 20; i++ {
		_, err := g.GetPosition(ctx, "AAPL")
		require.ErrorIs(t, err, ErrNoPosition)
	}

	// The venue is still reachable through the guard.
	paper.SetQuote("AAPL", d("100"))
	_, err := g.GetLatestPrice(ctx, "AAPL")
	assert.NoError(t, err)
}

func TestGuardedBroker_OpensAfterConsecutiveFailures(t *testing.T) {
	paper := NewPaperBroker()
	paper.FailWith(brokerTransient("request", errors.New("venue down")))
	g := NewGuardedBroker(guardConfig(), paper)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.GetLatestPrice(ctx, "AAPL")
		require.Error(t, err)
	}

	// Breaker is open now: the venue heals but calls still fail fast, and
	// they fail as transient so the engine just retries next cycle.
	paper.FailWith(nil)
	paper.SetQuote("AAPL", d("100"))
	before := paper.CallCount()
	_, err := g.GetLatestPrice(ctx, "AAPL")
	require.Error(t, err)
	assert.True(t, isBrokerTransient(err))
	assert.Equal(t, before, paper.CallCount(), "open breaker short-circuits the call")
}

func TestGuardedBroker_RejectionCountsAsHealthy(t *testing.T) {
	paper := NewPaperBroker()
	g := NewGuardedBroker(guardConfig(), paper)
	ctx := context.Background()

	// Market orders without a quote are rejected by the paper venue.
	for i := 0; i < 20; i++ {
		_, err := g.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, TimeInForce: TIFGoodTillCancel})
		require.True(t, isBrokerRejected(err))
	}

	paper.SetQuote("AAPL", d("100"))
	_, err := g.SubmitOrder(ctx, OrderRequest{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, TimeInForce: TIFGoodTillCancel})
	assert.NoError(t, err, "rejections never open the breaker")
}
