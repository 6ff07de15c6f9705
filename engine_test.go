package main

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	return Config{
		OrderQty:         1,
		FilledLookback:   50,
		CycleIntervalSec: 1,
		BrokerTimeoutSec: 5,
		DataFile:         filepath.Join(t.TempDir(), "equities.json"),
	}
}

// newTestEngine wires a ledger and paper venue with one tracked, active
// symbol whose quote sits at 100.
func newTestEngine(t *testing.T, cfg Config) (*Engine, *Ledger, *PaperBroker) {
	t.Helper()
	ledger, err := OpenLedger(cfg.DataFile)
	require.NoError(t, err)
	paper := NewPaperBroker()
	paper.SetQuote("AAPL", d("100"))
	require.NoError(t, ledger.Add("AAPL", 3, d("0.05"), d("100")))
	_, err = ledger.Toggle("AAPL")
	require.NoError(t, err)
	return NewEngine(cfg, paper, ledger), ledger, paper
}

func limitPrices(subs []OrderRequest) []string {
	var out []string
	for _, s := range subs {
		if s.Type == OrderLimit {
			out = append(out, s.LimitPrice.StringFixed(2))
		}
	}
	return out
}

func countMarket(subs []OrderRequest) int {
	n := 0
	for _, s := range subs {
		if s.Type == OrderMarket {
			n++
		}
	}
	return n
}

func TestEngine_NoPositionFlow(t *testing.T) {
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	ctx := context.Background()

	// Cycle 1: no position → one market buy, instrument goes Settling, no
	// limit orders yet.
	engine.RunCycle(ctx)
	subs := paper.Submissions()
	require.Equal(t, 1, countMarket(subs))
	assert.Empty(t, limitPrices(subs))

	inst, ok := ledger.Get("AAPL")
	require.True(t, ok)
	assert.True(t, inst.Settling)
	assert.False(t, inst.PositionOpen)

	// Cycle 2: the fill is visible → entry resolves to 100 and exactly
	// count rungs go out at the calculated ladder prices.
	engine.RunCycle(ctx)
	subs = paper.Submissions()
	assert.Equal(t, 1, countMarket(subs), "market entry submitted exactly once")
	assert.Equal(t, []string{"95.00", "90.00", "85.00"}, limitPrices(subs))

	inst, ok = ledger.Get("AAPL")
	require.True(t, ok)
	assert.True(t, inst.PositionOpen)
	assert.False(t, inst.Settling)
	assert.Equal(t, "100", inst.EntryPrice.String())
	for i := 1; i <= 3; i++ {
		assert.Equal(t, LevelSubmitted, inst.Levels[i].State, "rung %d", i)
	}
}

func TestEngine_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	engine, _, paper := newTestEngine(t, cfg)
	ctx := context.Background()

	engine.RunCycle(ctx)
	engine.RunCycle(ctx)
	converged := len(paper.Submissions())

	// Nothing changed broker-side: further cycles must submit nothing.
	engine.RunCycle(ctx)
	engine.RunCycle(ctx)
	assert.Equal(t, converged, len(paper.Submissions()))
}

func TestEngine_RestartSafety(t *testing.T) {
	// A ledger saved mid-ladder: rung 1 already Submitted, rungs 2 and 3
	// still Pending. One cycle submits only the Pending ones.
	cfg := testConfig(t)
	ledger, err := OpenLedger(cfg.DataFile)
	require.NoError(t, err)
	require.NoError(t, ledger.Add("AAPL", 3, d("0.05"), d("100")))
	_, err = ledger.Toggle("AAPL")
	require.NoError(t, err)
	require.NoError(t, ledger.Update("AAPL", func(ti *TrackedInstrument) {
		ti.PositionOpen = true
		lv := ti.Levels[1]
		lv.State = LevelSubmitted
		ti.Levels[1] = lv
	}))

	// Reload from disk, as after a restart.
	ledger, err = OpenLedger(cfg.DataFile)
	require.NoError(t, err)

	paper := NewPaperBroker()
	paper.SetQuote("AAPL", d("100"))
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})

	engine := NewEngine(cfg, paper, ledger)
	engine.RunCycle(context.Background())

	assert.Equal(t, 0, countMarket(paper.Submissions()))
	assert.Equal(t, []string{"90.00", "85.00"}, limitPrices(paper.Submissions()),
		"only the Pending rungs are submitted, never the Submitted one")
}

func TestEngine_DedupAgainstOpenOrders(t *testing.T) {
	// The rung transition was lost (crash after submit, before persist) but
	// the order is live at the venue: the engine must adopt it, not repeat it.
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})
	paper.SeedOpenOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderLimit, LimitPrice: d("95.00")})

	engine.RunCycle(context.Background())

	assert.Equal(t, []string{"90.00", "85.00"}, limitPrices(paper.Submissions()),
		"rung at 95.00 already working at the venue")
	inst, _ := ledger.Get("AAPL")
	assert.Equal(t, LevelSubmitted, inst.Levels[1].State)
}

func TestEngine_InactiveMakesNoBrokerCalls(t *testing.T) {
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	_, err := ledger.Toggle("AAPL") // back Off
	require.NoError(t, err)

	engine.RunCycle(context.Background())
	assert.Zero(t, paper.CallCount())
}

func TestEngine_SettlingGuardsDuplicateEntry(t *testing.T) {
	// An entry market order is already open at the venue (e.g. submitted just
	// before a crash): no second market order goes out.
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	paper.SeedOpenOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket})

	engine.RunCycle(context.Background())

	assert.Empty(t, paper.Submissions())
	inst, _ := ledger.Get("AAPL")
	assert.True(t, inst.Settling)
}

func TestEngine_UnknownEntryAbortsWithoutLadderMutation(t *testing.T) {
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	// A position with no visible fills: entry cannot be derived.
	paper.SeedPosition(BrokerPosition{Symbol: "AAPL", Qty: decimal.NewFromInt(1), AvgEntryPrice: d("100")})

	engine.RunCycle(context.Background())

	assert.Empty(t, paper.Submissions())
	inst, _ := ledger.Get("AAPL")
	assert.False(t, inst.PositionOpen)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, LevelPending, inst.Levels[i].State)
	}
}

// flakyBroker fails every call for one symbol and delegates the rest.
type flakyBroker struct {
	*PaperBroker
	failSymbol string
}

func (f *flakyBroker) GetPosition(ctx context.Context, symbol string) (*BrokerPosition, error) {
	if symbol == f.failSymbol {
		return nil, brokerTransient("get_position", errors.New("simulated timeout"))
	}
	return f.PaperBroker.GetPosition(ctx, symbol)
}

func TestEngine_FailureIsolation(t *testing.T) {
	cfg := testConfig(t)
	ledger, err := OpenLedger(cfg.DataFile)
	require.NoError(t, err)

	paper := NewPaperBroker()
	for _, sym := range []string{"AAPL", "MSFT", "TSLA"} {
		paper.SetQuote(sym, d("100"))
		require.NoError(t, ledger.Add(sym, 2, d("0.05"), d("100")))
		_, err = ledger.Toggle(sym)
		require.NoError(t, err)
		paper.SeedFilledOrder(BrokerOrder{Symbol: sym, Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})
	}

	engine := NewEngine(cfg, &flakyBroker{PaperBroker: paper, failSymbol: "MSFT"}, ledger)
	engine.RunCycle(context.Background())

	for _, sym := range []string{"AAPL", "TSLA"} {
		inst, _ := ledger.Get(sym)
		for i := 1; i <= 2; i++ {
			assert.Equal(t, LevelSubmitted, inst.Levels[i].State, "%s rung %d", sym, i)
		}
	}
	inst, _ := ledger.Get("MSFT")
	for i := 1; i <= 2; i++ {
		assert.Equal(t, LevelPending, inst.Levels[i].State, "MSFT rung %d stays untouched", i)
	}
}

// pickyBroker fails limit submissions at specific prices and delegates the
// rest. rejectPrice draws a rejection, transientAt a transient failure.
type pickyBroker struct {
	*PaperBroker
	rejectPrice string
	transientAt string
}

func (p *pickyBroker) SubmitOrder(ctx context.Context, req OrderRequest) (string, error) {
	if req.Type == OrderLimit {
		switch req.LimitPrice.StringFixed(2) {
		case p.rejectPrice:
			return "", brokerRejected("submit_order", errors.New("price outside allowed band"))
		case p.transientAt:
			return "", brokerTransient("submit_order", errors.New("gateway timeout"))
		}
	}
	return p.PaperBroker.SubmitOrder(ctx, req)
}

func TestEngine_RejectedRungStaysPendingOthersProceed(t *testing.T) {
	cfg := testConfig(t)
	ledger, err := OpenLedger(cfg.DataFile)
	require.NoError(t, err)
	paper := NewPaperBroker()
	paper.SetQuote("AAPL", d("100"))
	require.NoError(t, ledger.Add("AAPL", 3, d("0.05"), d("100")))
	_, err = ledger.Toggle("AAPL")
	require.NoError(t, err)
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})

	picky := &pickyBroker{PaperBroker: paper, rejectPrice: "90.00"}
	engine := NewEngine(cfg, picky, ledger)
	engine.RunCycle(context.Background())

	assert.Equal(t, []string{"95.00", "85.00"}, limitPrices(paper.Submissions()),
		"rungs after the rejected one still go out")
	inst, _ := ledger.Get("AAPL")
	assert.Equal(t, LevelSubmitted, inst.Levels[1].State)
	assert.Equal(t, LevelPending, inst.Levels[2].State, "rejected rung stays Pending")
	assert.Equal(t, LevelSubmitted, inst.Levels[3].State)

	// The venue relents: the next cycle retries only the rejected rung.
	picky.rejectPrice = ""
	engine.RunCycle(context.Background())
	assert.Equal(t, []string{"95.00", "85.00", "90.00"}, limitPrices(paper.Submissions()))
	inst, _ = ledger.Get("AAPL")
	assert.Equal(t, LevelSubmitted, inst.Levels[2].State)
}

func TestEngine_TransientFailureAbortsRemainingRungs(t *testing.T) {
	cfg := testConfig(t)
	ledger, err := OpenLedger(cfg.DataFile)
	require.NoError(t, err)
	paper := NewPaperBroker()
	paper.SetQuote("AAPL", d("100"))
	require.NoError(t, ledger.Add("AAPL", 3, d("0.05"), d("100")))
	_, err = ledger.Toggle("AAPL")
	require.NoError(t, err)
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})

	engine := NewEngine(cfg, &pickyBroker{PaperBroker: paper, transientAt: "90.00"}, ledger)
	engine.RunCycle(context.Background())

	assert.Equal(t, []string{"95.00"}, limitPrices(paper.Submissions()),
		"a transient failure stops the rest of the ladder for this cycle")
	inst, _ := ledger.Get("AAPL")
	assert.Equal(t, LevelSubmitted, inst.Levels[1].State)
	assert.Equal(t, LevelPending, inst.Levels[2].State)
	assert.Equal(t, LevelPending, inst.Levels[3].State)
}

func TestEngine_OpenSellOrderNeverAdoptsRung(t *testing.T) {
	// A resting sell at a rung's exact price is not that rung's order; the
	// buy must still be placed.
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("100")})
	paper.SeedOpenOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideSell, Type: OrderLimit, LimitPrice: d("95.00")})

	engine.RunCycle(context.Background())

	assert.Equal(t, []string{"95.00", "90.00", "85.00"}, limitPrices(paper.Submissions()))
	inst, _ := ledger.Get("AAPL")
	assert.Equal(t, LevelSubmitted, inst.Levels[1].State)
}

func TestEngine_SubmittedRungKeepsHistoricalPrice(t *testing.T) {
	// The authoritative entry moves between cycles; a rung that already has
	// an order keeps the price it was placed at.
	cfg := testConfig(t)
	engine, ledger, paper := newTestEngine(t, cfg)
	ctx := context.Background()

	engine.RunCycle(ctx) // market entry
	engine.RunCycle(ctx) // ladder at entry 100

	// A later, higher fill moves the max fill price to 110.
	paper.SeedFilledOrder(BrokerOrder{Symbol: "AAPL", Qty: d("1"), Side: SideBuy, Type: OrderMarket, FilledAvgPrice: d("110")})
	engine.RunCycle(ctx)

	inst, _ := ledger.Get("AAPL")
	assert.Equal(t, "110", inst.EntryPrice.String())
	assert.Equal(t, "95.00", inst.Levels[1].Price.StringFixed(2), "locked-in rung price survives entry correction")
	assert.Equal(t, len(paper.Submissions()), 1+3, "no re-submissions on entry correction")
}
