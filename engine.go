// FILE: engine.go
// Package main – The reconciliation engine.
//
// One cycle drives every active instrument toward "ladder at the venue
// matches the ladder in the ledger", submitting at most the orders needed to
// converge and never duplicating one:
//
//  1) Position check. No position and not yet settling → submit one market
//     buy and mark the instrument Settling; the fill is picked up on a later
//     cycle (no in-cycle sleep). Position found → entry price is the maximum
//     filled_avg_price among recent filled orders: fills are authoritative,
//     quotes never are.
//  2) Ladder refresh from the authoritative entry. Only indices missing from
//     the ladder are inserted (Pending); a Submitted rung keeps the price its
//     order was placed at even when the recomputed price differs.
//  3) Placement. Each Pending rung is checked against the venue's open-order
//     list first (symbol + exact price match); a hit means a prior run
//     submitted it and the crash ate the transition, so the rung is marked
//     Submitted without a second order. Otherwise one limit buy goes out and
//     the rung transitions Pending→Submitted, persisted immediately.
//
// Failures are isolated per instrument: a timeout, a rejection, or a bad
// entry on one symbol never stops the others or the next tick.
//
// Known boundary: rungs are never removed, and a Submitted rung's order is
// not re-checked for fills or external cancels, so the ladder does not track
// order completion. See DESIGN.md.
package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Engine reconciles ledger state against broker state. The gateway is an
// injected dependency so tests run against the paper venue.
type Engine struct {
	cfg    Config
	broker Broker
	ledger *Ledger
}

func NewEngine(cfg Config, broker Broker, ledger *Ledger) *Engine {
	return &Engine{cfg: cfg, broker: broker, ledger: ledger}
}

// RunCycle performs one full reconciliation pass over all active
// instruments. Per-instrument failures are logged and counted, never
// propagated; the pass itself only stops early on context cancellation.
func (e *Engine) RunCycle(ctx context.Context) {
	symbols := e.ledger.ActiveSymbols()
	mtxCycleActive.Set(float64(len(symbols)))

	for _, sym := range symbols {
		if ctx.Err() != nil {
			return
		}
		if err := e.reconcile(ctx, sym); err != nil {
			reason := classifyCycleErr(err)
			IncCycleError(reason)
			log.Warn().Err(err).Str("symbol", sym).Str("reason", reason).
				Msg("instrument cycle failed")
		}
	}
	IncCycles()
}

// reconcile runs one instrument's cycle. It works on a copy of the ledger row
// and applies every mutation through Ledger.Update, so the ledger lock is
// never held across a broker call.
func (e *Engine) reconcile(ctx context.Context, symbol string) error {
	inst, ok := e.ledger.Get(symbol)
	if !ok || !inst.Active {
		// Removed or toggled off since the symbol list was taken.
		return nil
	}

	entry, err := e.resolveEntry(ctx, inst)
	if err != nil {
		return err
	}
	if entry.IsZero() {
		// Market entry just went out, or its fill has not appeared yet.
		// Resume on the next cycle.
		return nil
	}

	if err := e.refreshLadder(symbol, inst, entry); err != nil {
		return err
	}
	return e.placePending(ctx, symbol)
}

// resolveEntry returns the authoritative entry price for the instrument, or
// decimal.Zero when the instrument is mid-settlement and must wait.
func (e *Engine) resolveEntry(ctx context.Context, inst *TrackedInstrument) (decimal.Decimal, error) {
	symbol := inst.Symbol

	cctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
	_, err := e.broker.GetPosition(cctx, symbol)
	cancel()

	switch {
	case err == nil:
		// Live position; fall through to the fill lookup.
	case errors.Is(err, ErrNoPosition):
		if !inst.Settling {
			if err := e.openPosition(ctx, symbol); err != nil {
				return decimal.Zero, err
			}
		}
		return decimal.Zero, nil
	default:
		return decimal.Zero, err
	}

	entry, err := e.maxFilledPrice(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	if entry.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: %s has a position but no visible fills", ErrUnknownEntryPrice, symbol)
	}
	return entry, nil
}

// openPosition submits the initial one-unit market buy and flags the
// instrument Settling. Before submitting it scans the open-order list for an
// existing market buy in the symbol, so a restart between "order sent" and
// "flag persisted" does not buy twice.
func (e *Engine) openPosition(ctx context.Context, symbol string) error {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
	open, err := e.broker.ListOrders(cctx, StatusOpen, symbol, e.cfg.FilledLookback)
	cancel()
	if err != nil {
		return err
	}

	already := false
	for _, o := range open {
		if o.Symbol == symbol && o.Type == OrderMarket && o.Side == SideBuy {
			already = true
			break
		}
	}

	if !already {
		// Submissions are never cut short by shutdown; the call runs to its
		// own timeout even if ctx is canceled mid-flight.
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BrokerTimeout())
		_, err = e.broker.SubmitOrder(cctx, OrderRequest{
			Symbol:      symbol,
			Qty:         decimal.NewFromInt(int64(e.cfg.OrderQty)),
			Side:        SideBuy,
			Type:        OrderMarket,
			TimeInForce: TIFGoodTillCancel,
		})
		cancel()
		if err != nil {
			return err
		}
		IncOrderSubmitted(string(OrderMarket))
		log.Info().Str("symbol", symbol).Msg("initial market order placed")
	}

	return e.ledger.Update(symbol, func(t *TrackedInstrument) {
		t.Settling = true
	})
}

// maxFilledPrice derives the entry from recent fills: the maximum
// filled_avg_price among the last FilledLookback filled orders for symbol.
// Zero means no usable fill was found.
func (e *Engine) maxFilledPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	cctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
	filled, err := e.broker.ListOrders(cctx, StatusFilled, "", e.cfg.FilledLookback)
	cancel()
	if err != nil {
		return decimal.Zero, err
	}

	best := decimal.Zero
	for _, o := range filled {
		if o.Symbol != symbol || !o.FilledAvgPrice.IsPositive() {
			continue
		}
		if o.FilledAvgPrice.GreaterThan(best) {
			best = o.FilledAvgPrice
		}
	}
	return best, nil
}

// refreshLadder recomputes the full ladder at the authoritative entry and
// inserts any index the instrument does not already hold, in either state.
// Submitted rungs keep their historical price.
func (e *Engine) refreshLadder(symbol string, inst *TrackedInstrument, entry decimal.Decimal) error {
	fresh, err := computeLevels(entry, inst.Drawdown, len(inst.Levels))
	if err != nil {
		return err
	}
	return e.ledger.Update(symbol, func(t *TrackedInstrument) {
		t.EntryPrice = entry
		t.PositionOpen = true
		t.Settling = false
		for _, lv := range fresh {
			if _, exists := t.Levels[lv.Index]; !exists {
				t.Levels[lv.Index] = lv
			}
		}
	})
}

// placePending submits one limit order per Pending rung, deduplicating
// against the venue's open-order book first. A rejection leaves its rung
// Pending and moves on; a transient failure stops the remaining rungs for
// this cycle.
func (e *Engine) placePending(ctx context.Context, symbol string) error {
	inst, ok := e.ledger.Get(symbol)
	if !ok {
		return nil
	}
	pending := inst.PendingLevels()
	if len(pending) == 0 {
		return nil
	}

	cctx, cancel := context.WithTimeout(ctx, e.cfg.BrokerTimeout())
	open, err := e.broker.ListOrders(cctx, StatusOpen, symbol, 0)
	cancel()
	if err != nil {
		return err
	}
	openAt := make(map[string]bool, len(open))
	for _, o := range open {
		if o.Symbol == symbol && o.Type == OrderLimit && o.Side == SideBuy {
			openAt[o.LimitPrice.StringFixed(2)] = true
		}
	}

	var firstRejected error
	for _, lv := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if openAt[lv.Price.StringFixed(2)] {
			// Already working at the venue; a prior submission outlived its
			// persisted transition. Record it, don't repeat it.
			IncOrderDeduped()
			log.Info().Str("symbol", symbol).Int("level", lv.Index).
				Str("price", lv.Price.StringFixed(2)).Msg("open order found, rung marked submitted")
			if err := e.markSubmitted(symbol, lv.Index); err != nil {
				return err
			}
			continue
		}

		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.BrokerTimeout())
		_, err := e.broker.SubmitOrder(cctx, OrderRequest{
			Symbol:      symbol,
			Qty:         decimal.NewFromInt(int64(e.cfg.OrderQty)),
			Side:        SideBuy,
			Type:        OrderLimit,
			TimeInForce: TIFGoodTillCancel,
			LimitPrice:  lv.Price,
		})
		cancel()
		if err != nil {
			if isBrokerRejected(err) {
				// Venue said no to this price; keep the rung Pending for the
				// next cycle and try the rest of the ladder.
				log.Warn().Err(err).Str("symbol", symbol).Int("level", lv.Index).
					Msg("limit order rejected")
				if firstRejected == nil {
					firstRejected = err
				}
				continue
			}
			return err
		}
		IncOrderSubmitted(string(OrderLimit))
		log.Info().Str("symbol", symbol).Int("level", lv.Index).
			Str("price", lv.Price.StringFixed(2)).Msg("limit order placed")

		if err := e.markSubmitted(symbol, lv.Index); err != nil {
			// The order is live but the snapshot did not reach disk. The
			// in-memory rung already reads Submitted, and after a crash the
			// open-order dedup above recovers the transition.
			return err
		}
	}
	return firstRejected
}

func (e *Engine) markSubmitted(symbol string, index int) error {
	return e.ledger.Update(symbol, func(t *TrackedInstrument) {
		lv, ok := t.Levels[index]
		if !ok || lv.State == LevelSubmitted {
			return
		}
		lv.State = LevelSubmitted
		t.Levels[index] = lv
	})
}

func classifyCycleErr(err error) string {
	var pe *PersistenceError
	switch {
	case errors.Is(err, ErrUnknownEntryPrice):
		return "unknown_entry"
	case errors.Is(err, ErrInvalidParameter):
		return "invalid_parameter"
	case errors.As(err, &pe):
		return "persistence"
	case isBrokerRejected(err):
		return "broker_rejected"
	case isBrokerTransient(err), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "broker_transient"
	default:
		return "other"
	}
}
