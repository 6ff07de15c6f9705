// FILE: ledger.go
// Package main – Instrument ledger: tracked symbols, their ladders, and the
// persistence boundary.
//
// The ledger is the single shared mutable resource between the background
// reconciliation worker and the operator HTTP surface. Every read and write
// of the instrument map goes through one exclusive lock; the lock is never
// held across broker network I/O (the engine works on copies and applies
// mutations through Update).
//
// Persistence is full-snapshot JSON, written to a temp file and renamed so a
// crash mid-write cannot corrupt the store. The on-disk schema is the legacy
// one: per symbol {position, entry_price, levels, drawdown, status} where a
// Submitted rung is keyed by its negated index and a Pending rung by the
// positive index. In memory the rung state is an explicit enum; the signed
// key exists only at the file boundary, for compatibility with existing
// equities.json files.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

// TrackedInstrument is one row of the ledger.
type TrackedInstrument struct {
	Symbol       string
	EntryPrice   decimal.Decimal // zero means "unknown"
	Drawdown     decimal.Decimal // fraction in (0,1)
	Levels       map[int]LevelPrice
	PositionOpen bool
	Settling     bool // market entry submitted, waiting for the fill to appear
	Active       bool
}

// clone returns a deep copy safe to use outside the ledger lock.
func (t *TrackedInstrument) clone() *TrackedInstrument {
	cp := *t
	cp.Levels = make(map[int]LevelPrice, len(t.Levels))
	for i, lv := range t.Levels {
		cp.Levels[i] = lv
	}
	return &cp
}

// PendingLevels returns the Pending rungs in ascending index order.
func (t *TrackedInstrument) PendingLevels() []LevelPrice {
	out := make([]LevelPrice, 0, len(t.Levels))
	for _, lv := range t.Levels {
		if lv.State == LevelPending {
			out = append(out, lv)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Index < out[b].Index })
	return out
}

// Ledger owns the instrument map and its on-disk snapshot.
type Ledger struct {
	mu          sync.Mutex
	path        string
	instruments map[string]*TrackedInstrument

	subMu sync.Mutex
	subs  []chan LedgerEvent
}

// OpenLedger loads the snapshot at path. A missing file yields an empty
// ledger; a file that exists but cannot be parsed is an error, because
// silently starting from scratch would re-submit every rung on the venue.
func OpenLedger(path string) (*Ledger, error) {
	l := &Ledger{path: path, instruments: make(map[string]*TrackedInstrument)}
	bs, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return l, nil
		}
		return nil, fmt.Errorf("read ledger %s: %w", path, err)
	}
	m, err := decodeLedger(bs)
	if err != nil {
		return nil, fmt.Errorf("decode ledger %s: %w", path, err)
	}
	l.instruments = m
	return l, nil
}

// Add registers a new tracked symbol with a ladder seeded from seedPrice (a
// live quote; the authoritative fill-derived entry replaces it on the first
// reconciliation). New instruments start inactive, mirroring the operator
// flow: add first, then toggle on.
func (l *Ledger) Add(symbol string, count int, drawdown decimal.Decimal, seedPrice decimal.Decimal) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("%w: empty symbol", ErrInvalidParameter)
	}
	levels, err := computeLevels(seedPrice, drawdown, count)
	if err != nil {
		return err
	}

	l.mu.Lock()
	if _, exists := l.instruments[symbol]; exists {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s already tracked", ErrInvalidParameter, symbol)
	}
	inst := &TrackedInstrument{
		Symbol:   symbol,
		Drawdown: drawdown,
		Levels:   make(map[int]LevelPrice, count),
	}
	inst.EntryPrice = seedPrice
	for _, lv := range levels {
		inst.Levels[lv.Index] = lv
	}
	l.instruments[symbol] = inst
	err = l.saveLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.publish(LedgerEvent{Type: EventAdded, Symbol: symbol})
	return nil
}

// Remove drops a symbol from tracking. Orders already at the venue are not
// touched; removal only stops reconciliation.
func (l *Ledger) Remove(symbol string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	l.mu.Lock()
	if _, ok := l.instruments[symbol]; !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s not tracked", ErrInvalidParameter, symbol)
	}
	delete(l.instruments, symbol)
	err := l.saveLocked()
	l.mu.Unlock()

	if err != nil {
		return err
	}
	l.publish(LedgerEvent{Type: EventRemoved, Symbol: symbol})
	return nil
}

// Toggle flips the operator on/off switch and returns the new state.
func (l *Ledger) Toggle(symbol string) (bool, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	l.mu.Lock()
	inst, ok := l.instruments[symbol]
	if !ok {
		l.mu.Unlock()
		return false, fmt.Errorf("%w: %s not tracked", ErrInvalidParameter, symbol)
	}
	inst.Active = !inst.Active
	active := inst.Active
	err := l.saveLocked()
	l.mu.Unlock()

	if err != nil {
		return active, err
	}
	l.publish(LedgerEvent{Type: EventToggled, Symbol: symbol})
	return active, nil
}

// Get returns a copy of one instrument.
func (l *Ledger) Get(symbol string) (*TrackedInstrument, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	inst, ok := l.instruments[symbol]
	if !ok {
		return nil, false
	}
	return inst.clone(), true
}

// ActiveSymbols returns the active symbols in sorted order, so repeated
// cycles visit instruments deterministically.
func (l *Ledger) ActiveSymbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.instruments))
	for sym, inst := range l.instruments {
		if inst.Active {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Symbols returns every tracked symbol, active or not, sorted.
func (l *Ledger) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.instruments))
	for sym := range l.instruments {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of the full instrument map.
func (l *Ledger) Snapshot() map[string]*TrackedInstrument {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]*TrackedInstrument, len(l.instruments))
	for sym, inst := range l.instruments {
		out[sym] = inst.clone()
	}
	return out
}

// Update applies fn to one instrument under the lock and persists the full
// snapshot before returning. The mutation sticks even when the write fails:
// a submitted order must never look unsubmitted again just because the disk
// hiccuped. Callers get the in-memory truth plus a PersistenceError to
// surface.
func (l *Ledger) Update(symbol string, fn func(*TrackedInstrument)) error {
	l.mu.Lock()
	inst, ok := l.instruments[symbol]
	if !ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s not tracked", ErrInvalidParameter, symbol)
	}
	fn(inst)
	err := l.saveLocked()
	l.mu.Unlock()

	l.publish(LedgerEvent{Type: EventReconciled, Symbol: symbol})
	return err
}

// Save persists the current snapshot. Used at shutdown.
func (l *Ledger) Save() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.saveLocked()
}

// saveLocked writes the full snapshot via temp-then-rename. Caller holds l.mu.
func (l *Ledger) saveLocked() error {
	bs, err := encodeLedger(l.instruments)
	if err != nil {
		return &PersistenceError{Path: l.path, Err: err}
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, bs, 0644); err != nil {
		return &PersistenceError{Path: l.path, Err: err}
	}
	if err := os.Rename(tmp, l.path); err != nil {
		return &PersistenceError{Path: l.path, Err: err}
	}
	return nil
}

// ---- on-disk schema ----

// instrumentRecord is the legacy per-symbol JSON record. Level keys are
// stringified signed indices: "2" is rung 2 Pending, "-2" is rung 2 Submitted.
type instrumentRecord struct {
	Position   int                        `json:"position"`
	EntryPrice decimal.Decimal            `json:"entry_price"`
	Levels     map[string]decimal.Decimal `json:"levels"`
	Drawdown   decimal.Decimal            `json:"drawdown"`
	Status     string                     `json:"status"`
	Settling   bool                       `json:"settling,omitempty"`
}

func encodeLedger(m map[string]*TrackedInstrument) ([]byte, error) {
	recs := make(map[string]instrumentRecord, len(m))
	for sym, inst := range m {
		levels := make(map[string]decimal.Decimal, len(inst.Levels))
		for _, lv := range inst.Levels {
			key := strconv.Itoa(lv.Index)
			if lv.State == LevelSubmitted {
				key = strconv.Itoa(-lv.Index)
			}
			levels[key] = lv.Price
		}
		status := "Off"
		if inst.Active {
			status = "On"
		}
		position := 0
		if inst.PositionOpen {
			position = 1
		}
		recs[sym] = instrumentRecord{
			Position:   position,
			EntryPrice: inst.EntryPrice,
			Levels:     levels,
			Drawdown:   inst.Drawdown,
			Status:     status,
			Settling:   inst.Settling,
		}
	}
	return json.MarshalIndent(recs, "", "  ")
}

func decodeLedger(bs []byte) (map[string]*TrackedInstrument, error) {
	var recs map[string]instrumentRecord
	if err := json.Unmarshal(bs, &recs); err != nil {
		return nil, err
	}
	out := make(map[string]*TrackedInstrument, len(recs))
	for sym, rec := range recs {
		inst := &TrackedInstrument{
			Symbol:       strings.ToUpper(strings.TrimSpace(sym)),
			EntryPrice:   rec.EntryPrice,
			Drawdown:     rec.Drawdown,
			Levels:       make(map[int]LevelPrice, len(rec.Levels)),
			PositionOpen: rec.Position > 0,
			Settling:     rec.Settling,
			Active:       rec.Status == "On",
		}
		for key, px := range rec.Levels {
			idx, err := strconv.Atoi(key)
			if err != nil || idx == 0 {
				return nil, fmt.Errorf("symbol %s: bad level key %q", sym, key)
			}
			state := LevelPending
			if idx < 0 {
				state = LevelSubmitted
				idx = -idx
			}
			if _, dup := inst.Levels[idx]; dup {
				return nil, fmt.Errorf("symbol %s: level %d present in both states", sym, idx)
			}
			inst.Levels[idx] = LevelPrice{Index: idx, Price: px, State: state}
		}
		out[inst.Symbol] = inst
	}
	return out, nil
}
