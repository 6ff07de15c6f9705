package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "equities.json")
	l, err := OpenLedger(path)
	require.NoError(t, err)
	return l
}

func TestOpenLedger_MissingFileIsEmpty(t *testing.T) {
	l, err := OpenLedger(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Empty(t, l.Symbols())
}

func TestOpenLedger_CorruptFileFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equities.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	_, err := OpenLedger(path)
	require.Error(t, err)
}

func TestLedger_AddNormalizesAndSeeds(t *testing.T) {
	l := tempLedger(t)
	require.NoError(t, l.Add("  aapl ", 3, d("0.05"), d("100")))

	inst, ok := l.Get("AAPL")
	require.True(t, ok)
	assert.Equal(t, "AAPL", inst.Symbol)
	assert.False(t, inst.Active, "new instruments start Off")
	assert.Len(t, inst.Levels, 3)
	assert.Equal(t, "95.00", inst.Levels[1].Price.StringFixed(2))

	// Duplicate add is rejected.
	err := l.Add("AAPL", 3, d("0.05"), d("100"))
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestLedger_ToggleAndRemove(t *testing.T) {
	l := tempLedger(t)
	require.NoError(t, l.Add("MSFT", 2, d("0.03"), d("400")))

	active, err := l.Toggle("msft")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, []string{"MSFT"}, l.ActiveSymbols())

	active, err = l.Toggle("MSFT")
	require.NoError(t, err)
	assert.False(t, active)
	assert.Empty(t, l.ActiveSymbols())

	require.NoError(t, l.Remove("MSFT"))
	_, ok := l.Get("MSFT")
	assert.False(t, ok)
	require.ErrorIs(t, l.Remove("MSFT"), ErrInvalidParameter)
}

func TestLedger_PersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "equities.json")
	l, err := OpenLedger(path)
	require.NoError(t, err)

	require.NoError(t, l.Add("AAPL", 3, d("0.05"), d("100")))
	require.NoError(t, l.Add("TSLA", 2, d("0.10"), d("250.50")))
	_, err = l.Toggle("AAPL")
	require.NoError(t, err)
	require.NoError(t, l.Update("AAPL", func(ti *TrackedInstrument) {
		ti.PositionOpen = true
		ti.Settling = true
		lv := ti.Levels[2]
		lv.State = LevelSubmitted
		ti.Levels[2] = lv
	}))

	first, err := os.ReadFile(path)
	require.NoError(t, err)

	// load → save must reproduce the bytes exactly.
	l2, err := OpenLedger(path)
	require.NoError(t, err)
	require.NoError(t, l2.Save())
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	// And the reloaded state matches field for field.
	inst, ok := l2.Get("AAPL")
	require.True(t, ok)
	assert.True(t, inst.Active)
	assert.True(t, inst.PositionOpen)
	assert.True(t, inst.Settling)
	assert.Equal(t, LevelSubmitted, inst.Levels[2].State)
	assert.Equal(t, LevelPending, inst.Levels[1].State)
	assert.Equal(t, LevelPending, inst.Levels[3].State)
}

func TestLedger_SignedIndexEncoding(t *testing.T) {
	// A Submitted rung is stored under its negated index, the legacy schema.
	l := tempLedger(t)
	require.NoError(t, l.Add("NVDA", 2, d("0.04"), d("500")))
	require.NoError(t, l.Update("NVDA", func(ti *TrackedInstrument) {
		lv := ti.Levels[1]
		lv.State = LevelSubmitted
		ti.Levels[1] = lv
	}))

	bs, err := os.ReadFile(l.path)
	require.NoError(t, err)
	assert.Contains(t, string(bs), `"-1"`)
	assert.Contains(t, string(bs), `"2"`)
	assert.NotContains(t, string(bs), `"-2"`)
}

func TestDecodeLedger_LegacyNumericPrices(t *testing.T) {
	// Files written by older tooling carry bare JSON numbers.
	raw := []byte(`{
	  "AAPL": {
	    "position": 1,
	    "entry_price": 187.5,
	    "levels": {"1": 178.13, "-2": 168.75},
	    "drawdown": 0.05,
	    "status": "On"
	  }
	}`)
	m, err := decodeLedger(raw)
	require.NoError(t, err)

	inst := m["AAPL"]
	require.NotNil(t, inst)
	assert.True(t, inst.Active)
	assert.True(t, inst.PositionOpen)
	assert.Equal(t, "187.5", inst.EntryPrice.String())
	assert.Equal(t, LevelPending, inst.Levels[1].State)
	assert.Equal(t, LevelSubmitted, inst.Levels[2].State)
	assert.Equal(t, "168.75", inst.Levels[2].Price.String())
}

func TestDecodeLedger_RejectsDuplicateIndex(t *testing.T) {
	raw := []byte(`{"X": {"position": 0, "entry_price": 10, "levels": {"1": 9.5, "-1": 9.5}, "drawdown": 0.05, "status": "Off"}}`)
	_, err := decodeLedger(raw)
	require.Error(t, err)
}

func TestLedger_SubscribeReceivesEvents(t *testing.T) {
	l := tempLedger(t)
	ch, cancel := l.Subscribe()
	defer cancel()

	require.NoError(t, l.Add("AMD", 1, d("0.05"), d("150")))
	ev := <-ch
	assert.Equal(t, EventAdded, ev.Type)
	assert.Equal(t, "AMD", ev.Symbol)

	_, err := l.Toggle("AMD")
	require.NoError(t, err)
	ev = <-ch
	assert.Equal(t, EventToggled, ev.Type)
}
