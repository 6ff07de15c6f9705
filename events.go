// FILE: events.go
// Package main – Ledger change notifications.
//
// The reconciliation worker never touches presentation state directly; the
// ledger publishes change events and any interested surface (a future UI, a
// websocket feed, a test) subscribes. Publishing is non-blocking: a slow or
// absent subscriber drops events rather than stalling a cycle.
package main

import "time"

// LedgerEventType classifies a ledger change.
type LedgerEventType string

const (
	EventAdded      LedgerEventType = "added"
	EventRemoved    LedgerEventType = "removed"
	EventToggled    LedgerEventType = "toggled"
	EventReconciled LedgerEventType = "reconciled"
)

// LedgerEvent is one change notification.
type LedgerEvent struct {
	Type   LedgerEventType
	Symbol string
	At     time.Time
}

// Subscribe registers a listener and returns its channel plus a cancel
// function. The channel is buffered; events beyond the buffer are dropped.
func (l *Ledger) Subscribe() (<-chan LedgerEvent, func()) {
	ch := make(chan LedgerEvent, 64)

	l.subMu.Lock()
	l.subs = append(l.subs, ch)
	l.subMu.Unlock()

	cancel := func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		for i, c := range l.subs {
			if c == ch {
				l.subs = append(l.subs[:i], l.subs[i+1:]...)
				close(c)
				return
			}
		}
	}
	return ch, cancel
}

func (l *Ledger) publish(ev LedgerEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default: // subscriber lagging; drop
		}
	}
}
