// FILE: errors.go
// Package main – Error taxonomy shared by the reconciliation engine, the
// ledger, and the broker clients.
//
// Classes:
//   • ErrInvalidParameter  – bad ladder inputs; rejected before any venue call
//   • ErrNoPosition        – GetPosition found nothing (a signal, not a fault)
//   • ErrUnknownEntryPrice – no filled orders to derive an entry from;
//                            the instrument's cycle aborts and retries later
//   • BrokerError          – venue failures split into Transient (network,
//                            timeout, rate limit, 5xx) and Rejected (the venue
//                            refused the order); Transient retries next cycle
//                            with no state mutation, Rejected leaves the rung
//                            Pending and is surfaced to the operator
//   • PersistenceError     – ledger write failed; never swallowed
//
// Broker clients wrap raw errors with brokerTransient/brokerRejected so the
// engine can branch on errors.As without knowing the venue.

package main

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParameter  = errors.New("invalid parameter")
	ErrNoPosition        = errors.New("no position")
	ErrUnknownEntryPrice = errors.New("entry price unknown")
)

// BrokerErrClass tags a BrokerError as retryable or terminal.
type BrokerErrClass string

const (
	BrokerTransient BrokerErrClass = "transient"
	BrokerRejected  BrokerErrClass = "rejected"
)

// BrokerError wraps a venue failure with its retry class.
type BrokerError struct {
	Class BrokerErrClass
	Op    string // e.g. "submit_order", "get_position"
	Err   error
}

func (e *BrokerError) Error() string {
	return fmt.Sprintf("broker %s (%s): %v", e.Op, e.Class, e.Err)
}

func (e *BrokerError) Unwrap() error { return e.Err }

func brokerTransient(op string, err error) error {
	return &BrokerError{Class: BrokerTransient, Op: op, Err: err}
}

func brokerRejected(op string, err error) error {
	return &BrokerError{Class: BrokerRejected, Op: op, Err: err}
}

// isBrokerTransient reports whether err is a venue failure worth retrying on
// the next cycle.
func isBrokerTransient(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Class == BrokerTransient
	}
	return false
}

func isBrokerRejected(err error) bool {
	var be *BrokerError
	if errors.As(err, &be) {
		return be.Class == BrokerRejected
	}
	return false
}

// PersistenceError marks a failed ledger write. Callers must not assume the
// snapshot reached disk when they see one.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist ledger %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
