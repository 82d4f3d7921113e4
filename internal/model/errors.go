package model

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is the parent of every "missing entity" error.
	ErrNotFound = errors.New("not found")

	ErrContractNotFound = fmt.Errorf("contract %w", ErrNotFound)
	ErrOrderNotFound    = fmt.Errorf("order %w", ErrNotFound)
	ErrAccountNotFound  = fmt.Errorf("account %w", ErrNotFound)

	// ErrInvalidParameters marks a malformed request. Not retried.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInvalidState is returned for a transition the order state machine
	// does not allow, e.g. cancelling a FILLED order.
	ErrInvalidState = errors.New("invalid order state")

	// ErrQuoteUnavailable means no quote could be obtained for a symbol.
	// Transient: the engine leaves the order OPEN.
	ErrQuoteUnavailable = errors.New("quote unavailable")

	// ErrConflict is a concurrent-write race detected by a store. The engine
	// retries it and never surfaces it.
	ErrConflict = errors.New("persistence conflict")

	// ErrLimitExceeded is returned when an order would breach a position limit.
	ErrLimitExceeded = errors.New("position limit exceeded")
)
