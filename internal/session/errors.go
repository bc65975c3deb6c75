package session

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("session closed")

	ErrInvalidEvent      = errors.New("invalid event")
	ErrInvalidFocusBlock = errors.New("invalid focus block")
	// ErrSuperseded rejects a change that was built on another change that
	// failed to confirm.
	ErrSuperseded = errors.New("an earlier change to the same item was rolled back")
)

// ConcurrencyConflictError reports that the store copy changed under an
// optimistic update. The session re-fetches its state after one.
type ConcurrencyConflictError struct {
	Op  string
	Key string
	Err error
}

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf("%s on %s conflicted with a concurrent change: %v", e.Op, e.Key, e.Err)
}

func (e *ConcurrencyConflictError) Unwrap() error { return e.Err }

func (e *ConcurrencyConflictError) ErrorCode() string { return "CONFLICT" }
