package reconcile

import (
	"errors"
	"fmt"
)

// ErrMalformedEvent marks a completion event whose metadata cannot be
// interpreted. Redelivering it will not help.
var ErrMalformedEvent = errors.New("malformed completion event")

// ReconciliationFailure is returned when a step before the point of no return
// failed. The transport should redeliver the whole event; State is the last
// state reached.
type ReconciliationFailure struct {
	State State
	Err   error
}

func (e *ReconciliationFailure) Error() string {
	return fmt.Sprintf("reconcile failed after %s: %v", e.State, e.Err)
}

func (e *ReconciliationFailure) Unwrap() error { return e.Err }

// Retryable reports whether redelivery could succeed.
func (e *ReconciliationFailure) Retryable() bool {
	return !errors.Is(e.Err, ErrMalformedEvent)
}

// IdentityConflictError records that a concurrent writer created the account
// first. It is resolved internally and never returned to the transport.
type IdentityConflictError struct {
	Email string
	Err   error
}

func (e *IdentityConflictError) Error() string {
	return fmt.Sprintf("account for %s created concurrently: %v", e.Email, e.Err)
}

func (e *IdentityConflictError) Unwrap() error { return e.Err }
