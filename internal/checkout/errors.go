package checkout

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownSession = errors.New("unknown funnel session")
	ErrAlreadyLinked  = errors.New("funnel session already has an account")
	ErrUnknownPlan    = errors.New("unknown plan")
	ErrUnknownAccount = errors.New("unknown account")
)

// ProvisioningError means no ephemeral identity could be created. No payment
// session was opened.
type ProvisioningError struct {
	SessionID string
	Err       error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provision identity for session %s: %v", e.SessionID, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// UpstreamProviderError wraps a payment gateway failure.
type UpstreamProviderError struct {
	Op  string
	Err error
}

func (e *UpstreamProviderError) Error() string {
	return fmt.Sprintf("payment gateway %s: %v", e.Op, e.Err)
}

func (e *UpstreamProviderError) Unwrap() error { return e.Err }
