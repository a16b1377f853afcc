package store

import (
	"errors"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var (
	// ErrEmailTaken is returned when an account for the email already exists.
	ErrEmailTaken = errors.New("email already has an account")
	// ErrSubscriptionConflict is returned when a subscription is bound to a
	// different account than the one being applied.
	ErrSubscriptionConflict = errors.New("subscription bound to another account")
	// ErrLiveCredentialExists is returned when a funnel session already has
	// an unconsumed, unsuperseded magic link.
	ErrLiveCredentialExists = errors.New("live credential exists for session")
	// ErrSessionLinkedElsewhere is returned when a funnel session is already
	// linked to a different account.
	ErrSessionLinkedElsewhere = errors.New("funnel session linked to another account")
	ErrNotFound             = errors.New("not found")
)

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	}
	return false
}
