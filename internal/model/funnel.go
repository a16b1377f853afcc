package model

import (
	"encoding/json"
	"time"
)

// Funnel session statuses.
const (
	FunnelQuizCompleted   = "quiz_completed"
	FunnelCheckoutStarted = "checkout_started"
	FunnelLinked          = "linked"
)

// FunnelSession is the anonymous record of a visitor's quiz answers and
// contact email. It is never deleted.
type FunnelSession struct {
	SessionID       string          `json:"session_id"`
	Email           string          `json:"email"`
	QuizAnswers     json.RawMessage `json:"quiz_answers"`
	Source          string          `json:"source"`
	Status          string          `json:"status"`
	LinkedAccountID *int64          `json:"linked_account_id"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// CharacterSelections are the quiz-derived choices carried through checkout.
type CharacterSelections struct {
	CharacterType string `json:"character_type,omitempty"`
	BodyType      string `json:"body_type,omitempty"`
}

type IdentityMetadata struct {
	GuestEmail          string              `json:"guest_email"`
	SessionID           string              `json:"session_id"`
	CharacterSelections CharacterSelections `json:"character_selections"`
}

// EphemeralIdentity stands in for an account while the payment gateway needs
// an account reference and no permanent account exists yet.
type EphemeralIdentity struct {
	ID               string           `json:"id"`
	PlaceholderEmail string           `json:"placeholder_email"`
	Metadata         IdentityMetadata `json:"metadata"`
	CreatedAt        time.Time        `json:"created_at"`
}
