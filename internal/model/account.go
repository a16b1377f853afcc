package model

import (
	"encoding/json"
	"errors"
	"strings"
	"time"
)

var ErrInvalidEmail = errors.New("invalid email")

type Account struct {
	ID               int64           `json:"id"`
	Email            string          `json:"email"`
	CharacterType    string          `json:"character_type"`
	BodyType         string          `json:"body_type"`
	QuizAnswers      json.RawMessage `json:"quiz_answers"`
	StripeCustomerID *string         `json:"stripe_customer_id"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

type Subscription struct {
	ID                     int64     `json:"id"`
	ProviderSubscriptionID string    `json:"provider_subscription_id"`
	AccountID              *int64    `json:"account_id"`
	IdentityID             *string   `json:"identity_id"`
	Plan                   string    `json:"plan"`
	Status                 string    `json:"status"`
	CancelAtPeriodEnd      bool      `json:"cancel_at_period_end"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// NormalizeEmail returns the canonical form used as the account key.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidEmail is a shape check only; deliverability is the mailer's concern.
func ValidEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	return at > 0 && at < len(email)-1 && !strings.ContainsAny(email, " \t\r\n")
}
