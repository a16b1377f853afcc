package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var accountID sql.NullInt64
	var identityID sql.NullString
	var cancelAtPeriodEnd int
	err := scanner.Scan(
		&sub.ID, &sub.ProviderSubscriptionID, &accountID, &identityID, &sub.Plan, &sub.Status,
		&cancelAtPeriodEnd, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if accountID.Valid {
		sub.AccountID = &accountID.Int64
	}
	if identityID.Valid {
		sub.IdentityID = &identityID.String
	}
	sub.CancelAtPeriodEnd = cancelAtPeriodEnd != 0
	return &sub, nil
}

const subscriptionCols = `id, provider_subscription_id, account_id, identity_id, plan, status, cancel_at_period_end, created_at, updated_at`

// EnsurePlaceholder records the subscription against the ephemeral identity
// the gateway knows it by. Existing rows are left untouched.
func (s *SubscriptionStore) EnsurePlaceholder(ctx context.Context, providerID, identityID, plan string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (provider_subscription_id, identity_id, plan, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider_subscription_id) DO NOTHING`,
		providerID, identityID, plan, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert placeholder subscription: %w", err)
	}
	return nil
}

// EnsureForAccount records a subscription that belongs to a permanent account
// from the start. Existing rows are left untouched.
func (s *SubscriptionStore) EnsureForAccount(ctx context.Context, providerID string, accountID int64, plan string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions (provider_subscription_id, account_id, plan, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(provider_subscription_id) DO NOTHING`,
		providerID, accountID, plan, now, now,
	)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// Remap moves the subscription from the ephemeral identity to the account.
// The update only applies while the row still points at identityID; a row
// that already belongs to accountID is accepted as a previous application.
func (s *SubscriptionStore) Remap(ctx context.Context, providerID, identityID string, accountID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET account_id = ?, identity_id = NULL, updated_at = ?
		 WHERE provider_subscription_id = ? AND identity_id = ?`,
		accountID, time.Now().UTC(), providerID, identityID,
	)
	if err != nil {
		return fmt.Errorf("remap subscription: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	sub, err := s.GetByProviderID(ctx, providerID)
	if err != nil {
		return err
	}
	if sub == nil {
		return fmt.Errorf("remap subscription %s: %w", providerID, ErrNotFound)
	}
	if sub.IdentityID == nil && sub.AccountID != nil && *sub.AccountID == accountID {
		return nil
	}
	return fmt.Errorf("remap subscription %s: %w", providerID, ErrSubscriptionConflict)
}


func (s *SubscriptionStore) GetByAccountID(ctx context.Context, accountID int64) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		accountID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by account: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByProviderID(ctx context.Context, providerID string) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE provider_subscription_id = ?`,
		providerID,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription by provider id: %w", err)
	}
	return sub, nil
}

// UpdateStatus applies a gateway status change. It reports whether a row
// matched.
func (s *SubscriptionStore) UpdateStatus(ctx context.Context, providerID, status string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET status = ?, updated_at = ? WHERE provider_subscription_id = ?`,
		status, time.Now().UTC(), providerID,
	)
	if err != nil {
		return false, fmt.Errorf("update subscription status: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

func (s *SubscriptionStore) SetCancelAtPeriodEnd(ctx context.Context, providerID string, cancel bool) error {
	var v int
	if cancel {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET cancel_at_period_end = ?, updated_at = ? WHERE provider_subscription_id = ?`,
		v, time.Now().UTC(), providerID,
	)
	if err != nil {
		return fmt.Errorf("set cancel at period end: %w", err)
	}
	return nil
}

