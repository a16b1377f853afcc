package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

// MagicLinkRequestStore queues fallback sign-in requests for emails whose
// account does not exist yet.
type MagicLinkRequestStore struct {
	db *sql.DB
}

func NewMagicLinkRequestStore(db *sql.DB) *MagicLinkRequestStore {
	return &MagicLinkRequestStore{db: db}
}

func (s *MagicLinkRequestStore) Enqueue(ctx context.Context, email string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO magic_link_requests (email, requested_at) VALUES (?, ?)
		 ON CONFLICT(email) DO UPDATE SET requested_at = excluded.requested_at`,
		model.NormalizeEmail(email), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("enqueue magic link request: %w", err)
	}
	return nil
}

// Take removes the queued request for email and reports whether one existed.
// Only one concurrent caller observes true.
func (s *MagicLinkRequestStore) Take(ctx context.Context, email string) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM magic_link_requests WHERE email = ?`,
		model.NormalizeEmail(email),
	)
	if err != nil {
		return false, fmt.Errorf("take magic link request: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteOlderThan drops requests that were never fulfilled.
func (s *MagicLinkRequestStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_link_requests WHERE requested_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete stale magic link requests: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
