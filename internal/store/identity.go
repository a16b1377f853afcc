package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

// IdentityStore holds ephemeral identities created for guest checkouts.
type IdentityStore struct {
	db *sql.DB
}

func NewIdentityStore(db *sql.DB) *IdentityStore {
	return &IdentityStore{db: db}
}

func scanIdentity(scanner interface{ Scan(...any) error }) (*model.EphemeralIdentity, error) {
	var ei model.EphemeralIdentity
	var meta string
	err := scanner.Scan(
		&ei.ID, &ei.PlaceholderEmail, &ei.Metadata.GuestEmail, &ei.Metadata.SessionID,
		&meta, &ei.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(meta), &ei.Metadata.CharacterSelections); err != nil {
		return nil, fmt.Errorf("decode identity metadata: %w", err)
	}
	return &ei, nil
}

const identityCols = `id, placeholder_email, guest_email, session_id, metadata, created_at`

func (s *IdentityStore) Create(ctx context.Context, ei *model.EphemeralIdentity) error {
	meta, err := json.Marshal(ei.Metadata.CharacterSelections)
	if err != nil {
		return fmt.Errorf("encode identity metadata: %w", err)
	}
	if ei.CreatedAt.IsZero() {
		ei.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ephemeral_identities (id, placeholder_email, guest_email, session_id, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ei.ID, ei.PlaceholderEmail, model.NormalizeEmail(ei.Metadata.GuestEmail),
		ei.Metadata.SessionID, string(meta), ei.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ephemeral identity: %w", err)
	}
	return nil
}

func (s *IdentityStore) Get(ctx context.Context, id string) (*model.EphemeralIdentity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityCols+` FROM ephemeral_identities WHERE id = ?`, id)
	ei, err := scanIdentity(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get ephemeral identity: %w", err)
	}
	return ei, nil
}

// Delete removes the identity and reports whether a row was deleted. A
// missing identity is not an error.
func (s *IdentityStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM ephemeral_identities WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete ephemeral identity: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteOrphans removes identities created before cutoff that no subscription
// references.
func (s *IdentityStore) DeleteOrphans(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM ephemeral_identities
		 WHERE created_at < ?
		   AND NOT EXISTS (SELECT 1 FROM subscriptions WHERE subscriptions.identity_id = ephemeral_identities.id)`,
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete orphaned identities: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

// CountStranded counts identities older than cutoff that a subscription still
// references, i.e. reconciliations that never completed.
func (s *IdentityStore) CountStranded(ctx context.Context, cutoff time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM ephemeral_identities
		 WHERE created_at < ?
		   AND EXISTS (SELECT 1 FROM subscriptions WHERE subscriptions.identity_id = ephemeral_identities.id)`,
		cutoff.UTC(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count stranded identities: %w", err)
	}
	return n, nil
}
