package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

type MagicLinkStore struct {
	db *sql.DB
}

func NewMagicLinkStore(db *sql.DB) *MagicLinkStore {
	return &MagicLinkStore{db: db}
}

func scanMagicLink(scanner interface{ Scan(...any) error }) (*model.MagicLink, error) {
	var ml model.MagicLink
	var sessionID sql.NullString
	var consumedAt, supersededAt sql.NullTime

	err := scanner.Scan(
		&ml.ID, &ml.Token, &ml.AccountID, &sessionID,
		&ml.IssuedAt, &ml.ExpiresAt, &consumedAt, &supersededAt,
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		ml.SessionID = &sessionID.String
	}
	if consumedAt.Valid {
		ml.ConsumedAt = &consumedAt.Time
	}
	if supersededAt.Valid {
		ml.SupersededAt = &supersededAt.Time
	}
	return &ml, nil
}

const magicLinkCols = `id, token, account_id, session_id, issued_at, expires_at, consumed_at, superseded_at`

// generateToken returns 32 random bytes, hex encoded.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Create mints a credential for the account. When sessionID is set and the
// session already has a live credential, ErrLiveCredentialExists is returned.
func (s *MagicLinkStore) Create(ctx context.Context, accountID int64, sessionID *string, issuedAt, expiresAt time.Time) (*model.MagicLink, error) {
	token, err := generateToken()
	if err != nil {
		return nil, err
	}

	var sID sql.NullString
	if sessionID != nil {
		sID = sql.NullString{String: *sessionID, Valid: true}
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO magic_links (token, account_id, session_id, issued_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		token, accountID, sID, issuedAt.UTC(), expiresAt.UTC(),
	)
	if err != nil {
		if sessionID != nil && isUniqueViolation(err) {
			return nil, ErrLiveCredentialExists
		}
		return nil, fmt.Errorf("insert magic link: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+magicLinkCols+` FROM magic_links WHERE id = ?`, id)
	return scanMagicLink(row)
}

func (s *MagicLinkStore) GetByToken(ctx context.Context, token string) (*model.MagicLink, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+magicLinkCols+` FROM magic_links WHERE token = ?`, token)
	ml, err := scanMagicLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get magic link by token: %w", err)
	}
	return ml, nil
}

// LatestForSession returns the most recently issued credential for a funnel
// session, or nil.
func (s *MagicLinkStore) LatestForSession(ctx context.Context, sessionID string) (*model.MagicLink, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+magicLinkCols+` FROM magic_links WHERE session_id = ? ORDER BY id DESC LIMIT 1`,
		sessionID,
	)
	ml, err := scanMagicLink(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest magic link for session: %w", err)
	}
	return ml, nil
}

// Supersede invalidates an unconsumed credential so a replacement can be
// issued.
func (s *MagicLinkStore) Supersede(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE magic_links SET superseded_at = ?
		 WHERE id = ? AND consumed_at IS NULL AND superseded_at IS NULL`,
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("supersede magic link: %w", err)
	}
	return nil
}

// Consume marks the credential used if it is live at now. The returned bool
// is true only for the call that consumed it; otherwise the current row (nil
// when the token is unknown) is returned for classification.
func (s *MagicLinkStore) Consume(ctx context.Context, token string, now time.Time) (*model.MagicLink, bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE magic_links SET consumed_at = ?
		 WHERE token = ? AND consumed_at IS NULL AND superseded_at IS NULL AND expires_at > ?`,
		now.UTC(), token, now.UTC(),
	)
	if err != nil {
		return nil, false, fmt.Errorf("consume magic link: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("rows affected: %w", err)
	}
	ml, err := s.GetByToken(ctx, token)
	if err != nil {
		return nil, false, err
	}
	return ml, n == 1, nil
}

// DeleteExpired removes credentials that expired before cutoff.
func (s *MagicLinkStore) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM magic_links WHERE expires_at <= ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired magic links: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
