package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

// FunnelSessionStore persists anonymous quiz sessions and later links them to
// the account reconciliation resolved.
type FunnelSessionStore struct {
	db *sql.DB
}

func NewFunnelSessionStore(db *sql.DB) *FunnelSessionStore {
	return &FunnelSessionStore{db: db}
}

func scanFunnelSession(scanner interface{ Scan(...any) error }) (*model.FunnelSession, error) {
	var fs model.FunnelSession
	var answers string
	var linked sql.NullInt64
	err := scanner.Scan(
		&fs.SessionID, &fs.Email, &answers, &fs.Source, &fs.Status,
		&linked, &fs.CreatedAt, &fs.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	fs.QuizAnswers = json.RawMessage(answers)
	if linked.Valid {
		fs.LinkedAccountID = &linked.Int64
	}
	return &fs, nil
}

const funnelSessionCols = `session_id, email, quiz_answers, source, status, linked_account_id, created_at, updated_at`

// Save creates the session or refreshes the email and answers of one that has
// not been linked to an account yet.
func (s *FunnelSessionStore) Save(ctx context.Context, fs *model.FunnelSession) (*model.FunnelSession, error) {
	answers := "{}"
	if len(fs.QuizAnswers) > 0 {
		answers = string(fs.QuizAnswers)
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO funnel_sessions (session_id, email, quiz_answers, source, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id) DO UPDATE SET
		   email = excluded.email,
		   quiz_answers = excluded.quiz_answers,
		   source = excluded.source,
		   updated_at = excluded.updated_at
		 WHERE funnel_sessions.linked_account_id IS NULL`,
		fs.SessionID, model.NormalizeEmail(fs.Email), answers, fs.Source, model.FunnelQuizCompleted, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("save funnel session: %w", err)
	}
	return s.Get(ctx, fs.SessionID)
}

func (s *FunnelSessionStore) Get(ctx context.Context, sessionID string) (*model.FunnelSession, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+funnelSessionCols+` FROM funnel_sessions WHERE session_id = ?`,
		sessionID,
	)
	fs, err := scanFunnelSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get funnel session: %w", err)
	}
	return fs, nil
}

func (s *FunnelSessionStore) MarkCheckoutStarted(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE funnel_sessions SET status = ?, updated_at = ?
		 WHERE session_id = ? AND status = ?`,
		model.FunnelCheckoutStarted, time.Now().UTC(), sessionID, model.FunnelQuizCompleted,
	)
	if err != nil {
		return fmt.Errorf("mark checkout started: %w", err)
	}
	return nil
}

// Link attaches the resolved account. Relinking to the same account is a
// no-op. A session already linked to another account keeps that link and
// yields ErrSessionLinkedElsewhere; ErrNotFound means no such session exists.
func (s *FunnelSessionStore) Link(ctx context.Context, sessionID string, accountID int64) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE funnel_sessions SET linked_account_id = ?, status = ?, updated_at = ?
		 WHERE session_id = ? AND (linked_account_id IS NULL OR linked_account_id = ?)`,
		accountID, model.FunnelLinked, time.Now().UTC(), sessionID, accountID,
	)
	if err != nil {
		return fmt.Errorf("link funnel session: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 1 {
		return nil
	}

	existing, err := s.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("link funnel session %s: %w", sessionID, ErrNotFound)
	}
	return fmt.Errorf("link funnel session %s: %w", sessionID, ErrSessionLinkedElsewhere)
}

// IsLinked reports whether the session has been attached to an account.
func (s *FunnelSessionStore) IsLinked(ctx context.Context, sessionID string) (bool, error) {
	fs, err := s.Get(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return fs != nil && fs.LinkedAccountID != nil, nil
}
