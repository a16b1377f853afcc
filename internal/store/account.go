package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dukerupert/quizpass/internal/model"
)

type AccountStore struct {
	db *sql.DB
}

func NewAccountStore(db *sql.DB) *AccountStore {
	return &AccountStore{db: db}
}

// AccountParams are the attributes of a new permanent account.
type AccountParams struct {
	Email         string
	CharacterType string
	BodyType      string
	QuizAnswers   json.RawMessage
}

func scanAccount(scanner interface{ Scan(...any) error }) (*model.Account, error) {
	var a model.Account
	var stripeID sql.NullString
	var answers string
	err := scanner.Scan(
		&a.ID, &a.Email, &a.CharacterType, &a.BodyType, &answers,
		&stripeID, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.QuizAnswers = json.RawMessage(answers)
	if stripeID.Valid {
		a.StripeCustomerID = &stripeID.String
	}
	return &a, nil
}

const accountCols = `id, email, character_type, body_type, quiz_answers, stripe_customer_id, created_at, updated_at`

// Create inserts the account unless one already exists for the normalized
// email, in which case it returns ErrEmailTaken.
func (s *AccountStore) Create(ctx context.Context, p AccountParams) (*model.Account, error) {
	email := model.NormalizeEmail(p.Email)
	if email == "" {
		return nil, fmt.Errorf("insert account: empty email")
	}
	answers := "{}"
	if len(p.QuizAnswers) > 0 {
		answers = string(p.QuizAnswers)
	}
	now := time.Now().UTC()

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (email, character_type, body_type, quiz_answers, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		email, p.CharacterType, p.BodyType, answers, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrEmailTaken
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *AccountStore) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return a, nil
}

func (s *AccountStore) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountCols+` FROM accounts WHERE email = ?`,
		model.NormalizeEmail(email),
	)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return a, nil
}

// SetStripeCustomerID records the gateway customer unless one is already set.
func (s *AccountStore) SetStripeCustomerID(ctx context.Context, id int64, customerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET stripe_customer_id = ?, updated_at = ?
		 WHERE id = ? AND stripe_customer_id IS NULL`,
		customerID, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("update stripe customer id: %w", err)
	}
	return nil
}

func (s *AccountStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count accounts: %w", err)
	}
	return n, nil
}
