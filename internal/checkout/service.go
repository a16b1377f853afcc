package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

// GuestRequest starts checkout for a visitor who has no account yet.
type GuestRequest struct {
	SessionID  string
	Email      string
	Source     string
	Plan       string
	ReturnURL  string
	Characters model.CharacterSelections
}

// AuthenticatedRequest starts checkout for a signed-in account.
type AuthenticatedRequest struct {
	AccountID  int64
	SessionID  string
	Source     string
	Plan       string
	ReturnURL  string
	Characters model.CharacterSelections
}

// Result describes an opened checkout.
type Result struct {
	Payment    *PaymentSession
	SessionID  string
	IdentityID string
}

// Service orchestrates provisioning and payment session creation, rolling
// the identity back when the gateway fails.
type Service struct {
	provisioner *Provisioner
	initiator   *Initiator
	sessions    *store.FunnelSessionStore
	accounts    *store.AccountStore
	logger      *slog.Logger
}

func NewService(
	provisioner *Provisioner,
	initiator *Initiator,
	sessions *store.FunnelSessionStore,
	accounts *store.AccountStore,
	logger *slog.Logger,
) *Service {
	return &Service{
		provisioner: provisioner,
		initiator:   initiator,
		sessions:    sessions,
		accounts:    accounts,
		logger:      logger,
	}
}

func (s *Service) StartGuest(ctx context.Context, req GuestRequest) (*Result, error) {
	fs, err := s.sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("start guest checkout: %w", err)
	}
	if fs == nil {
		return nil, ErrUnknownSession
	}
	if fs.LinkedAccountID != nil {
		return nil, ErrAlreadyLinked
	}
	if !s.initiator.gateway.SupportsPlan(req.Plan) {
		return nil, ErrUnknownPlan
	}

	email := model.NormalizeEmail(req.Email)
	if email == "" {
		email = fs.Email
	}
	if !model.ValidEmail(email) {
		return nil, fmt.Errorf("start guest checkout: %w", model.ErrInvalidEmail)
	}
	source := req.Source
	if source == "" {
		source = fs.Source
	}

	ei, err := s.provisioner.Provision(ctx, fs.SessionID, email, req.Characters)
	if err != nil {
		return nil, err
	}

	if err := s.sessions.MarkCheckoutStarted(ctx, fs.SessionID); err != nil {
		s.logger.Warn("mark checkout started failed", "session_id", fs.SessionID, "error", err)
	}

	gc := model.GuestCheckout{
		Email:            email,
		SessionID:        fs.SessionID,
		Source:           source,
		Plan:             req.Plan,
		IdentityID:       ei.ID,
		PlaceholderEmail: ei.PlaceholderEmail,
		Characters:       req.Characters,
	}
	ps, err := s.initiator.Initiate(ctx, req.Plan, ei.ID, gc, req.ReturnURL)
	if err != nil {
		s.rollback(ctx, ei.ID)
		return nil, err
	}

	s.logger.Info("guest checkout opened", "session_id", fs.SessionID, "identity_id", ei.ID, "checkout", ps.Token)
	return &Result{Payment: ps, SessionID: fs.SessionID, IdentityID: ei.ID}, nil
}

func (s *Service) StartAuthenticated(ctx context.Context, req AuthenticatedRequest) (*Result, error) {
	account, err := s.accounts.GetByID(ctx, req.AccountID)
	if err != nil {
		return nil, fmt.Errorf("start checkout: %w", err)
	}
	if account == nil {
		return nil, ErrUnknownAccount
	}

	ac := model.AuthenticatedCheckout{
		AccountID:  account.ID,
		SessionID:  req.SessionID,
		Source:     req.Source,
		Plan:       req.Plan,
		Characters: req.Characters,
	}
	var customer string
	if account.StripeCustomerID != nil {
		customer = *account.StripeCustomerID
	}
	ps, err := s.initiator.Initiate(ctx, req.Plan, strconv.FormatInt(account.ID, 10), ac, req.ReturnURL,
		WithCustomer(customer, account.Email))
	if err != nil {
		return nil, err
	}
	return &Result{Payment: ps, SessionID: req.SessionID}, nil
}

// rollback runs even when the request context is already cancelled.
func (s *Service) rollback(ctx context.Context, identityID string) {
	if err := s.provisioner.Discard(context.WithoutCancel(ctx), identityID); err != nil {
		s.logger.Error("rollback ephemeral identity failed", "identity_id", identityID, "error", err)
	}
}
