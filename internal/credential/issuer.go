package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

// DefaultLifetime is how long a freshly issued magic link stays valid.
const DefaultLifetime = 15 * time.Minute

// Mailer delivers a sign-in link out of band.
type Mailer interface {
	SendMagicLink(ctx context.Context, toEmail, token string) error
}

// Issuer mints and verifies single-use sign-in credentials.
type Issuer struct {
	links    *store.MagicLinkStore
	accounts *store.AccountStore
	requests *store.MagicLinkRequestStore
	mailer   Mailer
	lifetime time.Duration
	now      func() time.Time
	logger   *slog.Logger
}

type Option func(*Issuer)

// WithLifetime overrides DefaultLifetime.
func WithLifetime(d time.Duration) Option {
	return func(i *Issuer) {
		i.lifetime = d
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

func NewIssuer(
	links *store.MagicLinkStore,
	accounts *store.AccountStore,
	requests *store.MagicLinkRequestStore,
	mailer Mailer,
	logger *slog.Logger,
	opts ...Option,
) *Issuer {
	i := &Issuer{
		links:    links,
		accounts: accounts,
		requests: requests,
		mailer:   mailer,
		lifetime: DefaultLifetime,
		now:      time.Now,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue always mints a fresh credential for the account. Earlier credentials
// stay valid until they expire or are consumed.
func (i *Issuer) Issue(ctx context.Context, accountID int64) (*model.MagicLink, error) {
	now := i.now().UTC()
	ml, err := i.links.Create(ctx, accountID, nil, now, now.Add(i.lifetime))
	if err != nil {
		return nil, fmt.Errorf("issue credential: %w", err)
	}
	return ml, nil
}

// IssueForSession returns the live credential minted for a reconciled funnel
// session, regenerating it once the previous one has expired or was minted
// for a different account. Once the session's credential has been consumed
// by this account it returns ErrAlreadyConsumed.
func (i *Issuer) IssueForSession(ctx context.Context, sessionID string, accountID int64) (*model.MagicLink, error) {
	// A second pass covers a concurrent poller inserting between our read
	// and our insert.
	for attempt := 0; attempt < 2; attempt++ {
		now := i.now().UTC()
		latest, err := i.links.LatestForSession(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("issue session credential: %w", err)
		}
		if latest != nil {
			sameAccount := latest.AccountID == accountID
			switch {
			case sameAccount && latest.ConsumedAt != nil:
				return nil, ErrAlreadyConsumed
			case sameAccount && latest.Live(now):
				return latest, nil
			case latest.ConsumedAt == nil && latest.SupersededAt == nil:
				if err := i.links.Supersede(ctx, latest.ID, now); err != nil {
					return nil, fmt.Errorf("issue session credential: %w", err)
				}
			}
		}

		ml, err := i.links.Create(ctx, accountID, &sessionID, now, now.Add(i.lifetime))
		if errors.Is(err, store.ErrLiveCredentialExists) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("issue session credential: %w", err)
		}
		return ml, nil
	}
	return nil, fmt.Errorf("issue session credential: concurrent issuance for %s", sessionID)
}

// Verify consumes the credential and returns its account. Unknown, consumed,
// superseded and expired tokens yield an *Error.
func (i *Issuer) Verify(ctx context.Context, token string) (*model.Account, error) {
	ml, consumed, err := i.links.Consume(ctx, token, i.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}

	var verr *Error
	switch {
	case ml == nil:
		verr = ErrNotFound
	case !consumed && ml.ConsumedAt != nil:
		verr = ErrAlreadyConsumed
	case !consumed:
		verr = ErrExpired
	}
	if verr != nil {
		metrics.CredentialVerifications.WithLabelValues(verr.Kind.String()).Inc()
		return nil, verr
	}

	account, err := i.accounts.GetByID(ctx, ml.AccountID)
	if err != nil {
		return nil, fmt.Errorf("verify credential: %w", err)
	}
	if account == nil {
		metrics.CredentialVerifications.WithLabelValues(NotFound.String()).Inc()
		return nil, ErrNotFound
	}
	metrics.CredentialVerifications.WithLabelValues("ok").Inc()
	return account, nil
}

// RequestLink is the fallback path: it issues a credential and mails it when
// the account exists, and otherwise queues the request until reconciliation
// creates the account.
func (i *Issuer) RequestLink(ctx context.Context, email string) error {
	email = model.NormalizeEmail(email)
	account, err := i.accounts.GetByEmail(ctx, email)
	if err != nil {
		return fmt.Errorf("request link: %w", err)
	}
	if account == nil {
		if err := i.requests.Enqueue(ctx, email); err != nil {
			return fmt.Errorf("request link: %w", err)
		}
		i.logger.Info("queued magic link until account exists", "email", email)
		return nil
	}
	return i.send(ctx, account)
}

// FlushPending delivers a queued fallback request for email, if any.
func (i *Issuer) FlushPending(ctx context.Context, email string, accountID int64) error {
	taken, err := i.requests.Take(ctx, email)
	if err != nil {
		return fmt.Errorf("flush pending link: %w", err)
	}
	if !taken {
		return nil
	}
	account, err := i.accounts.GetByID(ctx, accountID)
	if err != nil {
		return fmt.Errorf("flush pending link: %w", err)
	}
	if account == nil {
		return fmt.Errorf("flush pending link: account %d: %w", accountID, store.ErrNotFound)
	}
	return i.send(ctx, account)
}

func (i *Issuer) send(ctx context.Context, account *model.Account) error {
	ml, err := i.Issue(ctx, account.ID)
	if err != nil {
		return err
	}
	if i.mailer == nil {
		i.logger.Info("magic link issued without mailer", "account_id", account.ID, "token", ml.Token)
		return nil
	}
	if err := i.mailer.SendMagicLink(ctx, account.Email, ml.Token); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}
