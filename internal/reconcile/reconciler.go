package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dukerupert/quizpass/internal/metrics"
	"github.com/dukerupert/quizpass/internal/model"
	"github.com/dukerupert/quizpass/internal/store"
)

// State is a step of the reconciliation state machine.
type State string

const (
	Received             State = "RECEIVED"
	MetadataParsed       State = "METADATA_PARSED"
	IdentityResolved     State = "IDENTITY_RESOLVED"
	SubscriptionRemapped State = "SUBSCRIPTION_REMAPPED"
	SessionLinked        State = "SESSION_LINKED"
	Done                 State = "DONE"
	Skipped              State = "SKIPPED"
	Failed               State = "FAILED"
)

// Completion is the part of a gateway checkout-completed event the
// reconciler needs.
type Completion struct {
	EventID         string
	AccountRef      string
	Metadata        map[string]string
	SubscriptionRef string
	CustomerRef     string
}

// Outcome reports how a completion was applied.
type Outcome struct {
	State     State
	AccountID int64
	SessionID string
	Created   bool
}

// Notifier is told when a funnel session has an account and a credential can
// be issued for it.
type Notifier interface {
	AccountReady(sessionID string, accountID int64)
}

// PendingFlusher delivers fallback sign-in requests queued before the account
// existed.
type PendingFlusher interface {
	FlushPending(ctx context.Context, email string, accountID int64) error
}

type Reconciler struct {
	accounts      *store.AccountStore
	subscriptions *store.SubscriptionStore
	sessions      *store.FunnelSessionStore
	identities    *store.IdentityStore
	notifier      Notifier
	flusher       PendingFlusher
	logger        *slog.Logger
}

func NewReconciler(
	accounts *store.AccountStore,
	subscriptions *store.SubscriptionStore,
	sessions *store.FunnelSessionStore,
	identities *store.IdentityStore,
	notifier Notifier,
	flusher PendingFlusher,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		accounts:      accounts,
		subscriptions: subscriptions,
		sessions:      sessions,
		identities:    identities,
		notifier:      notifier,
		flusher:       flusher,
		logger:        logger,
	}
}

// Reconcile resolves a guest checkout into exactly one permanent account and
// moves the subscription onto it. It is safe to call any number of times with
// the same completion, concurrently or after a previous success.
func (r *Reconciler) Reconcile(ctx context.Context, c Completion) (*Outcome, error) {
	log := r.logger.With("event_id", c.EventID, "subscription", c.SubscriptionRef)

	if !model.IsGuestMetadata(c.Metadata) {
		log.Debug("completion for non-guest checkout skipped")
		metrics.Reconciliations.WithLabelValues(string(Skipped)).Inc()
		return &Outcome{State: Skipped}, nil
	}
	parsed, err := model.ParseMetadata(c.Metadata)
	if err != nil {
		return nil, r.fail(log, Received, fmt.Errorf("%w: %v", ErrMalformedEvent, err))
	}
	guest, ok := parsed.(model.GuestCheckout)
	if !ok {
		return nil, r.fail(log, Received, fmt.Errorf("%w: guest flag without guest fields", ErrMalformedEvent))
	}
	if c.AccountRef != "" && c.AccountRef != guest.IdentityID {
		log.Warn("account reference does not match temp identity",
			"account_ref", c.AccountRef, "identity_id", guest.IdentityID)
	}
	log = log.With("session_id", guest.SessionID)

	// METADATA_PARSED
	account, created, err := r.resolveAccount(ctx, log, guest)
	if err != nil {
		return nil, r.fail(log, MetadataParsed, err)
	}
	log = log.With("account_id", account.ID)

	// IDENTITY_RESOLVED
	if c.SubscriptionRef != "" {
		if err := r.remapSubscription(ctx, guest, c.SubscriptionRef, account.ID); err != nil {
			return nil, r.fail(log, IdentityResolved, err)
		}
	} else {
		log.Warn("completion without subscription reference")
	}
	if c.CustomerRef != "" {
		if err := r.accounts.SetStripeCustomerID(ctx, account.ID, c.CustomerRef); err != nil {
			log.Warn("record customer id failed", "error", err)
		}
	}

	// SUBSCRIPTION_REMAPPED: nothing references the identity anymore, so
	// the remaining steps are best effort.
	linked := true
	if err := r.sessions.Link(ctx, guest.SessionID, account.ID); err != nil {
		if errors.Is(err, store.ErrSessionLinkedElsewhere) {
			// The first account to complete keeps the session; this one
			// signs in through the emailed link instead.
			linked = false
			log.Warn("funnel session already linked to another account")
		} else {
			log.Warn("link funnel session failed", "error", err)
		}
		metrics.CleanupFailures.WithLabelValues("link_session").Inc()
	}

	// SESSION_LINKED
	if _, err := r.identities.Delete(ctx, guest.IdentityID); err != nil {
		log.Warn("delete ephemeral identity failed, left for sweeper",
			"identity_id", guest.IdentityID, "error", err)
		metrics.CleanupFailures.WithLabelValues("delete_identity").Inc()
	}

	// DONE
	if r.notifier != nil && linked {
		r.notifier.AccountReady(guest.SessionID, account.ID)
	}
	if r.flusher != nil {
		if err := r.flusher.FlushPending(ctx, account.Email, account.ID); err != nil {
			log.Warn("deliver queued magic link failed", "error", err)
			metrics.CleanupFailures.WithLabelValues("flush_pending").Inc()
		}
	}

	metrics.Reconciliations.WithLabelValues(string(Done)).Inc()
	log.Info("guest checkout reconciled", "created", created)
	return &Outcome{State: Done, AccountID: account.ID, SessionID: guest.SessionID, Created: created}, nil
}

// resolveAccount looks the email up before creating anything. A lost
// creation race falls through to the winner's row.
func (r *Reconciler) resolveAccount(ctx context.Context, log *slog.Logger, g model.GuestCheckout) (*model.Account, bool, error) {
	account, err := r.accounts.GetByEmail(ctx, g.Email)
	if err != nil {
		return nil, false, err
	}
	if account != nil {
		return account, false, nil
	}

	params := store.AccountParams{
		Email:         g.Email,
		CharacterType: g.Characters.CharacterType,
		BodyType:      g.Characters.BodyType,
	}
	if fs, err := r.sessions.Get(ctx, g.SessionID); err != nil {
		log.Warn("load funnel session answers failed", "error", err)
	} else if fs != nil {
		params.QuizAnswers = fs.QuizAnswers
	}

	account, err = r.accounts.Create(ctx, params)
	if err == nil {
		metrics.AccountsCreated.Inc()
		return account, true, nil
	}
	if !errors.Is(err, store.ErrEmailTaken) {
		return nil, false, err
	}

	conflict := &IdentityConflictError{Email: g.Email, Err: err}
	log.Info("account created concurrently, using existing row", "error", conflict)
	account, err = r.accounts.GetByEmail(ctx, g.Email)
	if err != nil {
		return nil, false, err
	}
	if account == nil {
		return nil, false, conflict
	}
	return account, false, nil
}

func (r *Reconciler) remapSubscription(ctx context.Context, g model.GuestCheckout, providerID string, accountID int64) error {
	sub, err := r.subscriptions.GetByProviderID(ctx, providerID)
	if err != nil {
		return err
	}
	if sub == nil {
		ident, err := r.identities.Get(ctx, g.IdentityID)
		if err != nil {
			return err
		}
		if ident != nil {
			err = r.subscriptions.EnsurePlaceholder(ctx, providerID, ident.ID, g.Plan)
		} else {
			err = r.subscriptions.EnsureForAccount(ctx, providerID, accountID, g.Plan)
		}
		if err != nil {
			return err
		}
	}
	return r.subscriptions.Remap(ctx, providerID, g.IdentityID, accountID)
}

func (r *Reconciler) fail(log *slog.Logger, state State, err error) error {
	metrics.Reconciliations.WithLabelValues(string(Failed)).Inc()
	log.Error("reconciliation failed", "state", state, "error", err)
	return &ReconciliationFailure{State: state, Err: err}
}
