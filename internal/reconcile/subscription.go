package reconcile

import (
	"context"
	"fmt"

	"github.com/dukerupert/quizpass/internal/model"
)

// SubscriptionEvent is a status change reported by the gateway for a
// subscription, either directly or through one of its invoices.
type SubscriptionEvent struct {
	ProviderID        string
	Status            string
	CancelAtPeriodEnd *bool
	// Metadata is the checkout correlation metadata copied onto the
	// subscription. Invoice events carry none.
	Metadata map[string]string
}

// SyncSubscription records the subscription if this is the first time it is
// seen and applies the reported status. Events may arrive before or after
// the checkout completion; a guest subscription seen first is recorded
// against its ephemeral identity and remapped by Reconcile later.
func (r *Reconciler) SyncSubscription(ctx context.Context, ev SubscriptionEvent) error {
	if ev.ProviderID == "" {
		return fmt.Errorf("sync subscription: %w: missing id", ErrMalformedEvent)
	}
	log := r.logger.With("subscription", ev.ProviderID)

	sub, err := r.subscriptions.GetByProviderID(ctx, ev.ProviderID)
	if err != nil {
		return fmt.Errorf("sync subscription: %w", err)
	}
	if sub == nil && len(ev.Metadata) > 0 {
		if err := r.recordSubscription(ctx, ev); err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
	}

	if ev.Status != "" {
		found, err := r.subscriptions.UpdateStatus(ctx, ev.ProviderID, ev.Status)
		if err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
		if !found {
			log.Debug("status for unknown subscription ignored", "status", ev.Status)
			return nil
		}
	}
	if ev.CancelAtPeriodEnd != nil {
		if err := r.subscriptions.SetCancelAtPeriodEnd(ctx, ev.ProviderID, *ev.CancelAtPeriodEnd); err != nil {
			return fmt.Errorf("sync subscription: %w", err)
		}
	}
	log.Debug("subscription synced", "status", ev.Status)
	return nil
}

func (r *Reconciler) recordSubscription(ctx context.Context, ev SubscriptionEvent) error {
	parsed, err := model.ParseMetadata(ev.Metadata)
	if err != nil {
		r.logger.Warn("subscription metadata unusable", "subscription", ev.ProviderID, "error", err)
		return nil
	}

	switch c := parsed.(type) {
	case model.AuthenticatedCheckout:
		return r.subscriptions.EnsureForAccount(ctx, ev.ProviderID, c.AccountID, c.Plan)
	case model.GuestCheckout:
		ident, err := r.identities.Get(ctx, c.IdentityID)
		if err != nil {
			return err
		}
		if ident != nil {
			return r.subscriptions.EnsurePlaceholder(ctx, ev.ProviderID, ident.ID, c.Plan)
		}
		// Identity already gone: the completion got here first and
		// created the row, or will do so against the account.
		account, err := r.accounts.GetByEmail(ctx, c.Email)
		if err != nil {
			return err
		}
		if account != nil {
			return r.subscriptions.EnsureForAccount(ctx, ev.ProviderID, account.ID, c.Plan)
		}
	}
	return nil
}
