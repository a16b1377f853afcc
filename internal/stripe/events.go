package stripe

import (
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/quizpass/internal/reconcile"
)

// Event types the webhook acts on.
const (
	EventCheckoutCompleted    = "checkout.session.completed"
	EventSubscriptionCreated  = "customer.subscription.created"
	EventSubscriptionUpdated  = "customer.subscription.updated"
	EventSubscriptionDeleted  = "customer.subscription.deleted"
	EventInvoicePaid          = "invoice.paid"
	EventInvoicePaymentFailed = "invoice.payment_failed"
)

// CompletionFromEvent extracts the reconciliation input from a
// checkout.session.completed event.
func CompletionFromEvent(event stripe.Event) (reconcile.Completion, error) {
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return reconcile.Completion{}, fmt.Errorf("unmarshal checkout session: %w", err)
	}
	c := reconcile.Completion{
		EventID:    event.ID,
		AccountRef: sess.ClientReferenceID,
		Metadata:   sess.Metadata,
	}
	if sess.Subscription != nil {
		c.SubscriptionRef = sess.Subscription.ID
	}
	if sess.Customer != nil {
		c.CustomerRef = sess.Customer.ID
	}
	return c, nil
}

// SubscriptionEventFromEvent maps subscription and invoice events onto a
// status change. ok is false for events that carry no subscription.
func SubscriptionEventFromEvent(event stripe.Event) (ev reconcile.SubscriptionEvent, ok bool, err error) {
	switch string(event.Type) {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return ev, false, fmt.Errorf("unmarshal subscription: %w", err)
		}
		cancel := sub.CancelAtPeriodEnd
		ev = reconcile.SubscriptionEvent{
			ProviderID:        sub.ID,
			Status:            string(sub.Status),
			CancelAtPeriodEnd: &cancel,
			Metadata:          sub.Metadata,
		}
		if string(event.Type) == EventSubscriptionDeleted {
			ev.Status = string(stripe.SubscriptionStatusCanceled)
		}
		return ev, sub.ID != "", nil

	case EventInvoicePaid, EventInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return ev, false, fmt.Errorf("unmarshal invoice: %w", err)
		}
		subID := subscriptionIDFromInvoice(invoice)
		if subID == "" {
			return ev, false, nil
		}
		status := string(stripe.SubscriptionStatusActive)
		if string(event.Type) == EventInvoicePaymentFailed {
			status = string(stripe.SubscriptionStatusPastDue)
		}
		return reconcile.SubscriptionEvent{ProviderID: subID, Status: status}, true, nil
	}
	return ev, false, nil
}

func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
