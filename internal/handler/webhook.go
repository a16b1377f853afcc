package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	stripe "github.com/stripe/stripe-go/v82"

	"github.com/dukerupert/quizpass/internal/middleware"
	"github.com/dukerupert/quizpass/internal/reconcile"
	qstripe "github.com/dukerupert/quizpass/internal/stripe"
)

// EventVerifier checks a webhook signature and decodes the event.
type EventVerifier interface {
	ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error)
}

type WebhookHandler struct {
	events     EventVerifier
	reconciler *reconcile.Reconciler
	logger     *slog.Logger
}

func NewWebhookHandler(events EventVerifier, reconciler *reconcile.Reconciler, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{events: events, reconciler: reconciler, logger: logger}
}

// HandleStripe acknowledges an event with 200 once it has been applied or
// can never be applied, and with 500 when the gateway should redeliver.
func (h *WebhookHandler) HandleStripe(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 65536))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	reqLog := middleware.Logger(r.Context(), h.logger)
	event, err := h.events.ConstructWebhookEvent(body, r.Header.Get("Stripe-Signature"))
	if err != nil {
		reqLog.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	log := reqLog.With("event_id", event.ID, "type", string(event.Type))
	status := http.StatusOK
	switch string(event.Type) {
	case qstripe.EventCheckoutCompleted:
		status = h.handleCheckoutCompleted(r.Context(), log, event)
	case qstripe.EventSubscriptionCreated, qstripe.EventSubscriptionUpdated, qstripe.EventSubscriptionDeleted,
		qstripe.EventInvoicePaid, qstripe.EventInvoicePaymentFailed:
		status = h.handleSubscriptionEvent(r.Context(), log, event)
	default:
		log.Debug("webhook event ignored")
	}
	w.WriteHeader(status)
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, log *slog.Logger, event stripe.Event) int {
	c, err := qstripe.CompletionFromEvent(event)
	if err != nil {
		log.Error("undecodable checkout completion dropped", "error", err)
		return http.StatusOK
	}

	out, err := h.reconciler.Reconcile(ctx, c)
	if err != nil {
		var rf *reconcile.ReconciliationFailure
		if errors.As(err, &rf) && !rf.Retryable() {
			log.Error("malformed checkout completion dropped", "state", rf.State, "error", err)
			return http.StatusOK
		}
		log.Error("checkout completion failed, awaiting redelivery", "error", err)
		return http.StatusInternalServerError
	}
	log.Info("checkout completion applied", "state", out.State, "account_id", out.AccountID)
	return http.StatusOK
}

func (h *WebhookHandler) handleSubscriptionEvent(ctx context.Context, log *slog.Logger, event stripe.Event) int {
	ev, ok, err := qstripe.SubscriptionEventFromEvent(event)
	if err != nil {
		log.Error("undecodable subscription event dropped", "error", err)
		return http.StatusOK
	}
	if !ok {
		return http.StatusOK
	}
	if err := h.reconciler.SyncSubscription(ctx, ev); err != nil {
		if errors.Is(err, reconcile.ErrMalformedEvent) {
			log.Error("malformed subscription event dropped", "error", err)
			return http.StatusOK
		}
		log.Error("subscription sync failed", "subscription", ev.ProviderID, "error", err)
		return http.StatusInternalServerError
	}
	return http.StatusOK
}
