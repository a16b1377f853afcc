package stripe

import (
	"testing"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/quizpass/internal/model"
)

const testWebhookSecret = "whsec_test"

func signedEvent(t *testing.T, payload string) ([]byte, string) {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload: []byte(payload),
		Secret:  testWebhookSecret,
	})
	return signed.Payload, signed.Header
}

func TestSupportsPlan(t *testing.T) {
	c := NewClient(Config{Prices: map[string]string{"monthly": "price_1", "annual": ""}})
	if !c.SupportsPlan("monthly") {
		t.Error("monthly should be supported")
	}
	if c.SupportsPlan("annual") {
		t.Error("plan without price should not be supported")
	}
	if c.SupportsPlan("lifetime") {
		t.Error("unknown plan should not be supported")
	}
}

func TestSuccessURL(t *testing.T) {
	cases := map[string]string{
		"https://q.example/done":                         "https://q.example/done?checkout_session={CHECKOUT_SESSION_ID}",
		"https://q.example/done?s=1":                     "https://q.example/done?s=1&checkout_session={CHECKOUT_SESSION_ID}",
		"https://q.example/done?cs={CHECKOUT_SESSION_ID}": "https://q.example/done?cs={CHECKOUT_SESSION_ID}",
	}
	for in, want := range cases {
		if got := successURL(in); got != want {
			t.Errorf("successURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCompletionFromSignedEvent(t *testing.T) {
	c := NewClient(Config{WebhookSecret: testWebhookSecret})
	payload, header := signedEvent(t, `{
		"id": "evt_1",
		"object": "event",
		"type": "checkout.session.completed",
		"api_version": "`+stripe.APIVersion+`",
		"data": {"object": {
			"id": "cs_1",
			"object": "checkout.session",
			"client_reference_id": "tmp-1",
			"customer": "cus_1",
			"subscription": "sub_1",
			"metadata": {"is_guest_checkout": "true", "email": "a@x.com", "session": "sess-1", "temp_identity_id": "tmp-1"}
		}}
	}`)

	event, err := c.ConstructWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	comp, err := CompletionFromEvent(event)
	if err != nil {
		t.Fatalf("completion: %v", err)
	}
	if comp.EventID != "evt_1" || comp.AccountRef != "tmp-1" {
		t.Errorf("completion = %+v", comp)
	}
	if comp.SubscriptionRef != "sub_1" || comp.CustomerRef != "cus_1" {
		t.Errorf("refs = %q/%q, want sub_1/cus_1", comp.SubscriptionRef, comp.CustomerRef)
	}
	if comp.Metadata[model.MetaSession] != "sess-1" {
		t.Errorf("session metadata = %q, want sess-1", comp.Metadata[model.MetaSession])
	}
}

func TestConstructWebhookEventBadSignature(t *testing.T) {
	c := NewClient(Config{WebhookSecret: "whsec_other"})
	payload, header := signedEvent(t, `{"id":"evt_1","object":"event","type":"invoice.paid","data":{"object":{}}}`)

	if _, err := c.ConstructWebhookEvent(payload, header); err == nil {
		t.Error("expected signature error")
	}
}

func TestSubscriptionEventFromEvent(t *testing.T) {
	c := NewClient(Config{WebhookSecret: testWebhookSecret})

	payload, header := signedEvent(t, `{
		"id": "evt_2", "object": "event", "type": "customer.subscription.updated",
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "active",
			"cancel_at_period_end": true, "metadata": {"account_id": "7"}}}
	}`)
	event, err := c.ConstructWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	ev, ok, err := SubscriptionEventFromEvent(event)
	if err != nil || !ok {
		t.Fatalf("subscription event: ok=%v err=%v", ok, err)
	}
	if ev.ProviderID != "sub_1" || ev.Status != "active" {
		t.Errorf("event = %+v", ev)
	}
	if ev.CancelAtPeriodEnd == nil || !*ev.CancelAtPeriodEnd {
		t.Error("cancel_at_period_end not carried")
	}
	if ev.Metadata["account_id"] != "7" {
		t.Errorf("metadata = %v", ev.Metadata)
	}
}

func TestSubscriptionDeletedIsCanceled(t *testing.T) {
	c := NewClient(Config{WebhookSecret: testWebhookSecret})
	payload, header := signedEvent(t, `{
		"id": "evt_3", "object": "event", "type": "customer.subscription.deleted",
		"data": {"object": {"id": "sub_1", "object": "subscription", "status": "active"}}
	}`)
	event, err := c.ConstructWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	ev, _, err := SubscriptionEventFromEvent(event)
	if err != nil {
		t.Fatalf("subscription event: %v", err)
	}
	if ev.Status != "canceled" {
		t.Errorf("status = %q, want canceled", ev.Status)
	}
}

func TestInvoiceEvents(t *testing.T) {
	c := NewClient(Config{WebhookSecret: testWebhookSecret})
	cases := map[string]string{
		"invoice.paid":           "active",
		"invoice.payment_failed": "past_due",
	}
	for typ, want := range cases {
		payload, header := signedEvent(t, `{
			"id": "evt_4", "object": "event", "type": "`+typ+`",
			"data": {"object": {"id": "in_1", "object": "invoice",
				"parent": {"subscription_details": {"subscription": "sub_9"}}}}
		}`)
		event, err := c.ConstructWebhookEvent(payload, header)
		if err != nil {
			t.Fatalf("construct %s: %v", typ, err)
		}
		ev, ok, err := SubscriptionEventFromEvent(event)
		if err != nil || !ok {
			t.Fatalf("%s: ok=%v err=%v", typ, ok, err)
		}
		if ev.ProviderID != "sub_9" || ev.Status != want {
			t.Errorf("%s: event = %+v, want sub_9/%s", typ, ev, want)
		}
	}
}

func TestInvoiceWithoutSubscription(t *testing.T) {
	c := NewClient(Config{WebhookSecret: testWebhookSecret})
	payload, header := signedEvent(t, `{"id":"evt_5","object":"event","type":"invoice.paid","data":{"object":{"id":"in_2","object":"invoice"}}}`)
	event, err := c.ConstructWebhookEvent(payload, header)
	if err != nil {
		t.Fatalf("construct event: %v", err)
	}
	if _, ok, err := SubscriptionEventFromEvent(event); ok || err != nil {
		t.Errorf("ok=%v err=%v, want ignored", ok, err)
	}
}
