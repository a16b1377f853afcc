package stripe

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/quizpass/internal/checkout"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	// Prices maps plan names to price ids.
	Prices    map[string]string
	CancelURL string
}

// Client opens checkout sessions and verifies webhooks. It implements
// checkout.Gateway.
type Client struct {
	cfg Config
}

func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

func (c *Client) PriceForPlan(plan string) (string, bool) {
	id, ok := c.cfg.Prices[plan]
	return id, ok && id != ""
}

func (c *Client) SupportsPlan(plan string) bool {
	_, ok := c.PriceForPlan(plan)
	return ok
}

// CreateCheckoutSession opens a subscription checkout. The correlation
// metadata is stored on both the session and the subscription so that
// subscription events can be attributed too.
func (c *Client) CreateCheckoutSession(ctx context.Context, req checkout.SessionRequest) (*checkout.PaymentSession, error) {
	priceID, ok := c.PriceForPlan(req.Plan)
	if !ok {
		return nil, fmt.Errorf("%w: %s", checkout.ErrUnknownPlan, req.Plan)
	}

	params := &stripe.CheckoutSessionParams{
		Params:            stripe.Params{Context: ctx},
		ClientReferenceID: stripe.String(req.AccountRef),
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		AllowPromotionCodes: stripe.Bool(true),
		SuccessURL:          stripe.String(successURL(req.ReturnURL)),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: req.Metadata,
		},
	}
	if c.cfg.CancelURL != "" {
		params.CancelURL = stripe.String(c.cfg.CancelURL)
	}
	switch {
	case req.CustomerRef != "":
		params.Customer = stripe.String(req.CustomerRef)
	case req.Email != "":
		params.CustomerEmail = stripe.String(req.Email)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := checksession.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &checkout.PaymentSession{Token: sess.ID, URL: sess.URL}, nil
}

// successURL appends the checkout session placeholder so the return page
// knows which checkout finished.
func successURL(returnURL string) string {
	if strings.Contains(returnURL, "{CHECKOUT_SESSION_ID}") {
		return returnURL
	}
	sep := "?"
	if u, err := url.Parse(returnURL); err == nil && u.RawQuery != "" {
		sep = "&"
	}
	return returnURL + sep + "checkout_session={CHECKOUT_SESSION_ID}"
}

// ConstructWebhookEvent verifies the signature and returns the parsed event.
// Events rendered with a different API version are accepted; only the
// fields read in events.go matter.
func (c *Client) ConstructWebhookEvent(payload []byte, sigHeader string) (stripe.Event, error) {
	return webhook.ConstructEventWithOptions(payload, sigHeader, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}
