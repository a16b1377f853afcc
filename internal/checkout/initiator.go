package checkout

import (
	"context"
	"errors"

	"github.com/dukerupert/quizpass/internal/model"
)

// SessionRequest is what the gateway needs to open a subscription checkout.
type SessionRequest struct {
	Plan string
	// AccountRef is echoed back as the completion event's account reference:
	// an ephemeral identity id for guests, the account id otherwise.
	AccountRef  string
	CustomerRef string
	Email       string
	Metadata    map[string]string
	ReturnURL   string
}

// PaymentSession is the gateway's handle on an open checkout.
type PaymentSession struct {
	Token string
	URL   string
}

// Gateway opens payment sessions.
type Gateway interface {
	SupportsPlan(plan string) bool
	CreateCheckoutSession(ctx context.Context, req SessionRequest) (*PaymentSession, error)
}

// RequestOption adjusts the gateway request.
type RequestOption func(*SessionRequest)

// WithCustomer reuses an existing gateway customer for a returning account.
func WithCustomer(customerRef, email string) RequestOption {
	return func(r *SessionRequest) {
		r.CustomerRef = customerRef
		r.Email = email
	}
}

type Initiator struct {
	gateway Gateway
}

func NewInitiator(gw Gateway) *Initiator {
	return &Initiator{gateway: gw}
}

// Initiate opens a payment session carrying the checkout's correlation
// metadata. Gateway failures come back as *UpstreamProviderError.
func (i *Initiator) Initiate(ctx context.Context, plan, accountRef string, c model.Checkout, returnURL string, opts ...RequestOption) (*PaymentSession, error) {
	if !i.gateway.SupportsPlan(plan) {
		return nil, ErrUnknownPlan
	}

	req := SessionRequest{
		Plan:       plan,
		AccountRef: accountRef,
		Metadata:   model.EncodeMetadata(c),
		ReturnURL:  returnURL,
	}
	if g, ok := c.(model.GuestCheckout); ok {
		req.Email = g.Email
	}
	for _, opt := range opts {
		opt(&req)
	}

	ps, err := i.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		return nil, &UpstreamProviderError{Op: "create checkout session", Err: err}
	}
	if ps == nil || ps.Token == "" {
		return nil, &UpstreamProviderError{Op: "create checkout session", Err: errors.New("empty session")}
	}
	return ps, nil
}
