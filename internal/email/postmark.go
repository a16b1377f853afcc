package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

const postmarkURL = "https://api.postmarkapp.com/email"

// Client sends sign-in links through Postmark. Sends are throttled so that a
// burst of fallback requests cannot exhaust the account's sending quota.
type Client struct {
	serverToken string
	fromEmail   string
	baseURL     string
	lifetime    time.Duration
	httpClient  *http.Client
	limiter     *rate.Limiter
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.httpClient = c
	}
}

// WithRateLimit caps sends per second with the given burst.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(cl *Client) {
		cl.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithLinkLifetime sets the expiry mentioned in the message body.
func WithLinkLifetime(d time.Duration) Option {
	return func(cl *Client) {
		cl.lifetime = d
	}
}

func NewClient(serverToken, fromEmail, baseURL string, opts ...Option) *Client {
	c := &Client{
		serverToken: serverToken,
		fromEmail:   fromEmail,
		baseURL:     baseURL,
		lifetime:    15 * time.Minute,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		limiter:     rate.NewLimiter(rate.Limit(10), 20),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Configured returns true if the server token is set.
func (c *Client) Configured() bool {
	return c.serverToken != ""
}

type postmarkEmail struct {
	From          string `json:"From"`
	To            string `json:"To"`
	Subject       string `json:"Subject"`
	HtmlBody      string `json:"HtmlBody"`
	TextBody      string `json:"TextBody"`
	MessageStream string `json:"MessageStream"`
}

// SendMagicLink mails a one-time sign-in link.
func (c *Client) SendMagicLink(ctx context.Context, toEmail, token string) error {
	if !c.Configured() {
		return fmt.Errorf("email client not configured: missing server token")
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for send slot: %w", err)
	}

	link := fmt.Sprintf("%s/auth/verify?token=%s", c.baseURL, url.QueryEscape(token))
	minutes := int(c.lifetime.Minutes())
	textBody := fmt.Sprintf(
		"Your subscription is ready. Use the link below to sign in:\n\n%s\n\nThis link works once and expires in %d minutes.",
		link, minutes,
	)
	htmlBody := fmt.Sprintf(
		`<p>Your subscription is ready. Use the link below to sign in:</p><p><a href="%s">Sign in</a></p><p>This link works once and expires in %d minutes.</p>`,
		link, minutes,
	)

	payload := postmarkEmail{
		From:          c.fromEmail,
		To:            toEmail,
		Subject:       "Your sign-in link",
		HtmlBody:      htmlBody,
		TextBody:      textBody,
		MessageStream: "outbound",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal email: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postmarkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Postmark-Server-Token", c.serverToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("postmark API error: status %d", resp.StatusCode)
	}

	return nil
}
