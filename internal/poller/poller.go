// Package poller waits for a reconciled checkout to yield a sign-in link and
// falls back to an emailed link when it does not arrive in time.
package poller

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultInterval    = time.Second
	DefaultMaxAttempts = 15
)

var (
	errNotReady        = errors.New("not ready")
	errBudgetExhausted = errors.New("readiness budget exhausted")
	errGone            = errors.New("credential already used")
	errRejected        = errors.New("readiness check rejected")
)

// Config describes one wait for a funnel session.
type Config struct {
	BaseURL     string
	SessionID   string
	Ticket      string
	Email       string
	Interval    time.Duration
	MaxAttempts int
}

// Result is how the wait ended. When FellBack is set a sign-in link was
// requested by email instead and Token is empty.
type Result struct {
	Token     string
	VerifyURL string
	Attempts  int
	FellBack  bool
}

type Poller struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Poller{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// Run polls until a credential is ready, the attempt budget runs out, or ctx
// is done. Running out of attempts is not an error: it requests the emailed
// link exactly once and reports FellBack. Cancelling ctx stops polling
// without a fallback.
func (p *Poller) Run(ctx context.Context) (*Result, error) {
	attempts := 0
	// One retry beyond the budget: that last wake-up lands on the
	// attempts x interval boundary and triggers the fallback.
	b := retry.WithMaxRetries(uint64(p.cfg.MaxAttempts), retry.NewConstant(p.cfg.Interval))

	token, err := retry.DoValue(ctx, b, func(ctx context.Context) (string, error) {
		if attempts >= p.cfg.MaxAttempts {
			return "", errBudgetExhausted
		}
		attempts++
		return p.check(ctx)
	})
	if err == nil {
		return &Result{
			Token:     token,
			VerifyURL: p.cfg.BaseURL + "/auth/verify?token=" + url.QueryEscape(token),
			Attempts:  attempts,
		}, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	p.logger.Info("credential not ready, requesting emailed link",
		"session_id", p.cfg.SessionID, "attempts", attempts, "reason", err)
	if ferr := p.fallback(ctx); ferr != nil {
		return nil, ferr
	}
	return &Result{Attempts: attempts, FellBack: true}, nil
}

// check performs one readiness request. Not-ready and transient failures are
// retryable; anything else ends polling.
func (p *Poller) check(ctx context.Context) (string, error) {
	q := url.Values{}
	q.Set("session_id", p.cfg.SessionID)
	q.Set("ticket", p.cfg.Ticket)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+"/api/auth/ready?"+q.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", retry.RetryableError(fmt.Errorf("readiness request: %w", err))
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Token == "" {
			return "", retry.RetryableError(fmt.Errorf("decode readiness response: %v", err))
		}
		return body.Token, nil
	case resp.StatusCode == http.StatusNotFound:
		return "", retry.RetryableError(errNotReady)
	case resp.StatusCode == http.StatusGone:
		return "", errGone
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", retry.RetryableError(fmt.Errorf("readiness: status %d", resp.StatusCode))
	default:
		return "", fmt.Errorf("%w: status %d", errRejected, resp.StatusCode)
	}
}

func (p *Poller) fallback(ctx context.Context) error {
	if p.cfg.Email == "" {
		return errors.New("request sign-in link: no email configured")
	}
	body, err := json.Marshal(map[string]string{"email": p.cfg.Email})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/api/auth/magic-link", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request sign-in link: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("request sign-in link: status %d", resp.StatusCode)
	}
	return nil
}
