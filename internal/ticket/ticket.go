// Package ticket signs the poll tickets that bind a funnel session to the
// browser that opened its checkout.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	issuer = "quizpass"

	// DefaultTTL outlives any realistic wait between checkout and the
	// completion webhook.
	DefaultTTL = 2 * time.Hour
)

var (
	ErrInvalidTicket = errors.New("invalid ticket")
	errMissingSecret = errors.New("ticket secret is not configured")
)

type Claims struct {
	jwt.RegisteredClaims
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

type Option func(*Signer)

func WithTTL(ttl time.Duration) Option {
	return func(s *Signer) {
		s.ttl = ttl
	}
}

// WithTimeFunc replaces time.Now, for tests.
func WithTimeFunc(now func() time.Time) Option {
	return func(s *Signer) {
		s.now = now
	}
}

func NewSigner(secret string, opts ...Option) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errMissingSecret
	}
	s := &Signer{secret: []byte(secret), ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Issue signs a ticket for the funnel session.
func (s *Signer) Issue(sessionID string) (string, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", errors.New("session id is required")
	}
	now := s.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return signed, nil
}

// Verify checks the ticket and that it was issued for sessionID.
func (s *Signer) Verify(token, sessionID string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrInvalidTicket
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return ErrInvalidTicket
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.Subject != sessionID {
		return ErrInvalidTicket
	}
	return nil
}
