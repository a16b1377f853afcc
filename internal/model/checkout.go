package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Correlation metadata keys echoed back by the payment gateway. The funnel
// session id travels only under MetaSession.
const (
	MetaSession       = "session"
	MetaEmail         = "email"
	MetaSource        = "source"
	MetaPlan          = "plan"
	MetaGuest         = "is_guest_checkout"
	MetaTempIdentity  = "temp_identity_id"
	MetaTempEmail     = "temp_email"
	MetaAccountID     = "account_id"
	MetaCharacterType = "character_type"
	MetaBodyType      = "body_type"
)

var ErrInvalidMetadata = errors.New("invalid checkout metadata")

// Checkout is either a GuestCheckout or an AuthenticatedCheckout.
type Checkout interface {
	checkout()
}

// GuestCheckout is opened for a visitor without an account. IdentityID is the
// ephemeral identity handed to the gateway as the account reference.
type GuestCheckout struct {
	Email            string
	SessionID        string
	Source           string
	Plan             string
	IdentityID       string
	PlaceholderEmail string
	Characters       CharacterSelections
}

// AuthenticatedCheckout is opened by a signed-in account.
type AuthenticatedCheckout struct {
	AccountID  int64
	SessionID  string
	Source     string
	Plan       string
	Characters CharacterSelections
}

func (GuestCheckout) checkout()         {}
func (AuthenticatedCheckout) checkout() {}

// EncodeMetadata flattens a checkout into the string map the gateway stores.
func EncodeMetadata(c Checkout) map[string]string {
	m := make(map[string]string)
	put := func(k, v string) {
		if v != "" {
			m[k] = v
		}
	}
	switch c := c.(type) {
	case GuestCheckout:
		m[MetaGuest] = "true"
		put(MetaEmail, NormalizeEmail(c.Email))
		put(MetaSession, c.SessionID)
		put(MetaSource, c.Source)
		put(MetaPlan, c.Plan)
		put(MetaTempIdentity, c.IdentityID)
		put(MetaTempEmail, c.PlaceholderEmail)
		put(MetaCharacterType, c.Characters.CharacterType)
		put(MetaBodyType, c.Characters.BodyType)
	case AuthenticatedCheckout:
		m[MetaGuest] = "false"
		m[MetaAccountID] = strconv.FormatInt(c.AccountID, 10)
		put(MetaSession, c.SessionID)
		put(MetaSource, c.Source)
		put(MetaPlan, c.Plan)
		put(MetaCharacterType, c.Characters.CharacterType)
		put(MetaBodyType, c.Characters.BodyType)
	}
	return m
}

// ParseMetadata rebuilds the checkout variant from gateway metadata.
// IsGuestMetadata reports whether the metadata marks a guest checkout.
// Anything else, including empty metadata from checkouts this service did not
// open, is not a guest checkout.
func IsGuestMetadata(m map[string]string) bool {
	return strings.EqualFold(strings.TrimSpace(m[MetaGuest]), "true")
}

func ParseMetadata(m map[string]string) (Checkout, error) {
	chars := CharacterSelections{
		CharacterType: m[MetaCharacterType],
		BodyType:      m[MetaBodyType],
	}
	switch strings.ToLower(strings.TrimSpace(m[MetaGuest])) {
	case "true":
		g := GuestCheckout{
			Email:            NormalizeEmail(m[MetaEmail]),
			SessionID:        strings.TrimSpace(m[MetaSession]),
			Source:           m[MetaSource],
			Plan:             m[MetaPlan],
			IdentityID:       m[MetaTempIdentity],
			PlaceholderEmail: m[MetaTempEmail],
			Characters:       chars,
		}
		if g.Email == "" {
			return nil, fmt.Errorf("%w: guest checkout without email", ErrInvalidMetadata)
		}
		if g.SessionID == "" {
			return nil, fmt.Errorf("%w: guest checkout without session", ErrInvalidMetadata)
		}
		if g.IdentityID == "" {
			return nil, fmt.Errorf("%w: guest checkout without temp identity", ErrInvalidMetadata)
		}
		return g, nil
	case "false", "":
		raw, ok := m[MetaAccountID]
		if !ok {
			return nil, fmt.Errorf("%w: missing %s", ErrInvalidMetadata, MetaAccountID)
		}
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("%w: bad account id %q", ErrInvalidMetadata, raw)
		}
		return AuthenticatedCheckout{
			AccountID:  id,
			SessionID:  strings.TrimSpace(m[MetaSession]),
			Source:     m[MetaSource],
			Plan:       m[MetaPlan],
			Characters: chars,
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s=%q", ErrInvalidMetadata, MetaGuest, m[MetaGuest])
	}
}
