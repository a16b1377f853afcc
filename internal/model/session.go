package model

import "time"

// Session is a browser session established by consuming a magic link.
// Token is only populated on the value returned from creation; the store
// keeps a digest.
type Session struct {
	ID        int64     `json:"id"`
	Token     string    `json:"-"`
	AccountID int64     `json:"account_id"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// MagicLink is a single-use sign-in credential. SessionID is set when the
// credential was minted for a reconciled funnel session rather than through
// the email fallback.
type MagicLink struct {
	ID           int64      `json:"id"`
	Token        string     `json:"token"`
	AccountID    int64      `json:"account_id"`
	SessionID    *string    `json:"session_id"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at"`
	SupersededAt *time.Time `json:"superseded_at"`
}

// Live reports whether the credential can still be consumed at now.
func (ml *MagicLink) Live(now time.Time) bool {
	return ml.ConsumedAt == nil && ml.SupersededAt == nil && now.Before(ml.ExpiresAt)
}
