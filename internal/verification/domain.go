package verification

import (
	"errors"
	"time"
)

// Channel is a verification delivery mechanism.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelPhone Channel = "phone"
	ChannelChat  Channel = "chat"
)

// Valid reports whether the channel is supported.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelPhone, ChannelChat:
		return true
	}
	return false
}

// Token confirmation failures. Routine outcomes, cheap to produce.
var (
	ErrTokenNotFound = errors.New("no pending verification token")
	ErrTokenExpired  = errors.New("verification token expired")
	ErrTokenMismatch = errors.New("verification token mismatch")
	ErrChannelExists = errors.New("channel already linked")
)

// Method is one (account, channel) verification state. The stored token
// is a SHA-256 digest; the plaintext only travels through the dispatch
// path. A nil digest means no token is pending.
type Method struct {
	ID            string
	AccountID     string
	Channel       Channel
	Identifier    string
	TokenDigest   *string
	TokenExpires  *time.Time
	IsVerified    bool
	VerifiedAt    *time.Time
	Attempts      int
	LastAttemptAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// MessageRecord is one append-only row per token-dispatch attempt.
type MessageRecord struct {
	ID          int64
	AccountID   string
	Channel     Channel
	Recipient   string
	MessageType string
	Status      string
	Provider    string
	ProviderRef string
	ErrorDetail string
	CreatedAt   time.Time
}

// Dispatch statuses.
const (
	StatusSent   = "sent"
	StatusFailed = "failed"
)

// Message types.
const (
	MessageVerification = "verification"
)

// TokenIssue reports a freshly issued token to the caller. The token
// itself is delivered out of band.
type TokenIssue struct {
	Channel   Channel
	ExpiresAt time.Time
}
