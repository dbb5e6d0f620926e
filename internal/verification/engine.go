// Package verification issues and validates per-channel identity
// verification tokens.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/ratelimit"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// AccountFlags is the slice of the accounts module the engine needs:
// flipping the account-level verified flag on first verified channel.
type AccountFlags interface {
	MarkVerified(ctx context.Context, accountID string) (bool, error)
}

// DispatchTask carries everything the background dispatcher needs. The
// payload is assembled eagerly at issue time so the worker never reaches
// back for related state mid-flight.
type DispatchTask struct {
	AccountID   string  `json:"account_id"`
	MethodID    string  `json:"method_id"`
	Channel     Channel `json:"channel"`
	Recipient   string  `json:"recipient"`
	Token       string  `json:"token"`
	MessageType string  `json:"message_type"`
}

// Enqueuer hands dispatch tasks to the background worker.
type Enqueuer interface {
	EnqueueDispatch(ctx context.Context, task DispatchTask) error
}

// Expiries configures token lifetime per channel.
type Expiries struct {
	Email time.Duration
	Phone time.Duration
	Chat  time.Duration
}

// For returns the lifetime for a channel.
func (e Expiries) For(channel Channel) time.Duration {
	switch channel {
	case ChannelEmail:
		if e.Email > 0 {
			return e.Email
		}
	case ChannelPhone:
		if e.Phone > 0 {
			return e.Phone
		}
	case ChannelChat:
		if e.Chat > 0 {
			return e.Chat
		}
	}
	return 15 * time.Minute
}

// Engine drives the verification state machine. Expiry is evaluated
// lazily at confirmation time; there is no background sweep.
type Engine struct {
	repo     Repository
	limiter  ratelimit.Limiter
	accounts AccountFlags
	auditor  *audit.Recorder
	enqueuer Enqueuer
	expiries Expiries
	logger   *slog.Logger
	now      func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) EngineOption {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(repo Repository, limiter ratelimit.Limiter, accounts AccountFlags,
	auditor *audit.Recorder, enqueuer Enqueuer, expiries Expiries, logger *slog.Logger,
	opts ...EngineOption) *Engine {
	e := &Engine{
		repo:     repo,
		limiter:  limiter,
		accounts: accounts,
		auditor:  auditor,
		enqueuer: enqueuer,
		expiries: expiries,
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddChannel links a verification channel to the account.
func (e *Engine) AddChannel(ctx context.Context, accountID string, channel Channel, identifier string) (*Method, error) {
	if !channel.Valid() {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}
	if identifier == "" {
		return nil, fmt.Errorf("identifier is required")
	}
	method := &Method{
		ID:         uuid.NewString(),
		AccountID:  accountID,
		Channel:    channel,
		Identifier: identifier,
	}
	if err := e.repo.CreateMethod(ctx, method); err != nil {
		return nil, err
	}
	return method, nil
}

// RemoveChannel unlinks a channel from the account.
func (e *Engine) RemoveChannel(ctx context.Context, accountID string, channel Channel) error {
	return e.repo.RemoveMethod(ctx, accountID, channel)
}

// Channels lists the account's verification methods.
func (e *Engine) Channels(ctx context.Context, accountID string) ([]Method, error) {
	return e.repo.Methods(ctx, accountID)
}

// Messages lists the account's recent dispatch log.
func (e *Engine) Messages(ctx context.Context, accountID string, limit int) ([]MessageRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return e.repo.Messages(ctx, accountID, limit)
}

// RequestToken issues a fresh token for the channel and hands it to the
// dispatch queue. Issuance is acknowledged before delivery completes;
// a failed hand-off is logged as a failed dispatch but does not revoke
// the token. Reissuing replaces any pending token.
func (e *Engine) RequestToken(ctx context.Context, accountID string, channel Channel) (*TokenIssue, error) {
	decision, err := e.limiter.CheckAndRecord(ctx, accountID, "verify:"+string(channel))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &shared.RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	method, err := e.repo.Method(ctx, accountID, channel)
	if err != nil {
		return nil, err
	}

	token, err := generateToken(channel)
	if err != nil {
		return nil, err
	}
	expiresAt := e.now().UTC().Add(e.expiries.For(channel))
	if err := e.repo.SetToken(ctx, method.ID, digest(token), expiresAt); err != nil {
		return nil, err
	}

	task := DispatchTask{
		AccountID:   accountID,
		MethodID:    method.ID,
		Channel:     channel,
		Recipient:   method.Identifier,
		Token:       token,
		MessageType: MessageVerification,
	}
	if err := e.enqueuer.EnqueueDispatch(ctx, task); err != nil {
		if e.logger != nil {
			e.logger.Warn("dispatch enqueue failed",
				slog.String("account_id", accountID), slog.String("channel", string(channel)),
				slog.Any("error", err))
		}
		record := MessageRecord{
			AccountID:   accountID,
			Channel:     channel,
			Recipient:   method.Identifier,
			MessageType: MessageVerification,
			Status:      StatusFailed,
			Provider:    "queue",
			ErrorDetail: err.Error(),
		}
		if appendErr := e.repo.AppendMessage(ctx, &record); appendErr != nil && e.logger != nil {
			e.logger.Error("dispatch log append failed", slog.Any("error", appendErr))
		}
	}

	if err := e.auditor.Record(ctx, audit.Entry{
		ActorID:    accountID,
		Action:     audit.ActionRequestToken,
		EntityType: "verification_method",
		EntityID:   method.ID,
		Context:    map[string]any{"channel": string(channel)},
	}); err != nil {
		return nil, err
	}
	return &TokenIssue{Channel: channel, ExpiresAt: expiresAt}, nil
}

// ConfirmToken validates a submitted token. Expiry is checked lazily
// here; a matching but stale token still fails. The verified flip is a
// compare-and-set on the pending digest, so two concurrent confirms for
// the same token cannot both succeed.
func (e *Engine) ConfirmToken(ctx context.Context, accountID string, channel Channel, submitted string) error {
	decision, err := e.limiter.CheckAndRecord(ctx, accountID, "confirm:"+string(channel))
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &shared.RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	method, err := e.repo.Method(ctx, accountID, channel)
	if err != nil {
		return err
	}
	if method.TokenDigest == nil || method.TokenExpires == nil {
		return ErrTokenNotFound
	}
	now := e.now().UTC()
	if now.After(*method.TokenExpires) {
		return ErrTokenExpired
	}
	if !digestEqual(*method.TokenDigest, digest(submitted)) {
		if err := e.repo.RecordMismatch(ctx, method.ID, now); err != nil {
			return err
		}
		return ErrTokenMismatch
	}

	changed, err := e.repo.MarkVerified(ctx, method.ID, *method.TokenDigest, now)
	if err != nil {
		return err
	}
	if !changed {
		// Lost a concurrent confirmation race; the token is gone.
		return ErrTokenMismatch
	}

	first, err := e.accounts.MarkVerified(ctx, accountID)
	if err != nil {
		return err
	}
	_ = e.limiter.Reset(ctx, accountID, "confirm:"+string(channel))

	return e.auditor.Record(ctx, audit.Entry{
		ActorID:    accountID,
		Action:     audit.ActionVerifyChannel,
		EntityType: "verification_method",
		EntityID:   method.ID,
		Context: map[string]any{
			"channel":        string(channel),
			"first_verified": first,
		},
	})
}

// generateToken produces a url-safe token for email and a short numeric
// code for phone and chat channels.
func generateToken(channel Channel) (string, error) {
	if channel == ChannelEmail {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		return base64.RawURLEncoding.EncodeToString(buf), nil
	}
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	code := make([]byte, 6)
	for i, b := range buf {
		code[i] = '0' + b%10
	}
	return string(code), nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func digestEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
