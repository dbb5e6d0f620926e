package session

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/atlasaccounts/atlas/internal/accounts"
	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/credentials"
	"github.com/atlasaccounts/atlas/internal/ratelimit"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Refresh failures. Expired means the token aged out; revoked means it
// was superseded by rotation, reuse, logout or deactivation; malformed
// means it never came from us.
var (
	ErrRefreshExpired   = errors.New("refresh token expired")
	ErrRefreshRevoked   = errors.New("refresh token revoked")
	ErrRefreshMalformed = errors.New("refresh token malformed")
)

// Accounts is the slice of the accounts module the session service uses.
type Accounts interface {
	FindByID(ctx context.Context, id string) (*accounts.Account, error)
	FindActiveByEmail(ctx context.Context, email string) (*accounts.Account, error)
	FindByEmail(ctx context.Context, email string) (*accounts.Account, error)
	RecordLogin(ctx context.Context, id string, success bool, at time.Time) error
}

// Provisioner creates accounts for first-time social sign-ins.
type Provisioner interface {
	ProvisionSocial(ctx context.Context, email, provider string) (*accounts.Account, error)
}

// TokenPair is the result of a successful authentication or rotation.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Service authenticates credentials and manages the refresh lifecycle.
type Service struct {
	accounts    Accounts
	creds       *credentials.Store
	provisioner Provisioner
	repo        Repository
	limiter     ratelimit.Limiter
	auditor     *audit.Recorder
	signer      *Signer
	refreshTTL  time.Duration
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService constructs a Service.
func NewService(acct Accounts, creds *credentials.Store, provisioner Provisioner,
	repo Repository, limiter ratelimit.Limiter, auditor *audit.Recorder,
	signer *Signer, refreshTTL time.Duration, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		accounts:    acct,
		creds:       creds,
		provisioner: provisioner,
		repo:        repo,
		limiter:     limiter,
		auditor:     auditor,
		signer:      signer,
		refreshTTL:  refreshTTL,
		logger:      logger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authenticate verifies an email/password pair and issues a token pair.
// Unknown accounts, wrong passwords and inactive accounts are reported
// identically, and the failure path burns a hash comparison either way.
func (s *Service) Authenticate(ctx context.Context, email, password string) (*TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	decision, err := s.limiter.CheckAndRecord(ctx, email, "login")
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, &shared.RateLimitedError{RetryAfter: decision.RetryAfter}
	}

	account, err := s.accounts.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			// Burn a comparison so unknown emails cost the same as wrong
			// passwords.
			_ = s.creds.VerifyPassword(ctx, "", password)
			return nil, shared.ErrInvalidCredentials
		}
		return nil, err
	}
	if !account.IsActive {
		// The caller sees the same generic failure, but the trail keeps
		// the true reason.
		_ = s.creds.VerifyPassword(ctx, account.ID, password)
		if auditErr := s.auditor.Record(ctx, audit.Entry{
			ActorID:    account.ID,
			Action:     audit.ActionLoginFailed,
			EntityType: "account",
			EntityID:   account.ID,
			Context:    map[string]any{"reason": "account_inactive"},
		}); auditErr != nil {
			return nil, auditErr
		}
		return nil, shared.ErrInvalidCredentials
	}

	if err := s.creds.VerifyPassword(ctx, account.ID, password); err != nil {
		if errors.Is(err, shared.ErrInvalidCredentials) {
			if recErr := s.accounts.RecordLogin(ctx, account.ID, false, s.now().UTC()); recErr != nil {
				return nil, recErr
			}
			if auditErr := s.auditor.Record(ctx, audit.Entry{
				ActorID:    account.ID,
				Action:     audit.ActionLoginFailed,
				EntityType: "account",
				EntityID:   account.ID,
			}); auditErr != nil {
				return nil, auditErr
			}
		}
		return nil, err
	}

	if err := s.limiter.Reset(ctx, email, "login"); err != nil && s.logger != nil {
		s.logger.Warn("login budget reset failed", slog.Any("error", err))
	}
	if err := s.accounts.RecordLogin(ctx, account.ID, true, s.now().UTC()); err != nil {
		return nil, err
	}
	pair, err := s.issue(ctx, account.ID, account.Role, account.TokenGeneration)
	if err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    account.ID,
		Action:     audit.ActionLogin,
		EntityType: "account",
		EntityID:   account.ID,
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// AuthenticateProvider signs in via an external identity provider. A
// first-time subject is bound to an existing account by email, or a new
// pre-verified customer account is provisioned for it.
func (s *Service) AuthenticateProvider(ctx context.Context, provider, subject, email string) (*TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	accountID, err := s.creds.FindByProvider(ctx, provider, subject)
	switch {
	case err == nil:
		account, err := s.accounts.FindByID(ctx, accountID)
		if err != nil {
			return nil, err
		}
		if !account.IsActive {
			return nil, shared.ErrAccountInactive
		}
		return s.providerSignin(ctx, account, audit.ActionSocialSignin, provider)
	case errors.Is(err, shared.ErrNotFound):
		// fall through to binding or provisioning
	default:
		return nil, err
	}

	account, err := s.accounts.FindActiveByEmail(ctx, email)
	switch {
	case err == nil:
		if err := s.creds.BindProvider(ctx, account.ID, provider, subject); err != nil {
			return nil, err
		}
		return s.providerSignin(ctx, account, audit.ActionSocialSignin, provider)
	case errors.Is(err, shared.ErrNotFound):
		// fall through to provisioning
	default:
		return nil, err
	}

	account, err = s.provisioner.ProvisionSocial(ctx, email, provider)
	if err != nil {
		if errors.Is(err, shared.ErrDuplicateEmail) {
			// A concurrent sign-in provisioned the same email first; adopt
			// that account instead of failing the user.
			account, err = s.accounts.FindActiveByEmail(ctx, email)
			if err != nil {
				return nil, err
			}
		} else {
			return nil, err
		}
	}
	if err := s.creds.BindProvider(ctx, account.ID, provider, subject); err != nil {
		return nil, err
	}
	return s.providerSignin(ctx, account, audit.ActionSocialCreation, provider)
}

func (s *Service) providerSignin(ctx context.Context, account *accounts.Account, action, provider string) (*TokenPair, error) {
	if err := s.accounts.RecordLogin(ctx, account.ID, true, s.now().UTC()); err != nil {
		return nil, err
	}
	pair, err := s.issue(ctx, account.ID, account.Role, account.TokenGeneration)
	if err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    account.ID,
		Action:     action,
		EntityType: "account",
		EntityID:   account.ID,
		Context:    map[string]any{"provider": provider},
	}); err != nil {
		return nil, err
	}
	return pair, nil
}

// Refresh exchanges a valid refresh token for a new pair, advancing the
// generation so the presented token and any access tokens minted under
// it are dead afterwards. Replaying a rotated token fails as revoked.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	accountID, generation, err := parseRefresh(refreshToken)
	if err != nil {
		return nil, ErrRefreshMalformed
	}
	state, err := s.repo.RefreshState(ctx, accountID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrRefreshRevoked
		}
		return nil, err
	}
	if !state.IsActive || state.RefreshDigest == nil {
		return nil, ErrRefreshRevoked
	}
	if state.RefreshExpires == nil || s.now().UTC().After(*state.RefreshExpires) {
		return nil, ErrRefreshExpired
	}
	if generation != state.Generation {
		return nil, ErrRefreshRevoked
	}
	if subtle.ConstantTimeCompare([]byte(*state.RefreshDigest), []byte(digest(refreshToken))) != 1 {
		return nil, ErrRefreshRevoked
	}

	refresh, refreshDigest, err := newRefreshToken(accountID, generation+1)
	if err != nil {
		return nil, err
	}
	newGeneration, swapped, err := s.repo.Rotate(ctx, accountID, generation, refreshDigest, s.now().UTC().Add(s.refreshTTL))
	if err != nil {
		return nil, err
	}
	if !swapped {
		// Lost a concurrent rotation; the presented token is already spent.
		return nil, ErrRefreshRevoked
	}

	access, err := s.signer.Mint(accountID, state.Role, newGeneration)
	if err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    accountID,
		Action:     audit.ActionTokenRefresh,
		EntityType: "account",
		EntityID:   accountID,
	}); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
	}, nil
}

// Logout revokes every outstanding token for the account.
func (s *Service) Logout(ctx context.Context, accountID string) error {
	return s.repo.Revoke(ctx, accountID)
}

// Verify validates an access token and checks its generation against the
// account's current one, so revocation takes effect mid-lifetime.
func (s *Service) Verify(ctx context.Context, raw string) (*shared.Actor, error) {
	claims, err := s.signer.Parse(raw)
	if err != nil {
		return nil, err
	}
	state, err := s.repo.RefreshState(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return nil, ErrTokenInvalid
		}
		return nil, err
	}
	if !state.IsActive || claims.Generation != state.Generation {
		return nil, ErrTokenInvalid
	}
	return &shared.Actor{ID: claims.Subject, Role: state.Role}, nil
}

// issue mints an access/refresh pair at the account's current generation.
func (s *Service) issue(ctx context.Context, accountID string, role shared.Role, generation int64) (*TokenPair, error) {
	access, err := s.signer.Mint(accountID, role, generation)
	if err != nil {
		return nil, err
	}
	refresh, refreshDigest, err := newRefreshToken(accountID, generation)
	if err != nil {
		return nil, err
	}
	if err := s.repo.StoreRefresh(ctx, accountID, refreshDigest, s.now().UTC().Add(s.refreshTTL)); err != nil {
		return nil, err
	}
	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.signer.TTL().Seconds()),
	}, nil
}

// newRefreshToken builds an opaque refresh token embedding the account
// and generation, plus its storable digest. Only the digest persists.
func newRefreshToken(accountID string, generation int64) (token, tokenDigest string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	token = fmt.Sprintf("%s.%d.%s", accountID, generation, hex.EncodeToString(buf))
	return token, digest(token), nil
}

func parseRefresh(token string) (accountID string, generation int64, err error) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", 0, fmt.Errorf("malformed refresh token")
	}
	generation, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed refresh token")
	}
	return parts[0], generation, nil
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
