// Package credentials owns password hashes and social-identity bindings.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// MinPasswordLength is the minimum accepted plaintext length.
const MinPasswordLength = 8

// dummyHash is compared against when the account does not exist, so a
// missing account costs the same as a wrong password.
var dummyHash = func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("atlas-dummy-password"), bcrypt.DefaultCost)
	if err != nil {
		panic(err)
	}
	return h
}()

// ProviderBinding links a social-provider identity to an account.
type ProviderBinding struct {
	AccountID string
	Provider  string
	Subject   string
	CreatedAt time.Time
}

// Repository defines persistence for hashes and provider bindings.
type Repository interface {
	PasswordHash(ctx context.Context, accountID string) (string, error)
	SetPasswordHash(ctx context.Context, accountID, hash string) error
	BindProvider(ctx context.Context, binding ProviderBinding) error
	FindByProvider(ctx context.Context, provider, subject string) (string, error)
}

// Store is the stateless credential verifier.
type Store struct {
	repo Repository
}

// NewStore constructs a Store.
func NewStore(repo Repository) *Store {
	return &Store{repo: repo}
}

// VerifyPassword checks the plaintext against the stored hash. Unknown
// accounts and wrong passwords are indistinguishable: both return
// shared.ErrInvalidCredentials, and the bcrypt comparison runs either
// way so timing does not leak account existence.
func (s *Store) VerifyPassword(ctx context.Context, accountID, plaintext string) error {
	hash, err := s.repo.PasswordHash(ctx, accountID)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plaintext))
			return shared.ErrInvalidCredentials
		}
		return err
	}
	if hash == "" {
		// Social-only accounts have no usable password.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plaintext))
		return shared.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)); err != nil {
		return shared.ErrInvalidCredentials
	}
	return nil
}

// SetPassword hashes and stores a new password for the account.
func (s *Store) SetPassword(ctx context.Context, accountID, plaintext string) error {
	if len(plaintext) < MinPasswordLength {
		return fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	return s.repo.SetPasswordHash(ctx, accountID, string(hash))
}

// HashPassword returns a bcrypt hash for account provisioning paths that
// insert the hash together with the new row.
func HashPassword(plaintext string) (string, error) {
	if len(plaintext) < MinPasswordLength {
		return "", fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// BindProvider links a verified provider identity to the account.
func (s *Store) BindProvider(ctx context.Context, accountID, provider, subject string) error {
	if provider == "" || subject == "" {
		return errors.New("provider and subject are required")
	}
	return s.repo.BindProvider(ctx, ProviderBinding{
		AccountID: accountID,
		Provider:  provider,
		Subject:   subject,
		CreatedAt: time.Now().UTC(),
	})
}

// FindByProvider resolves a provider identity to an account id.
func (s *Store) FindByProvider(ctx context.Context, provider, subject string) (string, error) {
	return s.repo.FindByProvider(ctx, provider, subject)
}
