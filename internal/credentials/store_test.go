package credentials_test

import (
	"context"
	"errors"
	"testing"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlasaccounts/atlas/internal/credentials"
	"github.com/atlasaccounts/atlas/internal/shared"
	_ "github.com/atlasaccounts/atlas/testing"
)

type stubRepo struct {
	hashes   map[string]string
	bindings map[string]string
}

func newStubRepo() *stubRepo {
	return &stubRepo{hashes: map[string]string{}, bindings: map[string]string{}}
}

func (s *stubRepo) PasswordHash(ctx context.Context, accountID string) (string, error) {
	hash, ok := s.hashes[accountID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return hash, nil
}

func (s *stubRepo) SetPasswordHash(ctx context.Context, accountID, hash string) error {
	s.hashes[accountID] = hash
	return nil
}

func (s *stubRepo) BindProvider(ctx context.Context, b credentials.ProviderBinding) error {
	s.bindings[b.Provider+"|"+b.Subject] = b.AccountID
	return nil
}

func (s *stubRepo) FindByProvider(ctx context.Context, provider, subject string) (string, error) {
	id, ok := s.bindings[provider+"|"+subject]
	if !ok {
		return "", shared.ErrNotFound
	}
	return id, nil
}

func TestVerifyPassword(t *testing.T) {
	repo := newStubRepo()
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.DefaultCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	repo.hashes["a1"] = string(hash)
	store := credentials.NewStore(repo)
	ctx := context.Background()

	if err := store.VerifyPassword(ctx, "a1", "correct horse"); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
	if err := store.VerifyPassword(ctx, "a1", "wrong"); !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("wrong password: expected ErrInvalidCredentials, got %v", err)
	}
}

func TestVerifyPasswordUnknownAccountIndistinguishable(t *testing.T) {
	store := credentials.NewStore(newStubRepo())

	err := store.VerifyPassword(context.Background(), "missing", "whatever")
	if !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("unknown account must look like bad credentials, got %v", err)
	}
}

func TestVerifyPasswordSocialOnlyAccount(t *testing.T) {
	repo := newStubRepo()
	repo.hashes["a1"] = ""
	store := credentials.NewStore(repo)

	err := store.VerifyPassword(context.Background(), "a1", "anything")
	if !errors.Is(err, shared.ErrInvalidCredentials) {
		t.Fatalf("passwordless account must reject password login, got %v", err)
	}
}

func TestSetPasswordEnforcesMinimumLength(t *testing.T) {
	repo := newStubRepo()
	store := credentials.NewStore(repo)
	ctx := context.Background()

	if err := store.SetPassword(ctx, "a1", "short"); err == nil {
		t.Fatal("expected rejection of short password")
	}
	if err := store.SetPassword(ctx, "a1", "long enough secret"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	if repo.hashes["a1"] == "" || repo.hashes["a1"] == "long enough secret" {
		t.Fatal("password must be stored hashed")
	}
	if err := store.VerifyPassword(ctx, "a1", "long enough secret"); err != nil {
		t.Fatalf("round trip verify: %v", err)
	}
}

func TestProviderBinding(t *testing.T) {
	store := credentials.NewStore(newStubRepo())
	ctx := context.Background()

	if err := store.BindProvider(ctx, "a1", "google", "sub-123"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	id, err := store.FindByProvider(ctx, "google", "sub-123")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if id != "a1" {
		t.Fatalf("expected a1, got %s", id)
	}
	if _, err := store.FindByProvider(ctx, "google", "other"); !errors.Is(err, shared.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
