package accounts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/credentials"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// ErrRoleNotAllowed rejects provisioning outside the creator's reach.
var ErrRoleNotAllowed = errors.New("role not allowed for creator")

// Assigner opens the initial staff assignment for a customer provisioned
// by a staff member. Satisfied by the assignment ledger.
type Assigner interface {
	Assign(ctx context.Context, customerID, staffID, assignedByID string) error
}

// ProvisionInput describes an account created on someone's behalf.
type ProvisionInput struct {
	Email            string
	Password         string
	Role             shared.Role
	PreferredChannel string
}

// Service owns the account lifecycle. Every mutation lands in the audit
// trail before the call returns; a failed record fails the mutation.
type Service struct {
	repo     Repository
	creds    *credentials.Store
	assigner Assigner
	auditor  *audit.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewService constructs a Service.
func NewService(repo Repository, creds *credentials.Store, assigner Assigner,
	auditor *audit.Recorder, logger *slog.Logger) *Service {
	return &Service{
		repo:     repo,
		creds:    creds,
		assigner: assigner,
		auditor:  auditor,
		logger:   logger,
		now:      time.Now,
	}
}

// Register creates a self-service customer account. It starts active but
// unverified; verification is a separate explicit step.
func (s *Service) Register(ctx context.Context, email, password string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	hash, err := credentials.HashPassword(password)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:       uuid.NewString(),
		Email:    email,
		Role:     shared.RoleCustomer,
		IsActive: true,
	}
	if err := s.repo.Create(ctx, account, hash); err != nil {
		return nil, err
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    account.ID,
		Action:     audit.ActionRegister,
		EntityType: "account",
		EntityID:   account.ID,
	}); err != nil {
		return nil, err
	}
	return account, nil
}

// Provision creates an account on behalf of an admin or staff actor.
// Staff may only provision customers, and a staff-provisioned customer is
// assigned to that staff member immediately.
func (s *Service) Provision(ctx context.Context, actor shared.Actor, input ProvisionInput) (*Account, error) {
	email, err := normalizeEmail(input.Email)
	if err != nil {
		return nil, err
	}
	if !input.Role.Valid() {
		return nil, fmt.Errorf("unknown role %q", input.Role)
	}
	if actor.Role != shared.RoleAdmin && input.Role != shared.RoleCustomer {
		return nil, ErrRoleNotAllowed
	}
	hash, err := credentials.HashPassword(input.Password)
	if err != nil {
		return nil, err
	}
	role := actor.Role
	account := &Account{
		ID:               uuid.NewString(),
		Email:            email,
		Role:             input.Role,
		IsActive:         true,
		PreferredChannel: input.PreferredChannel,
		CreatedByID:      &actor.ID,
		CreatedByRole:    &role,
	}
	if err := s.repo.Create(ctx, account, hash); err != nil {
		return nil, err
	}

	entryCtx := map[string]any{"role": string(input.Role)}
	if actor.Role == shared.RoleStaff && input.Role == shared.RoleCustomer {
		if err := s.assigner.Assign(ctx, account.ID, actor.ID, actor.ID); err != nil {
			return nil, err
		}
		entryCtx["assigned_staff_id"] = actor.ID
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    actor.ID,
		Action:     audit.ActionCreateAccount,
		EntityType: "account",
		EntityID:   account.ID,
		Context:    entryCtx,
	}); err != nil {
		return nil, err
	}
	return account, nil
}

// ProvisionSocial creates a pre-verified customer for a first-time social
// sign-in. The account has no usable password until one is set.
func (s *Service) ProvisionSocial(ctx context.Context, email, provider string) (*Account, error) {
	email, err := normalizeEmail(email)
	if err != nil {
		return nil, err
	}
	account := &Account{
		ID:         uuid.NewString(),
		Email:      email,
		Role:       shared.RoleCustomer,
		IsActive:   true,
		IsVerified: true,
	}
	if err := s.repo.Create(ctx, account, ""); err != nil {
		return nil, err
	}
	if s.logger != nil {
		s.logger.Info("provisioned social account",
			slog.String("account_id", account.ID), slog.String("provider", provider))
	}
	return account, nil
}

// FindByID fetches one account.
func (s *Service) FindByID(ctx context.Context, id string) (*Account, error) {
	return s.repo.FindByID(ctx, id)
}

// FindActiveByEmail resolves an active account by email.
func (s *Service) FindActiveByEmail(ctx context.Context, email string) (*Account, error) {
	return s.repo.FindActiveByEmail(ctx, email)
}

// FindByEmail resolves an account by email regardless of state.
func (s *Service) FindByEmail(ctx context.Context, email string) (*Account, error) {
	return s.repo.FindByEmail(ctx, email)
}

// ChangeRole moves the account to a new role.
func (s *Service) ChangeRole(ctx context.Context, actorID, accountID string, role shared.Role) (*Account, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	account, err := s.repo.FindByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Role == role {
		return account, nil
	}
	previous := account.Role
	if err := s.repo.UpdateRole(ctx, accountID, role); err != nil {
		return nil, err
	}
	account.Role = role
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionChangeRole,
		EntityType: "account",
		EntityID:   accountID,
		Context:    map[string]any{"from": string(previous), "to": string(role)},
	}); err != nil {
		return nil, err
	}
	return account, nil
}

// Deactivate disables the account and revokes everything hanging off it:
// outstanding tokens die through the generation bump and verification
// channels are removed, in one transaction.
func (s *Service) Deactivate(ctx context.Context, actorID, accountID string) error {
	if _, err := s.repo.FindByID(ctx, accountID); err != nil {
		return err
	}
	if err := s.repo.DeactivateCascade(ctx, accountID); err != nil {
		return err
	}
	return s.auditor.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionDeactivate,
		EntityType: "account",
		EntityID:   accountID,
	})
}

// SetPassword replaces the account's password.
func (s *Service) SetPassword(ctx context.Context, actorID, accountID, plaintext string) error {
	if _, err := s.repo.FindByID(ctx, accountID); err != nil {
		return err
	}
	if err := s.creds.SetPassword(ctx, accountID, plaintext); err != nil {
		return err
	}
	return s.auditor.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionSetPassword,
		EntityType: "account",
		EntityID:   accountID,
	})
}

// SetPreferredChannel updates the account's preferred contact channel.
func (s *Service) SetPreferredChannel(ctx context.Context, accountID, channel string) error {
	return s.repo.SetPreferredChannel(ctx, accountID, channel)
}

// MarkVerified flips the account-level verified flag, reporting whether
// this call was the one that flipped it.
func (s *Service) MarkVerified(ctx context.Context, accountID string) (bool, error) {
	return s.repo.MarkVerified(ctx, accountID)
}

// RecordLogin updates the login counters on the account row.
func (s *Service) RecordLogin(ctx context.Context, accountID string, success bool, at time.Time) error {
	return s.repo.RecordLogin(ctx, accountID, success, at)
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return "", fmt.Errorf("invalid email address")
	}
	return email, nil
}
