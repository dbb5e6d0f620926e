package accounts_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/atlasaccounts/atlas/internal/accounts"
	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/credentials"
	"github.com/atlasaccounts/atlas/internal/shared"
	_ "github.com/atlasaccounts/atlas/testing"
)

type stubRepo struct {
	byID    map[string]*accounts.Account
	hashes  map[string]string
	cascade []string
}

func newStubRepo() *stubRepo {
	return &stubRepo{byID: map[string]*accounts.Account{}, hashes: map[string]string{}}
}

func (s *stubRepo) Create(_ context.Context, account *accounts.Account, passwordHash string) error {
	for _, existing := range s.byID {
		if existing.Email == account.Email && existing.IsActive {
			return shared.ErrDuplicateEmail
		}
	}
	cp := *account
	s.byID[account.ID] = &cp
	s.hashes[account.ID] = passwordHash
	return nil
}

func (s *stubRepo) FindByID(_ context.Context, id string) (*accounts.Account, error) {
	account, ok := s.byID[id]
	if !ok {
		return nil, shared.ErrNotFound
	}
	cp := *account
	return &cp, nil
}

func (s *stubRepo) FindActiveByEmail(_ context.Context, email string) (*accounts.Account, error) {
	for _, account := range s.byID {
		if account.Email == email && account.IsActive {
			cp := *account
			return &cp, nil
		}
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) FindByEmail(_ context.Context, email string) (*accounts.Account, error) {
	var inactive *accounts.Account
	for _, account := range s.byID {
		if account.Email != email {
			continue
		}
		if account.IsActive {
			cp := *account
			return &cp, nil
		}
		cp := *account
		inactive = &cp
	}
	if inactive != nil {
		return inactive, nil
	}
	return nil, shared.ErrNotFound
}

func (s *stubRepo) UpdateRole(_ context.Context, id string, role shared.Role) error {
	account, ok := s.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	account.Role = role
	return nil
}

func (s *stubRepo) SetPreferredChannel(_ context.Context, id, channel string) error {
	account, ok := s.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	account.PreferredChannel = channel
	return nil
}

func (s *stubRepo) MarkVerified(_ context.Context, id string) (bool, error) {
	account, ok := s.byID[id]
	if !ok {
		return false, shared.ErrNotFound
	}
	if account.IsVerified {
		return false, nil
	}
	account.IsVerified = true
	return true, nil
}

func (s *stubRepo) RecordLogin(_ context.Context, id string, success bool, _ time.Time) error {
	account, ok := s.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	if success {
		account.LoginCount++
	} else {
		account.FailedLoginCount++
	}
	return nil
}

func (s *stubRepo) DeactivateCascade(_ context.Context, id string) error {
	account, ok := s.byID[id]
	if !ok {
		return shared.ErrNotFound
	}
	account.IsActive = false
	account.TokenGeneration++
	s.cascade = append(s.cascade, id)
	return nil
}

type stubAssigner struct {
	assigned [][3]string
}

func (s *stubAssigner) Assign(_ context.Context, customerID, staffID, assignedByID string) error {
	s.assigned = append(s.assigned, [3]string{customerID, staffID, assignedByID})
	return nil
}

type stubAuditRepo struct {
	entries []audit.Entry
	fail    bool
}

func (s *stubAuditRepo) Append(_ context.Context, entry *audit.Entry) error {
	if s.fail {
		return errors.New("trail unavailable")
	}
	s.entries = append(s.entries, *entry)
	return nil
}

func (s *stubAuditRepo) Window(context.Context, audit.TimelineFilters, int, int) ([]audit.Entry, error) {
	return nil, nil
}

func (s *stubAuditRepo) ByActor(context.Context, string, int) ([]audit.Entry, error) {
	return nil, nil
}

func (s *stubAuditRepo) PurgeBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

type fixture struct {
	svc      *accounts.Service
	repo     *stubRepo
	creds    *credsRepo
	assigner *stubAssigner
	trail    *stubAuditRepo
}

// credsRepo backs the credential store in these tests.
type credsRepo struct {
	accounts *stubRepo
}

func (c *credsRepo) PasswordHash(_ context.Context, accountID string) (string, error) {
	hash, ok := c.accounts.hashes[accountID]
	if !ok {
		return "", shared.ErrNotFound
	}
	return hash, nil
}

func (c *credsRepo) SetPasswordHash(_ context.Context, accountID, hash string) error {
	c.accounts.hashes[accountID] = hash
	return nil
}

func (c *credsRepo) BindProvider(context.Context, credentials.ProviderBinding) error {
	return nil
}

func (c *credsRepo) FindByProvider(context.Context, string, string) (string, error) {
	return "", shared.ErrNotFound
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     newStubRepo(),
		assigner: &stubAssigner{},
		trail:    &stubAuditRepo{},
	}
	f.creds = &credsRepo{accounts: f.repo}
	f.svc = accounts.NewService(f.repo, credentials.NewStore(f.creds), f.assigner,
		audit.NewRecorder(f.trail, nil, false), nil)
	return f
}

func (f *fixture) lastAction(t *testing.T) string {
	t.Helper()
	if len(f.trail.entries) == 0 {
		t.Fatal("no audit entries recorded")
	}
	return f.trail.entries[len(f.trail.entries)-1].Action
}

func TestRegisterCreatesCustomer(t *testing.T) {
	f := newFixture(t)

	account, err := f.svc.Register(context.Background(), " New@Example.COM ", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if account.Email != "new@example.com" {
		t.Fatalf("email not normalized: %q", account.Email)
	}
	if account.Role != shared.RoleCustomer || !account.IsActive || account.IsVerified {
		t.Fatalf("unexpected account state: %+v", account)
	}
	hash := f.repo.hashes[account.ID]
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("correct-horse")); err != nil {
		t.Fatalf("stored hash does not match password: %v", err)
	}
	if f.lastAction(t) != audit.ActionRegister {
		t.Fatalf("expected register record, got %q", f.lastAction(t))
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Register(ctx, "dup@example.com", "correct-horse"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	_, err := f.svc.Register(ctx, "dup@example.com", "battery-staple")
	if !errors.Is(err, shared.ErrDuplicateEmail) {
		t.Fatalf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Register(context.Background(), "a@example.com", "short"); err == nil {
		t.Fatal("expected short password rejection")
	}
}

func TestProvisionByAdmin(t *testing.T) {
	f := newFixture(t)
	admin := shared.Actor{ID: "admin-1", Role: shared.RoleAdmin}

	account, err := f.svc.Provision(context.Background(), admin, accounts.ProvisionInput{
		Email:    "staff@example.com",
		Password: "correct-horse",
		Role:     shared.RoleStaff,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if account.Role != shared.RoleStaff {
		t.Fatalf("unexpected role %q", account.Role)
	}
	if account.CreatedByID == nil || *account.CreatedByID != "admin-1" {
		t.Fatal("creator chain not recorded")
	}
	if account.CreatedByRole == nil || *account.CreatedByRole != shared.RoleAdmin {
		t.Fatal("creator role not recorded")
	}
	if len(f.assigner.assigned) != 0 {
		t.Fatal("admin provisioning must not auto-assign")
	}
	if f.lastAction(t) != audit.ActionCreateAccount {
		t.Fatalf("expected create_account record, got %q", f.lastAction(t))
	}
}

func TestProvisionByStaffAutoAssigns(t *testing.T) {
	f := newFixture(t)
	staff := shared.Actor{ID: "staff-1", Role: shared.RoleStaff}

	account, err := f.svc.Provision(context.Background(), staff, accounts.ProvisionInput{
		Email:    "customer@example.com",
		Password: "correct-horse",
		Role:     shared.RoleCustomer,
	})
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if len(f.assigner.assigned) != 1 {
		t.Fatalf("expected one auto-assignment, got %d", len(f.assigner.assigned))
	}
	got := f.assigner.assigned[0]
	if got[0] != account.ID || got[1] != "staff-1" {
		t.Fatalf("unexpected assignment %v", got)
	}
}

func TestProvisionStaffCannotCreateStaff(t *testing.T) {
	f := newFixture(t)
	staff := shared.Actor{ID: "staff-1", Role: shared.RoleStaff}

	_, err := f.svc.Provision(context.Background(), staff, accounts.ProvisionInput{
		Email:    "peer@example.com",
		Password: "correct-horse",
		Role:     shared.RoleStaff,
	})
	if !errors.Is(err, accounts.ErrRoleNotAllowed) {
		t.Fatalf("expected ErrRoleNotAllowed, got %v", err)
	}
}

func TestProvisionSocialIsPreVerified(t *testing.T) {
	f := newFixture(t)

	account, err := f.svc.ProvisionSocial(context.Background(), "social@example.com", "google")
	if err != nil {
		t.Fatalf("provision social: %v", err)
	}
	if !account.IsVerified || account.Role != shared.RoleCustomer {
		t.Fatalf("unexpected account state: %+v", account)
	}
	if f.repo.hashes[account.ID] != "" {
		t.Fatal("social account must not have a usable password")
	}
}

func TestChangeRoleRecordsTransition(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, "c@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	updated, err := f.svc.ChangeRole(ctx, "admin-1", account.ID, shared.RoleStaff)
	if err != nil {
		t.Fatalf("change role: %v", err)
	}
	if updated.Role != shared.RoleStaff {
		t.Fatalf("role not updated: %q", updated.Role)
	}
	last := f.trail.entries[len(f.trail.entries)-1]
	if last.Action != audit.ActionChangeRole {
		t.Fatalf("expected change_role record, got %q", last.Action)
	}
	if last.Context["from"] != "customer" || last.Context["to"] != "staff" {
		t.Fatalf("expected transition in context, got %+v", last.Context)
	}

	// Same-role change is a no-op and leaves no record.
	before := len(f.trail.entries)
	if _, err := f.svc.ChangeRole(ctx, "admin-1", account.ID, shared.RoleStaff); err != nil {
		t.Fatalf("no-op change: %v", err)
	}
	if len(f.trail.entries) != before {
		t.Fatal("no-op role change must not be recorded")
	}
}

func TestDeactivateCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, "c@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.svc.Deactivate(ctx, "admin-1", account.ID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	got, _ := f.repo.FindByID(ctx, account.ID)
	if got.IsActive {
		t.Fatal("account should be inactive")
	}
	if got.TokenGeneration != 1 {
		t.Fatal("deactivation should bump the token generation")
	}
	if f.lastAction(t) != audit.ActionDeactivate {
		t.Fatalf("expected deactivate record, got %q", f.lastAction(t))
	}
}

func TestDeactivateFailsClosedOnAuditError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, "c@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	f.trail.fail = true
	if err := f.svc.Deactivate(ctx, "admin-1", account.ID); !errors.Is(err, shared.ErrAuditWriteFailed) {
		t.Fatalf("expected ErrAuditWriteFailed, got %v", err)
	}
}

func TestSetPasswordReplacesHash(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, "c@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := f.svc.SetPassword(ctx, account.ID, account.ID, "battery-staple"); err != nil {
		t.Fatalf("set password: %v", err)
	}
	hash := f.repo.hashes[account.ID]
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte("battery-staple")); err != nil {
		t.Fatalf("new password not stored: %v", err)
	}
	if f.lastAction(t) != audit.ActionSetPassword {
		t.Fatalf("expected set_password record, got %q", f.lastAction(t))
	}
}

func TestMarkVerifiedFlipsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	account, err := f.svc.Register(ctx, "c@example.com", "correct-horse")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	first, err := f.svc.MarkVerified(ctx, account.ID)
	if err != nil || !first {
		t.Fatalf("expected first flip, got %v %v", first, err)
	}
	again, err := f.svc.MarkVerified(ctx, account.ID)
	if err != nil || again {
		t.Fatalf("expected no-op on second flip, got %v %v", again, err)
	}
}
