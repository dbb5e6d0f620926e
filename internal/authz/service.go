package authz

import (
	"context"
	"errors"

	"github.com/atlasaccounts/atlas/internal/audit"
	"github.com/atlasaccounts/atlas/internal/shared"
)

// Reassignment failures.
var (
	ErrNotStaff    = errors.New("target is not an active staff account")
	ErrNotCustomer = errors.New("target is not an active customer account")
)

// Participant is the slice of an account the ledger needs to validate
// reassignment parties.
type Participant struct {
	ID     string
	Role   shared.Role
	Active bool
}

// Directory resolves reassignment participants without pulling in the
// whole account model.
type Directory interface {
	Participant(ctx context.Context, id string) (Participant, error)
}

// Service manages the assignment ledger.
type Service struct {
	repo      Repository
	directory Directory
	auditor   *audit.Recorder
}

// NewService constructs a Service.
func NewService(repo Repository, directory Directory, auditor *audit.Recorder) *Service {
	return &Service{repo: repo, directory: directory, auditor: auditor}
}

// Reassign moves a customer to a new staff member. The previous interval
// closes and the new one opens atomically, then the change is recorded;
// a failed record fails the call even though the swap is durable.
func (s *Service) Reassign(ctx context.Context, actorID, customerID, staffID string) (*Assignment, error) {
	customer, err := s.directory.Participant(ctx, customerID)
	if err != nil {
		return nil, err
	}
	if customer.Role != shared.RoleCustomer || !customer.Active {
		return nil, ErrNotCustomer
	}
	staff, err := s.directory.Participant(ctx, staffID)
	if err != nil {
		return nil, err
	}
	if staff.Role != shared.RoleStaff || !staff.Active {
		return nil, ErrNotStaff
	}

	previous, err := s.repo.Current(ctx, customerID)
	if err != nil && !errors.Is(err, shared.ErrNotFound) {
		return nil, err
	}

	assignment, err := s.repo.Swap(ctx, customerID, staffID, actorID)
	if err != nil {
		return nil, err
	}

	entryCtx := map[string]any{"staff_id": staffID}
	if previous != nil {
		entryCtx["previous_staff_id"] = previous.StaffID
	}
	if err := s.auditor.Record(ctx, audit.Entry{
		ActorID:    actorID,
		Action:     audit.ActionReassign,
		EntityType: "assignment",
		EntityID:   assignment.ID,
		Context:    entryCtx,
	}); err != nil {
		return nil, err
	}
	return assignment, nil
}

// Assign opens the first assignment for a freshly provisioned customer.
// Used by delegated provisioning; the account-creation record already
// names the assignee, so no separate ledger record is written.
func (s *Service) Assign(ctx context.Context, customerID, staffID, assignedByID string) (*Assignment, error) {
	return s.repo.Swap(ctx, customerID, staffID, assignedByID)
}

// Current returns the customer's open assignment.
func (s *Service) Current(ctx context.Context, customerID string) (*Assignment, error) {
	return s.repo.Current(ctx, customerID)
}

// History returns the customer's full assignment ledger.
func (s *Service) History(ctx context.Context, customerID string) ([]Assignment, error) {
	return s.repo.History(ctx, customerID)
}

// Customers lists the customers a staff member currently holds.
func (s *Service) Customers(ctx context.Context, staffID string) ([]string, error) {
	return s.repo.CustomersOf(ctx, staffID)
}

// Orphans lists open assignments whose parties no longer exist or were
// deactivated.
func (s *Service) Orphans(ctx context.Context) ([]Assignment, error) {
	return s.repo.Orphans(ctx)
}
