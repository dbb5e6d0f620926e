// Package authz evaluates capability-scoped access decisions and keeps
// the staff/customer assignment ledger they depend on.
package authz

import (
	"context"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// Action is a named capability checked before a privileged operation.
type Action string

const (
	ActionViewAccount    Action = "account.view"
	ActionUpdateAccount  Action = "account.update"
	ActionChangeRole     Action = "account.change_role"
	ActionDeactivate     Action = "account.deactivate"
	ActionManageChannels Action = "verification.manage"
	ActionViewAudit      Action = "audit.view"
	ActionReassign       Action = "assignment.reassign"
)

// DenyReason explains a negative decision.
type DenyReason string

const (
	DenyInsufficientRole DenyReason = "insufficient_role"
	DenyNotOwner         DenyReason = "not_owner"
	DenyInactiveActor    DenyReason = "inactive_actor"
)

// Decision is the outcome of an evaluation.
type Decision struct {
	Allowed bool
	Reason  DenyReason
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(reason DenyReason) Decision {
	return Decision{Reason: reason}
}

// Subject is the acting principal with its current activity flag.
type Subject struct {
	ID     string
	Role   shared.Role
	Active bool
}

// Resource is the account an action targets.
type Resource struct {
	AccountID string
	Role      shared.Role
}

type scope int

const (
	scopeAny scope = iota + 1
	scopeAssigned
	scopeSelf
)

// grants maps each capability to the widest scope a role holds for it.
// A role absent from an action's row has no path to it at all.
var grants = map[Action]map[shared.Role]scope{
	ActionViewAccount: {
		shared.RoleAdmin:    scopeAny,
		shared.RoleStaff:    scopeAssigned,
		shared.RoleCustomer: scopeSelf,
	},
	ActionUpdateAccount: {
		shared.RoleAdmin:    scopeAny,
		shared.RoleStaff:    scopeAssigned,
		shared.RoleCustomer: scopeSelf,
	},
	ActionManageChannels: {
		shared.RoleAdmin:    scopeAny,
		shared.RoleStaff:    scopeAssigned,
		shared.RoleCustomer: scopeSelf,
	},
	ActionChangeRole: {
		shared.RoleAdmin: scopeAny,
	},
	ActionDeactivate: {
		shared.RoleAdmin: scopeAny,
	},
	ActionViewAudit: {
		shared.RoleAdmin: scopeAny,
	},
	ActionReassign: {
		shared.RoleAdmin: scopeAny,
	},
}

// AssignmentReader answers staff/customer ownership questions.
type AssignmentReader interface {
	IsAssigned(ctx context.Context, staffID, customerID string) (bool, error)
}

// Evaluator decides whether a subject may perform an action on a
// resource. Decisions are data in, decision out; the evaluator mutates
// nothing and records nothing.
type Evaluator struct {
	assignments AssignmentReader
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(assignments AssignmentReader) *Evaluator {
	return &Evaluator{assignments: assignments}
}

// Evaluate applies the capability table. Self-scope always covers the
// subject's own account regardless of role; staff reach beyond self only
// through an open assignment, and never onto admin or staff accounts.
func (e *Evaluator) Evaluate(ctx context.Context, subject Subject, action Action, resource Resource) (Decision, error) {
	if !subject.Active {
		return deny(DenyInactiveActor), nil
	}
	row, ok := grants[action]
	if !ok {
		return deny(DenyInsufficientRole), nil
	}
	sc, ok := row[subject.Role]
	if !ok {
		return deny(DenyInsufficientRole), nil
	}
	switch sc {
	case scopeAny:
		return allow(), nil
	case scopeSelf:
		if resource.AccountID == subject.ID {
			return allow(), nil
		}
		return deny(DenyInsufficientRole), nil
	case scopeAssigned:
		if resource.AccountID == subject.ID {
			return allow(), nil
		}
		if resource.Role != shared.RoleCustomer {
			return deny(DenyInsufficientRole), nil
		}
		assigned, err := e.assignments.IsAssigned(ctx, subject.ID, resource.AccountID)
		if err != nil {
			return Decision{}, err
		}
		if !assigned {
			return deny(DenyNotOwner), nil
		}
		return allow(), nil
	}
	return deny(DenyInsufficientRole), nil
}
