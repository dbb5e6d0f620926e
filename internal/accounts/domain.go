package accounts

import (
	"time"

	"github.com/atlasaccounts/atlas/internal/shared"
)

// Account is the identity record for admins, staff and customers.
type Account struct {
	ID               string
	Email            string
	Role             shared.Role
	IsActive         bool
	IsVerified       bool
	PreferredChannel string
	LoginCount       int64
	FailedLoginCount int64
	LastLoginAt      *time.Time
	TokenGeneration  int64

	// CreatedByID records which account provisioned this one, and under
	// what role at the time, for delegated-provisioning audits. Nil for
	// the bootstrap admin. Plain references, never live back-pointers.
	CreatedByID   *string
	CreatedByRole *shared.Role

	CreatedAt time.Time
	UpdatedAt time.Time
}
