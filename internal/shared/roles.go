package shared

// Role is the account tier used for authorization decisions.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleStaff    Role = "staff"
	RoleCustomer Role = "customer"
)

// Valid reports whether the role is one of the known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleStaff, RoleCustomer:
		return true
	}
	return false
}

// AtLeast reports whether the role holds the privilege of other in the
// admin > staff > customer ordering. Capability checks remain the
// authorization evaluator's job; this only orders the tiers.
func (r Role) AtLeast(other Role) bool {
	return roleRank(r) >= roleRank(other)
}

func roleRank(r Role) int {
	switch r {
	case RoleAdmin:
		return 3
	case RoleStaff:
		return 2
	case RoleCustomer:
		return 1
	}
	return 0
}
