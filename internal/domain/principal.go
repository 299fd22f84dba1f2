package domain

import (
	"strings"

	"github.com/google/uuid"
)

// Role is the caller's role as asserted by the identity provider.
type Role string

const (
	RoleUser              Role = "USER"
	RoleMember            Role = "MEMBER"
	RoleTeller            Role = "TELLER"
	RoleLoanOfficer       Role = "LOAN_OFFICER"
	RoleCreditCommittee   Role = "CREDIT_COMMITTEE"
	RoleFinanceOfficer    Role = "FINANCE_OFFICER"
	RoleComplianceOfficer Role = "COMPLIANCE_OFFICER"
	RoleBranchManager     Role = "BRANCH_MANAGER"
	RoleManager           Role = "MANAGER"
	RoleAdmin             Role = "ADMIN"
	RoleSupport           Role = "SUPPORT"
)

// ParseRole upper-cases the claim; unknown roles degrade to USER.
func ParseRole(raw string) Role {
	role := Role(strings.ToUpper(strings.TrimSpace(raw)))
	switch role {
	case RoleMember, RoleTeller, RoleLoanOfficer, RoleCreditCommittee, RoleFinanceOfficer,
		RoleComplianceOfficer, RoleBranchManager, RoleManager, RoleAdmin, RoleSupport:
		return role
	default:
		return RoleUser
	}
}

// Principal is the authenticated caller. The ledger trusts it as given.
type Principal struct {
	UserID uuid.UUID `json:"user_id"`
	Role   Role      `json:"role"`
}

// IsAdmin reports whether the principal may read every record.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// CanApprove reports whether the principal may accept or reject high-value transfers.
func (p Principal) CanApprove() bool {
	switch p.Role {
	case RoleAdmin, RoleBranchManager, RoleManager:
		return true
	default:
		return false
	}
}
