package rbac

// Role constants
const (
	RoleEmployer = "employer"
	RoleWorker   = "worker"
)

// Permission constants
const (
	PermCreateJob         = "create_job"
	PermFundEscrow        = "fund_escrow"
	PermReleaseFunds      = "release_funds"
	PermRefundEscrow      = "refund_escrow"
	PermSubmitDeliverable = "submit_deliverable"
)

// RolePermissions defines what each role can do.
var RolePermissions = map[string][]string{
	RoleEmployer: {
		PermCreateJob, PermFundEscrow, PermReleaseFunds, PermRefundEscrow,
		// Employer CANNOT: PermSubmitDeliverable
	},
	RoleWorker: {
		PermSubmitDeliverable,
	},
}

// HasPermission checks if a role has a specific permission.
func HasPermission(role, permission string) bool {
	perms, ok := RolePermissions[role]
	if !ok {
		return false
	}
	for _, p := range perms {
		if p == permission {
			return true
		}
	}
	return false
}

// IsFinancialOperation checks if permission moves escrowed funds (employer-only).
func IsFinancialOperation(permission string) bool {
	return permission == PermFundEscrow || permission == PermReleaseFunds || permission == PermRefundEscrow
}
