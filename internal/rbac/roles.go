package rbac

// Role names carried in access tokens. Keep these stable; they are part of the API contract.
const (
	RoleOwner      = "owner"
	RoleAgent      = "agent"
	RoleViewer     = "viewer"
	RoleSuperAdmin = "super_admin"
)

// CallOperators may place outbound calls.
var CallOperators = []string{RoleOwner, RoleAgent}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }
