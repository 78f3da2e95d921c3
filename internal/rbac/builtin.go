package rbac

// Builtin role names.
const (
	RoleOwner     = "owner"
	RoleAdmin     = "admin"
	RoleSupport   = "support"
	RoleHomeowner = "homeowner"
	RoleAgent     = "agent"
	RoleLender    = "lender"
)

// Builtin permission names.
const (
	PermUsersImpersonate = "users.impersonate"
	PermUsersRead        = "users.read"
	PermRolesManage      = "roles.manage"
	PermAuditRead        = "audit.read"
	PermMFAManage        = "mfa.manage"
	PermClientsRead      = "clients.read"
	PermClientsManage    = "clients.manage"
	PermDocumentsRead    = "documents.read"
	PermDocumentsWrite   = "documents.write"
)

// BuiltinRoles are seeded at setup.
var BuiltinRoles = []Role{
	{Name: RoleOwner, Description: "Platform owner; implicit superuser", IsSuperuser: true},
	{Name: RoleAdmin, Description: "Platform administrator"},
	{Name: RoleSupport, Description: "Customer support staff"},
	{Name: RoleHomeowner, Description: "Homeowner account"},
	{Name: RoleAgent, Description: "Real-estate agent"},
	{Name: RoleLender, Description: "Mortgage lender"},
}

var builtinPermissions = map[string]string{
	PermUsersImpersonate: "View the platform as another user",
	PermUsersRead:        "Read user profiles",
	PermRolesManage:      "Grant and revoke user roles",
	PermAuditRead:        "Read the audit log",
	PermMFAManage:        "Disable MFA for other users",
	PermClientsRead:      "Read client relationships",
	PermClientsManage:    "Create and change client relationships",
	PermDocumentsRead:    "Read documents",
	PermDocumentsWrite:   "Upload and edit documents",
}

// BuiltinRolePermissions is the seeded RolePermission table.
var BuiltinRolePermissions = map[string][]string{
	RoleAdmin: {
		PermUsersImpersonate, PermUsersRead, PermRolesManage, PermAuditRead,
		PermMFAManage, PermClientsRead, PermClientsManage, PermDocumentsRead,
	},
	RoleSupport:   {PermUsersImpersonate, PermUsersRead, PermAuditRead, PermClientsRead, PermDocumentsRead},
	RoleHomeowner: {PermDocumentsRead, PermDocumentsWrite},
	RoleAgent:     {PermClientsRead, PermDocumentsRead},
	RoleLender:    {PermClientsRead, PermDocumentsRead},
}

// BuiltinPermissions returns the seeded permission catalog.
func BuiltinPermissions() []Permission {
	perms := make([]Permission, 0, len(builtinPermissions))
	for name, desc := range builtinPermissions {
		p, err := NewPermission(name, desc)
		if err != nil {
			panic(err)
		}
		perms = append(perms, p)
	}
	return perms
}
