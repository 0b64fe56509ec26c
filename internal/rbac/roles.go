package rbac

// Role names. Keep these stable; they are part of auth/RBAC contracts.
const (
	RoleCaller   = "caller"
	RoleReceiver = "receiver"
	RoleService  = "service" // hidden role: push delivery and other backend callers
)

func IsHiddenRole(role string) bool { return role == RoleService }

// IsParticipant reports whether role belongs to an end user.
func IsParticipant(role string) bool { return role == RoleCaller || role == RoleReceiver }
