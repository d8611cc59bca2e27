package models

// Role is a user's permission level on a budget.
type Role string

const (
	RoleNone   Role = ""
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

// CanRead reports whether the role may pull a budget's changes.
func (r Role) CanRead() bool {
	return r == RoleViewer || r == RoleEditor || r == RoleAdmin
}

// CanWrite reports whether the role may push changes or resolve conflicts.
func (r Role) CanWrite() bool {
	return r == RoleEditor || r == RoleAdmin
}
