package auth

import "time"

type Role string

const (
	// RoleOperator may trigger runs and reset ledger rows.
	RoleOperator Role = "operator"
	// RoleViewer may only read workflow and ledger state.
	RoleViewer Role = "viewer"
)

// Account is an admin login. Accounts come from configuration, not a table.
type Account struct {
	Username     string
	PasswordHash string
	Role         Role
}

// LoginRequest contains admin login credentials.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Claims is what a verified token carries.
type Claims struct {
	Subject   string
	Role      Role
	ExpiresAt time.Time
}

// CanWrite reports whether the role may change state.
func (r Role) CanWrite() bool {
	return r == RoleOperator
}

func isValidRole(role Role) bool {
	switch role {
	case RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}
