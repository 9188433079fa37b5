package token

import "strings"

// Role is the normalized principal role. Legacy synonyms are accepted at the
// boundary and normalized inward; internal code never branches on legacy names.
type Role string

const (
	RoleAdministrator Role = "administrator"
	RoleOperator      Role = "operator"
	RoleViewer        Role = "viewer"
)

// NormalizeRole maps legacy role names onto the contract set.
// Unknown roles normalize to viewer, the least-privileged role.
func NormalizeRole(raw string) Role {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "administrator", "admin":
		return RoleAdministrator
	case "operator":
		return RoleOperator
	case "viewer", "user", "":
		return RoleViewer
	default:
		return RoleViewer
	}
}

// Principal is an authenticated identity, immutable inside a request.
type Principal struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Email    string `json:"email,omitempty"`
	IsActive bool   `json:"isActive"`
}
