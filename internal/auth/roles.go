package auth

import "strings"

// Role is the operator tier carried in a token's role claim.
type Role string

const (
	// RoleViewer reads plant data, alarms and reports.
	RoleViewer Role = "viewer"
	// RoleOperator also acknowledges and clears alarms and writes tags.
	RoleOperator Role = "operator"
	// RoleAdmin also edits alarm rules and drives acquisition and jobs.
	RoleAdmin Role = "admin"
)

var roleRanks = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// NormalizeRole maps a role claim onto a known role. Case and surrounding
// whitespace are ignored.
func NormalizeRole(value string) (Role, bool) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	if _, ok := roleRanks[role]; !ok {
		return "", false
	}
	return role, true
}

// Allows reports whether role may perform actions that need required.
func (r Role) Allows(required Role) bool {
	return roleRanks[r] > 0 && roleRanks[r] >= roleRanks[required]
}

// RoleAtLeast returns true when role satisfies required role.
func RoleAtLeast(role Role, required Role) bool {
	return role.Allows(required)
}
