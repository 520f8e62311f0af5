package auth

import "strings"

// Role names as stored on user accounts.
const (
	RoleStudent         = "student"
	RoleFaculty         = "faculty"
	RoleDepartmentAdmin = "department_admin"
	RoleInvestigator    = "investigator"
	RoleAdmin           = "admin"
	RoleSuperAdmin      = "super_admin"
	RoleSystem          = "system"
)

// Privilege ranks. Higher is more privileged.
const (
	RankNone = iota
	RankStudent
	RankFaculty
	RankDepartmentAdmin
	RankAdmin
	RankSuperAdmin
)

var ranks = map[string]int{
	RoleStudent:         RankStudent,
	RoleFaculty:         RankFaculty,
	RoleDepartmentAdmin: RankDepartmentAdmin,
	RoleInvestigator:    RankDepartmentAdmin,
	RoleAdmin:           RankAdmin,
	RoleSuperAdmin:      RankSuperAdmin,
}

// NormalizeRole lower-cases and trims a role name.
func NormalizeRole(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

// Rank returns the privilege rank of role; unknown roles rank as RankNone.
func Rank(role string) int {
	return ranks[NormalizeRole(role)]
}

// IsHighPrivilege reports whether role is admin level or above.
func IsHighPrivilege(role string) bool { return Rank(role) >= RankAdmin }

// IsLowPrivilege reports whether role is faculty level or below.
func IsLowPrivilege(role string) bool { return Rank(role) <= RankFaculty }

// TopRole is the highest-privilege role in the hierarchy.
const TopRole = RoleSuperAdmin

// Actor identifies who is calling into the engine and from where.
type Actor struct {
	TenantID      string `json:"tenant_id"`
	ID            string `json:"id"`
	Role          string `json:"role"`
	DeviceID      string `json:"device_id,omitempty"`
	ClientIP      string `json:"client_ip,omitempty"`
	UserAgent     string `json:"user_agent,omitempty"`
	SourceSystem  string `json:"source_system,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	// System is set for automated callers (schedulers, importers).
	System bool `json:"system,omitempty"`
}

// Validate checks the fields every engine call needs.
func (a Actor) Validate() error {
	if strings.TrimSpace(a.ID) == "" {
		return ErrInvalidInput
	}
	return nil
}

// IsInvestigator reports whether the actor may work escalation cases.
func (a Actor) IsInvestigator() bool {
	return NormalizeRole(a.Role) == RoleInvestigator && !a.System
}
