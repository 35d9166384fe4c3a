package auth

// Capability names accepted in the api_tokens configuration.
const (
	CapApprove          = "can_approve"
	CapOverrideSchedule = "can_override_schedule"
	CapForceRollback    = "can_force_rollback"
)

// Caller identifies an authenticated API caller and its capability set.
// Authorization decisions branch on capabilities, never on a role name.
type Caller struct {
	Name                string
	CanApprove          bool
	CanOverrideSchedule bool
	CanForceRollback    bool
}

// NewCaller builds a Caller from a configured capability list. Unknown
// capability names are ignored.
func NewCaller(name string, capabilities []string) Caller {
	c := Caller{Name: name}
	for _, cap := range capabilities {
		switch cap {
		case CapApprove:
			c.CanApprove = true
		case CapOverrideSchedule:
			c.CanOverrideSchedule = true
		case CapForceRollback:
			c.CanForceRollback = true
		}
	}
	return c
}
