package approval

// Approver is an authenticated human submitting a decision.
type Approver struct {
	ID    string
	Roles []string
}

// Authority lists who may approve for one escalation target: named
// approvers or holders of any listed role.
type Authority struct {
	Approvers []string `yaml:"approvers" json:"approvers"`
	Roles     []string `yaml:"roles" json:"roles"`
}

// Authorities maps escalation targets (ops_team, security_team) to the
// approvers allowed to resolve them.
type Authorities map[string]Authority

// DefaultAuthorities grants each team target to the role of the same name.
func DefaultAuthorities() Authorities {
	return Authorities{
		"ops_team":      {Roles: []string{"ops_team"}},
		"security_team": {Roles: []string{"security_team"}},
	}
}

// Allows reports whether ap may resolve escalations for target. Unknown
// targets allow no one.
func (a Authorities) Allows(target string, ap Approver) bool {
	auth, ok := a[target]
	if !ok {
		return false
	}
	for _, id := range auth.Approvers {
		if id == ap.ID {
			return true
		}
	}
	for _, want := range auth.Roles {
		for _, have := range ap.Roles {
			if want == have {
				return true
			}
		}
	}
	return false
}
