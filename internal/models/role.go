package models

// Role is the part a peer plays in a session.
type Role string

const (
	RoleNone   Role = ""
	RoleCaller Role = "caller"
	RoleCallee Role = "callee"
)

// CandidatesCollection is the collection this role writes its own candidates to.
func (r Role) CandidatesCollection() string {
	switch r {
	case RoleCaller:
		return CallerCandidatesCollection
	case RoleCallee:
		return CalleeCandidatesCollection
	}
	return ""
}

// Remote returns the opposite role.
func (r Role) Remote() Role {
	switch r {
	case RoleCaller:
		return RoleCallee
	case RoleCallee:
		return RoleCaller
	}
	return RoleNone
}

func (r Role) String() string {
	if r == RoleNone {
		return "none"
	}
	return string(r)
}
