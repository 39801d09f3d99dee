package model

// Role is a capability tag checked on every mutating call.
type Role int

const (
	RoleNone Role = iota
	RoleOwner
	RoleKeeper
	RoleGov
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleKeeper:
		return "keeper"
	case RoleGov:
		return "gov"
	default:
		return "none"
	}
}
