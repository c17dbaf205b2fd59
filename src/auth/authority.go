package auth

// Authority is the server-wide role of a user, independent of per-database
// access grants.
type Authority int

const (
	AuthorityNone Authority = iota
	AuthorityGuest
	AuthorityMember
	AuthorityAdmin
	AuthoritySystem
)

func (a Authority) String() string {
	switch a {
	case AuthorityGuest:
		return "guest"
	case AuthorityMember:
		return "member"
	case AuthorityAdmin:
		return "admin"
	case AuthoritySystem:
		return "system"
	default:
		return "none"
	}
}

// AtLeast reports whether the authority meets the given minimum role.
func (a Authority) AtLeast(min Authority) bool {
	return a >= min
}
