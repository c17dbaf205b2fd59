package engine

import (
	"time"

	"vcdb/src/auth"
)

// AccessType is a per-database grant level, ordered from weakest to
// strongest.
type AccessType int

const (
	AccessNone AccessType = iota
	AccessGuest
	AccessEditor
	AccessDeveloper
	AccessMaster
	AccessOwner
)

func (a AccessType) String() string {
	switch a {
	case AccessGuest:
		return "guest"
	case AccessEditor:
		return "editor"
	case AccessDeveloper:
		return "developer"
	case AccessMaster:
		return "master"
	case AccessOwner:
		return "owner"
	default:
		return "none"
	}
}

type AccessMember struct {
	UserID string     `bson:"userID"`
	Access AccessType `bson:"access"`
}

// AccessInfo is the visibility overlay of a database: public (everyone gets
// at least guest) or private with an explicit member list.
type AccessInfo struct {
	IsPublic bool           `bson:"isPublic"`
	Owner    string         `bson:"owner,omitempty"`
	Members  []AccessMember `bson:"members,omitempty"`
}

// NewPublicAccessInfo returns the default access state of a fresh database.
func NewPublicAccessInfo(owner string) AccessInfo {
	return AccessInfo{IsPublic: true, Owner: owner}
}

// Find returns the explicit grant for a user, if any.
func (a AccessInfo) Find(userID string) (AccessMember, bool) {
	for _, member := range a.Members {
		if member.UserID == userID {
			return member, true
		}
	}
	return AccessMember{}, false
}

// Effective resolves a caller's access level against this overlay. Admin and
// system authorities always resolve to owner level; the recorded owner does
// too. Private databases deny unlisted callers entirely.
func (a AccessInfo) Effective(authentication *auth.Authentication) AccessType {
	if authentication.IsAdmin() {
		return AccessOwner
	}
	if a.Owner != "" && a.Owner == authentication.UserID {
		return AccessOwner
	}
	if member, ok := a.Find(authentication.UserID); ok {
		return member.Access
	}
	if a.IsPublic {
		return AccessGuest
	}
	return AccessNone
}

// LockInfo is the exclusive-lock overlay: a single holder plus a comment.
// Internal locks (transactions, imports) use a reserved comment convention
// so they can verify they only ever release their own lock.
type LockInfo struct {
	IsLocked bool
	UserID   string
	Comment  string
	LockedAt time.Time
}
