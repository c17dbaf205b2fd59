package auth

import (
	"sync"
	"time"

	"vcdb/src/helpers"
)

// Authentication is a caller's session token. It carries identity and
// authority, and signals its own expiry through a channel so owners of
// long-lived registrations (database session sets, open transactions) can
// clean up without fire-and-forget callbacks.
type Authentication struct {
	ID        string
	UserID    string
	Authority Authority
	IssuedAt  time.Time
	Deadline  time.Time

	mu      sync.Mutex
	timer   *time.Timer
	expired chan struct{}
}

// NewAuthentication issues a token for the user. A zero ttl means the token
// never expires on its own and only Expire ends the session.
func NewAuthentication(userID string, authority Authority, ttl time.Duration) *Authentication {
	a := &Authentication{
		ID:        helpers.GenerateUUID(),
		UserID:    userID,
		Authority: authority,
		IssuedAt:  time.Now(),
		expired:   make(chan struct{}),
	}

	if ttl > 0 {
		a.Deadline = a.IssuedAt.Add(ttl)
		a.timer = time.AfterFunc(ttl, a.Expire)
	}

	return a
}

// Expired returns a channel closed exactly once when the session ends.
func (a *Authentication) Expired() <-chan struct{} {
	return a.expired
}

// Expire ends the session. Safe to call more than once.
func (a *Authentication) Expire() {
	a.mu.Lock()
	defer a.mu.Unlock()

	select {
	case <-a.expired:
		return // already expired
	default:
	}

	if a.timer != nil {
		a.timer.Stop()
	}
	close(a.expired)
}

// IsExpired reports whether the session has ended.
func (a *Authentication) IsExpired() bool {
	select {
	case <-a.expired:
		return true
	default:
		return false
	}
}

// Validate returns ErrAuthenticationExpired if the session has ended.
func (a *Authentication) Validate() error {
	if a.IsExpired() {
		return ErrAuthenticationExpired
	}
	return nil
}

// IsAdmin reports whether the token carries admin or system authority.
func (a *Authentication) IsAdmin() bool {
	return a.Authority.AtLeast(AuthorityAdmin)
}

// IsSystem reports whether the token carries system authority.
func (a *Authentication) IsSystem() bool {
	return a.Authority.AtLeast(AuthoritySystem)
}
