package keystore

import (
	"sync"
	"time"
)

// ManualAuthorizer records explicit authorization events. It backs
// deployments without a session manager and is the test double for
// auth-gated aliases.
type ManualAuthorizer struct {
	mu   sync.Mutex
	last time.Time
}

// Authorize records an authorization at the current time.
func (a *ManualAuthorizer) Authorize() {
	a.AuthorizeAt(time.Now())
}

// AuthorizeAt records an authorization at t.
func (a *ManualAuthorizer) AuthorizeAt(t time.Time) {
	a.mu.Lock()
	a.last = t
	a.mu.Unlock()
}

// LastAuthorization implements Authorizer.
func (a *ManualAuthorizer) LastAuthorization() (time.Time, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last, nil
}

var _ Authorizer = (*ManualAuthorizer)(nil)
