//go:build linux

package main

import (
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/logging"
)

// newSessionAuthorizer gates auth-required keys on the logind session
// lock state, so the device key opens only inside an unlocked session.
// Headless systems without a session bus fall back to treating the
// invocation itself as the authorization.
func newSessionAuthorizer(log *logging.Logger) keystore.Authorizer {
	a, err := keystore.NewLogindAuthorizer(log)
	if err == nil {
		return a
	}
	log.Warn("logind unavailable, session lock state will not gate keys", "error", err)

	m := &keystore.ManualAuthorizer{}
	m.Authorize()
	return m
}
