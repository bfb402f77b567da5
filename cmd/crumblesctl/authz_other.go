//go:build !linux

package main

import (
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/logging"
)

// newSessionAuthorizer treats the invocation itself as the user
// authorization; there is no session lock source to consult here.
func newSessionAuthorizer(log *logging.Logger) keystore.Authorizer {
	m := &keystore.ManualAuthorizer{}
	m.Authorize()
	return m
}
