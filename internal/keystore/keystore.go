// Package keystore manages RSA key pairs under named aliases.
//
// A Provider owns private key custody. Callers never receive a private key
// value to hold; they pass a function to Use and the provider controls the
// key's lifetime around the call. Two implementations exist: FileProvider
// keeps keys encrypted at rest under a device secret, and TPMProvider seals
// them to a TPM 2.0 so they only open on the platform that created them.
//
// Aliases whose entries require authorization are additionally gated by an
// Authorizer: Use refuses with ErrAuthenticationRequired when the most
// recent user authorization is older than the entry's validity window.
package keystore

import (
	"crypto/rsa"
	"errors"
	"os"
	"time"
)

// Provider stores and operates RSA key pairs addressed by alias.
type Provider interface {
	// Generate creates a fresh key pair under alias. Any existing entry
	// with the same alias is deleted first.
	Generate(alias string, opts Options) error

	// Use runs fn with the private key for alias. The key is only valid
	// for the duration of the call; fn must not retain it. Returns
	// ErrKeyNotFound when no entry exists and ErrAuthenticationRequired
	// when the entry is auth-gated and the authorization window lapsed.
	Use(alias string, fn func(*rsa.PrivateKey) error) error

	// PublicKey returns the public half for alias. Never auth-gated.
	PublicKey(alias string) (*rsa.PublicKey, error)

	// Delete removes the entry for alias. Deleting a missing alias is
	// not an error.
	Delete(alias string) error

	// Exists reports whether an entry for alias is present.
	Exists(alias string) bool

	// Aliases lists stored aliases that start with prefix. An empty
	// prefix lists everything.
	Aliases(prefix string) ([]string, error)
}

// Sentinel errors. Callers test with errors.Is.
var (
	// ErrKeyNotFound reports an alias with no stored entry.
	ErrKeyNotFound = errors.New("keystore: key not found")

	// ErrAuthenticationRequired reports an expired authorization window.
	// It is retryable: authorize again and repeat the call.
	ErrAuthenticationRequired = errors.New("keystore: user authentication required")

	// ErrTPMNotAvailable reports that no usable TPM device was found.
	ErrTPMNotAvailable = errors.New("keystore: tpm not available")

	// ErrSealBroken reports sealed key material that no longer opens,
	// typically because platform PCR state changed.
	ErrSealBroken = errors.New("keystore: sealed key does not open on this platform")
)

// KeyError wraps a failure in a keystore operation with its context.
type KeyError struct {
	Op    string // operation: "generate", "use", "delete", ...
	Alias string
	Err   error
}

func (e *KeyError) Error() string {
	return "keystore: " + e.Op + " " + e.Alias + ": " + e.Err.Error()
}

func (e *KeyError) Unwrap() error { return e.Err }

// keyErr builds a *KeyError unless err already is one for the same alias.
func keyErr(op, alias string, err error) error {
	var ke *KeyError
	if errors.As(err, &ke) && ke.Alias == alias {
		return err
	}
	return &KeyError{Op: op, Alias: alias, Err: err}
}

// Options controls key pair generation.
type Options struct {
	// RequireAuth gates private key use behind a fresh user authorization.
	RequireAuth bool

	// AuthValidity is how long an authorization remains fresh.
	// Only meaningful when RequireAuth is set.
	AuthValidity time.Duration

	// Bits is the RSA modulus size. Zero means 2048.
	Bits int
}

func (o Options) bits() int {
	if o.Bits == 0 {
		return 2048
	}
	return o.Bits
}

// Authorizer reports when the user last authorized sensitive key use.
type Authorizer interface {
	// LastAuthorization returns the instant of the most recent
	// authorization. A zero time means none has happened.
	LastAuthorization() (time.Time, error)
}

// authFresh reports whether an authorization within validity exists.
func authFresh(a Authorizer, validity time.Duration, now time.Time) (bool, error) {
	if a == nil {
		return false, nil
	}
	last, err := a.LastAuthorization()
	if err != nil {
		return false, err
	}
	if last.IsZero() {
		return false, nil
	}
	return now.Sub(last) <= validity, nil
}

// writeFileAtomic writes data to path via a temporary sibling and rename.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
