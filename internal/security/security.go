// Package security provides primitives for handling key material in memory.
//
// This package implements:
// - Secure memory wiping (prevents key recovery from memory)
// - Memory locking (prevents swapping of sensitive data)
// - Constant-time comparisons (prevents timing attacks)
// - Scoped secret handoff with guaranteed cleanup
package security

import (
	"crypto/subtle"
	"runtime"
)

// Wipe overwrites a byte slice with zeros.
// Uses an explicit loop so the compiler cannot elide the writes.
func Wipe(data []byte) {
	wipeBytes(data)
}

func wipeBytes(data []byte) {
	if len(data) == 0 {
		return
	}

	for i := range data {
		data[i] = 0
	}

	// Memory barrier to ensure writes complete
	runtime.KeepAlive(data)
}

// WithSecret hands secret to fn and wipes it when fn returns.
// The wipe runs on success, on error, and on panic; fn must not retain
// the slice or any sub-slice of it beyond its own return.
func WithSecret(secret []byte, fn func([]byte) error) error {
	defer Wipe(secret)
	return fn(secret)
}

// ConstantTimeCompare compares two byte slices in constant time.
// Returns true if they are equal, false otherwise.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
