//go:build unix
// +build unix

package security

import (
	"runtime"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SecureBytes is a byte slice that gets zeroed when freed.
// Use this for sensitive data like private keys and device secrets.
type SecureBytes struct {
	data   []byte
	locked bool
	mu     sync.Mutex
}

// NewSecureBytes creates a new SecureBytes with the given capacity.
// The memory is locked to prevent swapping (if privileges allow).
func NewSecureBytes(size int) (*SecureBytes, error) {
	sb := &SecureBytes{
		data: make([]byte, size),
	}

	// mlock failure is non-fatal; unprivileged processes continue unlocked
	_ = sb.lock()

	runtime.SetFinalizer(sb, func(s *SecureBytes) {
		s.Destroy()
	})

	return sb, nil
}

// FromBytes creates SecureBytes from existing data.
// The original data is zeroed after copying.
func FromBytes(data []byte) (*SecureBytes, error) {
	sb, err := NewSecureBytes(len(data))
	if err != nil {
		return nil, err
	}

	copy(sb.data, data)
	Wipe(data)

	return sb, nil
}

// Bytes returns the underlying byte slice.
// Warning: The returned slice should not be stored; use it immediately.
func (s *SecureBytes) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Copy creates a copy of the data.
// The caller is responsible for wiping the returned slice.
func (s *SecureBytes) Copy() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return nil
	}

	result := make([]byte, len(s.data))
	copy(result, s.data)
	return result
}

// Len returns the length of the secure bytes.
func (s *SecureBytes) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Destroy securely wipes and unlocks the memory.
func (s *SecureBytes) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data == nil {
		return
	}

	wipeBytes(s.data)

	if s.locked {
		s.unlock()
	}

	s.data = nil
}

// lock attempts to lock the memory to prevent swapping.
func (s *SecureBytes) lock() error {
	if len(s.data) == 0 {
		return nil
	}

	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	if err := unix.Mlock((*[1 << 30]byte)(ptr)[:size:size]); err != nil {
		return err
	}

	s.locked = true
	return nil
}

// unlock releases the memory lock.
func (s *SecureBytes) unlock() {
	if len(s.data) == 0 {
		return
	}

	ptr := unsafe.Pointer(&s.data[0])
	size := uintptr(len(s.data))

	unix.Munlock((*[1 << 30]byte)(ptr)[:size:size])
	s.locked = false
}
