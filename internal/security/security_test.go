package security

import (
	"bytes"
	"errors"
	"testing"
)

func TestWipe(t *testing.T) {
	data := []byte("sensitive data that should be wiped")

	Wipe(data)

	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d was not wiped: got %d, want 0", i, b)
		}
	}
}

func TestWipeEmpty(t *testing.T) {
	// Should not panic on empty slice
	Wipe(nil)
	Wipe([]byte{})
}

func TestWithSecretWipesOnSuccess(t *testing.T) {
	secret := []byte("the private half")

	err := WithSecret(secret, func(b []byte) error {
		if !bytes.Equal(b, []byte("the private half")) {
			t.Errorf("callback got %q", b)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSecret returned %v", err)
	}

	for i, b := range secret {
		if b != 0 {
			t.Errorf("byte %d not wiped after success: got %d", i, b)
		}
	}
}

func TestWithSecretWipesOnError(t *testing.T) {
	secret := []byte("short lived")
	wantErr := errors.New("consumer failed")

	err := WithSecret(secret, func([]byte) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("WithSecret error = %v, want %v", err, wantErr)
	}

	for i, b := range secret {
		if b != 0 {
			t.Errorf("byte %d not wiped after error: got %d", i, b)
		}
	}
}

func TestWithSecretWipesOnPanic(t *testing.T) {
	secret := []byte("panics too")

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = WithSecret(secret, func([]byte) error { panic("boom") })
	}()

	for i, b := range secret {
		if b != 0 {
			t.Errorf("byte %d not wiped after panic: got %d", i, b)
		}
	}
}

func TestConstantTimeCompare(t *testing.T) {
	tests := []struct {
		a, b  []byte
		equal bool
	}{
		{[]byte("hello"), []byte("hello"), true},
		{[]byte("hello"), []byte("world"), false},
		{[]byte("hello"), []byte("hell"), false},
		{[]byte{}, []byte{}, true},
		{nil, nil, true},
		{[]byte("a"), nil, false},
	}

	for _, tt := range tests {
		got := ConstantTimeCompare(tt.a, tt.b)
		if got != tt.equal {
			t.Errorf("ConstantTimeCompare(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.equal)
		}
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(key) != RecommendedKeySize {
		t.Errorf("key length = %d, want %d", len(key), RecommendedKeySize)
	}

	other, err := GenerateKey(RecommendedKeySize)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if bytes.Equal(key, other) {
		t.Error("two generated keys are identical")
	}

	if _, err := GenerateKey(8); !errors.Is(err, ErrInvalidKeySize) {
		t.Errorf("GenerateKey(8) error = %v, want ErrInvalidKeySize", err)
	}
}

func TestDeriveKeyWithLabel(t *testing.T) {
	master := bytes.Repeat([]byte{0x42}, 32)

	a, err := DeriveKeyWithLabel(master, "keystore:alpha", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	b, err := DeriveKeyWithLabel(master, "keystore:beta", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("different labels derived the same key")
	}

	again, err := DeriveKeyWithLabel(master, "keystore:alpha", 32)
	if err != nil {
		t.Fatalf("DeriveKeyWithLabel: %v", err)
	}
	if !bytes.Equal(a, again) {
		t.Error("same label derived different keys")
	}

	weak := []byte{1, 2, 3}
	if _, err := DeriveKeyWithLabel(weak, "x", 32); !errors.Is(err, ErrWeakKey) {
		t.Errorf("weak master error = %v, want ErrWeakKey", err)
	}
}

func TestSecureBytes(t *testing.T) {
	sb, err := FromBytes([]byte("device secret material"))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}

	if sb.Len() != len("device secret material") {
		t.Errorf("Len = %d", sb.Len())
	}

	cp := sb.Copy()
	if !bytes.Equal(cp, []byte("device secret material")) {
		t.Errorf("Copy = %q", cp)
	}
	Wipe(cp)

	sb.Destroy()
	if sb.Bytes() != nil {
		t.Error("Bytes after Destroy should be nil")
	}

	// Destroy is idempotent
	sb.Destroy()
}
