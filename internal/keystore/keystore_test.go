package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, authz Authorizer) *FileProvider {
	t.Helper()
	dir := t.TempDir()
	p, err := NewFileProvider(FileConfig{
		Dir:        filepath.Join(dir, "keys"),
		SecretPath: filepath.Join(dir, "device_secret"),
		Authorizer: authz,
	})
	require.NoError(t, err)
	return p
}

// ===== Generate / Use =====

func TestGenerateAndUse(t *testing.T) {
	p := newTestProvider(t, nil)

	require.NoError(t, p.Generate("test.alias", Options{}))
	require.True(t, p.Exists("test.alias"))

	pub, err := p.PublicKey("test.alias")
	require.NoError(t, err)
	require.Equal(t, 2048/8, pub.Size())

	plaintext := []byte("roundtrip payload")
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, plaintext, nil)
	require.NoError(t, err)

	var got []byte
	err = p.Use("test.alias", func(priv *rsa.PrivateKey) error {
		var err error
		got, err = rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, wrapped, nil)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestGenerateReplacesExisting(t *testing.T) {
	p := newTestProvider(t, nil)

	require.NoError(t, p.Generate("rotating", Options{}))
	first, err := p.PublicKey("rotating")
	require.NoError(t, err)

	require.NoError(t, p.Generate("rotating", Options{}))
	second, err := p.PublicKey("rotating")
	require.NoError(t, err)

	assert.NotEqual(t, first.N, second.N, "regenerating must mint a new modulus")
}

func TestUseMissingAlias(t *testing.T) {
	p := newTestProvider(t, nil)

	err := p.Use("nope", func(*rsa.PrivateKey) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyNotFound)

	var ke *KeyError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, "nope", ke.Alias)
	assert.Equal(t, "use", ke.Op)
}

func TestUseCallbackErrorPassesThrough(t *testing.T) {
	p := newTestProvider(t, nil)
	require.NoError(t, p.Generate("cb", Options{}))

	sentinel := errors.New("callback failed")
	err := p.Use("cb", func(*rsa.PrivateKey) error { return sentinel })
	assert.ErrorIs(t, err, sentinel)
}

// ===== Authorization gate =====

func TestAuthGate(t *testing.T) {
	authz := &ManualAuthorizer{}
	p := newTestProvider(t, authz)

	require.NoError(t, p.Generate("gated", Options{
		RequireAuth:  true,
		AuthValidity: 30 * time.Second,
	}))

	noop := func(*rsa.PrivateKey) error { return nil }

	// No authorization yet.
	err := p.Use("gated", noop)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
	var ke *KeyError
	assert.False(t, errors.As(err, &ke), "auth refusal must stay distinguishable from key errors")

	// Fresh authorization opens the gate.
	authz.Authorize()
	require.NoError(t, p.Use("gated", noop))

	// An authorization outside the window does not.
	authz.AuthorizeAt(time.Now().Add(-time.Minute))
	err = p.Use("gated", noop)
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestAuthGateWithoutAuthorizer(t *testing.T) {
	p := newTestProvider(t, nil)
	require.NoError(t, p.Generate("gated", Options{RequireAuth: true, AuthValidity: time.Minute}))

	err := p.Use("gated", func(*rsa.PrivateKey) error { return nil })
	assert.ErrorIs(t, err, ErrAuthenticationRequired)
}

func TestPublicKeyNeverGated(t *testing.T) {
	p := newTestProvider(t, &ManualAuthorizer{})
	require.NoError(t, p.Generate("gated", Options{RequireAuth: true, AuthValidity: time.Second}))

	_, err := p.PublicKey("gated")
	assert.NoError(t, err)
}

// ===== Delete / Exists / Aliases =====

func TestDeleteIdempotent(t *testing.T) {
	p := newTestProvider(t, nil)
	require.NoError(t, p.Generate("gone", Options{}))

	require.NoError(t, p.Delete("gone"))
	assert.False(t, p.Exists("gone"))
	require.NoError(t, p.Delete("gone"))
	require.NoError(t, p.Delete("never.existed"))
}

func TestAliasesPrefixFilter(t *testing.T) {
	p := newTestProvider(t, nil)
	for _, alias := range []string{"re_encrypt_1", "re_encrypt_2", "device.main"} {
		require.NoError(t, p.Generate(alias, Options{Bits: 2048}))
	}

	got, err := p.Aliases("re_encrypt_")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"re_encrypt_1", "re_encrypt_2"}, got)

	all, err := p.Aliases("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAliasesEmptyDir(t *testing.T) {
	p := newTestProvider(t, nil)
	got, err := p.Aliases("")
	require.NoError(t, err)
	assert.Empty(t, got)
}

// ===== Device secret =====

func TestSecretPersistsAcrossProviders(t *testing.T) {
	dir := t.TempDir()
	cfg := FileConfig{
		Dir:        filepath.Join(dir, "keys"),
		SecretPath: filepath.Join(dir, "device_secret"),
	}

	p1, err := NewFileProvider(cfg)
	require.NoError(t, err)
	require.NoError(t, p1.Generate("stable", Options{}))

	p2, err := NewFileProvider(cfg)
	require.NoError(t, err)
	err = p2.Use("stable", func(*rsa.PrivateKey) error { return nil })
	assert.NoError(t, err)
}

func TestWrongSecretFailsToOpen(t *testing.T) {
	dir := t.TempDir()
	keyDir := filepath.Join(dir, "keys")

	p1, err := NewFileProvider(FileConfig{
		Dir:        keyDir,
		SecretPath: filepath.Join(dir, "secret_a"),
	})
	require.NoError(t, err)
	require.NoError(t, p1.Generate("victim", Options{}))

	p2, err := NewFileProvider(FileConfig{
		Dir:        keyDir,
		SecretPath: filepath.Join(dir, "secret_b"),
	})
	require.NoError(t, err)

	err = p2.Use("victim", func(*rsa.PrivateKey) error { return nil })
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAuthenticationRequired)
	var ke *KeyError
	assert.ErrorAs(t, err, &ke)
}

func TestSecretFileMode(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "device_secret")
	p, err := NewFileProvider(FileConfig{
		Dir:        filepath.Join(dir, "keys"),
		SecretPath: secretPath,
	})
	require.NoError(t, err)
	require.NoError(t, p.Generate("any", Options{}))

	info, err := os.Stat(secretPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

// ===== Alias encoding =====

func TestAliasWithPathCharacters(t *testing.T) {
	p := newTestProvider(t, nil)
	alias := "../escape/attempt"

	require.NoError(t, p.Generate(alias, Options{}))
	assert.True(t, p.Exists(alias))

	entries, err := os.ReadDir(p.dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "key and metadata must land inside the key directory")

	require.NoError(t, p.Delete(alias))
	assert.False(t, p.Exists(alias))
}
