package keys

import (
	"crypto/rsa"
	"crypto/x509"
	"math/big"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/kvstore"
)

// ===== Adding keys =====

func TestAddInternalReEncryptKeyDefaultAlias(t *testing.T) {
	m, provider := newTestManager(t, nil)
	fixed := time.Date(2025, time.March, 9, 12, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return fixed }

	alias, err := m.AddInternalReEncryptKey("")
	require.NoError(t, err)
	assert.Equal(t, ReEncryptAliasPrefix+strconv.FormatInt(fixed.UnixMilli(), 10), alias)
	assert.True(t, provider.Exists(alias))
}

func TestAddInternalReEncryptKeyPrefixesAlias(t *testing.T) {
	m, provider := newTestManager(t, nil)

	alias, err := m.AddInternalReEncryptKey("handover")
	require.NoError(t, err)
	assert.Equal(t, "re_encrypt_handover", alias)
	assert.True(t, provider.Exists(alias))

	already, err := m.AddInternalReEncryptKey("re_encrypt_archive")
	require.NoError(t, err)
	assert.Equal(t, "re_encrypt_archive", already)
}

func TestAddExternalReEncryptKeyStableID(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, der := externalKeyPair(t)

	id, err := m.AddExternalReEncryptKey(der)
	require.NoError(t, err)
	again, err := m.AddExternalReEncryptKey(der)
	require.NoError(t, err)
	assert.Equal(t, id, again)

	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	require.Len(t, keyset, 1)
}

func TestAddExternalReEncryptKeyRejectsGarbage(t *testing.T) {
	m, _ := newTestManager(t, nil)
	_, err := m.AddExternalReEncryptKey([]byte("definitely not DER"))
	var kerr *keystore.KeyError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "parse", kerr.Op)
}

// ===== Listing =====

func TestListReEncryptKeysEmpty(t *testing.T) {
	m, _ := newTestManager(t, nil)
	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	assert.Empty(t, keyset)
}

func TestListReEncryptKeysUnion(t *testing.T) {
	m, _ := newTestManager(t, nil)

	alias, err := m.AddInternalReEncryptKey("alpha")
	require.NoError(t, err)
	_, derB := externalKeyPair(t)
	idB, err := m.AddExternalReEncryptKey(derB)
	require.NoError(t, err)
	_, derC := externalKeyPair(t)
	idC, err := m.ImportExternalKey(derC)
	require.NoError(t, err)

	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	require.Len(t, keyset, 3)

	var internals, externals []ReEncryptKey
	for _, k := range keyset {
		if k.Source == SourceInternal {
			internals = append(internals, k)
		} else {
			externals = append(externals, k)
		}
	}
	require.Len(t, internals, 1)
	assert.Equal(t, alias, internals[0].Alias)
	assert.NotNil(t, internals[0].PublicKey)

	require.Len(t, externals, 2)
	assert.ElementsMatch(t, []string{idB, idC},
		[]string{externals[0].DisplayID, externals[1].DisplayID})
}

func TestListReEncryptKeysIncludesImportedActive(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key, der := externalKeyPair(t)
	id, err := m.ImportExternalKey(der)
	require.NoError(t, err)

	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	require.Len(t, keyset, 1)
	assert.Equal(t, SourceExternal, keyset[0].Source)
	assert.Equal(t, id, keyset[0].DisplayID)
	assert.True(t, keyset[0].PublicKey.Equal(&key.PublicKey))
}

func TestListReEncryptKeysSkipsUnreadableRecords(t *testing.T) {
	m, _ := newTestManager(t, nil)
	alias, err := m.AddInternalReEncryptKey("good")
	require.NoError(t, err)
	require.NoError(t, m.store.Put(kvstore.NamespaceReEncrypt, "rotten", []byte("junk")))

	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	require.Len(t, keyset, 1)
	assert.Equal(t, alias, keyset[0].Alias)
}

// ===== Resolving =====

func TestFindReEncryptKeyInternal(t *testing.T) {
	m, provider := newTestManager(t, nil)
	alias, err := m.AddInternalReEncryptKey("alpha")
	require.NoError(t, err)

	got, err := m.FindReEncryptKey(alias)
	require.NoError(t, err)
	assert.Equal(t, SourceInternal, got.Source)
	assert.Equal(t, alias, got.Alias)

	pub, err := provider.PublicKey(alias)
	require.NoError(t, err)
	assert.True(t, got.PublicKey.Equal(pub))
}

func TestFindReEncryptKeyExternal(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key, der := externalKeyPair(t)
	id, err := m.AddExternalReEncryptKey(der)
	require.NoError(t, err)

	got, err := m.FindReEncryptKey(id)
	require.NoError(t, err)
	assert.Equal(t, SourceExternal, got.Source)
	assert.Equal(t, id, got.DisplayID)
	assert.True(t, got.PublicKey.Equal(&key.PublicKey))
}

func TestFindReEncryptKeyMissing(t *testing.T) {
	m, _ := newTestManager(t, nil)

	_, err := m.FindReEncryptKey("...0123456789")
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)

	_, err = m.FindReEncryptKey("re_encrypt_ghost")
	require.ErrorIs(t, err, keystore.ErrKeyNotFound)
}

func TestFindReEncryptKeySameKeyInBothNamespaces(t *testing.T) {
	m, _ := newTestManager(t, nil)
	key, der := externalKeyPair(t)

	imported, err := m.ImportExternalKey(der)
	require.NoError(t, err)
	added, err := m.AddExternalReEncryptKey(der)
	require.NoError(t, err)
	require.Equal(t, imported, added)

	got, err := m.FindReEncryptKey(imported)
	require.NoError(t, err)
	assert.True(t, got.PublicKey.Equal(&key.PublicKey))

	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	assert.Len(t, keyset, 1)
}

func TestFindReEncryptKeyAmbiguousDisplayID(t *testing.T) {
	m, _ := newTestManager(t, nil)

	// Two byte-distinct keys engineered to share a display id: flipping
	// an interior modulus bit leaves the encoded suffix untouched.
	key, der := externalKeyPair(t)
	flipped := new(big.Int).Set(key.PublicKey.N)
	flipped.SetBit(flipped, 1000, flipped.Bit(1000)^1)
	twin := &rsa.PublicKey{N: flipped, E: key.PublicKey.E}
	twinDER, err := x509.MarshalPKIXPublicKey(twin)
	require.NoError(t, err)
	require.Equal(t, DisplayID(&key.PublicKey), DisplayID(twin))

	id, err := m.AddExternalReEncryptKey(der)
	require.NoError(t, err)
	_, err = m.ImportExternalKey(twinDER)
	require.NoError(t, err)

	_, err = m.FindReEncryptKey(id)
	require.Error(t, err)
	assert.ErrorContains(t, err, "ambiguous")

	// The listing collapses the collision to one entry.
	keyset, err := m.ListReEncryptKeys()
	require.NoError(t, err)
	assert.Len(t, keyset, 1)
}
