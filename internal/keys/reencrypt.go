package keys

import (
	"crypto/rsa"
	"errors"
	"strconv"
	"strings"

	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/kvstore"
)

// KeySource tags where a re-encryption key lives.
type KeySource int

const (
	SourceInternal KeySource = iota
	SourceExternal
)

func (s KeySource) String() string {
	if s == SourceExternal {
		return "external"
	}
	return "internal"
}

// ReEncryptKey is one selectable re-encryption target. Alias is set for
// internal keys only; DisplayID identifies the key in listings either
// way.
type ReEncryptKey struct {
	Source    KeySource
	Alias     string
	DisplayID string
	PublicKey *rsa.PublicKey
}

// AddInternalReEncryptKey creates a non-authenticated provider key for
// re-encryption and returns its full alias. An empty alias gets a
// timestamp-derived one; the reserved prefix is enforced either way.
func (m *Manager) AddInternalReEncryptKey(alias string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case alias == "":
		alias = m.reencPrefix + strconv.FormatInt(m.now().UnixMilli(), 10)
	case !strings.HasPrefix(alias, m.reencPrefix):
		alias = m.reencPrefix + alias
	}

	if err := m.provider.Generate(alias, keystore.Options{Bits: m.rsaBits}); err != nil {
		return "", err
	}
	return alias, nil
}

// AddExternalReEncryptKey records an X.509-encoded public key in the
// re-encryption set, replacing any entry with the same display id, and
// returns that id.
func (m *Manager) AddExternalReEncryptKey(der []byte) (string, error) {
	pub, err := ParsePublicKey(der)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keyID := DisplayID(pub)
	if err := m.store.Put(kvstore.NamespaceReEncrypt, keyID, der); err != nil {
		return "", err
	}
	return keyID, nil
}

// ListReEncryptKeys returns every selectable re-encryption target:
// internal provider keys under the reserved prefix, then external
// records including the active external key. Unreadable entries are
// skipped so one corrupt record cannot hide the rest. External
// duplicates collapse by display id.
func (m *Manager) ListReEncryptKeys() ([]ReEncryptKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	aliases, err := m.provider.Aliases(m.reencPrefix)
	if err != nil {
		return nil, err
	}

	var out []ReEncryptKey
	for _, alias := range aliases {
		pub, err := m.provider.PublicKey(alias)
		if err != nil {
			m.log.Warn("skipping unreadable re-encryption key", "alias", alias, "error", err)
			continue
		}
		out = append(out, ReEncryptKey{
			Source:    SourceInternal,
			Alias:     alias,
			DisplayID: DisplayID(pub),
			PublicKey: pub,
		})
	}

	external, err := m.externalKeys()
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(external))
	for _, k := range external {
		if seen[k.DisplayID] {
			continue
		}
		seen[k.DisplayID] = true
		out = append(out, k)
	}
	return out, nil
}

// FindReEncryptKey resolves a listing id back to a key. Internal keys
// resolve by alias. External keys resolve by display id, and because
// display ids are truncated the match is confirmed on the full key
// bytes: an id shared by byte-distinct keys is rejected rather than
// guessed at.
func (m *Manager) FindReEncryptKey(id string) (*ReEncryptKey, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if strings.HasPrefix(id, m.reencPrefix) {
		pub, err := m.provider.PublicKey(id)
		if err != nil {
			return nil, err
		}
		return &ReEncryptKey{
			Source:    SourceInternal,
			Alias:     id,
			DisplayID: DisplayID(pub),
			PublicKey: pub,
		}, nil
	}

	external, err := m.externalKeys()
	if err != nil {
		return nil, err
	}

	var found *ReEncryptKey
	for i := range external {
		if external[i].DisplayID != id {
			continue
		}
		if found != nil && !found.PublicKey.Equal(external[i].PublicKey) {
			return nil, &keystore.KeyError{Op: "find", Alias: id, Err: errors.New("display id is ambiguous")}
		}
		if found == nil {
			found = &external[i]
		}
	}
	if found == nil {
		return nil, &keystore.KeyError{Op: "find", Alias: id, Err: keystore.ErrKeyNotFound}
	}
	return found, nil
}

// externalKeys reads both record namespaces so an imported active key
// stays selectable alongside dedicated re-encryption keys. Undecodable
// records are skipped. Entries are not de-duplicated here; FindReEncryptKey
// needs the raw view to detect display id collisions. Caller holds mu.
func (m *Manager) externalKeys() ([]ReEncryptKey, error) {
	var out []ReEncryptKey
	for _, ns := range []string{kvstore.NamespaceReEncrypt, kvstore.NamespacePrimary} {
		entries, err := m.store.List(ns)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			pub, err := ParsePublicKey(e.Payload)
			if err != nil {
				m.log.Warn("skipping undecodable external key", "namespace", ns, "id", e.ID, "error", err)
				continue
			}
			out = append(out, ReEncryptKey{
				Source:    SourceExternal,
				DisplayID: DisplayID(pub),
				PublicKey: pub,
			})
		}
	}
	return out, nil
}
