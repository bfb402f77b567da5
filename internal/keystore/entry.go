package keystore

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	keyFileSuffix  = ".key"
	metaFileSuffix = ".json"
)

// entryMeta is the sidecar record stored next to each key blob. The public
// half lives here so PublicKey never has to open the private material.
type entryMeta struct {
	Alias           string `json:"alias"`
	RequireAuth     bool   `json:"require_auth"`
	ValiditySeconds int64  `json:"validity_seconds,omitempty"`
	PublicDER       []byte `json:"public_der"`
	CreatedAtUnix   int64  `json:"created_at"`
}

func (m *entryMeta) validity() time.Duration {
	return time.Duration(m.ValiditySeconds) * time.Second
}

// aliasFileName maps an alias to a filesystem-safe base name. Aliases may
// contain dots and other characters that must not be interpreted as path
// structure, so the encoding is unambiguous rather than cosmetic.
func aliasFileName(alias string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(alias))
}

func aliasFromFileName(name string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", fmt.Errorf("undecodable alias file name %q: %w", name, err)
	}
	return string(raw), nil
}

func metaPath(dir, alias string) string {
	return filepath.Join(dir, aliasFileName(alias)+metaFileSuffix)
}

func keyPath(dir, alias string) string {
	return filepath.Join(dir, aliasFileName(alias)+keyFileSuffix)
}

func loadMeta(dir, alias string) (*entryMeta, error) {
	raw, err := os.ReadFile(metaPath(dir, alias))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	var m entryMeta
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("corrupt key metadata: %w", err)
	}
	return &m, nil
}

func saveMeta(dir string, m *entryMeta) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return writeFileAtomic(metaPath(dir, m.Alias), raw, 0o600)
}

// removeEntry deletes both halves of an entry. Missing files are fine.
func removeEntry(dir, alias string) error {
	var firstErr error
	for _, p := range []string{keyPath(dir, alias), metaPath(dir, alias)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// listAliases scans dir for metadata sidecars and returns the decoded
// aliases that start with prefix, sorted by directory order.
func listAliases(dir, prefix string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, metaFileSuffix) {
			continue
		}
		alias, err := aliasFromFileName(strings.TrimSuffix(name, metaFileSuffix))
		if err != nil {
			// Stray file, not one of ours.
			continue
		}
		if strings.HasPrefix(alias, prefix) {
			out = append(out, alias)
		}
	}
	return out, nil
}
