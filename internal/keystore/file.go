package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/security"
)

// FileConfig configures a FileProvider.
type FileConfig struct {
	// Dir holds one key blob and one metadata sidecar per alias.
	Dir string

	// SecretPath is the device secret file. Created on first use.
	SecretPath string

	// Authorizer gates aliases generated with RequireAuth. May be nil,
	// in which case auth-gated aliases never open.
	Authorizer Authorizer

	Logger *logging.Logger
}

// FileProvider stores RSA key pairs on disk, each private key encrypted
// with AES-256-GCM under a key derived from the device secret and the
// alias. Loss of the secret file makes every stored key unrecoverable.
type FileProvider struct {
	dir        string
	secretPath string
	authz      Authorizer
	log        *logging.Logger

	mu     sync.Mutex
	secret []byte

	now func() time.Time
}

var _ Provider = (*FileProvider)(nil)

// NewFileProvider opens (or prepares) a file-backed keystore.
func NewFileProvider(cfg FileConfig) (*FileProvider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("keystore: empty key directory")
	}
	if cfg.SecretPath == "" {
		return nil, errors.New("keystore: empty secret path")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("keystore: create key directory: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("keystore")
	}
	return &FileProvider{
		dir:        cfg.Dir,
		secretPath: cfg.SecretPath,
		authz:      cfg.Authorizer,
		log:        log,
		now:        time.Now,
	}, nil
}

// deviceSecret returns the 32-byte device secret, creating it on first use.
func (p *FileProvider) deviceSecret() ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.secret != nil {
		return p.secret, nil
	}
	raw, err := os.ReadFile(p.secretPath)
	if errors.Is(err, os.ErrNotExist) {
		raw, err = security.GenerateKey(security.RecommendedKeySize)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(p.secretPath), 0o700); err != nil {
			return nil, err
		}
		if err := writeFileAtomic(p.secretPath, raw, 0o600); err != nil {
			return nil, err
		}
		p.log.Info("created device secret", "path", p.secretPath)
	} else if err != nil {
		return nil, err
	}
	if len(raw) != security.RecommendedKeySize {
		return nil, fmt.Errorf("device secret has %d bytes, want %d", len(raw), security.RecommendedKeySize)
	}
	p.secret = raw
	return p.secret, nil
}

// aliasKey derives the per-alias wrapping key from the device secret.
func (p *FileProvider) aliasKey(alias string) ([]byte, error) {
	secret, err := p.deviceSecret()
	if err != nil {
		return nil, err
	}
	return security.DeriveKeyWithLabel(secret, "keystore:"+alias, security.RecommendedKeySize)
}

func sealBlob(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func openBlob(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errors.New("sealed blob too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ct, nil)
}

// Generate creates a fresh RSA key pair under alias, replacing any
// previous entry.
func (p *FileProvider) Generate(alias string, opts Options) error {
	if alias == "" {
		return keyErr("generate", alias, errors.New("empty alias"))
	}
	if err := removeEntry(p.dir, alias); err != nil {
		return keyErr("generate", alias, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, opts.bits())
	if err != nil {
		return keyErr("generate", alias, err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return keyErr("generate", alias, err)
	}

	privDER := x509.MarshalPKCS1PrivateKey(priv)
	err = security.WithSecret(privDER, func(der []byte) error {
		wrapKey, err := p.aliasKey(alias)
		if err != nil {
			return err
		}
		defer security.Wipe(wrapKey)
		sealed, err := sealBlob(wrapKey, der)
		if err != nil {
			return err
		}
		return writeFileAtomic(keyPath(p.dir, alias), sealed, 0o600)
	})
	if err != nil {
		return keyErr("generate", alias, err)
	}

	meta := &entryMeta{
		Alias:           alias,
		RequireAuth:     opts.RequireAuth,
		ValiditySeconds: int64(opts.AuthValidity / time.Second),
		PublicDER:       pubDER,
		CreatedAtUnix:   p.now().Unix(),
	}
	if err := saveMeta(p.dir, meta); err != nil {
		removeEntry(p.dir, alias)
		return keyErr("generate", alias, err)
	}
	p.log.Info("generated key pair", "alias", alias, "bits", opts.bits(), "require_auth", opts.RequireAuth)
	return nil
}

// Use decrypts the private key for alias and runs fn with it. The DER
// form is wiped when fn returns; fn must not retain the key.
func (p *FileProvider) Use(alias string, fn func(*rsa.PrivateKey) error) error {
	meta, err := loadMeta(p.dir, alias)
	if err != nil {
		return keyErr("use", alias, err)
	}
	if meta.RequireAuth {
		fresh, err := authFresh(p.authz, meta.validity(), p.now())
		if err != nil {
			return keyErr("use", alias, err)
		}
		if !fresh {
			return fmt.Errorf("use %s: %w", alias, ErrAuthenticationRequired)
		}
	}

	sealed, err := os.ReadFile(keyPath(p.dir, alias))
	if errors.Is(err, os.ErrNotExist) {
		return keyErr("use", alias, ErrKeyNotFound)
	}
	if err != nil {
		return keyErr("use", alias, err)
	}

	wrapKey, err := p.aliasKey(alias)
	if err != nil {
		return keyErr("use", alias, err)
	}
	defer security.Wipe(wrapKey)

	der, err := openBlob(wrapKey, sealed)
	if err != nil {
		return keyErr("use", alias, fmt.Errorf("open key blob: %w", err))
	}
	return security.WithSecret(der, func(der []byte) error {
		priv, err := x509.ParsePKCS1PrivateKey(der)
		if err != nil {
			return keyErr("use", alias, fmt.Errorf("parse private key: %w", err))
		}
		return fn(priv)
	})
}

// PublicKey returns the stored public half for alias.
func (p *FileProvider) PublicKey(alias string) (*rsa.PublicKey, error) {
	meta, err := loadMeta(p.dir, alias)
	if err != nil {
		return nil, keyErr("public", alias, err)
	}
	return parsePublicDER(meta.PublicDER)
}

// Delete removes the entry for alias. Missing entries are not an error.
func (p *FileProvider) Delete(alias string) error {
	if err := removeEntry(p.dir, alias); err != nil {
		return keyErr("delete", alias, err)
	}
	p.log.Debug("deleted key entry", "alias", alias)
	return nil
}

// Exists reports whether alias has a stored entry.
func (p *FileProvider) Exists(alias string) bool {
	_, err := os.Stat(metaPath(p.dir, alias))
	return err == nil
}

// Aliases lists stored aliases starting with prefix.
func (p *FileProvider) Aliases(prefix string) ([]string, error) {
	return listAliases(p.dir, prefix)
}

func parsePublicDER(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("keystore: parse public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keystore: public key is %T, want RSA", pub)
	}
	return rsaPub, nil
}
