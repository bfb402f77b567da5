// Package keys drives the key lifecycle behind log encryption: one
// hardware-backed device key, at most one active external recipient
// key, and separately tracked re-encryption key sets.
//
// The active encryption target is a small state machine. Generating the
// device key deactivates any external key; activating an external key
// deletes the device key. The two never coexist, so every batch has
// exactly one intended reader.
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"sync"
	"time"

	"github.com/google/crumbles/internal/audit"
	"github.com/google/crumbles/internal/cipher"
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/kvstore"
	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/security"
)

// DefaultHardwareAlias is the provider alias holding the device key.
const DefaultHardwareAlias = "crumbles.device"

// ReEncryptAliasPrefix namespaces provider aliases that hold internal
// re-encryption keys.
const ReEncryptAliasPrefix = "re_encrypt_"

// hardwareAuthValidity is how long one user authorization stays fresh
// for the device key.
const hardwareAuthValidity = 30 * time.Second

const defaultKeyBits = 2048

// StateKind identifies the active encryption target class.
type StateKind int

const (
	StateNoKey StateKind = iota
	StateHardwareKey
	StateExternalKey
)

func (k StateKind) String() string {
	switch k {
	case StateHardwareKey:
		return "hardware"
	case StateExternalKey:
		return "external"
	default:
		return "none"
	}
}

// State reports the configured encryption target. Alias is set for
// StateHardwareKey, KeyID for StateExternalKey.
type State struct {
	Kind  StateKind
	Alias string
	KeyID string
}

// Config carries the manager's collaborators. Provider, Store and Audit
// are required.
type Config struct {
	Provider keystore.Provider
	Store    *kvstore.Store
	Audit    *audit.Logger
	// DeviceID stamps batch metadata.
	DeviceID string
	// HardwareAlias overrides DefaultHardwareAlias.
	HardwareAlias string
	// ReEncryptPrefix overrides ReEncryptAliasPrefix.
	ReEncryptPrefix string
	// AuthValidity overrides the default authorization window on the
	// device key.
	AuthValidity time.Duration
	// RSABits overrides the default modulus size for generated keys.
	RSABits int
	Logger  *logging.Logger
}

// Manager owns the key lifecycle. Construct one per process and share
// it; all methods are safe for concurrent use.
type Manager struct {
	provider     keystore.Provider
	store        *kvstore.Store
	audit        *audit.Logger
	cipher       *cipher.Cipher
	log          *logging.Logger
	alias        string
	reencPrefix  string
	deviceID     string
	authValidity time.Duration
	rsaBits      int
	now          func() time.Time

	// mu serializes key generation, deletion and active-key switching
	// so no caller observes a half-completed transition.
	mu sync.Mutex
}

// NewManager wires a manager from its collaborators.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("keys: provider is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("keys: store is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("keys: audit logger is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("keys")
	}
	alias := cfg.HardwareAlias
	if alias == "" {
		alias = DefaultHardwareAlias
	}
	prefix := cfg.ReEncryptPrefix
	if prefix == "" {
		prefix = ReEncryptAliasPrefix
	}
	validity := cfg.AuthValidity
	if validity <= 0 {
		validity = hardwareAuthValidity
	}
	bits := cfg.RSABits
	if bits == 0 {
		bits = defaultKeyBits
	}

	return &Manager{
		provider:     cfg.Provider,
		store:        cfg.Store,
		audit:        cfg.Audit,
		cipher:       cipher.New(log),
		log:          log,
		alias:        alias,
		reencPrefix:  prefix,
		deviceID:     cfg.DeviceID,
		authValidity: validity,
		rsaBits:      bits,
		now:          time.Now,
	}, nil
}

// HardwareAlias returns the provider alias of the device key.
func (m *Manager) HardwareAlias() string { return m.alias }

// GenerateHardwareKey replaces the device key with a fresh
// authentication-gated pair and makes it the active encryption target.
// Any active external key is deactivated first.
func (m *Manager) GenerateHardwareKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.DeleteMeta(kvstore.MetaActiveKeyID); err != nil {
		return err
	}
	err := m.provider.Generate(m.alias, keystore.Options{
		Bits:         m.rsaBits,
		RequireAuth:  true,
		AuthValidity: m.authValidity,
	})
	if err != nil {
		return err
	}

	m.auditEvent(audit.EventKeyInternalGenerated, "New internal keystore key pair generated.")
	return nil
}

// GenerateExportableKey mints an RSA pair outside the provider, makes
// the public half the active external key and hands the private half to
// consume as PKCS#1 DER. The manager's copy of the private bytes is
// zeroed when consume returns, on success, error or panic; nothing
// retains the private key afterwards.
func (m *Manager) GenerateExportableKey(consume func(privateKey []byte) error) (string, error) {
	if consume == nil {
		return "", errors.New("keys: private key consumer is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key, err := rsa.GenerateKey(rand.Reader, m.rsaBits)
	if err != nil {
		return "", &keystore.KeyError{Op: "generate", Alias: "exportable", Err: err}
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", &keystore.KeyError{Op: "generate", Alias: "exportable", Err: err}
	}
	keyID := DisplayID(&key.PublicKey)

	if err := m.activateExternal(keyID, der); err != nil {
		return "", err
	}
	m.auditEvent(audit.EventKeyExportableGenerated, "New exportable key pair generated.")

	if err := security.WithSecret(x509.MarshalPKCS1PrivateKey(key), consume); err != nil {
		return "", err
	}
	return keyID, nil
}

// ImportExternalKey activates an X.509 SubjectPublicKeyInfo encoded RSA
// public key as the encryption target and reports its display id.
func (m *Manager) ImportExternalKey(der []byte) (string, error) {
	pub, err := ParsePublicKey(der)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	keyID := DisplayID(pub)
	if err := m.activateExternal(keyID, der); err != nil {
		return "", err
	}
	m.auditEvent(audit.EventExternalKeyImported, "External public key imported.")
	return keyID, nil
}

// ClearActiveKey deactivates the external key. The stored record stays
// so the key remains selectable for re-encryption; only the active
// pointer goes. Clearing when nothing is active is a no-op.
func (m *Manager) ClearActiveKey() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.store.GetMeta(kvstore.MetaActiveKeyID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil
	}
	// An unreadable pointer still counts as present and gets cleared.
	if err := m.store.DeleteMeta(kvstore.MetaActiveKeyID); err != nil {
		return err
	}

	m.auditEvent(audit.EventExternalKeyCleared, "Active external key was cleared.")
	return nil
}

// ActiveState reports which key newly encrypted batches will target.
// An external pointer wins even when its record is currently
// unreadable; ActivePublicKey is the usability check.
func (m *Manager) ActiveState() (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keyID, err := m.store.GetMeta(kvstore.MetaActiveKeyID)
	if err == nil {
		return State{Kind: StateExternalKey, KeyID: keyID}, nil
	}
	if !errors.Is(err, kvstore.ErrNotFound) {
		return State{}, err
	}
	if m.provider.Exists(m.alias) {
		return State{Kind: StateHardwareKey, Alias: m.alias}, nil
	}
	return State{Kind: StateNoKey}, nil
}

// ActivePublicKey resolves the key EncryptLogs will encrypt to. The
// external key wins over the device key. A nil key with nil error means
// no usable target exists.
func (m *Manager) ActivePublicKey() (*rsa.PublicKey, StateKind, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activePublicKey()
}

// activePublicKey implements ActivePublicKey. Caller holds mu.
func (m *Manager) activePublicKey() (*rsa.PublicKey, StateKind, error) {
	pub, err := m.activeExternalKey()
	if err != nil {
		return nil, StateNoKey, err
	}
	if pub != nil {
		return pub, StateExternalKey, nil
	}

	hw, err := m.provider.PublicKey(m.alias)
	if errors.Is(err, keystore.ErrKeyNotFound) {
		return nil, StateNoKey, nil
	}
	if err != nil {
		return nil, StateNoKey, err
	}
	return hw, StateHardwareKey, nil
}

// activeExternalKey loads the active external record. A missing pointer
// resolves to nil. An unreadable record also resolves to nil so the
// caller can fall back, and the pointer stays in place in case the
// store recovers. Caller holds mu.
func (m *Manager) activeExternalKey() (*rsa.PublicKey, error) {
	keyID, err := m.store.GetMeta(kvstore.MetaActiveKeyID)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	der, err := m.store.Get(kvstore.NamespacePrimary, keyID)
	if err != nil {
		m.log.Warn("active external key unreadable", "key_id", keyID, "error", err)
		return nil, nil
	}
	pub, err := ParsePublicKey(der)
	if err != nil {
		m.log.Warn("active external key unreadable", "key_id", keyID, "error", err)
		return nil, nil
	}
	return pub, nil
}

// activateExternal persists the key under its id, points the active
// record at it and retires the device key. The hardware alias never
// coexists with an active external key. Caller holds mu.
func (m *Manager) activateExternal(keyID string, der []byte) error {
	if err := m.store.Put(kvstore.NamespacePrimary, keyID, der); err != nil {
		return err
	}
	if err := m.store.SetMeta(kvstore.MetaActiveKeyID, keyID); err != nil {
		return err
	}
	return m.provider.Delete(m.alias)
}

// auditEvent records to the trail. Trail failures are logged, never
// propagated into the key operation that triggered them.
func (m *Manager) auditEvent(eventType, message string) {
	if err := m.audit.Log(eventType, message); err != nil {
		m.log.Warn("audit append failed", "event", eventType, "error", err)
	}
}

// ParsePublicKey decodes an X.509 SubjectPublicKeyInfo RSA public key.
func ParsePublicKey(der []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, &keystore.KeyError{Op: "parse", Alias: "external", Err: err}
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, &keystore.KeyError{Op: "parse", Alias: "external", Err: errors.New("not an RSA public key")}
	}
	return rsaPub, nil
}
