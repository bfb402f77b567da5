//go:build linux

// TPM-backed keystore for Linux. Uses /dev/tpmrm0 (TPM Resource Manager)
// or /dev/tpm0 (direct access).

package keystore

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/security"
)

// TPM device paths in order of preference
var tpmDevicePaths = []string{
	"/dev/tpmrm0", // TPM Resource Manager (preferred)
	"/dev/tpm0",   // Direct TPM access (fallback)
}

// DetectTPMDevice probes for a usable TPM character device.
func DetectTPMDevice() (string, error) {
	for _, path := range tpmDevicePaths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		f, err := os.OpenFile(path, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return path, nil
	}
	return "", ErrTPMNotAvailable
}

// TPMProvider stores RSA key pairs with the private half sealed to the
// TPM's PCR state. A sealed key only opens on the platform that created
// it, with its measured boot chain unchanged. There is no software
// fallback: construction fails when no TPM is usable.
type TPMProvider struct {
	dir        string
	devicePath string
	pcrs       []int
	authz      Authorizer
	log        *logging.Logger

	mu  sync.Mutex
	tpm transport.TPMCloser

	now func() time.Time
}

var _ Provider = (*TPMProvider)(nil)

// NewTPMProvider opens the TPM device and prepares the key directory.
func NewTPMProvider(cfg TPMConfig) (*TPMProvider, error) {
	if cfg.Dir == "" {
		return nil, errors.New("keystore: empty key directory")
	}
	path := cfg.DevicePath
	if path == "" {
		var err error
		path, err = DetectTPMDevice()
		if err != nil {
			return nil, err
		}
	}
	tpm, err := transport.OpenTPM(path)
	if err != nil {
		return nil, fmt.Errorf("keystore: open %s: %w", path, err)
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		tpm.Close()
		return nil, fmt.Errorf("keystore: create key directory: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("keystore")
	}
	p := &TPMProvider{
		dir:        cfg.Dir,
		devicePath: path,
		pcrs:       cfg.pcrs(),
		authz:      cfg.Authorizer,
		log:        log,
		tpm:        tpm,
		now:        time.Now,
	}
	p.log.Info("tpm keystore ready", "device", path, "pcrs", p.pcrs)
	return p, nil
}

// Close releases the TPM device.
func (p *TPMProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tpm == nil {
		return nil
	}
	err := p.tpm.Close()
	p.tpm = nil
	return err
}

// Generate creates a fresh RSA key pair under alias with the private key
// sealed to the current PCR state. Any previous entry is replaced.
func (p *TPMProvider) Generate(alias string, opts Options) error {
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
		sealed, err := p.seal(der)
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
	p.log.Info("generated sealed key pair", "alias", alias, "bits", opts.bits(), "require_auth", opts.RequireAuth)
	return nil
}

// Use unseals the private key for alias and runs fn with it. The DER
// form is wiped when fn returns; fn must not retain the key.
func (p *TPMProvider) Use(alias string, fn func(*rsa.PrivateKey) error) error {
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

	der, err := p.unseal(sealed)
	if err != nil {
		return keyErr("use", alias, err)
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
func (p *TPMProvider) PublicKey(alias string) (*rsa.PublicKey, error) {
	meta, err := loadMeta(p.dir, alias)
	if err != nil {
		return nil, keyErr("public", alias, err)
	}
	return parsePublicDER(meta.PublicDER)
}

// Delete removes the entry for alias. Missing entries are not an error.
func (p *TPMProvider) Delete(alias string) error {
	if err := removeEntry(p.dir, alias); err != nil {
		return keyErr("delete", alias, err)
	}
	p.log.Debug("deleted key entry", "alias", alias)
	return nil
}

// Exists reports whether alias has a stored entry.
func (p *TPMProvider) Exists(alias string) bool {
	_, err := os.Stat(metaPath(p.dir, alias))
	return err == nil
}

// Aliases lists stored aliases starting with prefix.
func (p *TPMProvider) Aliases(prefix string) ([]string, error) {
	return listAliases(p.dir, prefix)
}

func (p *TPMProvider) flush(h tpm2.TPMHandle) {
	flushCmd := tpm2.FlushContext{FlushHandle: h}
	flushCmd.Execute(p.tpm)
}

// createSRK creates the storage root key the sealed objects hang off.
// Primary keys are derived from the hierarchy seed, so this recreates
// the same SRK on every call.
func (p *TPMProvider) createSRK() (*tpm2.CreatePrimaryResponse, error) {
	createPrimaryCmd := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHOwner,
		InPublic:      tpm2.New2B(tpm2.ECCSRKTemplate),
	}
	return createPrimaryCmd.Execute(p.tpm)
}

func (p *TPMProvider) pcrSelection() tpm2.TPMLPCRSelection {
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{
			{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(p.pcrs...),
			},
		},
	}
}

// policyDigest computes the PCR policy digest with a trial session.
func (p *TPMProvider) policyDigest() ([]byte, error) {
	sess, cleanup, err := tpm2.PolicySession(p.tpm, tpm2.TPMAlgSHA256, 16, tpm2.Trial())
	if err != nil {
		return nil, fmt.Errorf("start trial session: %w", err)
	}
	defer cleanup()

	policyPCRCmd := tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          p.pcrSelection(),
	}
	if _, err := policyPCRCmd.Execute(p.tpm); err != nil {
		return nil, fmt.Errorf("PolicyPCR failed: %w", err)
	}

	getDigestCmd := tpm2.PolicyGetDigest{
		PolicySession: sess.Handle(),
	}
	digestRsp, err := getDigestCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("PolicyGetDigest failed: %w", err)
	}
	return digestRsp.PolicyDigest.Buffer, nil
}

// seal wraps data in a TPM keyed-hash object gated by the PCR policy.
// Blob format: len(pub) || pub || len(priv) || priv, big-endian uint32
// lengths.
func (p *TPMProvider) seal(data []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tpm == nil {
		return nil, ErrTPMNotAvailable
	}

	srk, err := p.createSRK()
	if err != nil {
		return nil, fmt.Errorf("create SRK: %w", err)
	}
	defer p.flush(srk.ObjectHandle)

	digest, err := p.policyDigest()
	if err != nil {
		return nil, err
	}

	createCmd := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.ObjectHandle,
			Name:   srk.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InSensitive: tpm2.TPM2BSensitiveCreate{
			Sensitive: &tpm2.TPMSSensitiveCreate{
				Data: tpm2.NewTPMUSensitiveCreate(
					&tpm2.TPM2BSensitiveData{Buffer: data},
				),
			},
		},
		InPublic: tpm2.New2B(tpm2.TPMTPublic{
			Type:    tpm2.TPMAlgKeyedHash,
			NameAlg: tpm2.TPMAlgSHA256,
			ObjectAttributes: tpm2.TPMAObject{
				FixedTPM:     true,
				FixedParent:  true,
				UserWithAuth: false,
			},
			AuthPolicy: tpm2.TPM2BDigest{Buffer: digest},
		}),
	}
	createRsp, err := createCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("Create failed: %w", err)
	}

	pubBytes := tpm2.Marshal(createRsp.OutPublic)
	privBytes := tpm2.Marshal(createRsp.OutPrivate)

	sealed := make([]byte, 4+len(pubBytes)+4+len(privBytes))
	binary.BigEndian.PutUint32(sealed[0:4], uint32(len(pubBytes)))
	copy(sealed[4:], pubBytes)
	offset := 4 + len(pubBytes)
	binary.BigEndian.PutUint32(sealed[offset:offset+4], uint32(len(privBytes)))
	copy(sealed[offset+4:], privBytes)
	return sealed, nil
}

// unseal opens a blob produced by seal. Returns ErrSealBroken when the
// current PCR state no longer satisfies the seal policy.
func (p *TPMProvider) unseal(sealed []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tpm == nil {
		return nil, ErrTPMNotAvailable
	}

	if len(sealed) < 8 {
		return nil, errors.New("sealed blob too short")
	}
	pubLen := binary.BigEndian.Uint32(sealed[0:4])
	if uint64(len(sealed)) < 4+uint64(pubLen)+4 {
		return nil, errors.New("sealed blob corrupted")
	}
	pubBytes := sealed[4 : 4+pubLen]
	offset := 4 + pubLen
	privLen := binary.BigEndian.Uint32(sealed[offset : offset+4])
	if uint64(len(sealed)) < uint64(offset)+4+uint64(privLen) {
		return nil, errors.New("sealed blob corrupted")
	}
	privBytes := sealed[offset+4 : offset+4+privLen]

	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](pubBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal sealed public: %w", err)
	}
	outPrivate, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](privBytes)
	if err != nil {
		return nil, fmt.Errorf("unmarshal sealed private: %w", err)
	}

	srk, err := p.createSRK()
	if err != nil {
		return nil, fmt.Errorf("create SRK: %w", err)
	}
	defer p.flush(srk.ObjectHandle)

	loadCmd := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: srk.ObjectHandle,
			Name:   srk.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic:  *outPublic,
		InPrivate: *outPrivate,
	}
	loadRsp, err := loadCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("Load failed: %w", err)
	}
	defer p.flush(loadRsp.ObjectHandle)

	sess, cleanup, err := tpm2.PolicySession(p.tpm, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, fmt.Errorf("start policy session: %w", err)
	}
	defer cleanup()

	policyPCRCmd := tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          p.pcrSelection(),
	}
	if _, err := policyPCRCmd.Execute(p.tpm); err != nil {
		return nil, fmt.Errorf("PolicyPCR failed: %w", err)
	}

	unsealCmd := tpm2.Unseal{
		ItemHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   sess,
		},
	}
	unsealRsp, err := unsealCmd.Execute(p.tpm)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSealBroken, err)
	}
	return unsealRsp.OutData.Buffer, nil
}
