//go:build !linux

package keystore

import "crypto/rsa"

// TPMProvider is only implemented on Linux.
type TPMProvider struct{}

var _ Provider = (*TPMProvider)(nil)

// NewTPMProvider reports ErrTPMNotAvailable on this platform.
func NewTPMProvider(cfg TPMConfig) (*TPMProvider, error) {
	return nil, ErrTPMNotAvailable
}

// DetectTPMDevice reports ErrTPMNotAvailable on this platform.
func DetectTPMDevice() (string, error) {
	return "", ErrTPMNotAvailable
}

func (p *TPMProvider) Generate(alias string, opts Options) error { return ErrTPMNotAvailable }

func (p *TPMProvider) Use(alias string, fn func(*rsa.PrivateKey) error) error {
	return ErrTPMNotAvailable
}

func (p *TPMProvider) PublicKey(alias string) (*rsa.PublicKey, error) {
	return nil, ErrTPMNotAvailable
}

func (p *TPMProvider) Delete(alias string) error { return ErrTPMNotAvailable }

func (p *TPMProvider) Exists(alias string) bool { return false }

func (p *TPMProvider) Aliases(prefix string) ([]string, error) {
	return nil, ErrTPMNotAvailable
}

func (p *TPMProvider) Close() error { return nil }
