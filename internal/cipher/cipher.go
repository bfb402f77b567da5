// Package cipher implements hybrid encryption for device log batches.
//
// Every batch is encrypted with a fresh AES-256-GCM key and a fresh
// 96-bit IV; the AES key travels RSA-wrapped inside the batch, so a batch
// is self-contained and opens with nothing but the recipient's private
// key. Symmetric keys never outlive the call that minted them.
package cipher

import (
	"crypto/aes"
	cryptocipher "crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/security"
)

var (
	// ErrEncryptionFailed reports a failure to produce a batch.
	ErrEncryptionFailed = errors.New("cipher: encryption failed")

	// ErrDecryptionFailed is the single error every ciphertext, wrap or
	// tag mismatch maps to. Callers cannot tell a wrong key from
	// tampered data; only missing-key and authentication conditions
	// surface separately.
	ErrDecryptionFailed = errors.New("cipher: decryption failed")
)

// symmetricKeySize is the AES-256 key length in bytes.
const symmetricKeySize = 32

// Cipher performs hybrid encryption and decryption of log batches.
type Cipher struct {
	log *logging.Logger
	now func() time.Time
}

// New returns a Cipher. A nil logger falls back to the default.
func New(logger *logging.Logger) *Cipher {
	if logger == nil {
		logger = logging.Default().WithComponent("cipher")
	}
	return &Cipher{log: logger, now: time.Now}
}

// Encrypt seals plaintext into a self-contained batch for recipient.
// A fresh symmetric key and IV are drawn per call and the key is wiped
// before Encrypt returns.
func (c *Cipher) Encrypt(plaintext []byte, recipient *rsa.PublicKey, deviceID string) (*batch.LogBatch, error) {
	if recipient == nil {
		return nil, fmt.Errorf("%w: nil recipient key", ErrEncryptionFailed)
	}
	key, err := security.GenerateKey(symmetricKeySize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	var out *batch.LogBatch
	err = security.WithSecret(key, func(key []byte) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return err
		}
		gcm, err := cryptocipher.NewGCM(block)
		if err != nil {
			return err
		}
		iv := make([]byte, batch.GCMNonceSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return err
		}
		ciphertext := gcm.Seal(nil, iv, plaintext, nil)

		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, recipient, key)
		if err != nil {
			return err
		}

		out = &batch.LogBatch{
			Data: batch.LogData{LogBlob: ciphertext},
			Key: batch.LogKey{
				KeyEncryptionType:     batch.KeyEncryptionTypeAsymmetric,
				EncryptedSymmetricKey: wrapped,
				IV:                    iv,
			},
			Metadata: batch.LogMetadata{
				BlobSize:        int64(len(ciphertext)),
				TimestampMillis: c.now().UnixMilli(),
				DeviceID:        deviceID,
				EncryptionType:  batch.EncryptionTypeAESGCM,
			},
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return out, nil
}

// Decrypt opens a batch with the private key stored under alias.
//
// Error contract: a missing or unreadable key surfaces as the provider's
// error, an expired authorization surfaces as
// keystore.ErrAuthenticationRequired, and every other failure collapses
// to ErrDecryptionFailed with no further detail.
func (c *Cipher) Decrypt(b *batch.LogBatch, provider keystore.Provider, alias string) ([]byte, error) {
	if provider == nil {
		return nil, errors.New("cipher: nil key provider")
	}
	if err := b.Validate(); err != nil {
		c.log.Debug("rejecting malformed batch", "error", err)
		return nil, ErrDecryptionFailed
	}

	var plaintext []byte
	err := provider.Use(alias, func(priv *rsa.PrivateKey) error {
		pt, err := c.openWithKey(b, priv)
		if err != nil {
			return err
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrDecryptionFailed) {
			return nil, ErrDecryptionFailed
		}
		return nil, err
	}
	return plaintext, nil
}

// DecryptWithKey opens a batch directly with priv, for offline tooling
// that holds the private key itself rather than a keystore alias. The
// error collapse matches Decrypt.
func (c *Cipher) DecryptWithKey(b *batch.LogBatch, priv *rsa.PrivateKey) ([]byte, error) {
	if priv == nil {
		return nil, errors.New("cipher: nil private key")
	}
	if err := b.Validate(); err != nil {
		c.log.Debug("rejecting malformed batch", "error", err)
		return nil, ErrDecryptionFailed
	}
	return c.openWithKey(b, priv)
}

// openWithKey unwraps the symmetric key and opens the blob. Every
// failure collapses to ErrDecryptionFailed; the unwrapped key is wiped
// before returning.
func (c *Cipher) openWithKey(b *batch.LogBatch, priv *rsa.PrivateKey) ([]byte, error) {
	key, err := rsa.DecryptPKCS1v15(rand.Reader, priv, b.Key.EncryptedSymmetricKey)
	if err != nil {
		return nil, ErrDecryptionFailed
	}

	var plaintext []byte
	err = security.WithSecret(key, func(key []byte) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return ErrDecryptionFailed
		}
		gcm, err := cryptocipher.NewGCM(block)
		if err != nil {
			return ErrDecryptionFailed
		}
		pt, err := gcm.Open(nil, b.Key.IV, b.Data.LogBlob, nil)
		if err != nil {
			return ErrDecryptionFailed
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return plaintext, nil
}

// ReEncrypt opens a batch with the key under oldAlias and seals the
// plaintext for recipient. The intermediate plaintext is wiped before
// ReEncrypt returns.
func (c *Cipher) ReEncrypt(b *batch.LogBatch, provider keystore.Provider, oldAlias string, recipient *rsa.PublicKey, deviceID string) (*batch.LogBatch, error) {
	plaintext, err := c.Decrypt(b, provider, oldAlias)
	if err != nil {
		return nil, err
	}
	var out *batch.LogBatch
	err = security.WithSecret(plaintext, func(pt []byte) error {
		var err error
		out, err = c.Encrypt(pt, recipient, deviceID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
