// Package kvstore persists small named payloads encrypted at rest.
//
// Values are sealed into printable tokens before they touch SQLite: a
// fresh AES-256-GCM key per value, RSA-wrapped under a master key pair
// that lives in the keystore and is minted lazily on first use. The
// master pair never requires user authorization, so the store stays
// readable for background work.
package kvstore

import (
	"crypto/aes"
	cryptocipher "crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/security"
)

// ErrMalformedToken reports a token that does not parse. Tokens are three
// colon-separated standard-base64 segments: iv, wrapped key, ciphertext.
var ErrMalformedToken = errors.New("kvstore: malformed token")

const (
	tokenSeparator = ":"
	gcmNonceSize   = 12
	valueKeySize   = 32
)

// Sealer converts payloads to printable tokens and back.
type Sealer interface {
	Seal(payload []byte) (string, error)
	Open(token string) ([]byte, error)
}

// TokenSealer seals values under a keystore-resident master key pair.
type TokenSealer struct {
	provider    keystore.Provider
	masterAlias string
	log         *logging.Logger

	mu sync.Mutex // serializes lazy master generation
}

var _ Sealer = (*TokenSealer)(nil)

// NewTokenSealer binds a sealer to provider and masterAlias. The master
// pair is not created until the first Seal.
func NewTokenSealer(provider keystore.Provider, masterAlias string, logger *logging.Logger) *TokenSealer {
	if logger == nil {
		logger = logging.Default().WithComponent("kvstore")
	}
	return &TokenSealer{provider: provider, masterAlias: masterAlias, log: logger}
}

func (s *TokenSealer) ensureMaster() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.provider.Exists(s.masterAlias) {
		return nil
	}
	s.log.Info("creating store master key", "alias", s.masterAlias)
	return s.provider.Generate(s.masterAlias, keystore.Options{})
}

// Seal encrypts payload into a token. Empty payloads are valid.
func (s *TokenSealer) Seal(payload []byte) (string, error) {
	if err := s.ensureMaster(); err != nil {
		return "", err
	}
	pub, err := s.provider.PublicKey(s.masterAlias)
	if err != nil {
		return "", err
	}

	key, err := security.GenerateKey(valueKeySize)
	if err != nil {
		return "", err
	}
	var token string
	err = security.WithSecret(key, func(key []byte) error {
		block, err := aes.NewCipher(key)
		if err != nil {
			return err
		}
		gcm, err := cryptocipher.NewGCM(block)
		if err != nil {
			return err
		}
		iv := make([]byte, gcmNonceSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return err
		}
		ciphertext := gcm.Seal(nil, iv, payload, nil)

		wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, pub, key)
		if err != nil {
			return err
		}

		token = base64.StdEncoding.EncodeToString(iv) +
			tokenSeparator +
			base64.StdEncoding.EncodeToString(wrapped) +
			tokenSeparator +
			base64.StdEncoding.EncodeToString(ciphertext)
		return nil
	})
	if err != nil {
		return "", &keystore.KeyError{Op: "seal", Alias: s.masterAlias, Err: err}
	}
	return token, nil
}

// Open decrypts a token produced by Seal.
func (s *TokenSealer) Open(token string) ([]byte, error) {
	iv, wrapped, ciphertext, err := splitToken(token)
	if err != nil {
		return nil, &keystore.KeyError{Op: "open", Alias: s.masterAlias, Err: err}
	}

	var payload []byte
	err = s.provider.Use(s.masterAlias, func(priv *rsa.PrivateKey) error {
		key, err := rsa.DecryptPKCS1v15(rand.Reader, priv, wrapped)
		if err != nil {
			return fmt.Errorf("unwrap value key: %w", err)
		}
		return security.WithSecret(key, func(key []byte) error {
			block, err := aes.NewCipher(key)
			if err != nil {
				return err
			}
			gcm, err := cryptocipher.NewGCM(block)
			if err != nil {
				return err
			}
			pt, err := gcm.Open(nil, iv, ciphertext, nil)
			if err != nil {
				return fmt.Errorf("open value: %w", err)
			}
			payload = pt
			return nil
		})
	})
	if err != nil {
		var ke *keystore.KeyError
		if errors.As(err, &ke) || errors.Is(err, keystore.ErrAuthenticationRequired) {
			return nil, err
		}
		return nil, &keystore.KeyError{Op: "open", Alias: s.masterAlias, Err: err}
	}
	return payload, nil
}

// splitToken parses the three token segments. The IV length is checked
// here; gcm.Open panics on a wrong-size nonce rather than erroring.
func splitToken(token string) (iv, wrapped, ciphertext []byte, err error) {
	parts := strings.Split(token, tokenSeparator)
	if len(parts) != 3 {
		return nil, nil, nil, fmt.Errorf("%w: %d segments, want 3", ErrMalformedToken, len(parts))
	}
	iv, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: iv segment: %v", ErrMalformedToken, err)
	}
	if len(iv) != gcmNonceSize {
		return nil, nil, nil, fmt.Errorf("%w: iv is %d bytes, want %d", ErrMalformedToken, len(iv), gcmNonceSize)
	}
	wrapped, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: key segment: %v", ErrMalformedToken, err)
	}
	ciphertext, err = base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: payload segment: %v", ErrMalformedToken, err)
	}
	return iv, wrapped, ciphertext, nil
}
