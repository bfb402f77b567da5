// Package batch defines the encrypted log batch container and its wire format.
//
// A batch carries one encrypted log blob together with the wrapped symmetric
// key that protects it and the metadata needed to decrypt it later, possibly
// on another machine. Batches are self-contained: nothing outside the batch
// file is required except the recipient's private key.
package batch

import (
	"errors"
	"fmt"
)

// Wire and content errors
var (
	// ErrMalformed reports wire data that does not decode as a batch.
	ErrMalformed = errors.New("batch: malformed wire data")

	// ErrIncomplete reports a decoded batch missing required parts.
	ErrIncomplete = errors.New("batch: incomplete batch")
)

// KeyEncryptionType identifies how the symmetric key is wrapped.
type KeyEncryptionType int32

const (
	// KeyEncryptionTypeUnspecified is never emitted.
	KeyEncryptionTypeUnspecified KeyEncryptionType = 0
	// KeyEncryptionTypeAsymmetric wraps the key with RSA.
	KeyEncryptionTypeAsymmetric KeyEncryptionType = 1
)

// EncryptionType identifies the payload cipher.
type EncryptionType int32

const (
	// EncryptionTypeUnspecified is never emitted.
	EncryptionTypeUnspecified EncryptionType = 0
	// EncryptionTypeAESGCM is AES-256 in GCM mode.
	EncryptionTypeAESGCM EncryptionType = 1
)

// GCMNonceSize is the IV length for AES-GCM payloads.
const GCMNonceSize = 12

// GCMTagSize is the authentication tag length appended to the ciphertext.
const GCMTagSize = 16

// LogData holds the encrypted payload.
type LogData struct {
	// LogBlob is ciphertext followed by the GCM tag.
	LogBlob []byte
}

// LogKey holds the wrapped symmetric key and the IV used for the payload.
type LogKey struct {
	KeyEncryptionType     KeyEncryptionType
	EncryptedSymmetricKey []byte
	IV                    []byte
}

// LogMetadata describes the batch for display and decryption.
type LogMetadata struct {
	// BlobSize is the length of LogBlob in bytes.
	BlobSize int64

	// TimestampMillis is the wall-clock creation time in Unix milliseconds.
	TimestampMillis int64

	// DeviceID identifies the producing device.
	DeviceID string

	// EncryptionType is the payload cipher.
	EncryptionType EncryptionType
}

// LogBatch is one self-contained encrypted log unit.
type LogBatch struct {
	Data     LogData
	Key      LogKey
	Metadata LogMetadata
}

// Validate checks that the batch carries everything decryption needs.
func (b *LogBatch) Validate() error {
	if b == nil {
		return fmt.Errorf("%w: nil batch", ErrIncomplete)
	}
	if len(b.Data.LogBlob) == 0 {
		return fmt.Errorf("%w: empty log blob", ErrIncomplete)
	}
	if len(b.Key.EncryptedSymmetricKey) == 0 {
		return fmt.Errorf("%w: missing wrapped key", ErrIncomplete)
	}
	if len(b.Key.IV) != GCMNonceSize {
		return fmt.Errorf("%w: iv is %d bytes, want %d", ErrIncomplete, len(b.Key.IV), GCMNonceSize)
	}
	if b.Key.KeyEncryptionType != KeyEncryptionTypeAsymmetric {
		return fmt.Errorf("%w: unsupported key encryption type %d", ErrIncomplete, b.Key.KeyEncryptionType)
	}
	if b.Metadata.EncryptionType != EncryptionTypeAESGCM {
		return fmt.Errorf("%w: unsupported encryption type %d", ErrIncomplete, b.Metadata.EncryptionType)
	}
	return nil
}

// String summarizes the batch without exposing payload bytes.
func (b *LogBatch) String() string {
	return fmt.Sprintf("LogBatch{blob=%dB device=%s ts=%d}",
		len(b.Data.LogBlob), b.Metadata.DeviceID, b.Metadata.TimestampMillis)
}
