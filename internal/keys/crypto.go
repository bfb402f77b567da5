package keys

import (
	"errors"
	"fmt"

	"github.com/google/crumbles/internal/audit"
	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/keystore"
)

// EncryptLogs encrypts plaintext for the active target and assembles a
// batch. With no target configured it fails before touching the
// plaintext.
func (m *Manager) EncryptLogs(plaintext []byte) (*batch.LogBatch, error) {
	m.mu.Lock()
	pub, source, err := m.activePublicKey()
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if pub == nil {
		m.auditEvent(audit.EventEncryptionFailure,
			"Failed to encrypt logs. Reason: no encryption key available.")
		return nil, &keystore.KeyError{Op: "encrypt", Alias: m.alias, Err: keystore.ErrKeyNotFound}
	}

	b, err := m.cipher.Encrypt(plaintext, pub, m.deviceID)
	if err != nil {
		m.auditEvent(audit.EventEncryptionFailure,
			fmt.Sprintf("Failed to encrypt logs. Reason: %v", err))
		return nil, err
	}
	m.auditEvent(audit.EventEncryptionSuccess,
		fmt.Sprintf("Logs encrypted with %s key.", source))
	return b, nil
}

// DecryptLogs recovers a batch's plaintext with the device key. name
// labels the batch in the trail, typically its file name. Authorization
// refusals pass through for the caller to retry and are not recorded as
// failures.
func (m *Manager) DecryptLogs(b *batch.LogBatch, name string) ([]byte, error) {
	plaintext, err := m.cipher.Decrypt(b, m.provider, m.alias)
	if err != nil {
		if errors.Is(err, keystore.ErrAuthenticationRequired) {
			return nil, err
		}
		m.auditEvent(audit.EventDecryptionFailure,
			fmt.Sprintf("Failed to decrypt '%s'. Reason: %v", name, err))
		return nil, err
	}

	m.auditEvent(audit.EventDecryptionSuccess, "Successfully decrypted file: "+name)
	return plaintext, nil
}

// ReEncryptBatch re-targets an encrypted batch to a re-encryption key.
// The recovered plaintext lives only in a scoped buffer that is zeroed
// before return.
func (m *Manager) ReEncryptBatch(b *batch.LogBatch, target *ReEncryptKey) (*batch.LogBatch, error) {
	if target == nil || target.PublicKey == nil {
		return nil, &keystore.KeyError{Op: "reencrypt", Alias: m.alias, Err: keystore.ErrKeyNotFound}
	}

	out, err := m.cipher.ReEncrypt(b, m.provider, m.alias, target.PublicKey, m.deviceID)
	if err != nil {
		if errors.Is(err, keystore.ErrAuthenticationRequired) {
			return nil, err
		}
		m.auditEvent(audit.EventEncryptionFailure,
			fmt.Sprintf("Failed to re-encrypt logs for key '%s'. Reason: %v", target.DisplayID, err))
		return nil, err
	}

	m.auditEvent(audit.EventEncryptionSuccess,
		fmt.Sprintf("Logs re-encrypted for key '%s'.", target.DisplayID))
	return out, nil
}
