// Package internal provides integration tests for the crumbles encryption core.
//
// These tests verify the complete log protection pipeline:
// 1. Generate device keys in the keystore
// 2. Encrypt log batches and spool them to disk
// 3. Decrypt batches under user authorization
// 4. Re-encrypt spooled batches to external recipients
package internal

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/crumbles/internal/audit"
	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/cipher"
	"github.com/google/crumbles/internal/keys"
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/kvstore"
	"github.com/google/crumbles/internal/spool"
)

// core bundles one fully wired encryption stack rooted in a temp dir.
type core struct {
	dir      string
	authz    *keystore.ManualAuthorizer
	provider *keystore.FileProvider
	store    *kvstore.Store
	audit    *audit.Logger
	keys     *keys.Manager
	spool    *spool.Spool
}

// newCore wires the full stack the way the CLI does: keystore, sealed
// kvstore, audit trail, key manager, spool, all under dir.
func newCore(t *testing.T, dir string) *core {
	t.Helper()

	authz := &keystore.ManualAuthorizer{}
	provider, err := keystore.NewFileProvider(keystore.FileConfig{
		Dir:        filepath.Join(dir, "keys"),
		SecretPath: filepath.Join(dir, "device_secret"),
		Authorizer: authz,
	})
	if err != nil {
		t.Fatalf("Failed to open keystore: %v", err)
	}

	store, err := kvstore.Open(kvstore.Config{
		Path:   filepath.Join(dir, "store.db"),
		Sealer: kvstore.NewTokenSealer(provider, "crumbles.store.master", nil),
	})
	if err != nil {
		t.Fatalf("Failed to open kvstore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	trail, err := audit.New(audit.Config{Dir: filepath.Join(dir, "audit")})
	if err != nil {
		t.Fatalf("Failed to open audit trail: %v", err)
	}

	manager, err := keys.NewManager(keys.Config{
		Provider: provider,
		Store:    store,
		Audit:    trail,
		DeviceID: "123456789",
	})
	if err != nil {
		t.Fatalf("Failed to build key manager: %v", err)
	}

	sp, err := spool.New(spool.Config{Dir: filepath.Join(dir, "spool")})
	if err != nil {
		t.Fatalf("Failed to open spool: %v", err)
	}

	return &core{
		dir:      dir,
		authz:    authz,
		provider: provider,
		store:    store,
		audit:    trail,
		keys:     manager,
		spool:    sp,
	}
}

// trailHas reports whether the in-memory audit window holds an event of
// the given type.
func trailHas(c *core, eventType string) bool {
	for _, ev := range c.audit.Events() {
		if ev.Type == eventType {
			return true
		}
	}
	return false
}

// =============================================================================
// INTEGRATION: Full Encryption Pipeline
// =============================================================================

// TestFullEncryptionPipeline tests the complete flow from key generation
// through encryption, spooling, and authorized decryption.
func TestFullEncryptionPipeline(t *testing.T) {
	c := newCore(t, t.TempDir())

	// Step 1: Generate the device key
	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	state, err := c.keys.ActiveState()
	if err != nil {
		t.Fatalf("Failed to read active state: %v", err)
	}
	if state.Kind != keys.StateHardwareKey {
		t.Fatalf("Active state = %v, want hardware key", state.Kind)
	}
	t.Logf("Device key active under alias %s", state.Alias)

	// Step 2: Encrypt a log payload
	plaintext := []byte("2026-08-25T08:12:03Z kern: usb 1-1: new device\n" +
		"2026-08-25T08:12:04Z auth: session opened for admin\n")
	b, err := c.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt logs: %v", err)
	}
	if bytes.Contains(b.Data.LogBlob, []byte("session opened")) {
		t.Fatal("Ciphertext leaks plaintext bytes")
	}

	// Step 3: Spool the batch
	path, err := c.spool.WriteBatch(b)
	if err != nil {
		t.Fatalf("Failed to spool batch: %v", err)
	}
	t.Logf("Batch spooled to %s", filepath.Base(path))

	pending, err := c.spool.Pending()
	if err != nil {
		t.Fatalf("Failed to list pending batches: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Pending batches = %d, want 1", len(pending))
	}

	// Step 4: Read the batch back through the wire format
	loaded, err := batch.ReadFile(pending[0])
	if err != nil {
		t.Fatalf("Failed to read spooled batch: %v", err)
	}
	if loaded.Metadata.DeviceID != "123456789" {
		t.Fatalf("Device id = %q, want 123456789", loaded.Metadata.DeviceID)
	}

	// Step 5: Decryption without authorization must be refused
	if _, err := c.keys.DecryptLogs(loaded, "batch"); !errors.Is(err, keystore.ErrAuthenticationRequired) {
		t.Fatalf("Unauthorized decrypt error = %v, want ErrAuthenticationRequired", err)
	}

	// Step 6: Authorize and decrypt
	c.authz.Authorize()
	got, err := c.keys.DecryptLogs(loaded, "batch")
	if err != nil {
		t.Fatalf("Failed to decrypt batch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Decrypted payload does not match original logs")
	}
	t.Log("Round trip through spool verified")

	// Step 7: The trail must record each stage
	for _, want := range []string{
		audit.EventKeyInternalGenerated,
		audit.EventEncryptionSuccess,
		audit.EventDecryptionSuccess,
	} {
		if !trailHas(c, want) {
			t.Errorf("Audit trail missing %s", want)
		}
	}
}

// =============================================================================
// INTEGRATION: External Recipients
// =============================================================================

// TestExportedKeyOpensBatches verifies that the private half handed out
// by an exportable generation opens batches offline, with no keystore.
func TestExportedKeyOpensBatches(t *testing.T) {
	c := newCore(t, t.TempDir())

	// Step 1: Generate an exportable pair, capturing the private DER.
	// The buffer is wiped after the consumer returns, so copy it.
	var der []byte
	keyID, err := c.keys.GenerateExportableKey(func(privateKey []byte) error {
		der = append([]byte(nil), privateKey...)
		return nil
	})
	if err != nil {
		t.Fatalf("Failed to generate exportable key: %v", err)
	}
	t.Logf("Exportable key active with id %s", keyID)

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		t.Fatalf("Exported DER does not parse as PKCS#1: %v", err)
	}

	// Step 2: New batches target the exported key
	plaintext := []byte("disk smartctl report, 4 reallocated sectors")
	b, err := c.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt for exported key: %v", err)
	}

	// Step 3: The device cannot open them; the exported key can
	c.authz.Authorize()
	if _, err := c.keys.DecryptLogs(b, "batch"); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("Device decrypt error = %v, want ErrKeyNotFound", err)
	}

	got, err := cipher.New(nil).DecryptWithKey(b, priv)
	if err != nil {
		t.Fatalf("Offline decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Offline decrypt returned wrong payload")
	}
}

// TestImportedExternalKey verifies the import flow: batches encrypt to
// the imported public key and only its holder can read them.
func TestImportedExternalKey(t *testing.T) {
	c := newCore(t, t.TempDir())

	// Step 1: Start with a device key so the import visibly replaces it
	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	// Step 2: The analysis host generates a pair and sends the public half
	analysisKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate analysis key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&analysisKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encode analysis key: %v", err)
	}
	keyID, err := c.keys.ImportExternalKey(der)
	if err != nil {
		t.Fatalf("Failed to import external key: %v", err)
	}
	t.Logf("External key imported with id %s", keyID)

	// Step 3: The device key pair is gone
	if c.provider.Exists(c.keys.HardwareAlias()) {
		t.Fatal("Device key survived external key import")
	}

	// Step 4: New batches open only on the analysis host
	plaintext := []byte("core dump index for crash 7f3a")
	b, err := c.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt for imported key: %v", err)
	}

	c.authz.Authorize()
	if _, err := c.keys.DecryptLogs(b, "batch"); !errors.Is(err, keystore.ErrKeyNotFound) {
		t.Fatalf("Device decrypt error = %v, want ErrKeyNotFound", err)
	}

	got, err := cipher.New(nil).DecryptWithKey(b, analysisKey)
	if err != nil {
		t.Fatalf("Analysis-host decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Analysis-host decrypt returned wrong payload")
	}

	if !trailHas(c, audit.EventExternalKeyImported) {
		t.Error("Audit trail missing EXTERNAL_KEY_IMPORTED")
	}
}

// =============================================================================
// INTEGRATION: Re-encryption
// =============================================================================

// TestReEncryptionToExternalTarget re-targets a device-encrypted batch
// to an external recipient and proves the handoff both ways.
func TestReEncryptionToExternalTarget(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	// Step 1: Encrypt a batch to the device key
	plaintext := []byte("selinux denials for the last boot")
	b, err := c.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}

	// Step 2: Register the recipient's public key as a re-encrypt target
	recipient, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate recipient key: %v", err)
	}
	recipientDER, err := x509.MarshalPKIXPublicKey(&recipient.PublicKey)
	if err != nil {
		t.Fatalf("Failed to encode recipient key: %v", err)
	}
	keyID, err := c.keys.AddExternalReEncryptKey(recipientDER)
	if err != nil {
		t.Fatalf("Failed to add re-encrypt key: %v", err)
	}

	target, err := c.keys.FindReEncryptKey(keyID)
	if err != nil {
		t.Fatalf("Failed to resolve re-encrypt key %s: %v", keyID, err)
	}

	// Step 3: Re-encrypt under a fresh authorization
	c.authz.Authorize()
	reb, err := c.keys.ReEncryptBatch(b, target)
	if err != nil {
		t.Fatalf("Failed to re-encrypt: %v", err)
	}

	// Step 4: Survive the wire format
	raw, err := batch.Marshal(reb)
	if err != nil {
		t.Fatalf("Failed to marshal re-encrypted batch: %v", err)
	}
	loaded, err := batch.Unmarshal(raw)
	if err != nil {
		t.Fatalf("Failed to unmarshal re-encrypted batch: %v", err)
	}

	// Step 5: The recipient opens it, the device no longer can
	got, err := cipher.New(nil).DecryptWithKey(loaded, recipient)
	if err != nil {
		t.Fatalf("Recipient decrypt failed: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Recipient decrypt returned wrong payload")
	}

	c.authz.Authorize()
	if _, err := c.keys.DecryptLogs(loaded, "batch"); !errors.Is(err, cipher.ErrDecryptionFailed) {
		t.Fatalf("Device decrypt of re-encrypted batch = %v, want ErrDecryptionFailed", err)
	}
	t.Log("Batch ownership transferred to recipient")
}

// =============================================================================
// INTEGRATION: Spool Lifecycle
// =============================================================================

// TestSpoolLifecycle walks batches through every on-disk state.
func TestSpoolLifecycle(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	// Step 1: Spool three batches
	for i := 0; i < 3; i++ {
		b, err := c.keys.EncryptLogs([]byte(fmt.Sprintf("batch %d payload", i)))
		if err != nil {
			t.Fatalf("Failed to encrypt batch %d: %v", i, err)
		}
		if _, err := c.spool.WriteBatch(b); err != nil {
			t.Fatalf("Failed to spool batch %d: %v", i, err)
		}
	}

	counts := func(stage string, want int, list func() ([]string, error)) {
		t.Helper()
		paths, err := list()
		if err != nil {
			t.Fatalf("Failed to list %s batches: %v", stage, err)
		}
		if len(paths) != want {
			t.Fatalf("%s batches = %d, want %d", stage, len(paths), want)
		}
	}
	counts("pending", 3, c.spool.Pending)

	// Step 2: Claim them for dispatch
	claimed, err := c.spool.MarkProcessing()
	if err != nil {
		t.Fatalf("Failed to mark processing: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("Claimed %d batches, want 3", len(claimed))
	}
	counts("pending", 0, c.spool.Pending)
	counts("processing", 3, c.spool.Processing)

	// Step 3: A claimed batch still decrypts after its renames
	b, err := batch.ReadFile(claimed[0])
	if err != nil {
		t.Fatalf("Failed to read claimed batch: %v", err)
	}
	c.authz.Authorize()
	if _, err := c.keys.DecryptLogs(b, filepath.Base(claimed[0])); err != nil {
		t.Fatalf("Failed to decrypt claimed batch: %v", err)
	}

	// Step 4: Complete the upload and clean up
	if n, err := c.spool.MarkSent(); err != nil || n != 3 {
		t.Fatalf("MarkSent = (%d, %v), want (3, nil)", n, err)
	}
	counts("processing", 0, c.spool.Processing)
	counts("sent", 3, c.spool.Sent)

	if n, err := c.spool.DeleteSent(); err != nil || n != 3 {
		t.Fatalf("DeleteSent = (%d, %v), want (3, nil)", n, err)
	}
	counts("sent", 0, c.spool.Sent)
}

// =============================================================================
// INTEGRATION: Persistence and Recovery
// =============================================================================

// TestPersistenceAndRecovery rebuilds the whole stack over an existing
// state directory and verifies keys, trail, and batches all survive.
func TestPersistenceAndRecovery(t *testing.T) {
	dir := t.TempDir()

	// Step 1: First process generates a key and spools a batch
	c1 := newCore(t, dir)
	if err := c1.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}
	plaintext := []byte("journal extract before reboot")
	b, err := c1.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	if _, err := c1.spool.WriteBatch(b); err != nil {
		t.Fatalf("Failed to spool: %v", err)
	}
	c1.store.Close()

	// Step 2: Second process opens the same directory
	c2 := newCore(t, dir)

	state, err := c2.keys.ActiveState()
	if err != nil {
		t.Fatalf("Failed to read recovered state: %v", err)
	}
	if state.Kind != keys.StateHardwareKey {
		t.Fatalf("Recovered state = %v, want hardware key", state.Kind)
	}

	pending, err := c2.spool.Pending()
	if err != nil {
		t.Fatalf("Failed to list recovered spool: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("Recovered pending batches = %d, want 1", len(pending))
	}

	// Step 3: The recovered stack decrypts the old batch
	loaded, err := batch.ReadFile(pending[0])
	if err != nil {
		t.Fatalf("Failed to read recovered batch: %v", err)
	}
	c2.authz.Authorize()
	got, err := c2.keys.DecryptLogs(loaded, "batch")
	if err != nil {
		t.Fatalf("Failed to decrypt recovered batch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("Recovered batch decrypted to wrong payload")
	}

	// Step 4: The trail file carries the first process's events
	all, err := c2.audit.AllPersisted()
	if err != nil {
		t.Fatalf("Failed to read persisted trail: %v", err)
	}
	found := false
	for _, ev := range all {
		if ev.Type == audit.EventKeyInternalGenerated {
			found = true
		}
	}
	if !found {
		t.Error("Persisted trail lost the key generation event")
	}
	t.Logf("Recovered %d trail events", len(all))
}

// =============================================================================
// INTEGRATION: Tamper Detection
// =============================================================================

// TestTamperDetection corrupts spooled batch bytes and requires every
// corruption to surface as the one collapsed decryption error.
func TestTamperDetection(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}
	b, err := c.keys.EncryptLogs([]byte("payload worth protecting"))
	if err != nil {
		t.Fatalf("Failed to encrypt: %v", err)
	}
	raw, err := batch.Marshal(b)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}

	c.authz.Authorize()

	corrupted := 0
	for offset := 0; offset < len(raw); offset += 7 {
		mutated := append([]byte(nil), raw...)
		mutated[offset] ^= 0x01

		loaded, err := batch.Unmarshal(mutated)
		if err != nil {
			// Wire-level breakage is fine; it can never reach the key.
			continue
		}
		if _, err := c.keys.DecryptLogs(loaded, "tampered"); err == nil {
			// A flip in unprotected metadata may still decrypt; the
			// payload itself must never survive a flip silently.
			continue
		} else if !errors.Is(err, cipher.ErrDecryptionFailed) {
			t.Fatalf("Tamper at offset %d leaked error %v", offset, err)
		}
		corrupted++
	}
	if corrupted == 0 {
		t.Fatal("No corruption was detected at any offset")
	}
	t.Logf("%d corruptions collapsed to ErrDecryptionFailed", corrupted)
}

// =============================================================================
// INTEGRATION: Concurrency
// =============================================================================

// TestConcurrentEncryptAndSpool drives parallel encrypt+spool cycles
// through one shared manager and spool.
func TestConcurrentEncryptAndSpool(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	const workers = 8
	const perWorker = 5

	var wg sync.WaitGroup
	errc := make(chan error, workers*perWorker)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				b, err := c.keys.EncryptLogs([]byte(fmt.Sprintf("worker %d batch %d", w, i)))
				if err != nil {
					errc <- fmt.Errorf("worker %d encrypt %d: %w", w, i, err)
					return
				}
				if _, err := c.spool.WriteBatch(b); err != nil {
					errc <- fmt.Errorf("worker %d spool %d: %w", w, i, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	pending, err := c.spool.Pending()
	if err != nil {
		t.Fatalf("Failed to list spool: %v", err)
	}
	if len(pending) != workers*perWorker {
		t.Fatalf("Pending batches = %d, want %d", len(pending), workers*perWorker)
	}
}

// =============================================================================
// INTEGRATION: Edge Cases
// =============================================================================

// TestEmptyLogPayload pushes a zero-byte payload through the full stack.
func TestEmptyLogPayload(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}
	b, err := c.keys.EncryptLogs(nil)
	if err != nil {
		t.Fatalf("Failed to encrypt empty payload: %v", err)
	}

	path, err := c.spool.WriteBatch(b)
	if err != nil {
		t.Fatalf("Failed to spool empty batch: %v", err)
	}
	loaded, err := batch.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read empty batch: %v", err)
	}

	c.authz.Authorize()
	got, err := c.keys.DecryptLogs(loaded, "empty")
	if err != nil {
		t.Fatalf("Failed to decrypt empty batch: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Empty payload round-tripped to %d bytes", len(got))
	}
}

// TestLargeLogPayload round-trips a payload well past one GCM block
// and past the spool write buffer.
func TestLargeLogPayload(t *testing.T) {
	c := newCore(t, t.TempDir())

	if err := c.keys.GenerateHardwareKey(); err != nil {
		t.Fatalf("Failed to generate device key: %v", err)
	}

	plaintext := make([]byte, 1<<20)
	if _, err := rand.Read(plaintext); err != nil {
		t.Fatalf("Failed to build payload: %v", err)
	}

	b, err := c.keys.EncryptLogs(plaintext)
	if err != nil {
		t.Fatalf("Failed to encrypt 1 MiB payload: %v", err)
	}
	if b.Metadata.BlobSize != int64(len(plaintext))+batch.GCMTagSize {
		t.Fatalf("Blob size = %d, want %d", b.Metadata.BlobSize, len(plaintext)+batch.GCMTagSize)
	}

	path, err := c.spool.WriteBatch(b)
	if err != nil {
		t.Fatalf("Failed to spool 1 MiB batch: %v", err)
	}
	loaded, err := batch.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read 1 MiB batch: %v", err)
	}

	c.authz.Authorize()
	got, err := c.keys.DecryptLogs(loaded, "large")
	if err != nil {
		t.Fatalf("Failed to decrypt 1 MiB batch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("1 MiB payload corrupted in round trip")
	}
}
