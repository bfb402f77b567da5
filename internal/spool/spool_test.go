package spool

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/crumbles/internal/batch"
)

func newTestSpool(t *testing.T) *Spool {
	t.Helper()
	s, err := New(Config{Dir: filepath.Join(t.TempDir(), "spool")})
	require.NoError(t, err)
	return s
}

func testBatch() *batch.LogBatch {
	return &batch.LogBatch{
		Data: batch.LogData{LogBlob: []byte("opaque ciphertext and tag")},
		Key: batch.LogKey{
			KeyEncryptionType:     batch.KeyEncryptionTypeAsymmetric,
			EncryptedSymmetricKey: []byte("wrapped key"),
			IV:                    bytes.Repeat([]byte{7}, batch.GCMNonceSize),
		},
		Metadata: batch.LogMetadata{
			BlobSize:        25,
			TimestampMillis: 1756080000000,
			DeviceID:        "123456789",
			EncryptionType:  batch.EncryptionTypeAESGCM,
		},
	}
}

func writeBatches(t *testing.T, s *Spool, n int) []string {
	t.Helper()
	paths := make([]string, 0, n)
	for i := 0; i < n; i++ {
		path, err := s.WriteBatch(testBatch())
		require.NoError(t, err)
		paths = append(paths, path)
	}
	return paths
}

// ===== Writing =====

func TestWriteBatchCreatesPendingFile(t *testing.T) {
	s := newTestSpool(t)

	path, err := s.WriteBatch(testBatch())
	require.NoError(t, err)

	name := filepath.Base(path)
	assert.Regexp(t, regexp.MustCompile(`^crumbles_logs_encrypted_\d+_[0-9a-f]{8}\.bin$`), name)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := batch.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, "123456789", decoded.Metadata.DeviceID)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, []string{path}, pending)
}

func TestWriteBatchLeavesNoTempFiles(t *testing.T) {
	s := newTestSpool(t)
	writeBatches(t, s, 3)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}

func TestWriteBatchUniqueNamesWithinOneMillisecond(t *testing.T) {
	s := newTestSpool(t)
	fixed := time.UnixMilli(1756080000000)
	s.now = func() time.Time { return fixed }

	first, err := s.WriteBatch(testBatch())
	require.NoError(t, err)
	second, err := s.WriteBatch(testBatch())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

// ===== Listings =====

func TestListingsSplitByState(t *testing.T) {
	s := newTestSpool(t)
	writeBatches(t, s, 2)

	moved, err := s.MarkProcessing()
	require.NoError(t, err)
	require.Len(t, moved, 2)
	writeBatches(t, s, 1)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	processing, err := s.Processing()
	require.NoError(t, err)
	assert.Len(t, processing, 2)

	sent, err := s.Sent()
	require.NoError(t, err)
	assert.Empty(t, sent)
}

func TestListingsIgnoreForeignFiles(t *testing.T) {
	s := newTestSpool(t)
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(s.Dir(), "sub"), 0o700))

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestListingsOldestFirst(t *testing.T) {
	s := newTestSpool(t)
	stamp := time.UnixMilli(1756080000000)
	s.now = func() time.Time {
		stamp = stamp.Add(time.Second)
		return stamp
	}
	want := writeBatches(t, s, 3)

	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, want, pending)
}

// ===== Transitions =====

func TestMarkProcessingRenames(t *testing.T) {
	s := newTestSpool(t)
	original := writeBatches(t, s, 2)

	moved, err := s.MarkProcessing()
	require.NoError(t, err)
	require.Len(t, moved, 2)
	for _, path := range original {
		assert.NoFileExists(t, path)
	}
	for _, path := range moved {
		assert.Contains(t, path, batch.SuffixProcessing)
		assert.FileExists(t, path)
	}

	// Nothing left to mark.
	again, err := s.MarkProcessing()
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestMarkSentAndDelete(t *testing.T) {
	s := newTestSpool(t)
	writeBatches(t, s, 2)
	_, err := s.MarkProcessing()
	require.NoError(t, err)

	marked, err := s.MarkSent()
	require.NoError(t, err)
	assert.Equal(t, 2, marked)

	sent, err := s.Sent()
	require.NoError(t, err)
	assert.Len(t, sent, 2)
	processing, err := s.Processing()
	require.NoError(t, err)
	assert.Empty(t, processing)

	deleted, err := s.DeleteSent()
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPurgeAllRemovesEveryState(t *testing.T) {
	s := newTestSpool(t)
	writeBatches(t, s, 1)
	_, err := s.MarkProcessing()
	require.NoError(t, err)
	writeBatches(t, s, 1)
	stray := filepath.Join(s.Dir(), "keep.txt")
	require.NoError(t, os.WriteFile(stray, []byte("x"), 0o600))

	_, err = s.MarkSent()
	require.NoError(t, err)
	writeBatches(t, s, 1)

	// One sent, two pending. All go; the stray file stays.
	n, err := s.PurgeAll()
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	entries, err := os.ReadDir(s.Dir())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "keep.txt", entries[0].Name())
}
