package spool

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu    sync.Mutex
	paths []string
}

func (c *collector) add(paths []string) {
	c.mu.Lock()
	c.paths = append(c.paths, paths...)
	c.mu.Unlock()
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.paths...)
}

func startTestWatcher(t *testing.T, s *Spool, col *collector) *Watcher {
	t.Helper()
	w, err := NewWatcher(WatcherConfig{
		Spool:    s,
		Notify:   col.add,
		Debounce: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return w
}

func TestNewWatcherValidates(t *testing.T) {
	s := newTestSpool(t)

	_, err := NewWatcher(WatcherConfig{Notify: func([]string) {}})
	assert.ErrorContains(t, err, "needs a spool")
	_, err = NewWatcher(WatcherConfig{Spool: s})
	assert.ErrorContains(t, err, "needs a notify callback")
}

func TestWatcherReportsNewBatch(t *testing.T) {
	s := newTestSpool(t)
	col := &collector{}
	startTestWatcher(t, s, col)

	path, err := s.WriteBatch(testBatch())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, got := range col.snapshot() {
			if got == path {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcherReportsPreexistingBatches(t *testing.T) {
	s := newTestSpool(t)
	want := writeBatches(t, s, 2)

	col := &collector{}
	startTestWatcher(t, s, col)

	require.Eventually(t, func() bool { return len(col.snapshot()) >= 2 },
		2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, want, col.snapshot())
}

func TestWatcherIgnoresNonPendingNames(t *testing.T) {
	s := newTestSpool(t)
	col := &collector{}
	startTestWatcher(t, s, col)

	for _, name := range []string{"old_processing.bin", "done_sent.bin", "junk.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), name), []byte("x"), 0o600))
	}
	path, err := s.WriteBatch(testBatch())
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(col.snapshot()) > 0 },
		2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{path}, col.snapshot())
}
