// Package spool manages encrypted batches on disk between encryption
// and upload. A batch moves through three states, tracked entirely in
// its file name: pending (awaiting dispatch), processing (handed to a
// dispatcher) and sent (dispatched, awaiting deletion). Upload itself
// stays outside the package; callers plug a dispatch callback into the
// Sweeper or watch the directory with a Watcher.
package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/logging"
)

// Config configures a Spool.
type Config struct {
	// Dir is the spool directory. Created if missing.
	Dir string

	Logger *logging.Logger
}

// Spool is one spool directory. Methods are safe for concurrent use;
// state transitions are single renames.
type Spool struct {
	dir string
	log *logging.Logger
	now func() time.Time
}

// New opens (or creates) the spool directory.
func New(cfg Config) (*Spool, error) {
	if cfg.Dir == "" {
		return nil, errors.New("spool: empty directory")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("spool")
	}
	return &Spool{dir: cfg.Dir, log: log, now: time.Now}, nil
}

// Dir returns the spool directory path.
func (s *Spool) Dir() string { return s.dir }

// WriteBatch serializes b into a fresh pending file and returns its
// path. The uuid segment keeps two batches written within the same
// millisecond from colliding.
func (s *Spool) WriteBatch(b *batch.LogBatch) (string, error) {
	name := fmt.Sprintf("%s%d_%s%s",
		batch.FilePrefix, s.now().UnixMilli(), uuid.NewString()[:8], batch.SuffixBin)
	path := filepath.Join(s.dir, name)

	if err := batch.WriteFile(path, b); err != nil {
		return "", fmt.Errorf("spool: write batch: %w", err)
	}
	s.log.Debug("spooled batch", "file", name, "blob_bytes", b.Metadata.BlobSize)
	return path, nil
}

// Pending lists batches awaiting dispatch, oldest first.
func (s *Spool) Pending() ([]string, error) {
	return s.list(batch.IsPending)
}

// Processing lists batches handed off but not yet confirmed sent.
func (s *Spool) Processing() ([]string, error) {
	return s.list(batch.IsProcessing)
}

// Sent lists dispatched batches awaiting deletion.
func (s *Spool) Sent() ([]string, error) {
	return s.list(batch.IsSent)
}

// list returns the full paths of directory entries keep accepts.
// Millisecond-stamped names make the lexical sort chronological.
func (s *Spool) list(keep func(string) bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("spool: list: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !keep(e.Name()) {
			continue
		}
		out = append(out, filepath.Join(s.dir, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// MarkProcessing renames every pending batch to its processing name and
// returns the renamed paths. A batch that fails to rename is logged and
// left pending for the next cycle.
func (s *Spool) MarkProcessing() ([]string, error) {
	pending, err := s.Pending()
	if err != nil {
		return nil, err
	}
	var moved []string
	for _, path := range pending {
		dst := batch.MarkProcessingName(path)
		if err := os.Rename(path, dst); err != nil {
			s.log.Warn("could not mark batch as processing",
				"file", filepath.Base(path), "error", err)
			continue
		}
		moved = append(moved, dst)
	}
	return moved, nil
}

// MarkSent renames every processing batch to its sent name and reports
// how many moved.
func (s *Spool) MarkSent() (int, error) {
	processing, err := s.Processing()
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, path := range processing {
		dst := batch.MarkSentName(path)
		if err := os.Rename(path, dst); err != nil {
			s.log.Warn("could not mark batch as sent",
				"file", filepath.Base(path), "error", err)
			continue
		}
		marked++
	}
	return marked, nil
}

// DeleteSent removes every sent batch and reports how many went.
func (s *Spool) DeleteSent() (int, error) {
	sent, err := s.Sent()
	if err != nil {
		return 0, err
	}
	return s.remove(sent), nil
}

// PurgeAll removes every batch file in every state and reports how many
// went. Used when no decryption key exists and the spool contents are
// unrecoverable. Files that are not batches are left alone.
func (s *Spool) PurgeAll() (int, error) {
	all, err := s.list(batch.IsBatchFile)
	if err != nil {
		return 0, err
	}
	n := s.remove(all)
	if n > 0 {
		s.log.Info("purged spool", "files", n)
	}
	return n, nil
}

func (s *Spool) remove(paths []string) int {
	removed := 0
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			s.log.Warn("could not remove batch", "file", filepath.Base(path), "error", err)
			continue
		}
		removed++
	}
	return removed
}
