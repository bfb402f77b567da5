// Package audit keeps a rotating JSON-lines trail of key lifecycle and
// crypto events, with a small in-memory window for quick display.
//
// The trail lives in two files: the current log and at most one rotated
// predecessor. Rotation is checked before every append so a line never
// straddles the size threshold, and dropping the previous old file bounds
// total disk use at roughly two generations.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/crumbles/internal/logging"
)

// Trail file names inside the audit directory.
const (
	CurrentLogName = "app_audit_log.jsonl"
	OldLogName     = "app_audit_log.old.jsonl"
)

const (
	defaultMaxFileBytes int64 = 512 * 1024
	defaultCacheSize          = 100
)

// Config carries the audit trail settings.
type Config struct {
	// Dir is the directory holding both trail files. Required.
	Dir string
	// CurrentFile and OldFile override the default trail file names.
	CurrentFile string
	OldFile     string
	// MaxFileBytes is the rotation threshold. Defaults to 512 KiB.
	MaxFileBytes int64
	// CacheSize bounds the in-memory event window. Defaults to 100.
	CacheSize int
	// Logger receives operational diagnostics, never trail entries.
	Logger *logging.Logger
}

// Logger appends audit events to the trail and serves recent ones from
// memory. Safe for concurrent use.
type Logger struct {
	currentPath string
	oldPath     string
	maxBytes    int64
	cacheSize   int
	log         *logging.Logger
	now         func() time.Time

	// fileMu serializes every touch of the trail files so rotation,
	// appends and reads cannot interleave.
	fileMu sync.Mutex

	cacheMu sync.Mutex
	cache   []Event // newest first, at most cacheSize entries
}

// New opens the trail in cfg.Dir, creating the directory if needed, and
// seeds the in-memory window from the tail of both files.
func New(cfg Config) (*Logger, error) {
	if cfg.Dir == "" {
		return nil, errors.New("audit: log directory is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("audit")
	}
	maxBytes := cfg.MaxFileBytes
	if maxBytes <= 0 {
		maxBytes = defaultMaxFileBytes
	}
	cacheSize := cfg.CacheSize
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	current := cfg.CurrentFile
	if current == "" {
		current = CurrentLogName
	}
	old := cfg.OldFile
	if old == "" {
		old = OldLogName
	}
	if current == old {
		return nil, errors.New("audit: current and old trail files must differ")
	}

	l := &Logger{
		currentPath: filepath.Join(cfg.Dir, current),
		oldPath:     filepath.Join(cfg.Dir, old),
		maxBytes:    maxBytes,
		cacheSize:   cacheSize,
		log:         log,
		now:         time.Now,
	}
	l.seedCache()
	return l, nil
}

// Log records one event. The in-memory window is updated even when the
// file append fails, so the recent view and the disk trail degrade
// independently.
func (l *Logger) Log(eventType, message string) error {
	ev := Event{Timestamp: l.now(), Type: eventType, Message: message}

	l.cacheMu.Lock()
	l.cache = append(l.cache, Event{})
	copy(l.cache[1:], l.cache)
	l.cache[0] = ev
	if len(l.cache) > l.cacheSize {
		l.cache = l.cache[:l.cacheSize]
	}
	l.cacheMu.Unlock()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	if err := l.rotateIfNeeded(); err != nil {
		return err
	}
	return l.appendLine(ev)
}

// Events returns a copy of the in-memory window, newest first.
func (l *Logger) Events() []Event {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()

	out := make([]Event, len(l.cache))
	copy(out, l.cache)
	return out
}

// AllPersisted reads every parseable event from both trail files, newest
// first. Lines that do not parse are skipped with a warning.
func (l *Logger) AllPersisted() ([]Event, error) {
	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	var events []Event
	for _, path := range []string{l.oldPath, l.currentPath} {
		evs, err := l.readEvents(path, 0)
		if err != nil {
			return nil, err
		}
		events = append(events, evs...)
	}
	sortNewestFirst(events)
	return events, nil
}

// Clear drops the in-memory window and deletes both trail files.
func (l *Logger) Clear() error {
	l.cacheMu.Lock()
	l.cache = nil
	l.cacheMu.Unlock()

	l.fileMu.Lock()
	defer l.fileMu.Unlock()

	var first error
	for _, path := range []string{l.currentPath, l.oldPath} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) && first == nil {
			first = err
		}
	}
	return first
}

// rotateIfNeeded retires the current file once it exceeds the threshold.
// Exactly one prior generation is kept. Caller holds fileMu.
func (l *Logger) rotateIfNeeded() error {
	info, err := os.Stat(l.currentPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat audit log: %w", err)
	}
	if info.Size() <= l.maxBytes {
		return nil
	}

	l.log.Info("rotating audit trail", "size", info.Size())
	if err := os.Remove(l.oldPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove old audit log: %w", err)
	}
	if err := os.Rename(l.currentPath, l.oldPath); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	return nil
}

// appendLine writes one event to the current file. Caller holds fileMu.
func (l *Logger) appendLine(ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	f, err := os.OpenFile(l.currentPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("append audit event: %w", err)
	}
	return f.Close()
}

// seedCache fills the in-memory window from the tails of both files so a
// restart shows the same recent history as the process that wrote it.
// Seed failures degrade to an empty window rather than failing New.
func (l *Logger) seedCache() {
	var events []Event

	l.fileMu.Lock()
	for _, path := range []string{l.currentPath, l.oldPath} {
		evs, err := l.readEvents(path, l.cacheSize)
		if err != nil {
			l.log.Warn("audit seed read failed", "file", filepath.Base(path), "error", err)
			continue
		}
		events = append(events, evs...)
	}
	l.fileMu.Unlock()

	sortNewestFirst(events)
	if len(events) > l.cacheSize {
		events = events[:l.cacheSize]
	}

	l.cacheMu.Lock()
	l.cache = events
	l.cacheMu.Unlock()
}

// readEvents parses the JSON lines in path, oldest first. With limit > 0
// only the last limit parseable lines are kept. A missing file reads as
// empty. Caller holds fileMu.
func (l *Logger) readEvents(path string, limit int) ([]Event, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil || ev.Type == "" {
			l.log.Warn("skipping malformed audit line", "file", filepath.Base(path))
			continue
		}
		events = append(events, ev)
		if limit > 0 && len(events) > limit {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit log: %w", err)
	}
	return events, nil
}

func sortNewestFirst(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})
}
