package spool

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/google/crumbles/internal/batch"
	"github.com/google/crumbles/internal/logging"
)

const defaultDebounce = 2 * time.Second

// WatcherConfig configures a Watcher. Spool and Notify are required.
type WatcherConfig struct {
	Spool *Spool

	// Notify receives pending batches that appeared and stayed stable
	// for the debounce window, oldest first.
	Notify func(paths []string)

	// Debounce is the stability window. Zero means 2s.
	Debounce time.Duration

	Logger *logging.Logger
}

// Watcher reports newly spooled pending batches. Batches land via
// rename, so a create event already means a complete file; events are
// still debounced to coalesce bursts.
type Watcher struct {
	spool    *Spool
	fsw      *fsnotify.Watcher
	notify   func([]string)
	debounce time.Duration
	log      *logging.Logger

	// seen maps pending paths to when they last changed.
	mu   sync.Mutex
	seen map[string]time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// NewWatcher wires a watcher. Nothing is watched until Start.
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Spool == nil {
		return nil, errors.New("spool: watcher needs a spool")
	}
	if cfg.Notify == nil {
		return nil, errors.New("spool: watcher needs a notify callback")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("spool: watch: %w", err)
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("spool")
	}
	return &Watcher{
		spool:    cfg.Spool,
		fsw:      fsw,
		notify:   cfg.Notify,
		debounce: debounce,
		log:      log,
		seen:     make(map[string]time.Time),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching the spool directory. Batches already pending
// are reported on the first debounce tick.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(w.spool.Dir()); err != nil {
		return fmt.Errorf("spool: watch %s: %w", w.spool.Dir(), err)
	}

	existing, err := w.spool.Pending()
	if err != nil {
		return err
	}
	now := time.Now()
	w.mu.Lock()
	for _, path := range existing {
		w.seen[path] = now
	}
	w.mu.Unlock()

	w.wg.Add(2)
	go w.eventLoop()
	go w.debounceLoop()
	return nil
}

// Stop shuts the watcher down. Call it once.
func (w *Watcher) Stop() error {
	close(w.done)
	w.wg.Wait()
	return w.fsw.Close()
}

// eventLoop tracks create and write events for pending batch names.
func (w *Watcher) eventLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !batch.IsPending(filepath.Base(ev.Name)) {
				continue
			}
			w.mu.Lock()
			w.seen[ev.Name] = time.Now()
			w.mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("spool watch error", "error", err)
		}
	}
}

func (w *Watcher) debounceLoop() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.debounce)
	defer ticker.Stop()
	for {
		select {
		case <-w.done:
			return
		case now := <-ticker.C:
			w.flushStable(now)
		}
	}
}

// flushStable reports batches unchanged since before the debounce
// threshold. Paths that left the pending state in the meantime are
// dropped silently.
func (w *Watcher) flushStable(now time.Time) {
	threshold := now.Add(-w.debounce)

	var candidates []string
	w.mu.Lock()
	for path, last := range w.seen {
		if last.After(threshold) {
			continue
		}
		delete(w.seen, path)
		candidates = append(candidates, path)
	}
	w.mu.Unlock()

	var ready []string
	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		ready = append(ready, path)
	}
	if len(ready) == 0 {
		return
	}
	sort.Strings(ready)
	w.notify(ready)
}
