package spool

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/crumbles/internal/keys"
	"github.com/google/crumbles/internal/logging"
)

// Default sweep cadences.
const (
	DefaultDispatchInterval = 8 * time.Hour
	DefaultMarkSentInterval = 8 * time.Hour
	DefaultMarkSentDelay    = 10 * time.Minute
	DefaultDeleteInterval   = 24 * time.Hour
)

// KeyState reports whether an encryption target exists. *keys.Manager
// satisfies it.
type KeyState interface {
	ActivePublicKey() (*rsa.PublicKey, keys.StateKind, error)
}

// SweeperConfig configures a Sweeper. Spool and Keys are required.
type SweeperConfig struct {
	Spool *Spool
	Keys  KeyState

	// Dispatch receives the paths of batches just marked processing.
	// An error leaves them in processing state; they advance to sent on
	// the usual cadence regardless. Nil holds marked batches without a
	// handoff.
	Dispatch func(paths []string) error

	// DispatchInterval drives dispatch sweeps. Zero means 8h.
	DispatchInterval time.Duration

	// MarkSentInterval drives processing-to-sent sweeps. Zero means 8h.
	MarkSentInterval time.Duration

	// MarkSentDelay offsets the first mark-sent sweep so a dispatch
	// cycle lands first. Zero means 10m.
	MarkSentDelay time.Duration

	// DeleteInterval drives sent-batch deletion. Zero means 24h.
	DeleteInterval time.Duration

	Logger *logging.Logger
}

// Sweeper drives the spool lifecycle on timers: dispatch pending
// batches, promote processing to sent, delete sent. When no encryption
// key is available it purges the spool instead of dispatching, since
// nothing spooled could ever be read again.
type Sweeper struct {
	spool    *Spool
	keys     KeyState
	dispatch func([]string) error
	log      *logging.Logger

	dispatchInterval time.Duration
	markSentInterval time.Duration
	markSentDelay    time.Duration
	deleteInterval   time.Duration

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewSweeper wires a sweeper. Timers do not run until Start.
func NewSweeper(cfg SweeperConfig) (*Sweeper, error) {
	if cfg.Spool == nil {
		return nil, errors.New("spool: sweeper needs a spool")
	}
	if cfg.Keys == nil {
		return nil, errors.New("spool: sweeper needs a key state")
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Default().WithComponent("sweeper")
	}
	s := &Sweeper{
		spool:            cfg.Spool,
		keys:             cfg.Keys,
		dispatch:         cfg.Dispatch,
		log:              log,
		dispatchInterval: cfg.DispatchInterval,
		markSentInterval: cfg.MarkSentInterval,
		markSentDelay:    cfg.MarkSentDelay,
		deleteInterval:   cfg.DeleteInterval,
	}
	if s.dispatchInterval <= 0 {
		s.dispatchInterval = DefaultDispatchInterval
	}
	if s.markSentInterval <= 0 {
		s.markSentInterval = DefaultMarkSentInterval
	}
	if s.markSentDelay <= 0 {
		s.markSentDelay = DefaultMarkSentDelay
	}
	if s.deleteInterval <= 0 {
		s.deleteInterval = DefaultDeleteInterval
	}
	return s, nil
}

// Start launches the sweep loops. They run until ctx is cancelled or
// Stop is called. A dispatch sweep runs immediately; mark-sent waits
// its delay, deletion a full interval.
func (s *Sweeper) Start(ctx context.Context) error {
	if s.running.Load() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, s.cancel = context.WithCancel(ctx)
	s.running.Store(true)

	s.wg.Add(3)
	go s.loop(ctx, 0, s.dispatchInterval, "dispatch", s.SweepDispatch)
	go s.loop(ctx, s.markSentDelay, s.markSentInterval, "mark-sent", s.SweepMarkSent)
	go s.loop(ctx, s.deleteInterval, s.deleteInterval, "delete", s.SweepDelete)

	s.log.Info("spool sweeper started",
		"dispatch_interval", s.dispatchInterval,
		"mark_sent_interval", s.markSentInterval,
		"delete_interval", s.deleteInterval)
	return nil
}

// Stop cancels the loops and waits for them to finish. Safe to call
// more than once.
func (s *Sweeper) Stop() {
	if !s.running.Load() {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running.Store(false)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.log.Info("spool sweeper stopped")
}

// loop runs sweep once after delay, then on every interval tick.
func (s *Sweeper) loop(ctx context.Context, delay, interval time.Duration, name string, sweep func() error) {
	defer s.wg.Done()

	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
	s.runSweep(name, sweep)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runSweep(name, sweep)
		}
	}
}

func (s *Sweeper) runSweep(name string, sweep func() error) {
	if err := sweep(); err != nil {
		s.log.Error("sweep failed", "sweep", name, "error", err)
	}
}

// SweepDispatch runs one dispatch cycle. With no key available the
// whole spool is purged; otherwise pending batches move to processing
// and go to the dispatcher.
func (s *Sweeper) SweepDispatch() error {
	pub, _, err := s.keys.ActivePublicKey()
	if err != nil {
		// A transient key-state failure must not trigger a purge.
		return err
	}
	if pub == nil {
		n, err := s.spool.PurgeAll()
		if err != nil {
			return err
		}
		if n > 0 {
			s.log.Warn("purged spooled batches: no encryption key is available", "files", n)
		}
		return nil
	}

	moved, err := s.spool.MarkProcessing()
	if err != nil {
		return err
	}
	if len(moved) == 0 {
		return nil
	}
	if s.dispatch == nil {
		s.log.Info("no dispatcher configured, batches held in processing", "files", len(moved))
		return nil
	}
	if err := s.dispatch(moved); err != nil {
		return err
	}
	s.log.Info("dispatched batches", "files", len(moved))
	return nil
}

// SweepMarkSent promotes every processing batch to sent.
func (s *Sweeper) SweepMarkSent() error {
	n, err := s.spool.MarkSent()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("marked batches as sent", "files", n)
	}
	return nil
}

// SweepDelete removes every sent batch.
func (s *Sweeper) SweepDelete() error {
	n, err := s.spool.DeleteSent()
	if err != nil {
		return err
	}
	if n > 0 {
		s.log.Info("deleted sent batches", "files", n)
	}
	return nil
}
