package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/crumbles/internal/audit"
	"github.com/google/crumbles/internal/config"
	"github.com/google/crumbles/internal/keys"
	"github.com/google/crumbles/internal/keystore"
	"github.com/google/crumbles/internal/kvstore"
	"github.com/google/crumbles/internal/logging"
	"github.com/google/crumbles/internal/spool"
)

// app bundles the wired components behind a single Close.
type app struct {
	cfg            *config.Config
	log            *logging.Logger
	provider       keystore.Provider
	providerKind   string
	store          *kvstore.Store
	audit          *audit.Logger
	keys           *keys.Manager
	spool          *spool.Spool
	sweepIntervals sweepIntervals

	closers []io.Closer
}

func loadConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// openApp wires keystore, store, audit trail, key manager and spool
// from the config. Every path exits the process on failure; commands
// run against a fully wired app or not at all.
func openApp() *app {
	cfg := loadConfig()
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(os.Stderr, "Error preparing directories: %v\n", err)
		os.Exit(1)
	}

	a := &app{cfg: cfg, log: newLogger(cfg)}

	authz := newSessionAuthorizer(a.log)
	if c, ok := authz.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	a.provider, a.providerKind = newProvider(cfg, authz, a.log)
	if c, ok := a.provider.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	store, err := kvstore.Open(kvstore.Config{
		Path:          cfg.Storage.KVPath,
		BusyTimeoutMs: cfg.Storage.BusyTimeoutMs,
		Sealer:        kvstore.NewTokenSealer(a.provider, cfg.Keys.StoreMasterAlias, a.log),
		Logger:        a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening key-value store: %v\n", err)
		os.Exit(1)
	}
	a.store = store
	a.closers = append(a.closers, store)

	trail, err := audit.New(audit.Config{
		Dir:          cfg.Audit.Dir,
		CurrentFile:  cfg.Audit.CurrentFile,
		OldFile:      cfg.Audit.OldFile,
		MaxFileBytes: cfg.Audit.MaxFileSizeBytes,
		CacheSize:    cfg.Audit.MaxMemoryEvents,
		Logger:       a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening audit trail: %v\n", err)
		os.Exit(1)
	}
	a.audit = trail

	manager, err := keys.NewManager(keys.Config{
		Provider:        a.provider,
		Store:           store,
		Audit:           trail,
		DeviceID:        cfg.Spool.DeviceID,
		HardwareAlias:   cfg.Keys.DeviceKeyAlias,
		ReEncryptPrefix: cfg.Keys.ReEncryptAliasPrefix,
		AuthValidity:    time.Duration(cfg.Keys.AuthValiditySeconds) * time.Second,
		RSABits:         cfg.Keys.RSABits,
		Logger:          a.log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error wiring key manager: %v\n", err)
		os.Exit(1)
	}
	a.keys = manager

	sp, err := spool.New(spool.Config{Dir: cfg.Spool.Dir, Logger: a.log})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening spool: %v\n", err)
		os.Exit(1)
	}
	a.spool = sp

	a.sweepIntervals = sweepIntervals{
		dispatch:     time.Duration(cfg.Spool.DispatchIntervalHours) * time.Hour,
		markSent:     time.Duration(cfg.Spool.MarkSentIntervalHours) * time.Hour,
		markSentWait: time.Duration(cfg.Spool.MarkSentOffsetMinutes) * time.Minute,
		delete:       time.Duration(cfg.Spool.DeleteSentIntervalHours) * time.Hour,
	}

	return a
}

// Close releases components in reverse wiring order.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.log.Warn("close failed", "error", err)
		}
	}
}

// newLogger builds the operational logger from the config. With the
// default config, diagnostics go to the state-dir log file and stdout
// stays reserved for command output.
func newLogger(cfg *config.Config) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}

	log, err := logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    int64(cfg.Logging.MaxSizeMB),
		MaxAge:     cfg.Logging.MaxAgeDays,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
		Component:  "crumblesctl",
	})
	if err != nil {
		return logging.Default()
	}
	logging.SetDefault(log)
	return log
}

// newProvider selects the keystore backend. A configured but
// unavailable TPM degrades to the file keystore rather than leaving
// the CLI unusable.
func newProvider(cfg *config.Config, authz keystore.Authorizer, log *logging.Logger) (keystore.Provider, string) {
	if cfg.Hardware.TPMEnabled {
		p, err := keystore.NewTPMProvider(keystore.TPMConfig{
			Dir:        cfg.Storage.KeyDir,
			DevicePath: cfg.Hardware.TPMPath,
			PCRs:       cfg.Hardware.TPMPCRs,
			Authorizer: authz,
			Logger:     log,
		})
		if err == nil {
			return p, "tpm"
		}
		log.Warn("tpm keystore unavailable, using file keystore", "error", err)
	}

	p, err := keystore.NewFileProvider(keystore.FileConfig{
		Dir:        cfg.Storage.KeyDir,
		SecretPath: cfg.Storage.SecretPath,
		Authorizer: authz,
		Logger:     log,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening keystore: %v\n", err)
		os.Exit(1)
	}
	return p, "file"
}
