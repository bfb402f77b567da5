package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	if cfg.Keys.AuthValiditySeconds != 30 {
		t.Errorf("auth validity = %d, want 30", cfg.Keys.AuthValiditySeconds)
	}
	if cfg.Audit.MaxFileSizeBytes != 512*1024 {
		t.Errorf("audit threshold = %d, want %d", cfg.Audit.MaxFileSizeBytes, 512*1024)
	}
	if cfg.Audit.MaxMemoryEvents != 100 {
		t.Errorf("audit cache = %d, want 100", cfg.Audit.MaxMemoryEvents)
	}
	if cfg.Keys.ReEncryptAliasPrefix != "re_encrypt_" {
		t.Errorf("re-encrypt prefix = %q", cfg.Keys.ReEncryptAliasPrefix)
	}
}

func TestLoadTOML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	content := `
version = 1

[keys]
device_key_alias = "test.device"
auth_validity_seconds = 60

[spool]
device_id = "dev-42"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Keys.DeviceKeyAlias != "test.device" {
		t.Errorf("device alias = %q", cfg.Keys.DeviceKeyAlias)
	}
	if cfg.Keys.AuthValiditySeconds != 60 {
		t.Errorf("auth validity = %d", cfg.Keys.AuthValiditySeconds)
	}
	if cfg.Spool.DeviceID != "dev-42" {
		t.Errorf("device id = %q", cfg.Spool.DeviceID)
	}
	// Unset fields keep defaults
	if cfg.Keys.StoreMasterAlias != "crumbles.store.master" {
		t.Errorf("store master alias = %q", cfg.Keys.StoreMasterAlias)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
version: 1
keys:
  rsa_bits: 4096
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keys.RSABits != 4096 {
		t.Errorf("rsa_bits = %d, want 4096", cfg.Keys.RSABits)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Keys.DeviceKeyAlias != "crumbles.device" {
		t.Errorf("expected defaults, got alias %q", cfg.Keys.DeviceKeyAlias)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CRUMBLES_DEVICE_ID", "env-device")
	t.Setenv("CRUMBLES_LOG_LEVEL", "debug")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Spool.DeviceID != "env-device" {
		t.Errorf("device id = %q", cfg.Spool.DeviceID)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero auth validity", func(c *Config) { c.Keys.AuthValiditySeconds = 0 }},
		{"small rsa", func(c *Config) { c.Keys.RSABits = 1024 }},
		{"alias collision", func(c *Config) { c.Keys.StoreMasterAlias = c.Keys.DeviceKeyAlias }},
		{"empty prefix", func(c *Config) { c.Keys.ReEncryptAliasPrefix = "" }},
		{"audit file collision", func(c *Config) { c.Audit.OldFile = c.Audit.CurrentFile }},
		{"empty audit file", func(c *Config) { c.Audit.CurrentFile = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad version", func(c *Config) { c.Version = 99 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected file to be created")
	}
	if cfg == nil {
		t.Fatal("nil config")
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("file should already exist")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.Spool.DeviceID = "changed"
	clone.Hardware.TPMPCRs[0] = 99

	if cfg.Spool.DeviceID == "changed" {
		t.Error("clone shares scalar state")
	}
	if cfg.Hardware.TPMPCRs[0] == 99 {
		t.Error("clone shares PCR slice")
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	if err := os.WriteFile(path, []byte("version = 1\n"), 0600); err != nil {
		t.Fatal(err)
	}

	loader := NewLoader(path)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loader.Close()

	changed := make(chan *Config, 1)
	loader.OnChange(func(c *Config) {
		select {
		case changed <- c:
		default:
		}
	})

	if err := loader.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	update := "version = 1\n\n[spool]\ndevice_id = \"reloaded\"\n"
	if err := os.WriteFile(path, []byte(update), 0600); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changed:
		if cfg.Spool.DeviceID != "reloaded" {
			t.Errorf("device id after reload = %q", cfg.Spool.DeviceID)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not invoked")
	}
}
