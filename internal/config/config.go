// Package config handles configuration loading, validation, and management for crumbles.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete crumbles configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for persistence.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Keys configuration for the key lifecycle.
	Keys KeysConfig `toml:"keys" json:"keys" yaml:"keys"`

	// Hardware security configuration.
	Hardware HardwareConfig `toml:"hardware" json:"hardware" yaml:"hardware"`

	// Audit trail configuration.
	Audit AuditConfig `toml:"audit" json:"audit" yaml:"audit"`

	// Spool configuration for encrypted batch files.
	Spool SpoolConfig `toml:"spool" json:"spool" yaml:"spool"`

	// Logging configuration for the operational log.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// mu protects concurrent access to the config.
	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// DataDir is the base directory for all crumbles state.
	DataDir string `toml:"data_dir" json:"data_dir" yaml:"data_dir"`

	// KeyDir is the directory holding software keystore entries.
	KeyDir string `toml:"key_dir" json:"key_dir" yaml:"key_dir"`

	// SecretPath is the path to the device secret used to derive
	// at-rest encryption keys for the software keystore.
	SecretPath string `toml:"secret_path" json:"secret_path" yaml:"secret_path"`

	// KVPath is the path to the encrypted key-value database.
	KVPath string `toml:"kv_path" json:"kv_path" yaml:"kv_path"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`
}

// KeysConfig holds key lifecycle configuration.
type KeysConfig struct {
	// DeviceKeyAlias is the alias of the device-custody RSA key pair.
	DeviceKeyAlias string `toml:"device_key_alias" json:"device_key_alias" yaml:"device_key_alias"`

	// StoreMasterAlias is the alias of the key pair that wraps
	// key-value store entries. Generated lazily, never auth-gated.
	StoreMasterAlias string `toml:"store_master_alias" json:"store_master_alias" yaml:"store_master_alias"`

	// ReEncryptAliasPrefix prefixes every internally generated
	// re-encryption key alias.
	ReEncryptAliasPrefix string `toml:"re_encrypt_alias_prefix" json:"re_encrypt_alias_prefix" yaml:"re_encrypt_alias_prefix"`

	// AuthValiditySeconds is how long a user authorization remains
	// valid for operations on the device key.
	AuthValiditySeconds int `toml:"auth_validity_seconds" json:"auth_validity_seconds" yaml:"auth_validity_seconds"`

	// RSABits is the modulus size for generated RSA key pairs.
	RSABits int `toml:"rsa_bits" json:"rsa_bits" yaml:"rsa_bits"`
}

// HardwareConfig holds TPM configuration.
type HardwareConfig struct {
	// TPMEnabled selects the TPM-sealed keystore when true.
	TPMEnabled bool `toml:"tpm_enabled" json:"tpm_enabled" yaml:"tpm_enabled"`

	// TPMPath is the path to the TPM device (Linux: /dev/tpmrm0, /dev/tpm0).
	TPMPath string `toml:"tpm_path" json:"tpm_path" yaml:"tpm_path"`

	// TPMPCRs is the list of PCR indices bound into the seal policy.
	TPMPCRs []int `toml:"tpm_pcrs" json:"tpm_pcrs" yaml:"tpm_pcrs"`
}

// AuditConfig holds audit trail configuration.
type AuditConfig struct {
	// Dir is the directory holding the audit log files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// CurrentFile is the name of the active audit log file.
	CurrentFile string `toml:"current_file" json:"current_file" yaml:"current_file"`

	// OldFile is the name the active file is rotated to.
	OldFile string `toml:"old_file" json:"old_file" yaml:"old_file"`

	// MaxFileSizeBytes is the rotation threshold for the active file.
	MaxFileSizeBytes int64 `toml:"max_file_size_bytes" json:"max_file_size_bytes" yaml:"max_file_size_bytes"`

	// MaxMemoryEvents bounds the in-memory event cache.
	MaxMemoryEvents int `toml:"max_memory_events" json:"max_memory_events" yaml:"max_memory_events"`
}

// SpoolConfig holds encrypted batch spool configuration.
type SpoolConfig struct {
	// Dir is the directory holding encrypted batch files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// DeviceID identifies this device in batch metadata.
	DeviceID string `toml:"device_id" json:"device_id" yaml:"device_id"`

	// DispatchIntervalHours is the cadence for dispatching pending batches.
	DispatchIntervalHours int `toml:"dispatch_interval_hours" json:"dispatch_interval_hours" yaml:"dispatch_interval_hours"`

	// MarkSentIntervalHours is the cadence for confirming dispatched batches.
	MarkSentIntervalHours int `toml:"mark_sent_interval_hours" json:"mark_sent_interval_hours" yaml:"mark_sent_interval_hours"`

	// MarkSentOffsetMinutes delays the first confirmation pass.
	MarkSentOffsetMinutes int `toml:"mark_sent_offset_minutes" json:"mark_sent_offset_minutes" yaml:"mark_sent_offset_minutes"`

	// DeleteSentIntervalHours is the cadence for removing confirmed batches.
	DeleteSentIntervalHours int `toml:"delete_sent_interval_hours" json:"delete_sent_interval_hours" yaml:"delete_sent_interval_hours"`
}

// LoggingConfig holds operational logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := CrumblesDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			DataDir:       dir,
			KeyDir:        filepath.Join(dir, "keystore"),
			SecretPath:    filepath.Join(dir, "device_secret"),
			KVPath:        filepath.Join(dir, "kv.db"),
			BusyTimeoutMs: 5000,
		},
		Keys: KeysConfig{
			DeviceKeyAlias:       "crumbles.device",
			StoreMasterAlias:     "crumbles.store.master",
			ReEncryptAliasPrefix: "re_encrypt_",
			AuthValiditySeconds:  30,
			RSABits:              2048,
		},
		Hardware: HardwareConfig{
			TPMEnabled: false,
			TPMPath:    defaultTPMPath(),
			TPMPCRs:    []int{0, 4, 7},
		},
		Audit: AuditConfig{
			Dir:              dir,
			CurrentFile:      "app_audit_log.jsonl",
			OldFile:          "app_audit_log.old.jsonl",
			MaxFileSizeBytes: 512 * 1024,
			MaxMemoryEvents:  100,
		},
		Spool: SpoolConfig{
			Dir:                     filepath.Join(dir, "spool"),
			DeviceID:                "123456789",
			DispatchIntervalHours:   8,
			MarkSentIntervalHours:   8,
			MarkSentOffsetMinutes:   10,
			DeleteSentIntervalHours: 24,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "crumbles.log"),
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(CrumblesDir(), "config.toml")
}

// CrumblesDir returns the base crumbles data directory.
// Uses platform-specific paths or the CRUMBLES_DATA_DIR environment override.
func CrumblesDir() string {
	if envDir := os.Getenv("CRUMBLES_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// Load reads configuration from the specified path.
// If the file doesn't exist, returns default configuration.
// Supports TOML, JSON, and YAML formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}

	cfg.ApplyEnvOverrides()

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Version < 1 || c.Version > Version {
		return fmt.Errorf("config: unsupported version %d (current: %d)", c.Version, Version)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("config: storage.data_dir must not be empty")
	}
	if c.Keys.DeviceKeyAlias == "" || c.Keys.StoreMasterAlias == "" {
		return fmt.Errorf("config: key aliases must not be empty")
	}
	if c.Keys.DeviceKeyAlias == c.Keys.StoreMasterAlias {
		return fmt.Errorf("config: device and store master aliases must differ")
	}
	if c.Keys.ReEncryptAliasPrefix == "" {
		return fmt.Errorf("config: keys.re_encrypt_alias_prefix must not be empty")
	}
	if c.Keys.AuthValiditySeconds <= 0 {
		return fmt.Errorf("config: keys.auth_validity_seconds must be positive")
	}
	if c.Keys.RSABits < 2048 {
		return fmt.Errorf("config: keys.rsa_bits must be at least 2048")
	}
	if c.Audit.MaxFileSizeBytes <= 0 {
		return fmt.Errorf("config: audit.max_file_size_bytes must be positive")
	}
	if c.Audit.MaxMemoryEvents <= 0 {
		return fmt.Errorf("config: audit.max_memory_events must be positive")
	}
	if c.Audit.CurrentFile == "" || c.Audit.OldFile == "" {
		return fmt.Errorf("config: audit file names must not be empty")
	}
	if c.Audit.CurrentFile == c.Audit.OldFile {
		return fmt.Errorf("config: audit current and old file names must differ")
	}
	if c.Spool.Dir == "" {
		return fmt.Errorf("config: spool.dir must not be empty")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Logging.Level)
	}
	return nil
}

// EnsureDirectories creates all directories the configuration refers to.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Storage.DataDir,
		c.Storage.KeyDir,
		filepath.Dir(c.Storage.KVPath),
		c.Audit.Dir,
		c.Spool.Dir,
		filepath.Dir(c.Logging.FilePath),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with CRUMBLES_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if v := os.Getenv("CRUMBLES_KV_PATH"); v != "" {
		c.Storage.KVPath = v
	}
	if v := os.Getenv("CRUMBLES_KEY_DIR"); v != "" {
		c.Storage.KeyDir = v
	}
	if v := os.Getenv("CRUMBLES_SPOOL_DIR"); v != "" {
		c.Spool.Dir = v
	}
	if v := os.Getenv("CRUMBLES_DEVICE_ID"); v != "" {
		c.Spool.DeviceID = v
	}
	if v := os.Getenv("CRUMBLES_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("CRUMBLES_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("CRUMBLES_TPM_PATH"); v != "" {
		c.Hardware.TPMPath = v
	}
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := Config{
		Version:  c.Version,
		Storage:  c.Storage,
		Keys:     c.Keys,
		Hardware: c.Hardware,
		Audit:    c.Audit,
		Spool:    c.Spool,
		Logging:  c.Logging,
	}
	clone.Hardware.TPMPCRs = append([]int{}, c.Hardware.TPMPCRs...)

	return &clone
}

// SaveConfig writes the configuration to the given path as TOML.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}
