// Package config loads tgvault settings through a three-layer chain:
// compiled defaults, an optional TOML file, then environment variable
// overrides. Environment always wins so containerized deployments can
// override a checked-in config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variable names. API_ID and API_HASH are required; the
// rest override defaults or file values.
const (
	EnvAPIID          = "API_ID"
	EnvAPIHash        = "API_HASH"
	EnvBackupDir      = "BACKUP_DIR"
	EnvMaxConcurrent  = "MAX_CONCURRENT_DOWNLOADS"
	EnvBatchSize      = "DOWNLOAD_BATCH_SIZE"
	EnvBatchSizeBytes = "DOWNLOAD_BATCH_SIZE_BYTES"
	EnvMaxRetries     = "MAX_DOWNLOAD_RETRIES"
	EnvRetryDelay     = "RETRY_DELAY"
	EnvMaxFileSize    = "MAX_FILE_SIZE"
	EnvHashAlgorithm  = "HASH_ALGORITHM"
	EnvLogLevel       = "LOG_LEVEL"
)

// ErrMissingCredentials is returned by Validate when API_ID or API_HASH
// is absent. The operator surface treats this as an auth bootstrap
// failure (nonzero exit).
var ErrMissingCredentials = errors.New("config: API_ID and API_HASH must be set")

// Config is the effective tgvault configuration after all layers are
// resolved. Size fields are in bytes; RetryDelay is the backoff base.
type Config struct {
	APIID   int    `toml:"api_id"`
	APIHash string `toml:"api_hash"`

	BackupDir string `toml:"backup_dir"`

	MaxConcurrentDownloads int           `toml:"max_concurrent_downloads"`
	DownloadBatchSize      int           `toml:"download_batch_size"`
	DownloadBatchBytes     int64         `toml:"-"`
	MaxRetries             int           `toml:"max_download_retries"`
	RetryDelay             time.Duration `toml:"-"`
	MaxFileSize            int64         `toml:"-"`

	HashAlgorithm string `toml:"hash_algorithm"`
	LogLevel      string `toml:"log_level"`

	// String forms of the size/duration fields as they appear in TOML.
	// Resolved into the typed fields by finalize.
	DownloadBatchBytesStr string  `toml:"download_batch_size_bytes"`
	MaxFileSizeStr        string  `toml:"max_file_size"`
	RetryDelaySeconds     float64 `toml:"retry_delay"`
}

// Default values per the operator contract.
const (
	defaultBackupDir     = "backups"
	defaultMaxConcurrent = 5
	defaultBatchSize     = 5
	defaultBatchBytes    = "100MiB"
	defaultMaxRetries    = 3
	defaultRetrySeconds  = 2.0
	defaultMaxFileSize   = "2GiB"
	defaultHashAlgorithm = "blake3"
	defaultLogLevel      = "info"
)

// Default returns a Config populated with compiled defaults. Credentials
// are intentionally empty; Validate rejects a config without them.
func Default() *Config {
	return &Config{
		BackupDir:              defaultBackupDir,
		MaxConcurrentDownloads: defaultMaxConcurrent,
		DownloadBatchSize:      defaultBatchSize,
		DownloadBatchBytesStr:  defaultBatchBytes,
		MaxRetries:             defaultMaxRetries,
		RetryDelaySeconds:      defaultRetrySeconds,
		MaxFileSizeStr:         defaultMaxFileSize,
		HashAlgorithm:          defaultHashAlgorithm,
		LogLevel:               defaultLogLevel,
	}
}

// Load resolves the configuration: defaults, then the TOML file at path
// (skipped when path is empty or the file does not exist), then
// environment overrides. The returned config is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, cfg); err != nil {
				return nil, fmt.Errorf("config: parsing %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyEnv overlays environment variables onto cfg.
func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAPIID); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s must be an integer: %w", EnvAPIID, err)
		}

		cfg.APIID = id
	}

	if v := os.Getenv(EnvAPIHash); v != "" {
		cfg.APIHash = v
	}

	if v := os.Getenv(EnvBackupDir); v != "" {
		cfg.BackupDir = v
	}

	if v := os.Getenv(EnvHashAlgorithm); v != "" {
		cfg.HashAlgorithm = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if v := os.Getenv(EnvBatchSizeBytes); v != "" {
		cfg.DownloadBatchBytesStr = v
	}

	if v := os.Getenv(EnvMaxFileSize); v != "" {
		cfg.MaxFileSizeStr = v
	}

	if err := envInt(EnvMaxConcurrent, &cfg.MaxConcurrentDownloads); err != nil {
		return err
	}

	if err := envInt(EnvBatchSize, &cfg.DownloadBatchSize); err != nil {
		return err
	}

	if err := envInt(EnvMaxRetries, &cfg.MaxRetries); err != nil {
		return err
	}

	if v := os.Getenv(EnvRetryDelay); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: %s must be a number of seconds: %w", EnvRetryDelay, err)
		}

		cfg.RetryDelaySeconds = secs
	}

	return nil
}

// envInt parses an integer environment variable into dst when set.
func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}

	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("config: %s must be an integer: %w", name, err)
	}

	*dst = n

	return nil
}

// finalize converts the string-form size and duration fields into their
// typed counterparts.
func (c *Config) finalize() error {
	batchBytes, err := ParseSize(c.DownloadBatchBytesStr)
	if err != nil {
		return fmt.Errorf("config: download_batch_size_bytes: %w", err)
	}

	maxFile, err := ParseSize(c.MaxFileSizeStr)
	if err != nil {
		return fmt.Errorf("config: max_file_size: %w", err)
	}

	c.DownloadBatchBytes = batchBytes
	c.MaxFileSize = maxFile
	c.RetryDelay = time.Duration(c.RetryDelaySeconds * float64(time.Second))

	return nil
}

// Validate checks required fields and value ranges.
func (c *Config) Validate() error {
	if c.APIID == 0 || c.APIHash == "" {
		return ErrMissingCredentials
	}

	if c.MaxConcurrentDownloads < 1 {
		return fmt.Errorf("config: max_concurrent_downloads must be >= 1, got %d", c.MaxConcurrentDownloads)
	}

	if c.DownloadBatchSize < 1 {
		return fmt.Errorf("config: download_batch_size must be >= 1, got %d", c.DownloadBatchSize)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_download_retries must be >= 0, got %d", c.MaxRetries)
	}

	if c.RetryDelay < 0 {
		return fmt.Errorf("config: retry_delay must be >= 0, got %v", c.RetryDelay)
	}

	switch c.HashAlgorithm {
	case "blake3", "sha256":
	default:
		return fmt.Errorf("config: unsupported hash_algorithm %q (blake3 or sha256)", c.HashAlgorithm)
	}

	return nil
}
