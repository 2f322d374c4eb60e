// Package config loads and saves the daemon and CLI configuration. Values come from
// defaults, then an optional YAML file, then CELERIX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/celerix-dev/celerix-spc/internal/spc"
	"github.com/celerix-dev/celerix-spc/internal/vault"
)

// MasterKeyEnv names the variable holding the hex master key for sealed secrets.
const MasterKeyEnv = "CELERIX_MASTER_KEY"

// Poll source names, matching the ingestion kinds that can be fetched.
const (
	SourceAPI      = "api"
	SourceGateway  = "gateway"
	SourcePlatform = "platform"
)

// Storage drivers.
const (
	StorageFile     = "file"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

// Archive drivers.
const (
	ArchiveFS = "fs"
	ArchiveS3 = "s3"
)

// Config is the full daemon and CLI configuration.
type Config struct {
	Dataset  string                  `yaml:"dataset"`
	DataDir  string                  `yaml:"data_dir"`
	HTTPAddr string                  `yaml:"http_addr"`
	Storage  StorageConfig           `yaml:"storage"`
	TLS      TLSConfig               `yaml:"tls"`
	Log      LogConfig               `yaml:"log"`
	Analysis AnalysisConfig          `yaml:"analysis"`
	Sync     SyncConfig              `yaml:"sync"`
	Sources  map[string]SourceConfig `yaml:"sources,omitempty"`
	Webhook  WebhookConfig           `yaml:"webhook"`
	Archive  ArchiveConfig           `yaml:"archive"`

	masterKey []byte
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// DSN is the SQLite path or Postgres connection string. Secret.
	DSN string `yaml:"dsn,omitempty"`
}

type TLSConfig struct {
	Enabled bool `yaml:"enabled"`
}

type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

type AnalysisConfig struct {
	WarningBuffer       float64 `yaml:"warning_buffer"`
	TrendLength         int     `yaml:"trend_length"`
	RunLength           int     `yaml:"run_length"`
	SubgroupSize        int     `yaml:"subgroup_size"`
	MinCapabilityPoints int     `yaml:"min_capability_points"`
}

// Rules converts the analysis section into rule constants.
func (a AnalysisConfig) Rules() spc.Rules {
	return spc.Rules{WarningBuffer: a.WarningBuffer, TrendLength: a.TrendLength, RunLength: a.RunLength}
}

type SyncConfig struct {
	// ActiveSource is started at boot when set.
	ActiveSource string        `yaml:"active_source,omitempty"`
	Interval     time.Duration `yaml:"interval"`
	Timeout      time.Duration `yaml:"timeout"`
}

type SourceConfig struct {
	URL          string            `yaml:"url"`
	APIKey       string            `yaml:"api_key,omitempty"`
	APIKeyHeader string            `yaml:"api_key_header,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
}

type WebhookConfig struct {
	Scheme        string        `yaml:"scheme"`
	Secret        string        `yaml:"secret,omitempty"`
	Tolerance     time.Duration `yaml:"tolerance"`
	HashAlgorithm string        `yaml:"hash_algorithm"`
}

type ArchiveConfig struct {
	Driver string   `yaml:"driver"`
	Dir    string   `yaml:"dir,omitempty"`
	Prefix string   `yaml:"prefix,omitempty"`
	S3     S3Config `yaml:"s3,omitempty"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket,omitempty"`
	Region    string `yaml:"region,omitempty"`
	Endpoint  string `yaml:"endpoint,omitempty"`
	PathStyle bool   `yaml:"path_style,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	rules := spc.DefaultRules()
	return &Config{
		Dataset:  "default",
		DataDir:  "./data",
		HTTPAddr: ":7002",
		Storage:  StorageConfig{Driver: StorageFile},
		Log:      LogConfig{Level: "info"},
		Analysis: AnalysisConfig{
			WarningBuffer:       rules.WarningBuffer,
			TrendLength:         rules.TrendLength,
			RunLength:           rules.RunLength,
			SubgroupSize:        spc.DefaultSubgroupSize,
			MinCapabilityPoints: spc.MinCapabilityPoints,
		},
		Sync:    SyncConfig{Interval: 5 * time.Minute, Timeout: 30 * time.Second},
		Sources: map[string]SourceConfig{},
		Webhook: WebhookConfig{Scheme: "hmac", Tolerance: 300 * time.Second, HashAlgorithm: "sha256"},
		Archive: ArchiveConfig{Driver: ArchiveFS, Prefix: "exports/"},
	}
}

// Load builds the configuration. A missing file at path is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if key := os.Getenv(MasterKeyEnv); key != "" {
		k, err := vault.ParseKey(key)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", MasterKeyEnv, err)
		}
		cfg.masterKey = k
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	if cfg.Sources == nil {
		cfg.Sources = map[string]SourceConfig{}
	}

	if err := cfg.eachSecret(func(s string) (string, error) { return vault.Open(s, cfg.masterKey) }); err != nil {
		return nil, fmt.Errorf("open secrets: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML. Secrets are sealed when a master key is set.
func (c *Config) Save(path string) error {
	out := c.clone()
	if len(c.masterKey) > 0 {
		if err := out.eachSecret(func(s string) (string, error) { return vault.Seal(s, c.masterKey) }); err != nil {
			return fmt.Errorf("seal secrets: %w", err)
		}
	}
	data, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// SetMasterKey replaces the key used to seal secrets on Save.
func (c *Config) SetMasterKey(key []byte) { c.masterKey = key }

func (c *Config) clone() *Config {
	out := *c
	out.Sources = make(map[string]SourceConfig, len(c.Sources))
	for k, v := range c.Sources {
		out.Sources[k] = v
	}
	return &out
}

// eachSecret rewrites every secret field through fn.
func (c *Config) eachSecret(fn func(string) (string, error)) error {
	var err error
	if c.Webhook.Secret, err = fn(c.Webhook.Secret); err != nil {
		return fmt.Errorf("webhook.secret: %w", err)
	}
	if c.Storage.DSN, err = fn(c.Storage.DSN); err != nil {
		return fmt.Errorf("storage.dsn: %w", err)
	}
	for name, src := range c.Sources {
		if src.APIKey, err = fn(src.APIKey); err != nil {
			return fmt.Errorf("sources.%s.api_key: %w", name, err)
		}
		c.Sources[name] = src
	}
	return nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"CELERIX_DATASET":        &c.Dataset,
		"CELERIX_DATA_DIR":       &c.DataDir,
		"CELERIX_HTTP_ADDR":      &c.HTTPAddr,
		"CELERIX_STORAGE_DRIVER": &c.Storage.Driver,
		"CELERIX_STORAGE_DSN":    &c.Storage.DSN,
		"CELERIX_LOG_LEVEL":      &c.Log.Level,
		"CELERIX_SYNC_SOURCE":    &c.Sync.ActiveSource,
		"CELERIX_WEBHOOK_SCHEME": &c.Webhook.Scheme,
		"CELERIX_WEBHOOK_SECRET": &c.Webhook.Secret,
		"CELERIX_ARCHIVE_DRIVER": &c.Archive.Driver,
		"CELERIX_ARCHIVE_BUCKET": &c.Archive.S3.Bucket,
	}
	for env, dst := range str {
		if v, ok := os.LookupEnv(env); ok {
			*dst = v
		}
	}

	if port := os.Getenv("CELERIX_HTTP_PORT"); port != "" && os.Getenv("CELERIX_HTTP_ADDR") == "" {
		c.HTTPAddr = ":" + port
	}
	if os.Getenv("CELERIX_DISABLE_TLS") == "true" {
		c.TLS.Enabled = false
	}
	if v := os.Getenv("CELERIX_TLS_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CELERIX_TLS_ENABLED: %w", err)
		}
		c.TLS.Enabled = b
	}
	if v := os.Getenv("CELERIX_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CELERIX_SYNC_INTERVAL: %w", err)
		}
		c.Sync.Interval = d
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Dataset) == "" || strings.ContainsAny(c.Dataset, `/\`) {
		errs = append(errs, fmt.Errorf("dataset %q is not a valid name", c.Dataset))
	}
	switch c.Storage.Driver {
	case StorageFile, StorageSQLite:
	case StoragePostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}
	switch c.Webhook.Scheme {
	case "hmac", "prefixed-hmac", "timestamped-hmac", "raw-hash":
	default:
		errs = append(errs, fmt.Errorf("unknown webhook scheme %q", c.Webhook.Scheme))
	}
	switch c.Webhook.HashAlgorithm {
	case "", "sha256", "blake3":
	default:
		errs = append(errs, fmt.Errorf("unknown webhook hash algorithm %q", c.Webhook.HashAlgorithm))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, fmt.Errorf("sync.interval must be positive, got %s", c.Sync.Interval))
	}
	if c.Sync.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.timeout must be positive, got %s", c.Sync.Timeout))
	}
	for name, src := range c.Sources {
		if !IsPollSource(name) {
			errs = append(errs, fmt.Errorf("unknown poll source %q", name))
		}
		if src.URL == "" {
			errs = append(errs, fmt.Errorf("sources.%s.url is required", name))
		}
	}
	if s := c.Sync.ActiveSource; s != "" {
		if _, ok := c.Sources[s]; !ok {
			errs = append(errs, fmt.Errorf("sync.active_source %q has no sources entry", s))
		}
	}
	switch c.Archive.Driver {
	case ArchiveFS:
	case ArchiveS3:
		if c.Archive.S3.Bucket == "" {
			errs = append(errs, errors.New("archive.s3.bucket is required for s3"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown archive driver %q", c.Archive.Driver))
	}
	if c.Analysis.WarningBuffer < 0 || c.Analysis.WarningBuffer >= 0.5 {
		errs = append(errs, fmt.Errorf("analysis.warning_buffer must be in [0, 0.5), got %g", c.Analysis.WarningBuffer))
	}
	return errors.Join(errs...)
}

// IsPollSource reports whether name is a source kind the scheduler can fetch.
func IsPollSource(name string) bool {
	return name == SourceAPI || name == SourceGateway || name == SourcePlatform
}

// ArchiveDir returns the filesystem archive directory, defaulting under DataDir.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return c.Archive.Dir
	}
	return filepath.Join(c.DataDir, "archive")
}
