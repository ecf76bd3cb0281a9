// Package config loads the boardsync HCL configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/hashicorp-forge/boardsync/pkg/persistence"
	"github.com/hashicorp-forge/boardsync/pkg/storage/assetstore"
	"github.com/hashicorp-forge/boardsync/pkg/storage/s3"
)

// Default values
const (
	DefaultLogLevel      = "info"
	DefaultDataDir       = ".boardsync"
	DefaultCapacityBytes = 5 * 1024 * 1024
)

// Config is the root of the configuration file.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error (default: info).
	LogLevel string `hcl:"log_level,optional"`

	// Debounce is how long saves are collapsed before a cycle runs
	// (default: 300ms).
	Debounce string `hcl:"debounce,optional"`

	// FlushTimeout bounds how long a flush waits for the slow tier
	// (default: 1500ms).
	FlushTimeout string `hcl:"flush_timeout,optional"`

	FastTier       *FastTier       `hcl:"fast_tier,block"`
	AssetStore     *AssetStore     `hcl:"asset_store,block"`
	BackgroundSync *BackgroundSync `hcl:"background_sync,block"`

	// S3 configures the slow tier. Without it the slow tier is disabled.
	S3 *s3.Config `hcl:"s3,block"`
}

// FastTier configures the local snapshot store.
type FastTier struct {
	Path          string `hcl:"path,optional"`
	CapacityBytes int64  `hcl:"capacity_bytes,optional"`
}

// AssetStore configures the local asset database.
type AssetStore struct {
	Path          string `hcl:"path,optional"`
	ObsoleteAfter string `hcl:"obsolete_after,optional"`
}

// BackgroundSync configures retries of failed slow tier writes.
type BackgroundSync struct {
	MaxAttempts     int    `hcl:"max_attempts,optional"`
	InitialInterval string `hcl:"initial_interval,optional"`
	MaxElapsed      string `hcl:"max_elapsed,optional"`
}

// NewConfig parses, defaults and validates the configuration file at path.
func NewConfig(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return finish(&cfg)
}

// Parse is like NewConfig for configuration already in memory. filename
// selects the syntax by its extension (.hcl or .json).
func Parse(filename string, src []byte) (*Config, error) {
	var cfg Config
	if err := hclsimple.Decode(filename, src, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return finish(&cfg)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

func finish(cfg *Config) (*Config, error) {
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SetDefaults sets default values for optional configuration fields.
func (c *Config) SetDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Debounce == "" {
		c.Debounce = persistence.DefaultDebounce.String()
	}
	if c.FlushTimeout == "" {
		c.FlushTimeout = persistence.DefaultFlushTimeout.String()
	}

	if c.FastTier == nil {
		c.FastTier = &FastTier{}
	}
	if c.FastTier.Path == "" {
		c.FastTier.Path = filepath.Join(DefaultDataDir, "local")
	}
	if c.FastTier.CapacityBytes == 0 {
		c.FastTier.CapacityBytes = DefaultCapacityBytes
	}

	if c.AssetStore == nil {
		c.AssetStore = &AssetStore{}
	}
	if c.AssetStore.Path == "" {
		c.AssetStore.Path = filepath.Join(DefaultDataDir, "files.db")
	}
	if c.AssetStore.ObsoleteAfter == "" {
		c.AssetStore.ObsoleteAfter = assetstore.DefaultObsoleteAfter.String()
	}

	if c.BackgroundSync == nil {
		c.BackgroundSync = &BackgroundSync{}
	}
	if c.BackgroundSync.MaxAttempts == 0 {
		c.BackgroundSync.MaxAttempts = persistence.DefaultRetryMaxAttempts
	}
	if c.BackgroundSync.InitialInterval == "" {
		c.BackgroundSync.InitialInterval = persistence.DefaultRetryInitialInterval.String()
	}
	if c.BackgroundSync.MaxElapsed == "" {
		c.BackgroundSync.MaxElapsed = persistence.DefaultRetryMaxElapsedTime.String()
	}

	if c.S3 != nil {
		c.S3.SetDefaults()
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.LogLevel, validation.By(isLogLevel)),
		validation.Field(&c.Debounce, validation.By(isPositiveDuration)),
		validation.Field(&c.FlushTimeout, validation.By(isPositiveDuration)),
		validation.Field(&c.FastTier, validation.NotNil),
		validation.Field(&c.AssetStore, validation.NotNil),
		validation.Field(&c.BackgroundSync, validation.NotNil),
	)
	if err != nil {
		return err
	}

	err = validation.ValidateStruct(c.FastTier,
		validation.Field(&c.FastTier.Path, validation.Required),
		validation.Field(&c.FastTier.CapacityBytes, validation.Min(int64(0))),
	)
	if err != nil {
		return fmt.Errorf("fast_tier: %w", err)
	}

	err = validation.ValidateStruct(c.AssetStore,
		validation.Field(&c.AssetStore.Path, validation.Required),
		validation.Field(&c.AssetStore.ObsoleteAfter, validation.By(isPositiveDuration)),
	)
	if err != nil {
		return fmt.Errorf("asset_store: %w", err)
	}

	err = validation.ValidateStruct(c.BackgroundSync,
		validation.Field(&c.BackgroundSync.MaxAttempts, validation.Min(1)),
		validation.Field(&c.BackgroundSync.InitialInterval, validation.By(isPositiveDuration)),
		validation.Field(&c.BackgroundSync.MaxElapsed, validation.By(isPositiveDuration)),
	)
	if err != nil {
		return fmt.Errorf("background_sync: %w", err)
	}

	if c.S3 != nil {
		if err := c.S3.Validate(); err != nil {
			return fmt.Errorf("s3: %w", err)
		}
	}
	return nil
}

// Persistence returns the coordinator configuration. The configuration must
// have been validated.
func (c *Config) Persistence() persistence.Config {
	return persistence.Config{
		Debounce:     mustDuration(c.Debounce),
		FlushTimeout: mustDuration(c.FlushTimeout),
		Retry: persistence.RetryConfig{
			MaxAttempts:     c.BackgroundSync.MaxAttempts,
			InitialInterval: mustDuration(c.BackgroundSync.InitialInterval),
			MaxElapsedTime:  mustDuration(c.BackgroundSync.MaxElapsed),
		},
	}
}

// AssetStoreConfig returns the asset store configuration.
func (c *Config) AssetStoreConfig() assetstore.Config {
	return assetstore.Config{
		Path:          c.AssetStore.Path,
		ObsoleteAfter: mustDuration(c.AssetStore.ObsoleteAfter),
	}
}

// Logger builds the root logger at the configured level.
func (c *Config) Logger(name string) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   name,
		Level:  hclog.LevelFromString(c.LogLevel),
		Output: os.Stderr,
	})
}

func isLogLevel(value interface{}) error {
	s, _ := value.(string)
	if hclog.LevelFromString(s) == hclog.NoLevel {
		return fmt.Errorf("unknown log level %q", s)
	}
	return nil
}

func isPositiveDuration(value interface{}) error {
	s, _ := value.(string)
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("must be a duration such as \"300ms\": %v", err)
	}
	if d <= 0 {
		return fmt.Errorf("must be positive")
	}
	return nil
}

func mustDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("unvalidated duration %q: %v", s, err))
	}
	return d
}
