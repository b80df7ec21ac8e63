package statehistory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// BackendKind selects where analyses store their state history.
type BackendKind string

const (
	BackendMemory      BackendKind = "memory"
	BackendHistoryFile BackendKind = "historyfile"
	BackendSQLite      BackendKind = "sqlite"
)

// ArtifactStoreKind selects the artifact store history files are written to.
type ArtifactStoreKind string

const (
	ArtifactStoreFile   ArtifactStoreKind = "file"
	ArtifactStoreMemory ArtifactStoreKind = "memory"
	ArtifactStoreS3     ArtifactStoreKind = "s3"
	// ArtifactStoreTiered keeps artifacts in a local directory backed by S3.
	ArtifactStoreTiered ArtifactStoreKind = "tiered"
)

// EnvPrefix prefixes every environment variable read by LoadConfig.
const EnvPrefix = "STATEHISTORY_"

// Config defines how analyses are built and where their results live.
type Config struct {
	// Backend is the history backend used for new builds.
	// Default: historyfile.
	Backend BackendKind `yaml:"backend" env:"BACKEND"`

	// Artifacts configures the artifact store.
	Artifacts ArtifactsConfig `yaml:"artifacts" envPrefix:"ARTIFACTS_"`

	// S3 configures the S3 store, used by the s3 and tiered artifact stores.
	S3 S3Config `yaml:"s3" envPrefix:"S3_"`

	// SQLite configures the sqlite backend. Path is replaced by a file per
	// analysis under the project directory.
	SQLite SQLiteConfig `yaml:"sqlite" envPrefix:"SQLITE_"`

	// Encryption configures encryption of artifacts at rest.
	Encryption EncryptionConfig `yaml:"encryption" envPrefix:"ENCRYPTION_"`

	// Build tunes the analysis build pass.
	Build BuildConfig `yaml:"build" envPrefix:"BUILD_"`

	// Logger receives diagnostics. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`
}

// ArtifactsConfig groups artifact store settings.
type ArtifactsConfig struct {
	// Store selects the artifact store. Default: file.
	Store ArtifactStoreKind `yaml:"store" env:"STORE"`

	// Dir is the root of the file store. When empty each project keeps its
	// artifacts in its own directory.
	Dir string `yaml:"dir" env:"DIR"`

	// WriteThrough also writes new artifacts to the cold tier of a tiered
	// store. Default: true.
	WriteThrough bool `yaml:"write_through" env:"WRITE_THROUGH"`
}

// BuildConfig groups history build settings.
type BuildConfig struct {
	// NodeCapacity is the number of intervals per history-file node.
	// Default: 512.
	NodeCapacity int `yaml:"node_capacity" env:"NODE_CAPACITY"`

	// Compression is the history-file node codec. Default: snappy.
	Compression Compression `yaml:"compression" env:"COMPRESSION"`

	// CacheSize is the number of decoded nodes kept per history file.
	// Default: 64.
	CacheSize int `yaml:"cache_size" env:"CACHE_SIZE"`

	// CancelCheckInterval is the number of events handled between context
	// checks. Default: 1024.
	CancelCheckInterval int `yaml:"cancel_check_interval" env:"CANCEL_CHECK_INTERVAL"`
}

// DefaultConfig returns a configuration with sensible defaults. dir is the
// root of the file artifact store and may be empty.
func DefaultConfig(dir string) Config {
	s3 := S3Config{Region: "us-east-1", CacheSize: 16, Retry: DefaultRetryConfig()}
	return Config{
		Backend: BackendHistoryFile,
		Artifacts: ArtifactsConfig{
			Store:        ArtifactStoreFile,
			Dir:          dir,
			WriteThrough: true,
		},
		S3:     s3,
		SQLite: DefaultSQLiteConfig(),
		Build: BuildConfig{
			NodeCapacity:        defaultNodeCapacity,
			Compression:         CompressionSnappy,
			CacheSize:           defaultNodeCacheSize,
			CancelCheckInterval: 1024,
		},
	}
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendMemory, BackendHistoryFile, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	switch c.Artifacts.Store {
	case ArtifactStoreFile, ArtifactStoreMemory:
	case ArtifactStoreS3, ArtifactStoreTiered:
		if c.S3.Bucket == "" {
			errs = append(errs, fmt.Errorf("artifact store %q needs an S3 bucket", c.Artifacts.Store))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown artifact store %q", c.Artifacts.Store))
	}
	if c.Artifacts.Store == ArtifactStoreTiered && c.Artifacts.Dir == "" {
		errs = append(errs, errors.New("tiered artifact store needs a local directory"))
	}
	if _, err := c.Build.Compression.id(); err != nil {
		errs = append(errs, err)
	}
	if c.Build.NodeCapacity < 0 {
		errs = append(errs, fmt.Errorf("node capacity %d is negative", c.Build.NodeCapacity))
	}
	if c.Build.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("cache size %d is negative", c.Build.CacheSize))
	}
	if c.Build.CancelCheckInterval < 0 {
		errs = append(errs, fmt.Errorf("cancel check interval %d is negative", c.Build.CancelCheckInterval))
	}
	if c.SQLite.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("sqlite batch size %d is negative", c.SQLite.BatchSize))
	}
	if err := c.Encryption.validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, errors.Join(errs...))
	}
	return nil
}

func (c Config) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

func (c Config) historyFileOptions() HistoryFileOptions {
	return HistoryFileOptions{
		NodeCapacity: c.Build.NodeCapacity,
		Compression:  c.Build.Compression,
		CacheSize:    c.Build.CacheSize,
		Logger:       c.logger(),
	}
}

// LoadConfig reads a YAML file over DefaultConfig and then applies
// STATEHISTORY_* environment overrides. An empty path only reads the
// environment.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig("")
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// NewArtifactStore opens the configured artifact store rooted at dir,
// wrapped for encryption when enabled. dir overrides Artifacts.Dir when
// not empty.
func NewArtifactStore(ctx context.Context, cfg Config, dir string) (ArtifactStore, error) {
	if dir == "" {
		dir = cfg.Artifacts.Dir
	}
	var (
		store ArtifactStore
		err   error
	)
	switch cfg.Artifacts.Store {
	case ArtifactStoreFile, "":
		store, err = NewFileArtifactStore(dir)
	case ArtifactStoreMemory:
		store = NewMemoryArtifactStore()
	case ArtifactStoreS3:
		store, err = NewS3ArtifactStore(ctx, cfg.S3)
	case ArtifactStoreTiered:
		var hot *FileArtifactStore
		if hot, err = NewFileArtifactStore(dir); err != nil {
			break
		}
		var cold *S3ArtifactStore
		if cold, err = NewS3ArtifactStore(ctx, cfg.S3); err != nil {
			break
		}
		store = NewTieredArtifactStore(hot, cold, cfg.Artifacts.WriteThrough)
	default:
		err = fmt.Errorf("unknown artifact store %q: %w", cfg.Artifacts.Store, ErrInvalidArgument)
	}
	if err != nil {
		return nil, err
	}
	return NewEncryptedArtifactStore(store, cfg.Encryption)
}
