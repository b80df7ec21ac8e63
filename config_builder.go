package statehistory

import "log/slog"

// ConfigBuilder provides a fluent API for constructing a [Config].
// It starts from [DefaultConfig] defaults, so only fields that differ
// from the defaults need to be set.
//
//	cfg, err := statehistory.NewConfigBuilder("/data/traces").
//	    WithBackend(statehistory.BackendSQLite).
//	    WithEncryptionPassword("secret").
//	    Build()
type ConfigBuilder struct {
	cfg Config
}

// NewConfigBuilder creates a builder pre-populated with [DefaultConfig] values.
func NewConfigBuilder(dir string) *ConfigBuilder {
	return &ConfigBuilder{cfg: DefaultConfig(dir)}
}

// WithBackend selects the history backend.
func (b *ConfigBuilder) WithBackend(kind BackendKind) *ConfigBuilder {
	b.cfg.Backend = kind
	return b
}

// WithMemoryArtifacts keeps artifacts in memory only.
func (b *ConfigBuilder) WithMemoryArtifacts() *ConfigBuilder {
	b.cfg.Artifacts.Store = ArtifactStoreMemory
	return b
}

// WithS3 stores artifacts in S3. With tiered set, the local directory is
// kept as a hot tier in front of the bucket.
func (b *ConfigBuilder) WithS3(s3 S3Config, tiered bool) *ConfigBuilder {
	if s3.Retry.MaxAttempts == 0 {
		s3.Retry = b.cfg.S3.Retry
	}
	b.cfg.S3 = s3
	if tiered {
		b.cfg.Artifacts.Store = ArtifactStoreTiered
	} else {
		b.cfg.Artifacts.Store = ArtifactStoreS3
	}
	return b
}

// WithSQLite sets sqlite tuning.
func (b *ConfigBuilder) WithSQLite(cfg SQLiteConfig) *ConfigBuilder {
	b.cfg.SQLite = cfg.withDefaults()
	return b
}

// WithEncryptionKey enables AES-256-GCM with a hex-encoded key.
func (b *ConfigBuilder) WithEncryptionKey(hexKey string) *ConfigBuilder {
	b.cfg.Encryption = EncryptionConfig{Enabled: true, Key: hexKey}
	return b
}

// WithEncryptionPassword enables AES-256-GCM with a PBKDF2-derived key.
func (b *ConfigBuilder) WithEncryptionPassword(password string) *ConfigBuilder {
	b.cfg.Encryption = EncryptionConfig{Enabled: true, Password: password}
	return b
}

// WithNodeCapacity sets the number of intervals per history-file node.
func (b *ConfigBuilder) WithNodeCapacity(n int) *ConfigBuilder {
	b.cfg.Build.NodeCapacity = n
	return b
}

// WithCompression sets the history-file node codec.
func (b *ConfigBuilder) WithCompression(c Compression) *ConfigBuilder {
	b.cfg.Build.Compression = c
	return b
}

// WithLogger sets the logger handed to backends and the executor.
func (b *ConfigBuilder) WithLogger(l *slog.Logger) *ConfigBuilder {
	b.cfg.Logger = l
	return b
}

// Build validates the configuration and returns it.
// Returns an error if validation fails.
func (b *ConfigBuilder) Build() (Config, error) {
	if err := b.cfg.Validate(); err != nil {
		return Config{}, err
	}
	return b.cfg, nil
}

// MustBuild is like [ConfigBuilder.Build] but panics on validation errors.
func (b *ConfigBuilder) MustBuild() Config {
	cfg, err := b.Build()
	if err != nil {
		panic("statehistory: invalid config: " + err.Error())
	}
	return cfg
}
