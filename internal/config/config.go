package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// Store types.
const (
	StoreSQLite = "sqlite"
	StoreMemory = "memory"
)

// Cloud types.
const (
	CloudS3         = "s3"
	CloudFilesystem = "filesystem"
	CloudMemory     = "memory"
)

// Encryption types.
const (
	EncryptionAge  = "age"
	EncryptionTest = "test"
)

// Tracing exporters.
const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// Config represents the main configuration for studysync.
type Config struct {
	DeviceID   string           `toml:"device_id"`
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"` // debug, info, warn, error
	Store      StoreConfig      `toml:"store"`
	Cloud      CloudConfig      `toml:"cloud"`
	Sync       SyncConfig       `toml:"sync"`
	Encryption EncryptionConfig `toml:"encryption"`
	Tracing    TracingConfig    `toml:"tracing"`
	Server     ServerConfig     `toml:"server"`
}

// StoreConfig represents configuration for the local store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// CloudConfig represents configuration for the remote storage backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type CloudConfig struct {
	Type string `toml:"type"` // "s3", "filesystem" or "memory"

	// S3-specific fields (only used when Type == "s3")
	S3Bucket    string `toml:"s3_bucket,omitempty"`
	S3Prefix    string `toml:"s3_prefix,omitempty"`
	S3Region    string `toml:"s3_region,omitempty"`
	S3Endpoint  string `toml:"s3_endpoint,omitempty"`   // S3-compatible endpoint; enables path-style addressing
	S3AccessKey string `toml:"s3_access_key,omitempty"` // static credentials; default chain when empty
	S3SecretKey string `toml:"s3_secret_key,omitempty"`

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`
}

// SyncConfig tunes the change tracker and orchestrator.
type SyncConfig struct {
	BackupName string   `toml:"backup_name,omitempty"`
	Debounce   Duration `toml:"debounce,omitempty"`
	Cooldown   Duration `toml:"cooldown,omitempty"`
	Skew       Duration `toml:"skew,omitempty"`
}

// EncryptionConfig selects snapshot encryption. Disabled keeps snapshots in plaintext.
type EncryptionConfig struct {
	Enabled        bool   `toml:"enabled"`
	Type           string `toml:"type,omitempty"` // "age" (default) or "test"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// TracingConfig selects the span exporter.
type TracingConfig struct {
	Exporter     string  `toml:"exporter,omitempty"` // "none" (default), "stdout" or "otlp"
	OTLPEndpoint string  `toml:"otlp_endpoint,omitempty"`
	SampleRate   float64 `toml:"sample_rate,omitempty"`
}

// ServerConfig configures the HTTP status surface of `studysync serve`.
type ServerConfig struct {
	Addr string `toml:"addr,omitempty"`
}

// Duration is a time.Duration written as a string such as "5s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a new Config with the provided values and default paths.
func NewConfig(deviceID, baseDir string) *Config {
	return &Config{
		DeviceID: deviceID,
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Store: StoreConfig{
			Type:    StoreSQLite,
			DataDir: filepath.Join(baseDir, "data"),
		},
		Cloud: CloudConfig{
			Type:   CloudFilesystem,
			FSRoot: filepath.Join(baseDir, "remote"),
		},
		Sync: SyncConfig{
			BackupName: "studysync-backup.json",
			Debounce:   Duration{5 * time.Second},
			Cooldown:   Duration{2 * time.Second},
			Skew:       Duration{time.Second},
		},
		Encryption: EncryptionConfig{
			Type:           EncryptionAge,
			PublicKeyPath:  filepath.Join(baseDir, "keys", "studysync.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "studysync.key"),
		},
		Tracing: TracingConfig{Exporter: TracingNone, SampleRate: 1.0},
		Server:  ServerConfig{Addr: "127.0.0.1:7420"},
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := validation.ValidateStruct(c,
		validation.Field(&c.DeviceID, validation.Required),
		validation.Field(&c.LogLevel, validation.In("", "debug", "info", "warn", "error")),
	); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if err := c.Cloud.Validate(); err != nil {
		return fmt.Errorf("cloud: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Encryption.Validate(); err != nil {
		return fmt.Errorf("encryption: %w", err)
	}
	if err := c.Tracing.Validate(); err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	return nil
}

// Validate validates the store configuration.
func (c *StoreConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.Required, validation.In(StoreSQLite, StoreMemory)),
		validation.Field(&c.DataDir, validation.When(c.Type == StoreSQLite, validation.Required)),
	)
}

// Validate validates the cloud configuration.
func (c *CloudConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.Required, validation.In(CloudS3, CloudFilesystem, CloudMemory)),
		validation.Field(&c.S3Bucket, validation.When(c.Type == CloudS3, validation.Required)),
		validation.Field(&c.S3Region, validation.When(c.Type == CloudS3, validation.Required)),
		validation.Field(&c.S3SecretKey, validation.When(c.S3AccessKey != "", validation.Required)),
		validation.Field(&c.FSRoot, validation.When(c.Type == CloudFilesystem, validation.Required)),
	)
}

// Validate validates the sync tuning. Zero durations select defaults.
func (c *SyncConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Debounce, validation.By(nonNegative)),
		validation.Field(&c.Cooldown, validation.By(nonNegative)),
		validation.Field(&c.Skew, validation.By(nonNegative)),
	)
}

// Validate validates the encryption configuration.
func (c *EncryptionConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Type, validation.In("", EncryptionAge, EncryptionTest)),
		validation.Field(&c.PublicKeyPath, validation.When(c.Enabled && c.Type != EncryptionTest, validation.Required)),
		validation.Field(&c.PrivateKeyPath, validation.When(c.Enabled && c.Type != EncryptionTest, validation.Required)),
	)
}

// Validate validates the tracing configuration.
func (c *TracingConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Exporter, validation.In("", TracingNone, TracingStdout, TracingOTLP)),
		validation.Field(&c.SampleRate, validation.Min(0.0), validation.Max(1.0)),
	)
}

func nonNegative(value interface{}) error {
	d, ok := value.(Duration)
	if !ok {
		return fmt.Errorf("not a duration")
	}
	if d.Duration < 0 {
		return fmt.Errorf("must not be negative")
	}
	return nil
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
func writeToFile(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
