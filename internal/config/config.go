package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	DefaultPort           = 5042
	DefaultManagementPort = 5043
	DefaultPingTimeout    = 60 * time.Second
	DefaultQueueSize      = 1024
	DefaultOutboundBuffer = 256
	DefaultMaxAuthTries   = 3
)

// Config represents the main configuration for collabd.
type Config struct {
	BaseDir    string           `toml:"base_dir"`
	LogDir     string           `toml:"log_dir"`
	LogLevel   string           `toml:"log_level,omitempty"`
	Server     ServerConfig     `toml:"server"`
	Management ManagementConfig `toml:"management"`
	Store      StoreConfig      `toml:"store"`
	Archive    ArchiveConfig    `toml:"archive"`
	Encryption EncryptionConfig `toml:"encryption"`
}

// ServerConfig controls the client listener and per-session limits.
type ServerConfig struct {
	Host           string   `toml:"host"`
	Port           int      `toml:"port"`
	TLSCertPath    string   `toml:"tls_cert_path,omitempty"`
	TLSKeyPath     string   `toml:"tls_key_path,omitempty"`
	PingTimeout    Duration `toml:"ping_timeout"`
	QueueSize      int      `toml:"queue_size"`
	OutboundBuffer int      `toml:"outbound_buffer"`
	MaxAuthTries   int      `toml:"max_auth_tries"`
}

// TLSEnabled reports whether both a certificate and key are configured.
func (c ServerConfig) TLSEnabled() bool {
	return c.TLSCertPath != "" && c.TLSKeyPath != ""
}

// ManagementConfig controls the loopback administration listener.
type ManagementConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
}

// StoreConfig selects the project store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type StoreConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// ArchiveConfig selects where project exports are kept.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ArchiveConfig struct {
	Type string `toml:"type"` // "memory", "filesystem", or "s3"

	// FileSystem-specific fields (only used when Type == "filesystem")
	FSRoot string `toml:"fs_root,omitempty"`

	// S3-specific fields (only used when Type == "s3")
	S3Bucket   string `toml:"s3_bucket,omitempty"`
	S3Prefix   string `toml:"s3_prefix,omitempty"`
	S3Region   string `toml:"s3_region,omitempty"`
	S3Endpoint string `toml:"s3_endpoint,omitempty"`

	// Static credentials; when empty the default AWS credential chain is used.
	S3AccessKeyID     string `toml:"s3_access_key_id,omitempty"`
	S3SecretAccessKey string `toml:"s3_secret_access_key,omitempty"`
}

// EncryptionConfig holds paths to the age key pair used to seal exports.
type EncryptionConfig struct {
	Type           string `toml:"type"` // "age" (default) or "none"
	PublicKeyPath  string `toml:"public_key_path"`
	PrivateKeyPath string `toml:"private_key_path"`
}

// Duration is a time.Duration written as a Go duration string ("60s").
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// NewConfig creates a Config rooted at baseDir with default settings.
func NewConfig(baseDir string) *Config {
	return &Config{
		BaseDir:  baseDir,
		LogDir:   filepath.Join(baseDir, "log"),
		LogLevel: "info",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           DefaultPort,
			PingTimeout:    Duration{DefaultPingTimeout},
			QueueSize:      DefaultQueueSize,
			OutboundBuffer: DefaultOutboundBuffer,
			MaxAuthTries:   DefaultMaxAuthTries,
		},
		Management: ManagementConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    DefaultManagementPort,
		},
		Store: StoreConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "db"),
		},
		Archive: ArchiveConfig{
			Type:   "filesystem",
			FSRoot: filepath.Join(baseDir, "exports"),
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  filepath.Join(baseDir, "keys", "collabd.pub"),
			PrivateKeyPath: filepath.Join(baseDir, "keys", "collabd.key"),
		},
	}
}

// ApplyDefaults fills zero-valued server and management settings.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.PingTimeout.Duration <= 0 {
		c.Server.PingTimeout = Duration{DefaultPingTimeout}
	}
	if c.Server.QueueSize <= 0 {
		c.Server.QueueSize = DefaultQueueSize
	}
	if c.Server.OutboundBuffer <= 0 {
		c.Server.OutboundBuffer = DefaultOutboundBuffer
	}
	if c.Server.MaxAuthTries <= 0 {
		c.Server.MaxAuthTries = DefaultMaxAuthTries
	}
	if c.Management.Host == "" {
		c.Management.Host = "127.0.0.1"
	}
	if c.Management.Port == 0 {
		c.Management.Port = DefaultManagementPort
	}
	if c.Store.Type == "" {
		c.Store.Type = "memory"
	}
	if c.Archive.Type == "" {
		c.Archive.Type = "memory"
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader and applies defaults.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.ApplyDefaults()
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

func writeToFile(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
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

// Init writes cfg to path. It refuses to overwrite an existing file.
func Init(path string, cfg *Config) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
