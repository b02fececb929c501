package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestManager_ReadWrite_RoundTrip(t *testing.T) {
	original := &Config{
		BaseDir:  "/srv/collabd",
		LogDir:   "/srv/collabd/log",
		LogLevel: "debug",
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           6000,
			TLSCertPath:    "/srv/collabd/tls/cert.pem",
			TLSKeyPath:     "/srv/collabd/tls/key.pem",
			PingTimeout:    Duration{90 * time.Second},
			QueueSize:      64,
			OutboundBuffer: 32,
			MaxAuthTries:   5,
		},
		Management: ManagementConfig{Enabled: true, Host: "127.0.0.1", Port: 6001},
		Store:      StoreConfig{Type: "sqlite", DataDir: "/srv/collabd/db"},
		Archive: ArchiveConfig{
			Type:     "s3",
			S3Bucket: "exports",
			S3Prefix: "collab/",
			S3Region: "us-east-1",
		},
		Encryption: EncryptionConfig{
			Type:           "age",
			PublicKeyPath:  "/srv/collabd/keys/collabd.pub",
			PrivateKeyPath: "/srv/collabd/keys/collabd.key",
		},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), `ping_timeout = "1m30s"`) {
		t.Errorf("encoded config missing duration string:\n%s", buf.String())
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.BaseDir != original.BaseDir {
		t.Errorf("BaseDir = %q, want %q", got.BaseDir, original.BaseDir)
	}
	if got.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", got.LogLevel, "debug")
	}
	if got.Server != original.Server {
		t.Errorf("Server = %+v, want %+v", got.Server, original.Server)
	}
	if got.Management != original.Management {
		t.Errorf("Management = %+v, want %+v", got.Management, original.Management)
	}
	if got.Store != original.Store {
		t.Errorf("Store = %+v, want %+v", got.Store, original.Store)
	}
	if got.Archive != original.Archive {
		t.Errorf("Archive = %+v, want %+v", got.Archive, original.Archive)
	}
	if got.Encryption != original.Encryption {
		t.Errorf("Encryption = %+v, want %+v", got.Encryption, original.Encryption)
	}
}

func TestManager_Read_AppliesDefaults(t *testing.T) {
	m := &Manager{}
	got, err := m.Read(strings.NewReader("base_dir = \"/tmp/c\"\n"))
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.Server.Port != DefaultPort {
		t.Errorf("Server.Port = %d, want %d", got.Server.Port, DefaultPort)
	}
	if got.Server.PingTimeout.Duration != DefaultPingTimeout {
		t.Errorf("Server.PingTimeout = %v, want %v", got.Server.PingTimeout, DefaultPingTimeout)
	}
	if got.Server.MaxAuthTries != DefaultMaxAuthTries {
		t.Errorf("Server.MaxAuthTries = %d, want %d", got.Server.MaxAuthTries, DefaultMaxAuthTries)
	}
	if got.Management.Port != DefaultManagementPort {
		t.Errorf("Management.Port = %d, want %d", got.Management.Port, DefaultManagementPort)
	}
	if got.Store.Type != "memory" {
		t.Errorf("Store.Type = %q, want memory", got.Store.Type)
	}
}

func TestManager_Read_InvalidDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[server]\nping_timeout = \"soon\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("/data/collabd")

	if cfg.BaseDir != "/data/collabd" {
		t.Errorf("BaseDir = %q, want %q", cfg.BaseDir, "/data/collabd")
	}
	if cfg.LogDir != "/data/collabd/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/collabd/log")
	}
	if cfg.Store.DataDir != "/data/collabd/db" {
		t.Errorf("Store.DataDir = %q, want %q", cfg.Store.DataDir, "/data/collabd/db")
	}
	if cfg.Archive.FSRoot != "/data/collabd/exports" {
		t.Errorf("Archive.FSRoot = %q, want %q", cfg.Archive.FSRoot, "/data/collabd/exports")
	}
	if cfg.Encryption.PublicKeyPath != "/data/collabd/keys/collabd.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q, want %q", cfg.Encryption.PublicKeyPath, "/data/collabd/keys/collabd.pub")
	}
	if cfg.Server.TLSEnabled() {
		t.Error("TLSEnabled() = true, want false without cert and key")
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "collabd.toml")

		if err := Init(path, NewConfig(dir)); err != nil {
			t.Fatalf("Init() error = %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "collabd.toml")
		cfg := NewConfig(dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}
		if err := Init(path, cfg); err == nil {
			t.Fatal("second Init() expected error")
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "collabd.toml")
		cfg := NewConfig(dir)
		cfg.Store = StoreConfig{Type: "memory"}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.Store.Type != "memory" {
			t.Errorf("Store.Type = %q, want %q", got.Store.Type, "memory")
		}
		if got.Server.PingTimeout.Duration != DefaultPingTimeout {
			t.Errorf("Server.PingTimeout = %v, want %v", got.Server.PingTimeout, DefaultPingTimeout)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		if _, err := ReadFromFile("/nonexistent/path/collabd.toml"); err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
