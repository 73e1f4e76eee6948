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
		DeviceID: "test-device-abc",
		BaseDir:  "/home/user/.local/share/studysync",
		LogDir:   "/home/user/.local/share/studysync/log",
		Store:    StoreConfig{Type: StoreSQLite, DataDir: "/home/user/.local/share/studysync/data"},
		Cloud: CloudConfig{
			Type:       CloudS3,
			S3Bucket:   "study-bucket",
			S3Prefix:   "alice/",
			S3Region:   "eu-west-1",
			S3Endpoint: "http://localhost:9000",
		},
		Sync: SyncConfig{
			BackupName: "backup.json",
			Debounce:   Duration{3 * time.Second},
			Cooldown:   Duration{1500 * time.Millisecond},
			Skew:       Duration{time.Second},
		},
		Encryption: EncryptionConfig{
			Enabled:        true,
			Type:           EncryptionAge,
			PublicKeyPath:  "/keys/studysync.pub",
			PrivateKeyPath: "/keys/studysync.key",
		},
		Tracing: TracingConfig{Exporter: TracingOTLP, OTLPEndpoint: "localhost:4318", SampleRate: 0.5},
		Server:  ServerConfig{Addr: ":7420"},
	}

	var buf bytes.Buffer
	m := &Manager{}

	if err := m.Write(&buf, original); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !strings.Contains(buf.String(), `debounce = "3s"`) {
		t.Errorf("encoded config missing debounce string:\n%s", buf.String())
	}

	got, err := m.Read(&buf)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}

	if got.DeviceID != original.DeviceID {
		t.Errorf("DeviceID = %q, want %q", got.DeviceID, original.DeviceID)
	}
	if got.Store != original.Store {
		t.Errorf("Store = %+v, want %+v", got.Store, original.Store)
	}
	if got.Cloud != original.Cloud {
		t.Errorf("Cloud = %+v, want %+v", got.Cloud, original.Cloud)
	}
	if got.Sync != original.Sync {
		t.Errorf("Sync = %+v, want %+v", got.Sync, original.Sync)
	}
	if got.Encryption != original.Encryption {
		t.Errorf("Encryption = %+v, want %+v", got.Encryption, original.Encryption)
	}
	if got.Tracing != original.Tracing {
		t.Errorf("Tracing = %+v, want %+v", got.Tracing, original.Tracing)
	}
	if got.Server.Addr != ":7420" {
		t.Errorf("Server.Addr = %q, want %q", got.Server.Addr, ":7420")
	}
}

func TestManager_Read_InvalidDuration(t *testing.T) {
	m := &Manager{}
	_, err := m.Read(strings.NewReader("[sync]\ndebounce = \"soon\"\n"))
	if err == nil {
		t.Fatal("Read() expected error for invalid duration")
	}
}

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("device-1", "/data/studysync")

	if cfg.DeviceID != "device-1" {
		t.Errorf("DeviceID = %q, want %q", cfg.DeviceID, "device-1")
	}
	if cfg.LogDir != "/data/studysync/log" {
		t.Errorf("LogDir = %q, want %q", cfg.LogDir, "/data/studysync/log")
	}
	if cfg.Store.DataDir != "/data/studysync/data" {
		t.Errorf("Store.DataDir = %q, want %q", cfg.Store.DataDir, "/data/studysync/data")
	}
	if cfg.Cloud.FSRoot != "/data/studysync/remote" {
		t.Errorf("Cloud.FSRoot = %q, want %q", cfg.Cloud.FSRoot, "/data/studysync/remote")
	}
	if cfg.Sync.Debounce.Duration != 5*time.Second {
		t.Errorf("Sync.Debounce = %v, want 5s", cfg.Sync.Debounce)
	}
	if cfg.Encryption.PublicKeyPath != "/data/studysync/keys/studysync.pub" {
		t.Errorf("Encryption.PublicKeyPath = %q", cfg.Encryption.PublicKeyPath)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config Validate() error = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid default",
			modify: func(*Config) {},
		},
		{
			name:    "missing device id",
			modify:  func(c *Config) { c.DeviceID = "" },
			wantErr: "DeviceID",
		},
		{
			name:    "unknown store type",
			modify:  func(c *Config) { c.Store.Type = "postgres" },
			wantErr: "store",
		},
		{
			name:    "sqlite without data dir",
			modify:  func(c *Config) { c.Store.DataDir = "" },
			wantErr: "store",
		},
		{
			name:   "memory store without data dir",
			modify: func(c *Config) { c.Store = StoreConfig{Type: StoreMemory} },
		},
		{
			name:    "s3 without bucket",
			modify:  func(c *Config) { c.Cloud = CloudConfig{Type: CloudS3, S3Region: "us-east-1"} },
			wantErr: "cloud",
		},
		{
			name: "s3 access key without secret",
			modify: func(c *Config) {
				c.Cloud = CloudConfig{Type: CloudS3, S3Bucket: "b", S3Region: "us-east-1", S3AccessKey: "AKIA"}
			},
			wantErr: "cloud",
		},
		{
			name:    "filesystem without root",
			modify:  func(c *Config) { c.Cloud.FSRoot = "" },
			wantErr: "cloud",
		},
		{
			name:    "negative debounce",
			modify:  func(c *Config) { c.Sync.Debounce = Duration{-time.Second} },
			wantErr: "sync",
		},
		{
			name: "age encryption without keys",
			modify: func(c *Config) {
				c.Encryption = EncryptionConfig{Enabled: true, Type: EncryptionAge}
			},
			wantErr: "encryption",
		},
		{
			name: "test encryption without keys",
			modify: func(c *Config) {
				c.Encryption = EncryptionConfig{Enabled: true, Type: EncryptionTest}
			},
		},
		{
			name:    "unknown tracing exporter",
			modify:  func(c *Config) { c.Tracing.Exporter = "jaeger" },
			wantErr: "tracing",
		},
		{
			name:    "sample rate above one",
			modify:  func(c *Config) { c.Tracing.SampleRate = 2 },
			wantErr: "tracing",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig("device-1", "/data/studysync")
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestInit(t *testing.T) {
	t.Run("creates config file", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "studysync.toml")
		cfg := NewConfig("d1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		if _, err := os.Stat(path); err != nil {
			t.Fatalf("config file not created: %v", err)
		}
	})

	t.Run("fails if file already exists", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "studysync.toml")
		cfg := NewConfig("d1", dir)

		if err := Init(path, cfg); err != nil {
			t.Fatalf("first Init() error = %v", err)
		}

		err := Init(path, cfg)
		if err == nil {
			t.Fatal("second Init() expected error")
		}
	})

	t.Run("rejects invalid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "studysync.toml")
		cfg := NewConfig("", dir)

		if err := Init(path, cfg); err == nil {
			t.Fatal("Init() expected error for missing device id")
		}
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("config file should not exist, stat error = %v", err)
		}
	})
}

func TestReadFromFile(t *testing.T) {
	t.Run("reads valid config", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "studysync.toml")
		cfg := NewConfig("read-test", dir)
		cfg.Store = StoreConfig{Type: StoreMemory}

		if err := Init(path, cfg); err != nil {
			t.Fatalf("Init() error = %v", err)
		}

		got, err := ReadFromFile(path)
		if err != nil {
			t.Fatalf("ReadFromFile() error = %v", err)
		}
		if got.DeviceID != "read-test" {
			t.Errorf("DeviceID = %q, want %q", got.DeviceID, "read-test")
		}
		if got.Store.Type != StoreMemory {
			t.Errorf("Store.Type = %q, want %q", got.Store.Type, StoreMemory)
		}
	})

	t.Run("returns error for missing file", func(t *testing.T) {
		_, err := ReadFromFile("/nonexistent/path/studysync.toml")
		if err == nil {
			t.Fatal("ReadFromFile() expected error for missing file")
		}
	})
}
