package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Storage.Path == "" {
		t.Error("expected non-empty storage path")
	}
	if cfg.Embedding.Dimensions != 384 {
		t.Errorf("expected 384 dimensions, got %d", cfg.Embedding.Dimensions)
	}
	if cfg.Search.VectorWeight+cfg.Search.KeywordWeight != 1.0 {
		t.Errorf("expected weights to sum to 1, got %f + %f",
			cfg.Search.VectorWeight, cfg.Search.KeywordWeight)
	}
	if cfg.IPC.MaxMessageBytes != 8*1024*1024 {
		t.Errorf("expected 8 MiB message cap, got %d", cfg.IPC.MaxMessageBytes)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config failed validation: %v", err)
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected default version, got %d", cfg.Version)
	}
}

func TestLoadTOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[storage]
path = "/tmp/test-diachron.db"

[embedding]
endpoint = "http://localhost:11434"
model = "test-model"

[logging]
level = "debug"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Storage.Path != "/tmp/test-diachron.db" {
		t.Errorf("storage path not applied: %s", cfg.Storage.Path)
	}
	if cfg.Embedding.Endpoint != "http://localhost:11434" {
		t.Errorf("embedding endpoint not applied: %s", cfg.Embedding.Endpoint)
	}
	if cfg.Embedding.Model != "test-model" {
		t.Errorf("embedding model not applied: %s", cfg.Embedding.Model)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level not applied: %s", cfg.Logging.Level)
	}
	// Unset sections keep defaults.
	if cfg.Index.M != 16 {
		t.Errorf("expected default index.m 16, got %d", cfg.Index.M)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
version: 1
storage:
  path: /tmp/test-diachron.db
search:
  vector_weight: 0.7
  keyword_weight: 0.3
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Storage.Path != "/tmp/test-diachron.db" {
		t.Errorf("storage path not applied: %s", cfg.Storage.Path)
	}
	if cfg.Search.VectorWeight != 0.7 {
		t.Errorf("vector weight not applied: %f", cfg.Search.VectorWeight)
	}
}

func TestLoadInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
version = 1

[logging]
level = "verbose"
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error for unknown log level")
	}
	if !strings.Contains(err.Error(), "logging.level") {
		t.Errorf("expected logging.level in error, got: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"empty storage path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"zero read conns", func(c *Config) { c.Storage.MaxReadConnections = 0 }, "storage.max_read_connections"},
		{"empty socket path", func(c *Config) { c.IPC.SocketPath = "" }, "ipc.socket_path"},
		{"tiny message cap", func(c *Config) { c.IPC.MaxMessageBytes = 16 }, "ipc.max_message_bytes"},
		{"bad endpoint", func(c *Config) { c.Embedding.Endpoint = "not-a-url" }, "embedding.endpoint"},
		{"negative weight", func(c *Config) { c.Search.VectorWeight = -0.1 }, "search.vector_weight"},
		{"threshold too high", func(c *Config) { c.Search.SemanticThreshold = 1.5 }, "search.semantic_threshold"},
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultConfig()
			test.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), test.field) {
				t.Errorf("expected %q in error, got: %v", test.field, err)
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("DIACHRON_STORAGE_PATH", "/custom/path.db")
	t.Setenv("DIACHRON_LOG_LEVEL", "debug")
	t.Setenv("DIACHRON_EMBEDDING_ENDPOINT", "http://localhost:9999")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Storage.Path != "/custom/path.db" {
		t.Errorf("storage path override not applied: %s", cfg.Storage.Path)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("log level override not applied: %s", cfg.Logging.Level)
	}
	if cfg.Embedding.Endpoint != "http://localhost:9999" {
		t.Errorf("endpoint override not applied: %s", cfg.Embedding.Endpoint)
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if !created {
		t.Error("expected config file to be created")
	}
	if cfg == nil {
		t.Fatal("expected config")
	}

	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not written: %v", err)
	}

	_, created, err = LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if created {
		t.Error("expected existing config to be loaded, not created")
	}
}

func TestEnsureDirectories(t *testing.T) {
	tmpDir := t.TempDir()

	cfg := DefaultConfig()
	cfg.Storage.Path = filepath.Join(tmpDir, "data", "diachron.db")
	cfg.IPC.SocketPath = filepath.Join(tmpDir, "run", "daemon.sock")
	cfg.Logging.FilePath = filepath.Join(tmpDir, "logs", "diachrond.log")
	cfg.Index.Dir = filepath.Join(tmpDir, "index")

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories failed: %v", err)
	}

	for _, dir := range []string{
		filepath.Join(tmpDir, "data"),
		filepath.Join(tmpDir, "run"),
		filepath.Join(tmpDir, "logs"),
		filepath.Join(tmpDir, "index"),
	} {
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			t.Errorf("directory %s not created", dir)
		}
	}
}
