// Package config handles configuration loading, validation, and management
// for diachrond.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the SQLite database.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// IPC configuration for the Unix socket server.
	IPC IPCConfig `toml:"ipc" json:"ipc" yaml:"ipc"`

	// Ingest configuration for conversation archive indexing.
	Ingest IngestConfig `toml:"ingest" json:"ingest" yaml:"ingest"`

	// Embedding configuration for the vector embedding service.
	Embedding EmbeddingConfig `toml:"embedding" json:"embedding" yaml:"embedding"`

	// Index configuration for the HNSW vector indexes.
	Index IndexConfig `toml:"index" json:"index" yaml:"index"`

	// Search configuration for hybrid ranking.
	Search SearchConfig `toml:"search" json:"search" yaml:"search"`

	// Signing configuration for chain checkpoint signatures.
	Signing SigningConfig `toml:"signing" json:"signing" yaml:"signing"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the path to the SQLite database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// MaxReadConnections is the size of the read connection pool.
	MaxReadConnections int `toml:"max_read_connections" json:"max_read_connections" yaml:"max_read_connections"`

	// BusyTimeoutMs is the SQLite busy timeout in milliseconds.
	BusyTimeoutMs int `toml:"busy_timeout_ms" json:"busy_timeout_ms" yaml:"busy_timeout_ms"`

	// CheckpointIntervalHours is the chain checkpoint cadence. Default 24.
	CheckpointIntervalHours int `toml:"checkpoint_interval_hours" json:"checkpoint_interval_hours" yaml:"checkpoint_interval_hours"`
}

// IPCConfig holds Unix socket server configuration.
type IPCConfig struct {
	// SocketPath is the path to the Unix socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// PidFile is the path to the daemon PID file.
	PidFile string `toml:"pid_file" json:"pid_file" yaml:"pid_file"`

	// MaxConnections is the maximum concurrent client connections.
	MaxConnections int `toml:"max_connections" json:"max_connections" yaml:"max_connections"`

	// ReadTimeoutSec is the per-connection rolling read deadline.
	ReadTimeoutSec int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`

	// WriteTimeoutSec is the per-reply write deadline.
	WriteTimeoutSec int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`

	// MaxMessageBytes is the maximum size of a single request message.
	MaxMessageBytes int64 `toml:"max_message_bytes" json:"max_message_bytes" yaml:"max_message_bytes"`

	// RequestTimeoutSec is the per-query deadline. Ingestion and
	// maintenance requests are exempt.
	RequestTimeoutSec int `toml:"request_timeout_sec" json:"request_timeout_sec" yaml:"request_timeout_sec"`
}

// IngestConfig holds conversation archive ingestion configuration.
type IngestConfig struct {
	// ArchiveDir is the root directory of assistant session archives,
	// laid out as <root>/projects/<project>/<session>.jsonl.
	ArchiveDir string `toml:"archive_dir" json:"archive_dir" yaml:"archive_dir"`

	// MaxTextBytes is the per-field text truncation limit.
	MaxTextBytes int `toml:"max_text_bytes" json:"max_text_bytes" yaml:"max_text_bytes"`

	// WatchEnabled turns on the fsnotify archive watcher.
	WatchEnabled bool `toml:"watch_enabled" json:"watch_enabled" yaml:"watch_enabled"`

	// WatchDebounceMs is the debounce interval for archive change events.
	WatchDebounceMs int `toml:"watch_debounce_ms" json:"watch_debounce_ms" yaml:"watch_debounce_ms"`
}

// EmbeddingConfig holds embedding service configuration.
type EmbeddingConfig struct {
	// Endpoint is the base URL of an OpenAI-compatible embeddings server
	// (e.g. a local Ollama or ONNX server). Empty disables embeddings and
	// search runs keyword-only.
	Endpoint string `toml:"endpoint" json:"endpoint" yaml:"endpoint"`

	// Model is the embedding model name requested from the endpoint.
	Model string `toml:"model" json:"model" yaml:"model"`

	// Dimensions is the expected vector width.
	Dimensions int `toml:"dimensions" json:"dimensions" yaml:"dimensions"`

	// Workers is the size of the embedding worker pool.
	Workers int `toml:"workers" json:"workers" yaml:"workers"`

	// QueueSize is the embedding queue capacity. When full, rows are
	// marked pending and drained by the background sweep.
	QueueSize int `toml:"queue_size" json:"queue_size" yaml:"queue_size"`

	// TimeoutSec is the per-request HTTP timeout.
	TimeoutSec int `toml:"timeout_sec" json:"timeout_sec" yaml:"timeout_sec"`
}

// IndexConfig holds HNSW vector index configuration.
type IndexConfig struct {
	// Dir is the directory holding the per-corpus index files.
	Dir string `toml:"dir" json:"dir" yaml:"dir"`

	// M is the HNSW maximum neighbor count per node.
	M int `toml:"m" json:"m" yaml:"m"`

	// EfSearch is the default search expansion factor.
	EfSearch int `toml:"ef_search" json:"ef_search" yaml:"ef_search"`

	// FlushIntervalSec is how often dirty indexes are flushed to disk.
	FlushIntervalSec int `toml:"flush_interval_sec" json:"flush_interval_sec" yaml:"flush_interval_sec"`
}

// SearchConfig holds hybrid search configuration.
type SearchConfig struct {
	// VectorWeight is the semantic score weight. Forced to 0 when the
	// embedding model is unavailable.
	VectorWeight float64 `toml:"vector_weight" json:"vector_weight" yaml:"vector_weight"`

	// KeywordWeight is the keyword score weight.
	KeywordWeight float64 `toml:"keyword_weight" json:"keyword_weight" yaml:"keyword_weight"`

	// SemanticThreshold is the minimum cosine similarity for a semantic
	// blame match.
	SemanticThreshold float64 `toml:"semantic_threshold" json:"semantic_threshold" yaml:"semantic_threshold"`

	// CacheSize is the bounded size of the search result cache.
	CacheSize int `toml:"cache_size" json:"cache_size" yaml:"cache_size"`
}

// SigningConfig holds chain checkpoint signing configuration.
type SigningConfig struct {
	// KeyPath is the path to an OpenSSH Ed25519 private key. Empty
	// disables checkpoint signatures.
	KeyPath string `toml:"key_path" json:"key_path" yaml:"key_path"`

	// PublicKeyPath is the path to the corresponding public key, used
	// during verification.
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path" yaml:"public_key_path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is the log format: "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes "file").
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the maximum log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of old log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress determines whether to compress rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	dir := DataDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Path:                    filepath.Join(dir, "diachron.db"),
			MaxReadConnections:      4,
			BusyTimeoutMs:           10000,
			CheckpointIntervalHours: 24,
		},
		IPC: IPCConfig{
			SocketPath:        filepath.Join(dir, "daemon.sock"),
			PidFile:           filepath.Join(dir, "diachrond.pid"),
			MaxConnections:    32,
			ReadTimeoutSec:    60,
			WriteTimeoutSec:   10,
			MaxMessageBytes:   8 * 1024 * 1024,
			RequestTimeoutSec: 30,
		},
		Ingest: IngestConfig{
			ArchiveDir:      defaultArchiveDir(),
			MaxTextBytes:    8192,
			WatchEnabled:    true,
			WatchDebounceMs: 2000,
		},
		Embedding: EmbeddingConfig{
			Endpoint:   "",
			Model:      "all-minilm-l6-v2",
			Dimensions: 384,
			Workers:    2,
			QueueSize:  256,
			TimeoutSec: 30,
		},
		Index: IndexConfig{
			Dir:              dir,
			M:                16,
			EfSearch:         64,
			FlushIntervalSec: 300,
		},
		Search: SearchConfig{
			VectorWeight:      0.6,
			KeywordWeight:     0.4,
			SemanticThreshold: 0.82,
			CacheSize:         128,
		},
		Signing: SigningConfig{
			KeyPath:       "",
			PublicKeyPath: "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "file",
			FilePath:   filepath.Join(dir, "diachrond.log"),
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
	}
}

// DataDir returns the base diachron data directory.
// Uses ~/.diachron or the DIACHRON_DATA_DIR environment override.
func DataDir() string {
	if envDir := os.Getenv("DIACHRON_DATA_DIR"); envDir != "" {
		return envDir
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ".diachron"
	}
	return filepath.Join(homeDir, ".diachron")
}

func defaultArchiveDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(homeDir, ".claude")
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	return filepath.Join(DataDir(), "config.toml")
}

// Load reads configuration from the specified path. If the file doesn't
// exist, returns default configuration. Supports TOML, YAML, and JSON
// formats based on file extension.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}

	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.ApplyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	switch filepath.Ext(path) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode YAML: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode JSON: %w", err)
		}
	default:
		if err := autoDetectAndParse(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}

	return cfg, nil
}

// autoDetectAndParse attempts to parse the config in multiple formats.
func autoDetectAndParse(data []byte, cfg *Config) error {
	if _, err := toml.Decode(string(data), cfg); err == nil {
		return nil
	}
	if err := json.Unmarshal(data, cfg); err == nil {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err == nil {
		return nil
	}
	return fmt.Errorf("unable to parse config file (tried TOML, JSON, YAML)")
}

// ApplyEnvOverrides applies environment variable overrides.
// Variables are prefixed with DIACHRON_ and use underscores.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("DIACHRON_STORAGE_PATH"); v != "" {
		c.Storage.Path = v
	}
	if v := os.Getenv("DIACHRON_SOCKET_PATH"); v != "" {
		c.IPC.SocketPath = v
	}
	if v := os.Getenv("DIACHRON_ARCHIVE_DIR"); v != "" {
		c.Ingest.ArchiveDir = v
	}
	if v := os.Getenv("DIACHRON_EMBEDDING_ENDPOINT"); v != "" {
		c.Embedding.Endpoint = v
	}
	if v := os.Getenv("DIACHRON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("DIACHRON_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("DIACHRON_SIGNING_KEY_PATH"); v != "" {
		c.Signing.KeyPath = v
	}
}

// EnsureDirectories creates all directories the daemon needs.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
		filepath.Dir(c.IPC.SocketPath),
		filepath.Dir(c.Logging.FilePath),
		c.Index.Dir,
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}

// Save writes the configuration to the given path as TOML.
func Save(cfg *Config, path string) error {
	if path == "" {
		path = ConfigPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// LoadOrCreate loads the configuration from the specified path, creating
// a default configuration file if it doesn't exist. The boolean return
// reports whether a new file was created.
func LoadOrCreate(path string) (*Config, bool, error) {
	if path == "" {
		path = ConfigPath()
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := Save(cfg, path); err != nil {
			return nil, false, fmt.Errorf("create default config: %w", err)
		}
		cfg.ApplyEnvOverrides()
		return cfg, true, nil
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}
