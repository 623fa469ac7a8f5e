package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateIPC(&c.IPC)...)
	errs = append(errs, validateIngest(&c.Ingest)...)
	errs = append(errs, validateEmbedding(&c.Embedding)...)
	errs = append(errs, validateIndex(&c.Index)...)
	errs = append(errs, validateSearch(&c.Search)...)
	errs = append(errs, validateLogging(&c.Logging)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if s.Path == "" {
		errs = append(errs, ValidationError{Field: "storage.path", Message: "path is required"})
	}
	if s.MaxReadConnections < 1 {
		errs = append(errs, ValidationError{Field: "storage.max_read_connections", Message: "must be at least 1"})
	}
	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{Field: "storage.busy_timeout_ms", Message: "must be non-negative"})
	}
	if s.CheckpointIntervalHours < 1 {
		errs = append(errs, ValidationError{Field: "storage.checkpoint_interval_hours", Message: "must be at least 1"})
	}

	return errs
}

func validateIPC(i *IPCConfig) ValidationErrors {
	var errs ValidationErrors

	if i.SocketPath == "" {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "socket path is required"})
	}
	// Unix socket paths are limited to sizeof(sun_path), typically 108.
	if len(i.SocketPath) > 100 {
		errs = append(errs, ValidationError{Field: "ipc.socket_path", Message: "socket path too long (max 100 chars)"})
	}
	if i.MaxConnections < 1 {
		errs = append(errs, ValidationError{Field: "ipc.max_connections", Message: "must be at least 1"})
	}
	if i.ReadTimeoutSec < 1 {
		errs = append(errs, ValidationError{Field: "ipc.read_timeout_sec", Message: "must be at least 1"})
	}
	if i.MaxMessageBytes < 1024 {
		errs = append(errs, ValidationError{Field: "ipc.max_message_bytes", Message: "must be at least 1024"})
	}

	return errs
}

func validateIngest(i *IngestConfig) ValidationErrors {
	var errs ValidationErrors

	if i.MaxTextBytes < 256 {
		errs = append(errs, ValidationError{Field: "ingest.max_text_bytes", Message: "must be at least 256"})
	}
	if i.WatchDebounceMs < 0 {
		errs = append(errs, ValidationError{Field: "ingest.watch_debounce_ms", Message: "must be non-negative"})
	}

	return errs
}

func validateEmbedding(e *EmbeddingConfig) ValidationErrors {
	var errs ValidationErrors

	if e.Endpoint != "" {
		u, err := url.Parse(e.Endpoint)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			errs = append(errs, ValidationError{Field: "embedding.endpoint", Message: "must be an http(s) URL"})
		}
	}
	if e.Dimensions < 1 {
		errs = append(errs, ValidationError{Field: "embedding.dimensions", Message: "must be positive"})
	}
	if e.Workers < 1 {
		errs = append(errs, ValidationError{Field: "embedding.workers", Message: "must be at least 1"})
	}
	if e.QueueSize < 1 {
		errs = append(errs, ValidationError{Field: "embedding.queue_size", Message: "must be at least 1"})
	}

	return errs
}

func validateIndex(i *IndexConfig) ValidationErrors {
	var errs ValidationErrors

	if i.M < 2 {
		errs = append(errs, ValidationError{Field: "index.m", Message: "must be at least 2"})
	}
	if i.EfSearch < 1 {
		errs = append(errs, ValidationError{Field: "index.ef_search", Message: "must be at least 1"})
	}

	return errs
}

func validateSearch(s *SearchConfig) ValidationErrors {
	var errs ValidationErrors

	if s.VectorWeight < 0 || s.VectorWeight > 1 {
		errs = append(errs, ValidationError{Field: "search.vector_weight", Message: "must be in [0, 1]"})
	}
	if s.KeywordWeight < 0 || s.KeywordWeight > 1 {
		errs = append(errs, ValidationError{Field: "search.keyword_weight", Message: "must be in [0, 1]"})
	}
	if s.SemanticThreshold < 0 || s.SemanticThreshold > 1 {
		errs = append(errs, ValidationError{Field: "search.semantic_threshold", Message: "must be in [0, 1]"})
	}
	if s.CacheSize < 0 {
		errs = append(errs, ValidationError{Field: "search.cache_size", Message: "must be non-negative"})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, ValidationError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", l.Level)})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{Field: "logging.format", Message: fmt.Sprintf("unknown format %q", l.Format)})
	}

	switch l.Output {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{Field: "logging.output", Message: fmt.Sprintf("unknown output %q", l.Output)})
	}

	if (l.Output == "file" || l.Output == "both") && l.FilePath == "" {
		errs = append(errs, ValidationError{Field: "logging.file_path", Message: "required when output includes file"})
	}

	return errs
}
