// Package ipc implements the daemon's wire protocol: newline-delimited
// JSON envelopes over a Unix domain socket, one request per line, one
// response per line.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MaxMessageBytes caps one NDJSON line. Oversized requests are
// rejected with an error response and the connection stays usable.
const MaxMessageBytes = 8 << 20

// Request tags.
const (
	TagPing               = "Ping"
	TagCapture            = "Capture"
	TagTimeline           = "Timeline"
	TagSearch             = "Search"
	TagBlameByFingerprint = "BlameByFingerprint"
	TagCorrelateEvidence  = "CorrelateEvidence"
	TagDoctorInfo         = "DoctorInfo"
	TagIndexConversations = "IndexConversations"
	TagSummarizeExchanges = "SummarizeExchanges"
	TagMaintenance        = "Maintenance"
	TagShutdown           = "Shutdown"
)

// Response tags.
const (
	TagOk               = "Ok"
	TagPong             = "Pong"
	TagEvents           = "Events"
	TagSearchResults    = "SearchResults"
	TagBlameResult      = "BlameResult"
	TagBlameNotFound    = "BlameNotFound"
	TagEvidenceResult   = "EvidenceResult"
	TagDoctor           = "Doctor"
	TagIndexStats       = "IndexStats"
	TagSummarizeStats   = "SummarizeStats"
	TagMaintenanceStats = "MaintenanceStats"
	TagError            = "Error"
)

// ErrorKind prefixes an error payload string.
type ErrorKind string

const (
	KindInvalidMessage   ErrorKind = "invalid_message"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindNotInitialized   ErrorKind = "not_initialized"
	KindStorageError     ErrorKind = "storage_error"
	KindChainBroken      ErrorKind = "chain_broken"
	KindModelUnavailable ErrorKind = "model_unavailable"
	KindNotFound         ErrorKind = "not_found"
	KindTimeout          ErrorKind = "timeout"
	KindShutdown         ErrorKind = "shutdown"
)

// Envelope is the wire frame for both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope builds an envelope, marshaling payload. A nil payload
// yields a bare envelope.
func NewEnvelope(tag string, payload any) (*Envelope, error) {
	env := &Envelope{Type: tag}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", tag, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// ErrorEnvelope builds an Error response. The payload is a string of
// the form "<kind>: <message>".
func ErrorEnvelope(kind ErrorKind, message string) *Envelope {
	raw, _ := json.Marshal(fmt.Sprintf("%s: %s", kind, message))
	return &Envelope{Type: TagError, Payload: raw}
}

// ProtocolError is a decoded Error payload.
type ProtocolError struct {
	Kind    ErrorKind
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// DecodeError parses an Error payload back into kind and message.
func DecodeError(payload json.RawMessage) *ProtocolError {
	var s string
	if err := json.Unmarshal(payload, &s); err != nil {
		return &ProtocolError{Kind: KindInvalidMessage, Message: string(payload)}
	}
	kind, message, found := strings.Cut(s, ": ")
	if !found {
		return &ProtocolError{Kind: KindInvalidMessage, Message: s}
	}
	return &ProtocolError{Kind: ErrorKind(kind), Message: message}
}

// ErrMessageTooLarge is returned when a line exceeds MaxMessageBytes.
var ErrMessageTooLarge = errors.New("ipc: message exceeds size limit")

// CapturePayload is the Capture request body.
type CapturePayload struct {
	Timestamp    string          `json:"timestamp,omitempty"`
	SessionID    *string         `json:"session_id,omitempty"`
	ToolName     string          `json:"tool_name"`
	FilePath     *string         `json:"file_path,omitempty"`
	Operation    string          `json:"operation,omitempty"`
	DiffSummary  *string         `json:"diff_summary,omitempty"`
	RawInput     *string         `json:"raw_input,omitempty"`
	GitCommitSHA *string         `json:"git_commit_sha,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	Content      string          `json:"content,omitempty"`
	Context      string          `json:"context,omitempty"`
}

// CaptureAck is the Ok payload for a Capture.
type CaptureAck struct {
	EventID int64 `json:"event_id"`
}

// PongPayload is the Pong response body.
type PongPayload struct {
	UptimeSecs  int64 `json:"uptime_secs"`
	EventsCount int64 `json:"events_count"`
}

// TimelinePayload is the Timeline request body.
type TimelinePayload struct {
	Since      string `json:"since,omitempty"`
	FileFilter string `json:"file_filter,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}

// SearchPayload is the Search request body.
type SearchPayload struct {
	Query        string `json:"query"`
	Limit        int    `json:"limit,omitempty"`
	SourceFilter string `json:"source_filter,omitempty"`
	Since        string `json:"since,omitempty"`
	Project      string `json:"project,omitempty"`
	FileFilter   string `json:"file_filter,omitempty"`
}

// BlamePayload is the BlameByFingerprint request body.
type BlamePayload struct {
	FilePath      string `json:"file_path"`
	LineNumber    int    `json:"line_number,omitempty"`
	Content       string `json:"content"`
	Context       string `json:"context,omitempty"`
	Mode          string `json:"mode,omitempty"`
	TimestampHint string `json:"timestamp_hint,omitempty"`
}

// EvidencePayload is the CorrelateEvidence request body.
type EvidencePayload struct {
	PRID      int64    `json:"pr_id,omitempty"`
	Commits   []string `json:"commits"`
	Branch    string   `json:"branch,omitempty"`
	StartTime string   `json:"start_time,omitempty"`
	EndTime   string   `json:"end_time,omitempty"`
	Intent    string   `json:"intent,omitempty"`
}

// MaintenancePayload is the Maintenance request body.
type MaintenancePayload struct {
	RetentionDays int `json:"retention_days,omitempty"`
}

// SummarizePayload is the SummarizeExchanges request body.
type SummarizePayload struct {
	Limit int `json:"limit,omitempty"`
}

// DoctorPayload is the Doctor response body.
type DoctorPayload struct {
	Version           string `json:"version"`
	PID               int    `json:"pid"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	EventCount        int64  `json:"event_count"`
	ExchangeCount     int64  `json:"exchange_count"`
	CheckpointCount   int64  `json:"checkpoint_count"`
	PendingEmbeddings int64  `json:"pending_embeddings"`
	DBSizeBytes       int64  `json:"db_size_bytes"`
	RSSBytes          int64  `json:"rss_bytes"`
	ModelState        string `json:"model_state"`
	ChainValid        bool   `json:"chain_valid"`
	EventsChecked     int64  `json:"events_checked"`
	SchemaVersion     int    `json:"schema_version"`
	SocketPath        string `json:"socket_path"`
	DBPath            string `json:"db_path"`
}
