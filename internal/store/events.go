package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"diachron/internal/chain"
	"diachron/internal/fingerprint"
)

// Operation tags the kind of file action an event records.
type Operation string

// Operation values.
const (
	OpCreate  Operation = "create"
	OpModify  Operation = "modify"
	OpDelete  Operation = "delete"
	OpMove    Operation = "move"
	OpCopy    Operation = "copy"
	OpCommit  Operation = "commit"
	OpExecute Operation = "execute"
	OpUnknown Operation = "unknown"
)

// Valid reports whether op is a known operation tag.
func (op Operation) Valid() bool {
	switch op {
	case OpCreate, OpModify, OpDelete, OpMove, OpCopy, OpCommit, OpExecute, OpUnknown:
		return true
	}
	return false
}

// CommandCategory classifies shell commands captured as events.
type CommandCategory string

// CommandCategory values.
const (
	CatGit     CommandCategory = "git"
	CatTest    CommandCategory = "test"
	CatBuild   CommandCategory = "build"
	CatDeploy  CommandCategory = "deploy"
	CatFileOps CommandCategory = "file_ops"
	CatPackage CommandCategory = "package"
	CatUnknown CommandCategory = "unknown"
)

// Valid reports whether c is a known command category.
func (c CommandCategory) Valid() bool {
	switch c {
	case CatGit, CatTest, CatBuild, CatDeploy, CatFileOps, CatPackage, CatUnknown:
		return true
	}
	return false
}

// Event is one captured code-change action.
type Event struct {
	ID               int64   `json:"id"`
	Timestamp        string  `json:"timestamp"`
	TimestampDisplay *string `json:"timestamp_display,omitempty"`
	SessionID        *string `json:"session_id,omitempty"`
	ToolName         string  `json:"tool_name"`
	FilePath         *string `json:"file_path,omitempty"`
	Operation        string  `json:"operation,omitempty"`
	DiffSummary      *string `json:"diff_summary,omitempty"`
	RawInput         *string `json:"raw_input,omitempty"`
	AISummary        *string `json:"ai_summary,omitempty"`
	GitCommitSHA     *string `json:"git_commit_sha,omitempty"`
	Metadata         *string `json:"metadata,omitempty"`
	PrevHash         string  `json:"prev_hash"`
	EventHash        string  `json:"event_hash"`
	ContentHash      *string `json:"content_hash,omitempty"`
	ContextHash      *string `json:"context_hash,omitempty"`
}

// MetadataValue extracts a string value from the event's metadata JSON.
func (e *Event) MetadataValue(key string) string {
	if e.Metadata == nil {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(*e.Metadata), &m); err != nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

// AppendInput carries everything a Capture provides for one event.
// Content and Context, when present, are the changed lines and their
// surroundings; the store derives the fingerprint hashes from them and
// does not persist the raw text beyond RawInput.
type AppendInput struct {
	Timestamp        string
	TimestampDisplay *string
	SessionID        *string
	ToolName         string
	FilePath         *string
	Operation        Operation
	DiffSummary      *string
	RawInput         *string
	GitCommitSHA     *string
	Metadata         *string
	Content          string
	Context          string
}

const eventColumns = `id, timestamp, timestamp_display, session_id, tool_name,
	file_path, operation, diff_summary, raw_input, ai_summary,
	git_commit_sha, metadata, prev_hash, event_hash, content_hash, context_hash`

// AppendEvent appends one event to the log under the writer lock:
// reads the previous chain hash, allocates the next id, computes the
// fingerprint and event hashes, inserts the row, and writes a chain
// checkpoint when the checkpoint cadence has elapsed. The insert and
// hash computation share one transaction, so partial writes are
// impossible.
func (s *Store) AppendEvent(ctx context.Context, in AppendInput) (int64, error) {
	if in.Timestamp == "" {
		in.Timestamp = nowUTC()
	}
	if in.Operation == "" {
		in.Operation = OpUnknown
	}

	var contentHash, contextHash *string
	if in.Content != "" {
		fp := fingerprint.Compute(in.Content, in.Context)
		contentHash = &fp.ContentHash
		if fp.ContextHash != "" {
			ch := fp.ContextHash
			contextHash = &ch
		}
	}

	var newID int64
	err := s.execWrite(ctx, func(tx *sql.Tx) error {
		// Previous chain state.
		prev := chain.GenesisHash
		var lastID int64
		var lastHash []byte
		err := tx.QueryRowContext(ctx,
			`SELECT id, event_hash FROM events ORDER BY id DESC LIMIT 1`,
		).Scan(&lastID, &lastHash)
		switch {
		case err == sql.ErrNoRows:
			// First event; genesis prev.
		case err != nil:
			return fmt.Errorf("read chain head: %w", err)
		default:
			prev, err = chain.HashFromBytes(lastHash)
			if err != nil {
				return fmt.Errorf("chain head: %w", err)
			}
		}

		newID = lastID + 1

		eventHash, err := chain.ComputeEventHash(chain.HashInput{
			ID:           newID,
			Timestamp:    in.Timestamp,
			ToolName:     in.ToolName,
			FilePath:     in.FilePath,
			Operation:    string(in.Operation),
			DiffSummary:  in.DiffSummary,
			RawInput:     in.RawInput,
			SessionID:    in.SessionID,
			GitCommitSHA: in.GitCommitSHA,
			Metadata:     in.Metadata,
		}, prev)
		if err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (
				id, timestamp, timestamp_display, session_id, tool_name,
				file_path, operation, diff_summary, raw_input,
				git_commit_sha, metadata, prev_hash, event_hash,
				content_hash, context_hash, embedding_pending
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			newID, in.Timestamp, nullStr(in.TimestampDisplay), nullStr(in.SessionID),
			in.ToolName, nullStr(in.FilePath), string(in.Operation),
			nullStr(in.DiffSummary), nullStr(in.RawInput),
			nullStr(in.GitCommitSHA), nullStr(in.Metadata),
			prev[:], eventHash[:], nullStr(contentHash), nullStr(contextHash),
		)
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		return s.maybeCheckpoint(ctx, tx, newID, eventHash[:])
	})
	if err != nil {
		return 0, err
	}
	return newID, nil
}

// maybeCheckpoint writes a chain checkpoint inside tx when the last
// checkpoint is older than the configured cadence.
func (s *Store) maybeCheckpoint(ctx context.Context, tx *sql.Tx, eventID int64, eventHash []byte) error {
	var lastCreated string
	err := tx.QueryRowContext(ctx,
		`SELECT created_at FROM chain_checkpoints ORDER BY id DESC LIMIT 1`,
	).Scan(&lastCreated)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("read last checkpoint: %w", err)
	}

	if err == nil {
		last, perr := time.Parse(time.RFC3339, lastCreated)
		if perr == nil && time.Since(last) < s.opts.CheckpointInterval {
			return nil
		}
	}

	cp := &chain.Checkpoint{
		EventID:   eventID,
		EventHash: eventHash,
		CreatedAt: nowUTC(),
	}
	if s.signCheckpoint != nil {
		cp.Signature = s.signCheckpoint(cp)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO chain_checkpoints (event_id, event_hash, signature, created_at)
		 VALUES (?, ?, ?, ?)`,
		cp.EventID, cp.EventHash, cp.Signature, cp.CreatedAt); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	s.log.Debug("wrote chain checkpoint", "event_id", eventID)
	return nil
}

func scanEvent(row interface{ Scan(...any) error }) (*Event, error) {
	var e Event
	var tsDisplay, sessionID, filePath, operation, diffSummary sql.NullString
	var rawInput, aiSummary, commitSHA, metadata, contentHash, contextHash sql.NullString
	var prevHash, eventHash []byte

	err := row.Scan(
		&e.ID, &e.Timestamp, &tsDisplay, &sessionID, &e.ToolName,
		&filePath, &operation, &diffSummary, &rawInput, &aiSummary,
		&commitSHA, &metadata, &prevHash, &eventHash, &contentHash, &contextHash,
	)
	if err != nil {
		return nil, err
	}

	e.TimestampDisplay = strPtr(tsDisplay)
	e.SessionID = strPtr(sessionID)
	e.FilePath = strPtr(filePath)
	if operation.Valid {
		e.Operation = operation.String
	}
	e.DiffSummary = strPtr(diffSummary)
	e.RawInput = strPtr(rawInput)
	e.AISummary = strPtr(aiSummary)
	e.GitCommitSHA = strPtr(commitSHA)
	e.Metadata = strPtr(metadata)
	e.ContentHash = strPtr(contentHash)
	e.ContextHash = strPtr(contextHash)

	if h, err := chain.HashFromBytes(prevHash); err == nil {
		e.PrevHash = chain.FormatHash(h)
	}
	if h, err := chain.HashFromBytes(eventHash); err == nil {
		e.EventHash = chain.FormatHash(h)
	}

	return &e, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// GetEvent returns one event by id, or ErrNotFound.
func (s *Store) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, nil
}

// TimelineFilter narrows a Timeline query.
type TimelineFilter struct {
	// Since is an inclusive RFC 3339 lower bound on timestamp.
	Since string

	// FileFilter is a path prefix match on file_path.
	FileFilter string

	// Limit caps the result size. Required, must be positive.
	Limit int
}

// Timeline returns events most-recent-first, honoring the filter.
func (s *Store) Timeline(ctx context.Context, f TimelineFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM events WHERE 1=1`
	var args []any

	if f.Since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, f.Since)
	}
	if f.FileFilter != "" {
		query += ` AND file_path LIKE ?`
		args = append(args, f.FileFilter+"%")
	}
	query += ` ORDER BY timestamp DESC, id DESC LIMIT ?`
	args = append(args, f.Limit)

	return s.queryEvents(ctx, query, args...)
}

// EventsByContentHash returns events whose content_hash matches.
func (s *Store) EventsByContentHash(ctx context.Context, hash string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE content_hash = ? ORDER BY id ASC`, hash)
}

// EventsByContextHash returns events whose context_hash matches.
func (s *Store) EventsByContextHash(ctx context.Context, hash string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE context_hash = ? ORDER BY id ASC`, hash)
}

// EventsByCommitSHA returns events recorded against a git commit.
func (s *Store) EventsByCommitSHA(ctx context.Context, sha string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE git_commit_sha = ? ORDER BY id ASC`, sha)
}

// EventsBySession returns all events in a session, oldest first.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY id ASC`, sessionID)
}

// EventsInWindow returns events with start <= timestamp <= end.
func (s *Store) EventsInWindow(ctx context.Context, start, end string) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE timestamp >= ? AND timestamp <= ? ORDER BY id ASC`, start, end)
}

// CountEventsInWindow counts events with start <= timestamp <= end.
func (s *Store) CountEventsInWindow(ctx context.Context, start, end string) (int64, error) {
	var n int64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE timestamp >= ? AND timestamp <= ?`,
		start, end).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// LatestEventForFile returns the most recent event touching filePath
// at or after since (RFC 3339), or ErrNotFound.
func (s *Store) LatestEventForFile(ctx context.Context, filePath, since string) (*Event, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events
		 WHERE file_path = ? AND timestamp >= ?
		 ORDER BY timestamp DESC, id DESC LIMIT 1`, filePath, since)
	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", filePath, err)
	}
	return e, nil
}

// CountEvents returns the total number of events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}
