package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Exchange is one user/assistant conversational turn parsed from a
// session archive. Either side may be empty for a partial exchange.
type Exchange struct {
	ID            int64   `json:"id"`
	SessionID     string  `json:"session_id"`
	Project       *string `json:"project,omitempty"`
	Timestamp     string  `json:"timestamp"`
	UserText      *string `json:"user_text,omitempty"`
	AssistantText *string `json:"assistant_text,omitempty"`
	Summary       *string `json:"summary,omitempty"`
	ToolCalls     *string `json:"tool_calls,omitempty"`
	GitBranch     *string `json:"git_branch,omitempty"`
	Cwd           *string `json:"cwd,omitempty"`
	LineStart     *int64  `json:"line_start,omitempty"`
	LineEnd       *int64  `json:"line_end,omitempty"`
	ArchivePath   string  `json:"archive_path"`
	ByteOffset    int64   `json:"byte_offset"`
}

const exchangeColumns = `id, session_id, project, timestamp, user_text,
	assistant_text, summary, tool_calls, git_branch, cwd,
	line_start, line_end, archive_path, byte_offset`

// InsertExchange inserts one exchange. Duplicate (archive_path,
// byte_offset) pairs are ignored, which makes re-ingestion idempotent.
// Returns the row id and whether a new row was inserted.
func (s *Store) InsertExchange(ctx context.Context, x *Exchange) (int64, bool, error) {
	var id int64
	var inserted bool

	err := s.execWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO exchanges (
				session_id, project, timestamp, user_text, assistant_text,
				summary, tool_calls, git_branch, cwd, line_start, line_end,
				archive_path, byte_offset, embedding_pending
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)`,
			x.SessionID, nullStr(x.Project), x.Timestamp,
			nullStr(x.UserText), nullStr(x.AssistantText), nullStr(x.Summary),
			nullStr(x.ToolCalls), nullStr(x.GitBranch), nullStr(x.Cwd),
			nullInt(x.LineStart), nullInt(x.LineEnd),
			x.ArchivePath, x.ByteOffset,
		)
		if err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}

		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}
		if n == 0 {
			// Already ingested; look up the existing id.
			return tx.QueryRowContext(ctx,
				`SELECT id FROM exchanges WHERE archive_path = ? AND byte_offset = ?`,
				x.ArchivePath, x.ByteOffset).Scan(&id)
		}

		inserted = true
		lastID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("insert exchange: %w", err)
		}
		id = lastID
		return nil
	})
	if err != nil {
		return 0, false, err
	}
	return id, inserted, nil
}

func scanExchange(row interface{ Scan(...any) error }) (*Exchange, error) {
	var x Exchange
	var project, userText, assistantText, summary sql.NullString
	var toolCalls, gitBranch, cwd sql.NullString
	var lineStart, lineEnd sql.NullInt64

	err := row.Scan(
		&x.ID, &x.SessionID, &project, &x.Timestamp, &userText,
		&assistantText, &summary, &toolCalls, &gitBranch, &cwd,
		&lineStart, &lineEnd, &x.ArchivePath, &x.ByteOffset,
	)
	if err != nil {
		return nil, err
	}

	x.Project = strPtr(project)
	x.UserText = strPtr(userText)
	x.AssistantText = strPtr(assistantText)
	x.Summary = strPtr(summary)
	x.ToolCalls = strPtr(toolCalls)
	x.GitBranch = strPtr(gitBranch)
	x.Cwd = strPtr(cwd)
	x.LineStart = intPtr(lineStart)
	x.LineEnd = intPtr(lineEnd)

	return &x, nil
}

func (s *Store) queryExchanges(ctx context.Context, query string, args ...any) ([]*Exchange, error) {
	rows, err := s.readDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query exchanges: %w", err)
	}
	defer rows.Close()

	var out []*Exchange
	for rows.Next() {
		x, err := scanExchange(rows)
		if err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		out = append(out, x)
	}
	return out, rows.Err()
}

// GetExchange returns one exchange by id, or ErrNotFound.
func (s *Store) GetExchange(ctx context.Context, id int64) (*Exchange, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges WHERE id = ?`, id)
	x, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get exchange %d: %w", id, err)
	}
	return x, nil
}

// NearestExchangeInSession returns the exchange in sessionID whose
// timestamp is nearest to ts, or ErrNotFound. Used for intent lookup
// during blame.
func (s *Store) NearestExchangeInSession(ctx context.Context, sessionID, ts string) (*Exchange, error) {
	row := s.readDB.QueryRowContext(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges
		 WHERE session_id = ?
		 ORDER BY ABS(strftime('%s', timestamp) - strftime('%s', ?)) ASC
		 LIMIT 1`, sessionID, ts)
	x, err := scanExchange(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("nearest exchange for session %s: %w", sessionID, err)
	}
	return x, nil
}

// ExchangesWithoutSummary lists exchanges missing a summary, oldest
// first, up to limit.
func (s *Store) ExchangesWithoutSummary(ctx context.Context, limit int) ([]*Exchange, error) {
	return s.queryExchanges(ctx,
		`SELECT `+exchangeColumns+` FROM exchanges
		 WHERE summary IS NULL ORDER BY id ASC LIMIT ?`, limit)
}

// SetExchangeSummary records a summary for an exchange.
func (s *Store) SetExchangeSummary(ctx context.Context, id int64, summary string) error {
	return s.execWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE exchanges SET summary = ? WHERE id = ?`, summary, id)
		if err != nil {
			return fmt.Errorf("set exchange summary: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// CountExchanges returns the total number of exchanges.
func (s *Store) CountExchanges(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx, `SELECT COUNT(*) FROM exchanges`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count exchanges: %w", err)
	}
	return n, nil
}

// IngestCheckpoint is the per-archive resume cursor.
type IngestCheckpoint struct {
	ArchivePath string
	ByteOffset  int64
	FileMtime   int64
}

// GetIngestCheckpoint returns the cursor for an archive, or
// ErrNotFound when the archive has never been ingested.
func (s *Store) GetIngestCheckpoint(ctx context.Context, archivePath string) (*IngestCheckpoint, error) {
	var cp IngestCheckpoint
	err := s.readDB.QueryRowContext(ctx,
		`SELECT archive_path, byte_offset, file_mtime
		 FROM ingest_checkpoints WHERE archive_path = ?`, archivePath,
	).Scan(&cp.ArchivePath, &cp.ByteOffset, &cp.FileMtime)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ingest checkpoint: %w", err)
	}
	return &cp, nil
}

// PutIngestCheckpoint upserts the cursor for an archive.
func (s *Store) PutIngestCheckpoint(ctx context.Context, cp *IngestCheckpoint) error {
	return s.execWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO ingest_checkpoints (archive_path, byte_offset, file_mtime)
			 VALUES (?, ?, ?)
			 ON CONFLICT(archive_path) DO UPDATE SET
				byte_offset = excluded.byte_offset,
				file_mtime = excluded.file_mtime`,
			cp.ArchivePath, cp.ByteOffset, cp.FileMtime)
		if err != nil {
			return fmt.Errorf("put ingest checkpoint: %w", err)
		}
		return nil
	})
}
