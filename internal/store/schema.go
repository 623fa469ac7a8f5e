package store

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one additive schema step. Migrations are applied in
// order inside a single transaction per step and recorded in
// schema_version.
type migration struct {
	version int
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS events (
				id INTEGER PRIMARY KEY,
				timestamp TEXT NOT NULL,
				timestamp_display TEXT,
				session_id TEXT,
				tool_name TEXT NOT NULL,
				file_path TEXT,
				operation TEXT,
				diff_summary TEXT,
				raw_input TEXT,
				ai_summary TEXT,
				git_commit_sha TEXT,
				metadata TEXT,
				prev_hash BLOB NOT NULL,
				event_hash BLOB NOT NULL,
				content_hash TEXT,
				context_hash TEXT,
				embedding BLOB,
				embedding_pending INTEGER NOT NULL DEFAULT 0
			)`,
			`CREATE INDEX IF NOT EXISTS idx_events_timestamp ON events(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_events_file_path ON events(file_path)`,
			`CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_events_commit_sha ON events(git_commit_sha)`,
			`CREATE INDEX IF NOT EXISTS idx_events_content_hash ON events(content_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_events_context_hash ON events(context_hash)`,
			`CREATE INDEX IF NOT EXISTS idx_events_pending ON events(embedding_pending) WHERE embedding_pending = 1`,

			`CREATE TABLE IF NOT EXISTS chain_checkpoints (
				id INTEGER PRIMARY KEY,
				event_id INTEGER NOT NULL,
				event_hash BLOB NOT NULL,
				signature BLOB,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_checkpoints_event ON chain_checkpoints(event_id)`,

			`CREATE TABLE IF NOT EXISTS exchanges (
				id INTEGER PRIMARY KEY,
				session_id TEXT NOT NULL,
				project TEXT,
				timestamp TEXT NOT NULL,
				user_text TEXT,
				assistant_text TEXT,
				summary TEXT,
				tool_calls TEXT,
				git_branch TEXT,
				cwd TEXT,
				line_start INTEGER,
				line_end INTEGER,
				archive_path TEXT NOT NULL,
				byte_offset INTEGER NOT NULL,
				embedding BLOB,
				embedding_pending INTEGER NOT NULL DEFAULT 0,
				UNIQUE(archive_path, byte_offset)
			)`,
			`CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_exchanges_session ON exchanges(session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_exchanges_project ON exchanges(project)`,
			`CREATE INDEX IF NOT EXISTS idx_exchanges_pending ON exchanges(embedding_pending) WHERE embedding_pending = 1`,

			`CREATE TABLE IF NOT EXISTS ingest_checkpoints (
				archive_path TEXT PRIMARY KEY,
				byte_offset INTEGER NOT NULL,
				file_mtime INTEGER NOT NULL
			)`,

			`CREATE VIRTUAL TABLE IF NOT EXISTS fts_events USING fts5(
				tool_name, operation, diff_summary, raw_input, ai_summary,
				content='events', content_rowid='id',
				tokenize="unicode61 tokenchars '_'", prefix='2 3'
			)`,
			`CREATE TRIGGER IF NOT EXISTS fts_events_ai AFTER INSERT ON events BEGIN
				INSERT INTO fts_events(rowid, tool_name, operation, diff_summary, raw_input, ai_summary)
				VALUES (new.id, new.tool_name, new.operation, new.diff_summary, new.raw_input, new.ai_summary);
			END`,
			`CREATE TRIGGER IF NOT EXISTS fts_events_ad AFTER DELETE ON events BEGIN
				INSERT INTO fts_events(fts_events, rowid, tool_name, operation, diff_summary, raw_input, ai_summary)
				VALUES ('delete', old.id, old.tool_name, old.operation, old.diff_summary, old.raw_input, old.ai_summary);
			END`,
			`CREATE TRIGGER IF NOT EXISTS fts_events_au AFTER UPDATE ON events BEGIN
				INSERT INTO fts_events(fts_events, rowid, tool_name, operation, diff_summary, raw_input, ai_summary)
				VALUES ('delete', old.id, old.tool_name, old.operation, old.diff_summary, old.raw_input, old.ai_summary);
				INSERT INTO fts_events(rowid, tool_name, operation, diff_summary, raw_input, ai_summary)
				VALUES (new.id, new.tool_name, new.operation, new.diff_summary, new.raw_input, new.ai_summary);
			END`,

			`CREATE VIRTUAL TABLE IF NOT EXISTS fts_exchanges USING fts5(
				user_text, assistant_text, summary,
				content='exchanges', content_rowid='id',
				tokenize="unicode61 tokenchars '_'", prefix='2 3'
			)`,
			`CREATE TRIGGER IF NOT EXISTS fts_exchanges_ai AFTER INSERT ON exchanges BEGIN
				INSERT INTO fts_exchanges(rowid, user_text, assistant_text, summary)
				VALUES (new.id, new.user_text, new.assistant_text, new.summary);
			END`,
			`CREATE TRIGGER IF NOT EXISTS fts_exchanges_ad AFTER DELETE ON exchanges BEGIN
				INSERT INTO fts_exchanges(fts_exchanges, rowid, user_text, assistant_text, summary)
				VALUES ('delete', old.id, old.user_text, old.assistant_text, old.summary);
			END`,
			`CREATE TRIGGER IF NOT EXISTS fts_exchanges_au AFTER UPDATE ON exchanges BEGIN
				INSERT INTO fts_exchanges(fts_exchanges, rowid, user_text, assistant_text, summary)
				VALUES ('delete', old.id, old.user_text, old.assistant_text, old.summary);
				INSERT INTO fts_exchanges(rowid, user_text, assistant_text, summary)
				VALUES (new.id, new.user_text, new.assistant_text, new.summary);
			END`,
		},
	},
}

// migrate applies any schema migrations newer than the recorded
// version. Migrations are additive only.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.writeDB.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)`); err != nil {
		return fmt.Errorf("create schema_version: %w", err)
	}

	var current int
	if err := s.writeDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}

		err := s.runTx(ctx, func(tx *sql.Tx) error {
			for _, stmt := range m.stmts {
				if _, err := tx.ExecContext(ctx, stmt); err != nil {
					return fmt.Errorf("migration %d: %w", m.version, err)
				}
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO schema_version (version, applied_at) VALUES (?, ?)`,
				m.version, nowUTC()); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
			return nil
		})
		if err != nil {
			return err
		}

		s.log.Info("applied schema migration", "version", m.version)
	}

	return nil
}

// SchemaVersion returns the highest applied migration version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_version`).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}
