package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Corpus names one of the two embedded corpora.
type Corpus string

const (
	CorpusEvents    Corpus = "events"
	CorpusExchanges Corpus = "exchanges"
)

func (c Corpus) table() (string, error) {
	switch c {
	case CorpusEvents:
		return "events", nil
	case CorpusExchanges:
		return "exchanges", nil
	}
	return "", fmt.Errorf("unknown corpus %q", c)
}

// PendingEmbedding is one row awaiting an embedding, with the text to
// embed already assembled.
type PendingEmbedding struct {
	ID   int64
	Text string
}

// ListPendingEmbeddings returns up to limit rows flagged for
// embedding, oldest first. For events the text combines tool name,
// operation, diff summary, and summary fields; for exchanges the user
// and assistant text.
func (s *Store) ListPendingEmbeddings(ctx context.Context, corpus Corpus, limit int) ([]PendingEmbedding, error) {
	var query string
	switch corpus {
	case CorpusEvents:
		query = `SELECT id,
			TRIM(tool_name || ' ' || COALESCE(operation, '') || ' ' ||
			     COALESCE(file_path, '') || ' ' || COALESCE(diff_summary, '') || ' ' ||
			     COALESCE(ai_summary, raw_input, ''))
			FROM events WHERE embedding_pending = 1 ORDER BY id ASC LIMIT ?`
	case CorpusExchanges:
		query = `SELECT id,
			TRIM(COALESCE(user_text, '') || ' ' || COALESCE(summary, assistant_text, ''))
			FROM exchanges WHERE embedding_pending = 1 ORDER BY id ASC LIMIT ?`
	default:
		return nil, fmt.Errorf("unknown corpus %q", corpus)
	}

	rows, err := s.readDB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending embeddings: %w", err)
	}
	defer rows.Close()

	var out []PendingEmbedding
	for rows.Next() {
		var p PendingEmbedding
		if err := rows.Scan(&p.ID, &p.Text); err != nil {
			return nil, fmt.Errorf("scan pending embedding: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StoreEmbedding persists a vector for one row and clears its pending
// flag. An embedding update never touches hashed columns.
func (s *Store) StoreEmbedding(ctx context.Context, corpus Corpus, id int64, vec []float32) error {
	table, err := corpus.table()
	if err != nil {
		return err
	}
	return s.execWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET embedding = ?, embedding_pending = 0 WHERE id = ?`,
			EncodeVector(vec), id)
		if err != nil {
			return fmt.Errorf("store embedding: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// ClearEmbeddingPending drops the pending flag without storing a
// vector. Used when the embedding model is unavailable and a row
// should not be retried until the next full sweep.
func (s *Store) ClearEmbeddingPending(ctx context.Context, corpus Corpus, id int64) error {
	table, err := corpus.table()
	if err != nil {
		return err
	}
	return s.execWrite(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE `+table+` SET embedding_pending = 0 WHERE id = ?`, id)
		return err
	})
}

// StoredVector is one persisted embedding, used for index rebuilds.
type StoredVector struct {
	ID     int64
	Vector []float32
}

// AllEmbeddings streams every persisted embedding for a corpus to fn.
// Iteration stops on the first error fn returns.
func (s *Store) AllEmbeddings(ctx context.Context, corpus Corpus, fn func(StoredVector) error) error {
	table, err := corpus.table()
	if err != nil {
		return err
	}

	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, embedding FROM `+table+` WHERE embedding IS NOT NULL ORDER BY id ASC`)
	if err != nil {
		return fmt.Errorf("all embeddings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return fmt.Errorf("scan embedding: %w", err)
		}
		vec, err := DecodeVector(blob)
		if err != nil {
			return fmt.Errorf("row %d: %w", id, err)
		}
		if err := fn(StoredVector{ID: id, Vector: vec}); err != nil {
			return err
		}
	}
	return rows.Err()
}

// GetEmbedding returns the persisted vector for one row, or
// ErrNotFound when the row is absent or has no embedding.
func (s *Store) GetEmbedding(ctx context.Context, corpus Corpus, id int64) ([]float32, error) {
	table, err := corpus.table()
	if err != nil {
		return nil, err
	}
	var blob []byte
	err = s.readDB.QueryRowContext(ctx,
		`SELECT embedding FROM `+table+` WHERE id = ?`, id).Scan(&blob)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get embedding: %w", err)
	}
	if blob == nil {
		return nil, ErrNotFound
	}
	return DecodeVector(blob)
}

// CountPendingEmbeddings counts rows still flagged for embedding.
func (s *Store) CountPendingEmbeddings(ctx context.Context, corpus Corpus) (int64, error) {
	table, err := corpus.table()
	if err != nil {
		return 0, err
	}
	var n int64
	if err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM `+table+` WHERE embedding_pending = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending embeddings: %w", err)
	}
	return n, nil
}
