package store

import (
	"context"
	"database/sql"
	"fmt"

	"diachron/internal/chain"
)

// LatestCheckpoint returns the newest chain checkpoint, or ErrNotFound.
func (s *Store) LatestCheckpoint(ctx context.Context) (*chain.Checkpoint, error) {
	return s.checkpointRow(ctx,
		`SELECT id, event_id, event_hash, signature, created_at
		 FROM chain_checkpoints ORDER BY id DESC LIMIT 1`)
}

// CheckpointBefore returns the newest checkpoint whose event_id is at
// or below eventID, or ErrNotFound.
func (s *Store) CheckpointBefore(ctx context.Context, eventID int64) (*chain.Checkpoint, error) {
	return s.checkpointRow(ctx,
		`SELECT id, event_id, event_hash, signature, created_at
		 FROM chain_checkpoints WHERE event_id <= ?
		 ORDER BY event_id DESC LIMIT 1`, eventID)
}

func (s *Store) checkpointRow(ctx context.Context, query string, args ...any) (*chain.Checkpoint, error) {
	var cp chain.Checkpoint
	var sig []byte
	err := s.readDB.QueryRowContext(ctx, query, args...).Scan(
		&cp.ID, &cp.EventID, &cp.EventHash, &sig, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query checkpoint: %w", err)
	}
	cp.Signature = sig
	return &cp, nil
}

// CountCheckpoints returns the number of chain checkpoints.
func (s *Store) CountCheckpoints(ctx context.Context) (int64, error) {
	var n int64
	if err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM chain_checkpoints`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count checkpoints: %w", err)
	}
	return n, nil
}

// chainRows loads verification rows with id > afterID, ordered by id.
func (s *Store) chainRows(ctx context.Context, afterID int64) ([]chain.Row, error) {
	rows, err := s.readDB.QueryContext(ctx,
		`SELECT id, timestamp, tool_name, file_path, operation, diff_summary,
		        raw_input, session_id, git_commit_sha, metadata, prev_hash, event_hash
		 FROM events WHERE id > ? ORDER BY id ASC`, afterID)
	if err != nil {
		return nil, fmt.Errorf("query chain rows: %w", err)
	}
	defer rows.Close()

	var out []chain.Row
	for rows.Next() {
		var r chain.Row
		var filePath, operation, diffSummary, rawInput sql.NullString
		var sessionID, commitSHA, metadata sql.NullString
		if err := rows.Scan(
			&r.Input.ID, &r.Input.Timestamp, &r.Input.ToolName,
			&filePath, &operation, &diffSummary, &rawInput,
			&sessionID, &commitSHA, &metadata,
			&r.PrevHash, &r.EventHash,
		); err != nil {
			return nil, fmt.Errorf("scan chain row: %w", err)
		}
		r.Input.FilePath = strPtr(filePath)
		if operation.Valid {
			r.Input.Operation = operation.String
		}
		r.Input.DiffSummary = strPtr(diffSummary)
		r.Input.RawInput = strPtr(rawInput)
		r.Input.SessionID = strPtr(sessionID)
		r.Input.GitCommitSHA = strPtr(commitSHA)
		r.Input.Metadata = strPtr(metadata)
		out = append(out, r)
	}
	return out, rows.Err()
}

// VerifyChain verifies the hash chain. When full is false it anchors
// at the latest checkpoint and only walks events after it; when true,
// or when no checkpoint exists, it walks the whole chain from genesis.
// Verification is read-only; a broken chain is reported, never
// repaired.
func (s *Store) VerifyChain(ctx context.Context, full bool) (chain.VerifyResult, error) {
	start := chain.GenesisHash
	var afterID int64

	if !full {
		cp, err := s.LatestCheckpoint(ctx)
		switch {
		case err == ErrNotFound:
			// No checkpoint yet; walk from genesis.
		case err != nil:
			return chain.VerifyResult{}, err
		default:
			anchor, herr := chain.HashFromBytes(cp.EventHash)
			if herr != nil {
				return chain.VerifyResult{}, fmt.Errorf("checkpoint hash: %w", herr)
			}
			start = anchor
			afterID = cp.EventID
		}
	}

	rows, err := s.chainRows(ctx, afterID)
	if err != nil {
		return chain.VerifyResult{}, err
	}

	result := chain.VerifyRows(rows, start)

	if n, err := s.CountCheckpoints(ctx); err == nil {
		result.CheckpointsChecked = n
	}
	return result, nil
}

// VerifyRange verifies the chain segment covering [startID, endID].
// When a checkpoint exists at or below the range start it anchors
// there, so the segment's own prev_hash is not taken on faith; without
// one it falls back to the stored prev_hash of the first row. Used by
// the evidence correlator for window-scoped verification.
func (s *Store) VerifyRange(ctx context.Context, startID, endID int64) (chain.VerifyResult, error) {
	afterID := startID - 1
	var anchor [32]byte
	anchored := false

	cp, err := s.CheckpointBefore(ctx, afterID)
	switch {
	case err == ErrNotFound:
	case err != nil:
		return chain.VerifyResult{}, err
	default:
		h, herr := chain.HashFromBytes(cp.EventHash)
		if herr != nil {
			return chain.VerifyResult{}, fmt.Errorf("checkpoint hash: %w", herr)
		}
		anchor = h
		anchored = true
		afterID = cp.EventID
	}

	rows, err := s.chainRows(ctx, afterID)
	if err != nil {
		return chain.VerifyResult{}, err
	}

	var segment []chain.Row
	for _, r := range rows {
		if r.Input.ID > endID {
			break
		}
		segment = append(segment, r)
	}

	if len(segment) == 0 {
		return chain.VerifyResult{Valid: true}, nil
	}

	if !anchored {
		anchor, err = chain.HashFromBytes(segment[0].PrevHash)
		if err != nil {
			return chain.VerifyResult{}, fmt.Errorf("segment anchor: %w", err)
		}
	}
	return chain.VerifyRows(segment, anchor), nil
}
