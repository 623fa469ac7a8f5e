package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"
)

// MaintenanceStats summarizes one maintenance run.
type MaintenanceStats struct {
	EventsPruned    int64 `json:"events_pruned"`
	ExchangesPruned int64 `json:"exchanges_pruned"`
	SizeBefore      int64 `json:"size_before_bytes"`
	SizeAfter       int64 `json:"size_after_bytes"`
	Vacuumed        bool  `json:"vacuumed"`
	DurationMs      int64 `json:"duration_ms"`
}

// PruneOlderThan deletes events and exchanges older than the given
// number of days. Pruning truncates history; it does not rewrite
// hashes, so a later full verification must anchor at a checkpoint
// newer than the prune horizon.
func (s *Store) PruneOlderThan(ctx context.Context, days int) (int64, int64, error) {
	if days <= 0 {
		return 0, 0, fmt.Errorf("prune: days must be positive, got %d", days)
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days).Format(time.RFC3339)

	var events, exchanges int64
	err := s.execWrite(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		events, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM exchanges WHERE timestamp < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("prune exchanges: %w", err)
		}
		exchanges, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, 0, err
	}
	return events, exchanges, nil
}

// Vacuum reclaims free pages and refreshes the query planner
// statistics. VACUUM cannot run inside a transaction, so this bypasses
// execWrite and holds the writer lock directly.
func (s *Store) Vacuum(ctx context.Context) error {
	if s.writeDB == nil {
		return ErrReadOnly
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writeDB.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	if _, err := s.writeDB.ExecContext(ctx, `ANALYZE`); err != nil {
		return fmt.Errorf("analyze: %w", err)
	}
	return nil
}

// DBSizeBytes returns the database file size including the WAL.
func (s *Store) DBSizeBytes() int64 {
	var total int64
	for _, p := range []string{s.path, s.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// RunMaintenance prunes rows older than retainDays (0 disables
// pruning), rebuilds the FTS indexes when anything was pruned, and
// vacuums.
func (s *Store) RunMaintenance(ctx context.Context, retainDays int) (MaintenanceStats, error) {
	started := time.Now()
	stats := MaintenanceStats{SizeBefore: s.DBSizeBytes()}

	if retainDays > 0 {
		events, exchanges, err := s.PruneOlderThan(ctx, retainDays)
		if err != nil {
			return stats, err
		}
		stats.EventsPruned = events
		stats.ExchangesPruned = exchanges

		if events > 0 || exchanges > 0 {
			if err := s.RebuildFTS(ctx); err != nil {
				return stats, err
			}
		}
	}

	if err := s.Vacuum(ctx); err != nil {
		return stats, err
	}
	stats.Vacuumed = true
	stats.SizeAfter = s.DBSizeBytes()
	stats.DurationMs = time.Since(started).Milliseconds()

	s.log.Info("maintenance complete",
		"events_pruned", stats.EventsPruned,
		"exchanges_pruned", stats.ExchangesPruned,
		"size_before", stats.SizeBefore,
		"size_after", stats.SizeAfter)
	return stats, nil
}

// DataVersion returns a cheap token that changes whenever either
// corpus changes. Used to key the search result cache.
func (s *Store) DataVersion(ctx context.Context) (string, error) {
	var events, exchanges int64
	if err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM events`).Scan(&events); err != nil {
		return "", fmt.Errorf("data version: %w", err)
	}
	if err := s.readDB.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(id), 0) FROM exchanges`).Scan(&exchanges); err != nil {
		return "", fmt.Errorf("data version: %w", err)
	}
	return fmt.Sprintf("e%d:x%d", events, exchanges), nil
}
