package store

import (
	"context"
	"fmt"
	"strings"
)

// KeywordHit is one FTS5 match. Score is -bm25, so higher is better.
type KeywordHit struct {
	ID      int64
	Score   float64
	Snippet string
}

// SearchEventsKeyword runs an FTS5 query over the events index and
// returns up to limit hits ordered by bm25 rank.
func (s *Store) SearchEventsKeyword(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.searchKeyword(ctx,
		`SELECT rowid, -bm25(fts_events),
		        snippet(fts_events, -1, '[', ']', '…', 12)
		 FROM fts_events WHERE fts_events MATCH ?
		 ORDER BY bm25(fts_events) ASC LIMIT ?`, query, limit)
}

// SearchExchangesKeyword runs an FTS5 query over the exchanges index.
func (s *Store) SearchExchangesKeyword(ctx context.Context, query string, limit int) ([]KeywordHit, error) {
	return s.searchKeyword(ctx,
		`SELECT rowid, -bm25(fts_exchanges),
		        snippet(fts_exchanges, -1, '[', ']', '…', 12)
		 FROM fts_exchanges WHERE fts_exchanges MATCH ?
		 ORDER BY bm25(fts_exchanges) ASC LIMIT ?`, query, limit)
}

func (s *Store) searchKeyword(ctx context.Context, sqlText, query string, limit int) ([]KeywordHit, error) {
	match := EscapeFTSQuery(query)
	if match == "" {
		return nil, nil
	}

	rows, err := s.readDB.QueryContext(ctx, sqlText, match, limit)
	if err != nil {
		return nil, fmt.Errorf("keyword search: %w", err)
	}
	defer rows.Close()

	var hits []KeywordHit
	for rows.Next() {
		var h KeywordHit
		if err := rows.Scan(&h.ID, &h.Score, &h.Snippet); err != nil {
			return nil, fmt.Errorf("scan keyword hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}

// EscapeFTSQuery turns free text into a safe FTS5 MATCH expression.
// Each whitespace-separated term is double-quoted so user input cannot
// inject FTS5 operators like NEAR or column filters.
func EscapeFTSQuery(query string) string {
	terms := strings.Fields(query)
	if len(terms) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(terms))
	for _, t := range terms {
		t = strings.ReplaceAll(t, `"`, `""`)
		quoted = append(quoted, `"`+t+`"`)
	}
	return strings.Join(quoted, " ")
}

// RebuildFTS rebuilds both external-content FTS indexes from their
// source tables. Used by maintenance after bulk deletions.
func (s *Store) RebuildFTS(ctx context.Context) error {
	for _, stmt := range []string{
		`INSERT INTO fts_events(fts_events) VALUES ('rebuild')`,
		`INSERT INTO fts_exchanges(fts_exchanges) VALUES ('rebuild')`,
	} {
		if _, err := s.writeDB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("rebuild fts: %w", err)
		}
	}
	return nil
}
