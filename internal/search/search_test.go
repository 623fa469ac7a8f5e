package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"diachron/internal/embed"
	"diachron/internal/logging"
	"diachron/internal/store"
	"diachron/internal/vector"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil, logging.Default())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	idx, err := vector.New(t.TempDir(), nil, logging.Default())
	if err != nil {
		t.Fatalf("vector.New failed: %v", err)
	}

	// No endpoint: keyword-only scoring.
	e := embed.New(embed.Config{Dimensions: 4}, logging.Default())
	return New(s, idx, e, nil, logging.Default()), s
}

func appendEvent(t *testing.T, s *store.Store, file, diff string) int64 {
	t.Helper()
	id, err := s.AppendEvent(context.Background(), store.AppendInput{
		ToolName:    "Edit",
		Operation:   store.OpModify,
		FilePath:    &file,
		DiffSummary: &diff,
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	return id
}

func TestKeywordOnlySearch(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	id := appendEvent(t, s, "src/auth/login.go", "added retry logic to token refresh")
	appendEvent(t, s, "src/db/pool.go", "tuned connection pool sizing")

	resp, err := eng.Search(ctx, Query{Text: "retry token"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if !resp.ModelUnavailable {
		t.Error("ModelUnavailable not reported with embedding disabled")
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}

	r := resp.Results[0]
	if r.Corpus != ResultEvent || r.ID != id {
		t.Errorf("hit = %s:%d, want event:%d", r.Corpus, r.ID, id)
	}
	if r.Score <= 0 || r.Score > 1 {
		t.Errorf("score = %f, want (0, 1]", r.Score)
	}
	if r.VectorScore != 0 {
		t.Errorf("vector score = %f with model unavailable", r.VectorScore)
	}
	if r.Snippet == "" {
		t.Error("snippet is empty")
	}
}

func TestSearchSpansBothCorpora(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	appendEvent(t, s, "src/upload.go", "uploader retry with backoff")
	user := "please add retry to the uploader"
	if _, _, err := s.InsertExchange(ctx, &store.Exchange{
		SessionID:   "sess-1",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UserText:    &user,
		ArchivePath: "projects/demo/sess-1.jsonl",
		ByteOffset:  0,
	}); err != nil {
		t.Fatalf("InsertExchange failed: %v", err)
	}

	resp, err := eng.Search(ctx, Query{Text: "uploader retry"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}

	seen := map[string]bool{}
	for _, r := range resp.Results {
		seen[r.Corpus] = true
	}
	if !seen[ResultEvent] || !seen[ResultExchange] {
		t.Errorf("corpora hit = %v, want both", seen)
	}
}

func TestSearchFilters(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-72 * time.Hour).Format(time.RFC3339)
	if _, err := s.AppendEvent(ctx, store.AppendInput{
		Timestamp:   old,
		ToolName:    "Edit",
		Operation:   store.OpModify,
		FilePath:    strp("src/old.go"),
		DiffSummary: strp("legacy retry cleanup"),
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	appendEvent(t, s, "src/new.go", "fresh retry addition")

	since := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	resp, err := eng.Search(ctx, Query{Text: "retry", Since: since})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}
	if resp.Results[0].FilePath == nil || *resp.Results[0].FilePath != "src/new.go" {
		t.Errorf("filtered hit = %v", resp.Results[0].FilePath)
	}

	resp, err = eng.Search(ctx, Query{Text: "retry", FileFilter: "src/old"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 || *resp.Results[0].FilePath != "src/old.go" {
		t.Errorf("file filter results = %+v", resp.Results)
	}
}

func TestProjectFilterScopesToExchanges(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	appendEvent(t, s, "src/a.go", "retry work in events")

	proj := "demo"
	user := "retry work discussion"
	if _, _, err := s.InsertExchange(ctx, &store.Exchange{
		SessionID:   "sess-1",
		Project:     &proj,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UserText:    &user,
		ArchivePath: "projects/demo/sess-1.jsonl",
		ByteOffset:  0,
	}); err != nil {
		t.Fatalf("InsertExchange failed: %v", err)
	}

	resp, err := eng.Search(ctx, Query{Text: "retry work", Project: "demo"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	for _, r := range resp.Results {
		if r.Corpus != ResultExchange {
			t.Errorf("project-scoped search returned %s hit", r.Corpus)
		}
	}
	if len(resp.Results) != 1 {
		t.Errorf("results = %d, want 1", len(resp.Results))
	}

	resp, err = eng.Search(ctx, Query{Text: "retry work", Project: "other"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 0 {
		t.Errorf("wrong-project results = %d, want 0", len(resp.Results))
	}
}

func TestSourceFilter(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	appendEvent(t, s, "src/a.go", "retry in events")
	user := "retry in exchanges"
	if _, _, err := s.InsertExchange(ctx, &store.Exchange{
		SessionID:   "sess-1",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		UserText:    &user,
		ArchivePath: "projects/demo/sess-1.jsonl",
		ByteOffset:  0,
	}); err != nil {
		t.Fatalf("InsertExchange failed: %v", err)
	}

	tests := []struct {
		source string
		want   string
	}{
		{"events", ResultEvent},
		{"exchanges", ResultExchange},
	}
	for _, tt := range tests {
		resp, err := eng.Search(ctx, Query{Text: "retry", Source: tt.source})
		if err != nil {
			t.Fatalf("Search(source=%s) failed: %v", tt.source, err)
		}
		if len(resp.Results) != 1 || resp.Results[0].Corpus != tt.want {
			t.Errorf("source=%s results = %+v, want one %s hit", tt.source, resp.Results, tt.want)
		}
	}

	resp, err := eng.Search(ctx, Query{Text: "retry", Source: "both"})
	if err != nil {
		t.Fatalf("Search(source=both) failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("source=both results = %d, want 2", len(resp.Results))
	}

	if _, err := eng.Search(ctx, Query{Text: "retry", Source: "commits"}); err == nil {
		t.Error("unknown source filter accepted")
	}
}

func TestSearchEmptyQueryRejected(t *testing.T) {
	eng, _ := newTestEngine(t)
	if _, err := eng.Search(context.Background(), Query{Text: "   "}); err == nil {
		t.Fatal("blank query accepted")
	}
}

func TestSearchLimit(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		appendEvent(t, s, "src/retry.go", "retry tweak")
	}

	resp, err := eng.Search(ctx, Query{Text: "retry", Limit: 3})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 3 {
		t.Errorf("results = %d, want 3", len(resp.Results))
	}
}

func TestCacheInvalidatedByWrite(t *testing.T) {
	eng, s := newTestEngine(t)
	ctx := context.Background()

	appendEvent(t, s, "src/a.go", "retry one")

	resp, err := eng.Search(ctx, Query{Text: "retry"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(resp.Results))
	}

	appendEvent(t, s, "src/b.go", "retry two")

	resp, err = eng.Search(ctx, Query{Text: "retry"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Errorf("results after write = %d, want 2 (stale cache?)", len(resp.Results))
	}
}

func TestParseTimeFilter(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		filter  string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"24h", "2026-03-09T12:00:00Z", false},
		{"7d", "2026-03-03T12:00:00Z", false},
		{"2w", "2026-02-24T12:00:00Z", false},
		{"2026-03-01", "2026-03-01T00:00:00Z", false},
		{"2026-03-01T08:30:00Z", "2026-03-01T08:30:00Z", false},
		{"yesterday", "", true},
		{"24x", "", true},
		{"h", "", true},
	}
	for _, tt := range tests {
		got, err := ParseTimeFilter(tt.filter, now)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseTimeFilter(%q) accepted", tt.filter)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeFilter(%q) failed: %v", tt.filter, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseTimeFilter(%q) = %q, want %q", tt.filter, got, tt.want)
		}
	}
}

func TestHeadExtract(t *testing.T) {
	if got := headExtract("short text"); got != "short text" {
		t.Errorf("headExtract = %q", got)
	}

	long := ""
	for i := 0; i < 50; i++ {
		long += "wörd "
	}
	got := headExtract(long)
	if len(got) > snippetMaxBytes+4 {
		t.Errorf("snippet too long: %d bytes", len(got))
	}
	// Truncation must not split a multi-byte rune.
	for _, r := range got {
		if r == '�' {
			t.Fatal("snippet contains replacement character")
		}
	}
}

func strp(s string) *string { return &s }
