package vector

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"diachron/internal/logging"
	"diachron/internal/store"
)

func unit(vals ...float32) []float32 {
	var sum float64
	for _, v := range vals {
		sum += float64(v) * float64(v)
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vals))
	for i, v := range vals {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	idx, err := New(t.TempDir(), nil, logging.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return idx
}

func TestSearchReturnsNearest(t *testing.T) {
	idx := newTestIndex(t)

	idx.Add(store.CorpusEvents, 1, unit(1, 0, 0))
	idx.Add(store.CorpusEvents, 2, unit(0, 1, 0))
	idx.Add(store.CorpusEvents, 3, unit(0.9, 0.1, 0))

	matches := idx.Search(store.CorpusEvents, unit(1, 0, 0), 2)
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].ID != 1 {
		t.Errorf("nearest = %d, want 1", matches[0].ID)
	}
	if matches[0].Similarity < 0.99 {
		t.Errorf("self similarity = %f, want ~1", matches[0].Similarity)
	}
	if matches[1].ID != 3 {
		t.Errorf("second = %d, want 3", matches[1].ID)
	}
	for _, m := range matches {
		if m.Similarity < 0 || m.Similarity > 1 {
			t.Errorf("similarity %f out of [0,1]", m.Similarity)
		}
	}
}

func TestSearchEmptyGraph(t *testing.T) {
	idx := newTestIndex(t)
	if matches := idx.Search(store.CorpusEvents, unit(1, 0, 0), 5); matches != nil {
		t.Errorf("empty graph returned %d matches", len(matches))
	}
}

func TestRemove(t *testing.T) {
	idx := newTestIndex(t)
	idx.Add(store.CorpusEvents, 1, unit(1, 0, 0))

	if !idx.Remove(store.CorpusEvents, 1) {
		t.Error("Remove returned false for indexed id")
	}
	if idx.Remove(store.CorpusEvents, 1) {
		t.Error("Remove returned true for missing id")
	}
	if idx.Len(store.CorpusEvents) != 0 {
		t.Errorf("Len = %d after remove, want 0", idx.Len(store.CorpusEvents))
	}
}

func TestFlushAndLoad(t *testing.T) {
	dir := t.TempDir()
	idx, err := New(dir, nil, logging.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	idx.Add(store.CorpusEvents, 1, unit(1, 0, 0))
	idx.Add(store.CorpusEvents, 2, unit(0, 1, 0))
	if err := idx.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reopened, err := New(dir, nil, logging.Default())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	loaded, err := reopened.Load(store.CorpusEvents)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !loaded {
		t.Fatal("Load found no index file")
	}
	if reopened.Len(store.CorpusEvents) != 2 {
		t.Errorf("Len after load = %d, want 2", reopened.Len(store.CorpusEvents))
	}

	matches := reopened.Search(store.CorpusEvents, unit(1, 0, 0), 1)
	if len(matches) != 1 || matches[0].ID != 1 {
		t.Errorf("search after load = %+v", matches)
	}
}

func TestLoadMissingFile(t *testing.T) {
	idx := newTestIndex(t)
	loaded, err := idx.Load(store.CorpusExchanges)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded {
		t.Error("Load reported success with no file on disk")
	}
}

func TestRebuildFromStore(t *testing.T) {
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"), nil, logging.Default())
	if err != nil {
		t.Fatalf("store.Open failed: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		diff := "change"
		id, err := s.AppendEvent(ctx, store.AppendInput{
			ToolName:    "Edit",
			Operation:   store.OpModify,
			DiffSummary: &diff,
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		vec := unit(float32(i+1), 1, 0)
		if err := s.StoreEmbedding(ctx, store.CorpusEvents, id, vec); err != nil {
			t.Fatalf("StoreEmbedding failed: %v", err)
		}
	}

	idx := newTestIndex(t)
	n, err := idx.Rebuild(ctx, s, store.CorpusEvents)
	if err != nil {
		t.Fatalf("Rebuild failed: %v", err)
	}
	if n != 3 {
		t.Errorf("Rebuild indexed %d vectors, want 3", n)
	}
	if idx.Len(store.CorpusEvents) != 3 {
		t.Errorf("Len = %d, want 3", idx.Len(store.CorpusEvents))
	}
}
