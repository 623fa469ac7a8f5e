package blame

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

func strp(s string) *string { return &s }

func newTestResolver(t *testing.T) (*Resolver, *store.Store, *vector.Index) {
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

	e := embed.New(embed.Config{Dimensions: 4}, logging.Default())
	return New(s, idx, e, logging.Default()), s, idx
}

const sampleCode = "func Retry(op func() error) error {\n\treturn op()\n}"
const sampleContext = "package util\n\n" + sampleCode

func TestContentHashMatch(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/util/retry.go"),
		SessionID: strp("sess-1"),
		Content:   sampleCode,
		Context:   sampleContext,
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	res, err := r.Resolve(ctx, Request{
		FilePath: "src/util/retry.go",
		Content:  sampleCode,
		Context:  sampleContext,
		Mode:     ModeStrict,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Event.ID != id {
		t.Errorf("matched event %d, want %d", res.Event.ID, id)
	}
	if res.Confidence != ConfidenceHigh {
		t.Errorf("confidence = %s, want high", res.Confidence)
	}
	// "ContentHash" is the wire value blame consumers key on.
	if res.MatchType != "ContentHash" {
		t.Errorf("match type = %s, want ContentHash", res.MatchType)
	}
	if res.Similarity != 1.0 {
		t.Errorf("similarity = %f, want 1.0", res.Similarity)
	}
}

func TestContentMatchSurvivesWhitespaceDrift(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/util/retry.go"),
		Content:   sampleCode,
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// Trailing whitespace and CRLF must not defeat the hash.
	drifted := "func Retry(op func() error) error {  \r\n\treturn op()\t\r\n}\r\n"
	res, err := r.Resolve(ctx, Request{
		FilePath: "src/util/retry.go",
		Content:  drifted,
		Mode:     ModeStrict,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.MatchType != MatchContentHash {
		t.Errorf("match type = %s, want ContentHash", res.MatchType)
	}
}

func TestContextHashFallback(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/util/retry.go"),
		Content:   sampleCode,
		Context:   sampleContext,
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// The block itself changed, but the surroundings survived.
	res, err := r.Resolve(ctx, Request{
		FilePath: "src/util/retry.go",
		Content:  "func Retry(op func() error) error {\n\treturn backoff(op)\n}",
		Context:  sampleContext,
		Mode:     ModeStrict,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.MatchType != "ContextHash" {
		t.Errorf("match type = %s, want ContextHash", res.MatchType)
	}
	if res.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %s, want medium", res.Confidence)
	}
}

func TestStrictModeStopsAtFingerprints(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/other.go"),
		Content:   "entirely different code",
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	_, err := r.Resolve(ctx, Request{
		FilePath: "src/other.go",
		Content:  sampleCode,
		Mode:     ModeStrict,
	})
	if err != ErrNoMatch {
		t.Errorf("error = %v, want ErrNoMatch", err)
	}
}

func TestFilePathHeuristicInferredOnly(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/handler.go"),
		Content:   "unrelated earlier edit",
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// Best-effort must not fall through to the path heuristic.
	if _, err := r.Resolve(ctx, Request{
		FilePath: "src/handler.go",
		Content:  sampleCode,
		Mode:     ModeBestEffort,
	}); err != ErrNoMatch {
		t.Fatalf("best-effort error = %v, want ErrNoMatch", err)
	}

	res, err := r.Resolve(ctx, Request{
		FilePath: "src/handler.go",
		Content:  sampleCode,
		Mode:     ModeInferred,
	})
	if err != nil {
		t.Fatalf("inferred Resolve failed: %v", err)
	}
	if res.Event.ID != id {
		t.Errorf("matched event %d, want %d", res.Event.ID, id)
	}
	if res.Confidence != ConfidenceInferred {
		t.Errorf("confidence = %s, want inferred", res.Confidence)
	}
	if res.MatchType != MatchFilePath {
		t.Errorf("match type = %s, want file_path", res.MatchType)
	}
}

func TestSemanticMatchGatedByThreshold(t *testing.T) {
	r, s, idx := newTestResolver(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/retry.go"),
		Content:   "some original block",
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	idx.Add(store.CorpusEvents, id, []float32{1, 0, 0, 0})

	far, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/far.go"),
		Content:   "another block",
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	idx.Add(store.CorpusEvents, far, []float32{0, 1, 0, 0})

	// Stub embedder returning a vector close to event 1 only.
	r.embedder = fixedEmbedder{vec: []float32{0.95, 0.05, 0, 0}}

	res, err := r.Resolve(ctx, Request{
		FilePath: "src/retry.go",
		Content:  sampleCode,
		Mode:     ModeBestEffort,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.MatchType != MatchSemantic {
		t.Errorf("match type = %s, want SemanticSimilarity", res.MatchType)
	}
	if res.Event.ID != id {
		t.Errorf("matched event %d, want %d", res.Event.ID, id)
	}
	// Same file as the request raises semantic confidence to medium.
	if res.Confidence != ConfidenceMedium {
		t.Errorf("confidence = %s, want medium", res.Confidence)
	}
	if res.Similarity < r.SemanticThreshold {
		t.Errorf("similarity %f below threshold", res.Similarity)
	}
}

func TestDefaultModeIsBestEffort(t *testing.T) {
	r, s, idx := newTestResolver(t)
	ctx := context.Background()

	id, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/retry.go"),
		Content:   "some original block",
	})
	if err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}
	idx.Add(store.CorpusEvents, id, []float32{1, 0, 0, 0})
	r.embedder = fixedEmbedder{vec: []float32{0.95, 0.05, 0, 0}}

	// No mode given: the semantic tier must run, so this is not strict.
	res, err := r.Resolve(ctx, Request{
		FilePath: "src/retry.go",
		Content:  sampleCode,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.MatchType != MatchSemantic {
		t.Errorf("match type = %s, want SemanticSimilarity", res.MatchType)
	}
}

func TestSemanticSkippedWhenModelDown(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	if _, err := s.AppendEvent(ctx, store.AppendInput{
		ToolName:  "Edit",
		Operation: store.OpModify,
		FilePath:  strp("src/a.go"),
		Content:   "something",
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	// Disabled embedder: best-effort degrades to fingerprints only.
	if _, err := r.Resolve(ctx, Request{
		FilePath: "src/a.go",
		Content:  sampleCode,
		Mode:     ModeBestEffort,
	}); err != ErrNoMatch {
		t.Errorf("error = %v, want ErrNoMatch", err)
	}
}

func TestIntentFromNearestExchange(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if _, _, err := s.InsertExchange(ctx, &store.Exchange{
		SessionID:   "sess-1",
		Timestamp:   base.Format(time.RFC3339),
		UserText:    strp("add a generic retry helper"),
		ArchivePath: "projects/demo/sess-1.jsonl",
		ByteOffset:  0,
	}); err != nil {
		t.Fatalf("InsertExchange failed: %v", err)
	}

	if _, err := s.AppendEvent(ctx, store.AppendInput{
		Timestamp: base.Add(2 * time.Minute).Format(time.RFC3339),
		ToolName:  "Edit",
		Operation: store.OpCreate,
		FilePath:  strp("src/util/retry.go"),
		SessionID: strp("sess-1"),
		Content:   sampleCode,
	}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	res, err := r.Resolve(ctx, Request{
		FilePath: "src/util/retry.go",
		Content:  sampleCode,
		Mode:     ModeStrict,
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Intent == nil || *res.Intent != "add a generic retry helper" {
		t.Errorf("intent = %v", res.Intent)
	}
}

func TestTieBreakPrefersSameFileThenHint(t *testing.T) {
	r, s, _ := newTestResolver(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mk := func(file string, at time.Time) int64 {
		id, err := s.AppendEvent(ctx, store.AppendInput{
			Timestamp: at.Format(time.RFC3339),
			ToolName:  "Edit",
			Operation: store.OpModify,
			FilePath:  strp(file),
			Content:   sampleCode,
		})
		if err != nil {
			t.Fatalf("AppendEvent failed: %v", err)
		}
		return id
	}
	mk("src/copy.go", base)
	want := mk("src/util/retry.go", base.Add(time.Hour))
	mk("src/util/retry.go", base.Add(10*time.Hour))

	res, err := r.Resolve(ctx, Request{
		FilePath:      "src/util/retry.go",
		Content:       sampleCode,
		Mode:          ModeStrict,
		TimestampHint: base.Add(90 * time.Minute).Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if res.Event.ID != want {
		t.Errorf("tie break chose event %d, want %d", res.Event.ID, want)
	}
}

func TestResolveValidation(t *testing.T) {
	r, _, _ := newTestResolver(t)
	ctx := context.Background()

	if _, err := r.Resolve(ctx, Request{FilePath: "a.go"}); err == nil {
		t.Error("empty content accepted")
	}
	if _, err := r.Resolve(ctx, Request{FilePath: "a.go", Content: "x", Mode: "bogus"}); err == nil {
		t.Error("bogus mode accepted")
	}
}

// fixedEmbedder returns a constant vector.
type fixedEmbedder struct{ vec []float32 }

func (f fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, nil
}

func (f fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = f.vec
	}
	return out, nil
}

func (f fixedEmbedder) Dimensions() int         { return len(f.vec) }
func (f fixedEmbedder) State() embed.ModelState { return embed.StateLoaded }
