// Package blame answers "which captured event produced this code" by
// cascading from exact fingerprint matches down to semantic similarity
// and a last-resort file-path heuristic. Each tier is cheaper to trust
// than the next, so the cascade stops at the first hit.
package blame

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diachron/internal/embed"
	"diachron/internal/fingerprint"
	"diachron/internal/logging"
	"diachron/internal/store"
	"diachron/internal/vector"
)

// ErrNoMatch is returned when no tier produced a match.
var ErrNoMatch = errors.New("blame: no matching event")

// Mode gates how speculative the cascade may get.
type Mode string

const (
	// ModeStrict allows only exact fingerprint matches.
	ModeStrict Mode = "strict"

	// ModeBestEffort adds semantic matching.
	ModeBestEffort Mode = "best-effort"

	// ModeInferred adds the file-path heuristic.
	ModeInferred Mode = "inferred"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeStrict, ModeBestEffort, ModeInferred:
		return true
	}
	return false
}

// Confidence grades a match.
type Confidence string

const (
	ConfidenceHigh     Confidence = "high"
	ConfidenceMedium   Confidence = "medium"
	ConfidenceLow      Confidence = "low"
	ConfidenceInferred Confidence = "inferred"
)

// MatchType names the tier that produced a match.
type MatchType string

const (
	MatchContentHash MatchType = "ContentHash"
	MatchContextHash MatchType = "ContextHash"
	MatchSemantic    MatchType = "SemanticSimilarity"
	MatchFilePath    MatchType = "file_path"
)

// Request is one blame lookup.
type Request struct {
	// FilePath is the file the code currently lives in.
	FilePath string

	// LineNumber is where Content sits in the file today. Matching is
	// content-based, so this is informational only.
	LineNumber int

	// Content is the code block to attribute.
	Content string

	// Context is the surrounding lines, used for the context-hash tier.
	Context string

	// Mode gates the cascade. Default best-effort.
	Mode Mode

	// TimestampHint, when set (RFC 3339), breaks ties toward the event
	// nearest that time.
	TimestampHint string
}

// Result is one attributed match.
type Result struct {
	Event      *store.Event `json:"event"`
	Confidence Confidence   `json:"confidence"`
	MatchType  MatchType    `json:"match_type"`
	Similarity float64      `json:"similarity"`

	// Intent is the user request nearest the event in its session.
	Intent *string `json:"intent,omitempty"`
}

// Resolver runs the cascade.
type Resolver struct {
	store    *store.Store
	index    *vector.Index
	embedder embed.Embedder
	log      *logging.Logger

	// SemanticThreshold is the minimum cosine similarity the semantic
	// tier accepts. Default 0.82.
	SemanticThreshold float64
}

// New creates a blame resolver.
func New(s *store.Store, idx *vector.Index, e embed.Embedder, log *logging.Logger) *Resolver {
	if log == nil {
		log = logging.Default()
	}
	return &Resolver{
		store:             s,
		index:             idx,
		embedder:          e,
		log:               log.WithComponent("blame"),
		SemanticThreshold: fingerprint.SimilarityThreshold,
	}
}

// Resolve runs the cascade and returns the best match, or ErrNoMatch.
func (r *Resolver) Resolve(ctx context.Context, req Request) (*Result, error) {
	if req.Content == "" {
		return nil, fmt.Errorf("blame: content is required")
	}
	if req.Mode == "" {
		req.Mode = ModeBestEffort
	}
	if !req.Mode.Valid() {
		return nil, fmt.Errorf("blame: unknown mode %q", req.Mode)
	}

	fp := fingerprint.Compute(req.Content, req.Context)

	// Tier 1: exact content hash.
	if events, err := r.store.EventsByContentHash(ctx, fp.ContentHash); err != nil {
		return nil, err
	} else if len(events) > 0 {
		ev := pickBest(events, req)
		return r.finish(ctx, &Result{
			Event:      ev,
			Confidence: ConfidenceHigh,
			MatchType:  MatchContentHash,
			Similarity: 1.0,
		})
	}

	// Tier 2: context hash catches edits whose surroundings survived.
	if fp.ContextHash != "" {
		if events, err := r.store.EventsByContextHash(ctx, fp.ContextHash); err != nil {
			return nil, err
		} else if len(events) > 0 {
			ev := pickBest(events, req)
			return r.finish(ctx, &Result{
				Event:      ev,
				Confidence: ConfidenceMedium,
				MatchType:  MatchContextHash,
				Similarity: 1.0,
			})
		}
	}

	if req.Mode == ModeStrict {
		return nil, ErrNoMatch
	}

	// Tier 3: semantic similarity over event embeddings.
	if res, err := r.semanticMatch(ctx, req); err != nil {
		return nil, err
	} else if res != nil {
		return r.finish(ctx, res)
	}

	if req.Mode != ModeInferred {
		return nil, ErrNoMatch
	}

	// Tier 4: whoever touched the file most recently.
	since := time.Now().UTC().AddDate(0, 0, -30).Format(time.RFC3339)
	ev, err := r.store.LatestEventForFile(ctx, req.FilePath, since)
	if err == store.ErrNotFound {
		return nil, ErrNoMatch
	}
	if err != nil {
		return nil, err
	}
	return r.finish(ctx, &Result{
		Event:      ev,
		Confidence: ConfidenceInferred,
		MatchType:  MatchFilePath,
	})
}

// semanticMatch embeds the content and searches the event index. A
// model outage degrades to no match rather than an error.
func (r *Resolver) semanticMatch(ctx context.Context, req Request) (*Result, error) {
	vec, err := r.embedder.Embed(ctx, req.Content)
	if err != nil {
		r.log.Debug("semantic blame skipped", "error", err)
		return nil, nil
	}

	matches := r.index.Search(store.CorpusEvents, vec, 10)
	var best *Result
	for _, m := range matches {
		if m.Similarity < r.SemanticThreshold {
			continue
		}
		ev, err := r.store.GetEvent(ctx, m.ID)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}

		conf := ConfidenceLow
		if ev.FilePath != nil && *ev.FilePath == req.FilePath {
			conf = ConfidenceMedium
		}

		cand := &Result{
			Event:      ev,
			Confidence: conf,
			MatchType:  MatchSemantic,
			Similarity: m.Similarity,
		}
		if best == nil || betterSemantic(cand, best, req) {
			best = cand
		}
	}
	return best, nil
}

// betterSemantic prefers same-file matches, then higher similarity,
// then the tie-break order used everywhere else.
func betterSemantic(a, b *Result, req Request) bool {
	aSame := a.Event.FilePath != nil && *a.Event.FilePath == req.FilePath
	bSame := b.Event.FilePath != nil && *b.Event.FilePath == req.FilePath
	if aSame != bSame {
		return aSame
	}
	if a.Similarity != b.Similarity {
		return a.Similarity > b.Similarity
	}
	return tieBreakLess(a.Event, b.Event, req)
}

// pickBest selects one event among exact-hash ties.
func pickBest(events []*store.Event, req Request) *store.Event {
	best := events[0]
	for _, ev := range events[1:] {
		if tieBreakLess(ev, best, req) {
			best = ev
		}
	}
	return best
}

// tieBreakLess orders candidate events: same file first, then nearest
// the timestamp hint, then lowest id for determinism.
func tieBreakLess(a, b *store.Event, req Request) bool {
	aSame := a.FilePath != nil && *a.FilePath == req.FilePath
	bSame := b.FilePath != nil && *b.FilePath == req.FilePath
	if aSame != bSame {
		return aSame
	}

	if req.TimestampHint != "" {
		if hint, err := time.Parse(time.RFC3339, req.TimestampHint); err == nil {
			ad := timestampDistance(a.Timestamp, hint)
			bd := timestampDistance(b.Timestamp, hint)
			if ad != bd {
				return ad < bd
			}
		}
	}

	return a.ID < b.ID
}

func timestampDistance(ts string, hint time.Time) time.Duration {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return time.Duration(1<<63 - 1)
	}
	d := t.Sub(hint)
	if d < 0 {
		d = -d
	}
	return d
}

// finish attaches the intent from the nearest same-session exchange.
func (r *Resolver) finish(ctx context.Context, res *Result) (*Result, error) {
	if res.Event.SessionID == nil {
		return res, nil
	}
	x, err := r.store.NearestExchangeInSession(ctx, *res.Event.SessionID, res.Event.Timestamp)
	if err == store.ErrNotFound {
		return res, nil
	}
	if err != nil {
		return nil, err
	}
	if x.Summary != nil && *x.Summary != "" {
		res.Intent = x.Summary
	} else if x.UserText != nil && *x.UserText != "" {
		res.Intent = x.UserText
	}
	return res, nil
}
