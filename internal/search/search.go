// Package search implements hybrid retrieval over captured events and
// conversation exchanges: FTS5 keyword rank fused with HNSW vector
// similarity. When the embedding model is unavailable the engine falls
// back to keyword-only scoring instead of failing.
package search

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"diachron/internal/embed"
	"diachron/internal/logging"
	"diachron/internal/store"
	"diachron/internal/vector"
)

// Corpus tags on results.
const (
	ResultEvent    = "event"
	ResultExchange = "exchange"
)

const snippetMaxBytes = 160

// Query is one search request.
type Query struct {
	// Text is the free-text query. Required.
	Text string

	// Limit caps the result count. Default 20.
	Limit int

	// Source restricts the corpora searched: "events", "exchanges",
	// or "both". Empty means both.
	Source string

	// Since is an inclusive RFC 3339 lower bound, usually produced by
	// ParseTimeFilter. Empty means unbounded.
	Since string

	// Project restricts exchange results to one project.
	Project string

	// FileFilter restricts event results to a file path prefix.
	FileFilter string
}

// Result is one scored hit from either corpus.
type Result struct {
	Corpus       string  `json:"corpus"`
	ID           int64   `json:"id"`
	Score        float64 `json:"score"`
	VectorScore  float64 `json:"vector_score"`
	KeywordScore float64 `json:"keyword_score"`
	Timestamp    string  `json:"timestamp"`
	Snippet      string  `json:"snippet"`
	FilePath     *string `json:"file_path,omitempty"`
	SessionID    *string `json:"session_id,omitempty"`
	Project      *string `json:"project,omitempty"`
}

// Options tunes score fusion.
type Options struct {
	// VectorWeight and KeywordWeight blend the two signals. Defaults
	// 0.6 and 0.4.
	VectorWeight  float64
	KeywordWeight float64

	// CacheSize is the LRU capacity. Default 64.
	CacheSize int
}

func (o *Options) withDefaults() Options {
	opts := Options{VectorWeight: 0.6, KeywordWeight: 0.4, CacheSize: 64}
	if o == nil {
		return opts
	}
	if o.VectorWeight > 0 {
		opts.VectorWeight = o.VectorWeight
	}
	if o.KeywordWeight > 0 {
		opts.KeywordWeight = o.KeywordWeight
	}
	if o.CacheSize > 0 {
		opts.CacheSize = o.CacheSize
	}
	return opts
}

// Engine fuses keyword and vector retrieval.
type Engine struct {
	store    *store.Store
	index    *vector.Index
	embedder embed.Embedder
	opts     Options
	cache    *resultCache
	log      *logging.Logger
}

// New creates a search engine.
func New(s *store.Store, idx *vector.Index, e embed.Embedder, opts *Options, log *logging.Logger) *Engine {
	if log == nil {
		log = logging.Default()
	}
	o := opts.withDefaults()
	return &Engine{
		store:    s,
		index:    idx,
		embedder: e,
		opts:     o,
		cache:    newResultCache(o.CacheSize),
		log:      log.WithComponent("search"),
	}
}

// Response carries results plus degradation signals.
type Response struct {
	Results []Result `json:"results"`

	// ModelUnavailable is set when vector scoring was skipped because
	// the embedding backend could not serve the query.
	ModelUnavailable bool `json:"model_unavailable,omitempty"`
}

// Search runs one hybrid query.
func (e *Engine) Search(ctx context.Context, q Query) (*Response, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("empty query")
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	wantEvents, wantExchanges, err := parseSource(q.Source)
	if err != nil {
		return nil, err
	}

	version, err := e.store.DataVersion(ctx)
	if err != nil {
		return nil, err
	}
	cacheKey := fmt.Sprintf("%s|%d|%s|%s|%s|%s|%s", q.Text, q.Limit, q.Source, q.Since, q.Project, q.FileFilter, version)
	if cached, ok := e.cache.get(cacheKey); ok {
		return &Response{Results: cached}, nil
	}

	// Overfetch so post-filter truncation still fills the limit.
	k := 4 * q.Limit
	if k < 50 {
		k = 50
	}

	type hitKey struct {
		corpus string
		id     int64
	}
	type partial struct {
		vectorScore  float64
		keywordScore float64
		snippet      string
	}
	merged := make(map[hitKey]*partial)
	upsert := func(corpus string, id int64) *partial {
		k := hitKey{corpus, id}
		p, ok := merged[k]
		if !ok {
			p = &partial{}
			merged[k] = p
		}
		return p
	}

	// Keyword side, bm25 max-normalized per corpus.
	if wantEvents {
		eventHits, err := e.store.SearchEventsKeyword(ctx, q.Text, k)
		if err != nil {
			return nil, err
		}
		normalizeKeyword(eventHits)
		for _, h := range eventHits {
			p := upsert(ResultEvent, h.ID)
			p.keywordScore = h.Score
			p.snippet = h.Snippet
		}
	}
	if wantExchanges {
		exchangeHits, err := e.store.SearchExchangesKeyword(ctx, q.Text, k)
		if err != nil {
			return nil, err
		}
		normalizeKeyword(exchangeHits)
		for _, h := range exchangeHits {
			p := upsert(ResultExchange, h.ID)
			p.keywordScore = h.Score
			p.snippet = h.Snippet
		}
	}

	// Vector side, skipped when the model cannot serve.
	vectorWeight := e.opts.VectorWeight
	keywordWeight := e.opts.KeywordWeight
	modelUnavailable := false

	queryVec, err := e.embedder.Embed(ctx, q.Text)
	if err != nil {
		modelUnavailable = true
		vectorWeight = 0
		e.log.Debug("vector scoring skipped", "error", err)
	} else {
		if wantEvents {
			for _, m := range e.index.Search(store.CorpusEvents, queryVec, k) {
				upsert(ResultEvent, m.ID).vectorScore = m.Similarity
			}
		}
		if wantExchanges {
			for _, m := range e.index.Search(store.CorpusExchanges, queryVec, k) {
				upsert(ResultExchange, m.ID).vectorScore = m.Similarity
			}
		}
	}

	// Hydrate, filter, score.
	var results []Result
	for k, p := range merged {
		r, ok, err := e.hydrate(ctx, k.corpus, k.id, q)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		r.VectorScore = p.vectorScore
		r.KeywordScore = p.keywordScore
		r.Score = vectorWeight*p.vectorScore + keywordWeight*p.keywordScore
		if r.Score <= 0 {
			continue
		}
		if p.snippet != "" {
			r.Snippet = p.snippet
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Timestamp != b.Timestamp {
			return a.Timestamp > b.Timestamp
		}
		return a.ID < b.ID
	})
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}

	e.cache.put(cacheKey, results)
	return &Response{Results: results, ModelUnavailable: modelUnavailable}, nil
}

// hydrate loads row fields for one hit and applies the query filters.
func (e *Engine) hydrate(ctx context.Context, corpus string, id int64, q Query) (Result, bool, error) {
	r := Result{Corpus: corpus, ID: id}

	switch corpus {
	case ResultEvent:
		ev, err := e.store.GetEvent(ctx, id)
		if err == store.ErrNotFound {
			return r, false, nil
		}
		if err != nil {
			return r, false, err
		}
		if q.Since != "" && ev.Timestamp < q.Since {
			return r, false, nil
		}
		if q.FileFilter != "" && (ev.FilePath == nil || !strings.HasPrefix(*ev.FilePath, q.FileFilter)) {
			return r, false, nil
		}
		if q.Project != "" {
			// Events carry no project; a project filter scopes the
			// search to conversation history.
			return r, false, nil
		}
		r.Timestamp = ev.Timestamp
		r.FilePath = ev.FilePath
		r.SessionID = ev.SessionID
		r.Snippet = headExtract(firstNonEmpty(ev.AISummary, ev.DiffSummary, ev.RawInput))
		return r, true, nil

	case ResultExchange:
		x, err := e.store.GetExchange(ctx, id)
		if err == store.ErrNotFound {
			return r, false, nil
		}
		if err != nil {
			return r, false, err
		}
		if q.Since != "" && x.Timestamp < q.Since {
			return r, false, nil
		}
		if q.Project != "" && (x.Project == nil || *x.Project != q.Project) {
			return r, false, nil
		}
		r.Timestamp = x.Timestamp
		r.SessionID = &x.SessionID
		r.Project = x.Project
		r.Snippet = headExtract(firstNonEmpty(x.Summary, x.UserText, x.AssistantText))
		return r, true, nil
	}
	return r, false, nil
}

// parseSource maps a source filter onto the two corpus switches.
func parseSource(source string) (events, exchanges bool, err error) {
	switch source {
	case "", "both":
		return true, true, nil
	case "events", "event":
		return true, false, nil
	case "exchanges", "exchange":
		return false, true, nil
	default:
		return false, false, fmt.Errorf("unknown source filter %q", source)
	}
}

// normalizeKeyword rescales bm25 scores into [0, 1] by the corpus max.
func normalizeKeyword(hits []store.KeywordHit) {
	var max float64
	for _, h := range hits {
		if h.Score > max {
			max = h.Score
		}
	}
	if max <= 0 {
		return
	}
	for i := range hits {
		hits[i].Score /= max
	}
}

func firstNonEmpty(candidates ...*string) string {
	for _, c := range candidates {
		if c != nil && *c != "" {
			return *c
		}
	}
	return ""
}

// headExtract truncates text to a display snippet on a rune boundary.
func headExtract(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= snippetMaxBytes {
		return text
	}
	cut := snippetMaxBytes
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
