// Package vector maintains the HNSW approximate-nearest-neighbor
// indexes used for semantic search, one per corpus, persisted next to
// the database and rebuilt from the embedding columns when missing or
// stale.
package vector

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	"diachron/internal/logging"
	"diachron/internal/store"
)

// Match is one nearest-neighbor hit. Similarity is in [0, 1], higher
// is closer.
type Match struct {
	ID         int64
	Similarity float64
}

// Options tunes the HNSW graphs.
type Options struct {
	// M is the maximum number of graph neighbors per node. Default 16.
	M int

	// EfSearch is the search beam width. Default 64.
	EfSearch int
}

func (o *Options) withDefaults() Options {
	opts := Options{M: 16, EfSearch: 64}
	if o == nil {
		return opts
	}
	if o.M > 0 {
		opts.M = o.M
	}
	if o.EfSearch > 0 {
		opts.EfSearch = o.EfSearch
	}
	return opts
}

// Index holds one HNSW graph per corpus, guarded by a single mutex.
// Graph mutation is cheap relative to embedding, so finer locking has
// not been needed.
type Index struct {
	dir  string
	opts Options
	log  *logging.Logger

	mu     sync.RWMutex
	graphs map[store.Corpus]*hnsw.Graph[int64]
	dirty  map[store.Corpus]bool
}

// New creates an index rooted at dir. Graphs persist as
// <corpus>.hnsw files under dir.
func New(dir string, opts *Options, log *logging.Logger) (*Index, error) {
	if log == nil {
		log = logging.Default()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}

	idx := &Index{
		dir:    dir,
		opts:   opts.withDefaults(),
		log:    log.WithComponent("vector"),
		graphs: make(map[store.Corpus]*hnsw.Graph[int64]),
		dirty:  make(map[store.Corpus]bool),
	}
	for _, corpus := range []store.Corpus{store.CorpusEvents, store.CorpusExchanges} {
		idx.graphs[corpus] = idx.newGraph()
	}
	return idx, nil
}

func (idx *Index) newGraph() *hnsw.Graph[int64] {
	g := hnsw.NewGraph[int64]()
	g.M = idx.opts.M
	g.Ml = 0.25
	g.EfSearch = idx.opts.EfSearch
	g.Distance = hnsw.CosineDistance
	return g
}

func (idx *Index) path(corpus store.Corpus) string {
	return filepath.Join(idx.dir, string(corpus)+".hnsw")
}

// Add inserts or replaces one vector.
func (idx *Index) Add(corpus store.Corpus, id int64, vec []float32) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	g, ok := idx.graphs[corpus]
	if !ok {
		return
	}
	g.Add(hnsw.MakeNode(id, vec))
	idx.dirty[corpus] = true
}

// Remove deletes one vector. Used when maintenance prunes rows.
func (idx *Index) Remove(corpus store.Corpus, id int64) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	g, ok := idx.graphs[corpus]
	if !ok {
		return false
	}
	deleted := g.Delete(id)
	if deleted {
		idx.dirty[corpus] = true
	}
	return deleted
}

// Len returns the number of indexed vectors in a corpus.
func (idx *Index) Len(corpus store.Corpus) int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	g, ok := idx.graphs[corpus]
	if !ok {
		return 0
	}
	return g.Len()
}

// Search returns up to k nearest neighbors of query. With
// unit-normalized vectors cosine distance is in [0, 2]; similarity is
// clamped to [0, 1].
func (idx *Index) Search(corpus store.Corpus, query []float32, k int) []Match {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	g, ok := idx.graphs[corpus]
	if !ok || g.Len() == 0 || k <= 0 {
		return nil
	}

	nodes := g.Search(query, k)
	matches := make([]Match, 0, len(nodes))
	for _, n := range nodes {
		dist := float64(hnsw.CosineDistance(query, n.Value))
		sim := 1 - dist
		if sim < 0 {
			sim = 0
		}
		matches = append(matches, Match{ID: n.Key, Similarity: sim})
	}
	return matches
}

// Load restores a corpus graph from disk. A missing file is not an
// error; the graph stays empty and callers should rebuild.
func (idx *Index) Load(corpus store.Corpus) (bool, error) {
	f, err := os.Open(idx.path(corpus))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("open index file: %w", err)
	}
	defer f.Close()

	g := idx.newGraph()
	if err := g.Import(bufio.NewReader(f)); err != nil {
		return false, fmt.Errorf("import %s index: %w", corpus, err)
	}

	idx.mu.Lock()
	idx.graphs[corpus] = g
	idx.dirty[corpus] = false
	idx.mu.Unlock()

	idx.log.Info("loaded vector index", "corpus", string(corpus), "vectors", g.Len())
	return true, nil
}

// Flush persists dirty graphs to disk atomically via rename.
func (idx *Index) Flush() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	for corpus, g := range idx.graphs {
		if !idx.dirty[corpus] {
			continue
		}

		tmp := idx.path(corpus) + ".tmp"
		f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
		if err != nil {
			return fmt.Errorf("create index file: %w", err)
		}
		if err := g.Export(f); err != nil {
			f.Close()
			os.Remove(tmp)
			return fmt.Errorf("export %s index: %w", corpus, err)
		}
		if err := f.Close(); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("close index file: %w", err)
		}
		if err := os.Rename(tmp, idx.path(corpus)); err != nil {
			os.Remove(tmp)
			return fmt.Errorf("rename index file: %w", err)
		}

		idx.dirty[corpus] = false
		idx.log.Debug("flushed vector index", "corpus", string(corpus), "vectors", g.Len())
	}
	return nil
}

// Rebuild repopulates a corpus graph from the embedding columns. Used
// at startup when no index file exists, and after pruning.
func (idx *Index) Rebuild(ctx context.Context, s *store.Store, corpus store.Corpus) (int, error) {
	g := idx.newGraph()
	count := 0
	err := s.AllEmbeddings(ctx, corpus, func(sv store.StoredVector) error {
		g.Add(hnsw.MakeNode(sv.ID, sv.Vector))
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuild %s index: %w", corpus, err)
	}

	idx.mu.Lock()
	idx.graphs[corpus] = g
	idx.dirty[corpus] = count > 0
	idx.mu.Unlock()

	idx.log.Info("rebuilt vector index", "corpus", string(corpus), "vectors", count)
	return count, nil
}
