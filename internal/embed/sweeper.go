package embed

import (
	"context"
	"errors"
	"sync"
	"time"

	"diachron/internal/logging"
	"diachron/internal/store"
)

// Sweeper embeds rows flagged embedding_pending in batches. It runs as
// a background loop in the daemon: new captures and ingested exchanges
// are flagged at insert time and picked up on the next pass, so the
// write path never blocks on the embedding server.
type Sweeper struct {
	store    *store.Store
	embedder Embedder
	log      *logging.Logger

	// BatchLimit is how many pending rows one pass claims per corpus.
	BatchLimit int

	// Interval between passes.
	Interval time.Duration

	// OnVector, when set, receives each stored vector. The daemon uses
	// it to keep the vector index warm without a rebuild.
	OnVector func(corpus store.Corpus, id int64, vec []float32)

	wg   sync.WaitGroup
	stop chan struct{}
	once sync.Once
}

// NewSweeper creates a sweeper with default batch and interval tuning.
func NewSweeper(s *store.Store, e Embedder, log *logging.Logger) *Sweeper {
	if log == nil {
		log = logging.Default()
	}
	return &Sweeper{
		store:      s,
		embedder:   e,
		log:        log.WithComponent("embed-sweeper"),
		BatchLimit: 64,
		Interval:   15 * time.Second,
		stop:       make(chan struct{}),
	}
}

// Start launches the background loop. No-op when the embedder is
// permanently unavailable.
func (sw *Sweeper) Start() {
	if sw.embedder.State() == StateUnavailable {
		if _, disabled := sw.embedder.(*disabledEmbedder); disabled {
			sw.log.Info("embedding disabled, sweeper not started")
			return
		}
	}

	sw.wg.Add(1)
	go func() {
		defer sw.wg.Done()
		ticker := time.NewTicker(sw.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-sw.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), sw.Interval)
				sw.RunOnce(ctx)
				cancel()
			}
		}
	}()
}

// Stop halts the loop and waits for the in-flight pass.
func (sw *Sweeper) Stop() {
	sw.once.Do(func() { close(sw.stop) })
	sw.wg.Wait()
}

// RunOnce embeds one batch of pending rows per corpus. Returns the
// number of rows embedded.
func (sw *Sweeper) RunOnce(ctx context.Context) int {
	total := 0
	for _, corpus := range []store.Corpus{store.CorpusEvents, store.CorpusExchanges} {
		n, err := sw.sweepCorpus(ctx, corpus)
		total += n
		if err != nil {
			if errors.Is(err, ErrUnavailable) {
				// Rows stay pending for the next pass.
				sw.log.Debug("embedding backend unavailable, deferring", "corpus", string(corpus))
				return total
			}
			sw.log.Warn("embedding sweep failed", "corpus", string(corpus), "error", err)
		}
	}
	return total
}

func (sw *Sweeper) sweepCorpus(ctx context.Context, corpus store.Corpus) (int, error) {
	pending, err := sw.store.ListPendingEmbeddings(ctx, corpus, sw.BatchLimit)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	texts := make([]string, 0, len(pending))
	rows := make([]store.PendingEmbedding, 0, len(pending))
	for _, p := range pending {
		if p.Text == "" {
			// Nothing to embed; clear the flag so the row is not
			// reclaimed every pass.
			if err := sw.store.ClearEmbeddingPending(ctx, corpus, p.ID); err != nil {
				sw.log.Warn("clear pending failed", "id", p.ID, "error", err)
			}
			continue
		}
		texts = append(texts, p.Text)
		rows = append(rows, p)
	}
	if len(texts) == 0 {
		return 0, nil
	}

	vecs, err := sw.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, err
	}

	stored := 0
	for i, p := range rows {
		if err := sw.store.StoreEmbedding(ctx, corpus, p.ID, vecs[i]); err != nil {
			sw.log.Warn("store embedding failed", "corpus", string(corpus), "id", p.ID, "error", err)
			continue
		}
		stored++
		if sw.OnVector != nil {
			sw.OnVector(corpus, p.ID, vecs[i])
		}
	}

	sw.log.Debug("embedded pending rows", "corpus", string(corpus), "count", stored)
	return stored, nil
}
