// Package daemon wires the storage, indexing, and retrieval
// subsystems behind the IPC socket and runs the background loops.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"diachron/internal/blame"
	"diachron/internal/chain"
	"diachron/internal/config"
	"diachron/internal/embed"
	"diachron/internal/evidence"
	"diachron/internal/ingest"
	"diachron/internal/ipc"
	"diachron/internal/logging"
	"diachron/internal/search"
	"diachron/internal/store"
	"diachron/internal/vector"
)

// Version is stamped by the build.
var Version = "dev"

// Daemon is the assembled process.
type Daemon struct {
	cfg *config.Config
	log *logging.Logger

	store      *store.Store
	embedder   embed.Embedder
	sweeper    *embed.Sweeper
	index      *vector.Index
	engine     *search.Engine
	blamer     *blame.Resolver
	correlator *evidence.Correlator
	indexer    *ingest.Indexer
	watcher    *ingest.Watcher
	server     *ipc.Server

	startedAt time.Time
	pidPath   string

	shutdownCh chan struct{}
	once       sync.Once
	wg         sync.WaitGroup
}

// New assembles a daemon from config. Nothing starts until Run.
func New(cfg *config.Config, log *logging.Logger) (*Daemon, error) {
	if log == nil {
		log = logging.Default()
	}
	log = log.WithComponent("daemon")

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.Storage.Path, &store.Options{
		MaxReadConnections: cfg.Storage.MaxReadConnections,
		BusyTimeoutMs:      cfg.Storage.BusyTimeoutMs,
		CheckpointInterval: time.Duration(cfg.Storage.CheckpointIntervalHours) * time.Hour,
	}, log)
	if err != nil {
		return nil, err
	}

	// Checkpoint signing is optional; a missing key just means
	// unsigned checkpoints.
	if cfg.Signing.KeyPath != "" {
		signer, err := chain.NewSigner(cfg.Signing.KeyPath)
		if err != nil {
			log.Warn("checkpoint signing disabled", "key", cfg.Signing.KeyPath, "error", err)
		} else {
			st.SetCheckpointSigner(signer.Sign)
			log.Info("checkpoint signing enabled", "key", cfg.Signing.KeyPath)
		}
	}

	embedder := embed.New(embed.Config{
		Endpoint:   cfg.Embedding.Endpoint,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Timeout:    time.Duration(cfg.Embedding.TimeoutSec) * time.Second,
	}, log)

	idx, err := vector.New(cfg.Index.Dir, &vector.Options{
		M:        cfg.Index.M,
		EfSearch: cfg.Index.EfSearch,
	}, log)
	if err != nil {
		st.Close()
		return nil, err
	}

	d := &Daemon{
		cfg:      cfg,
		log:      log,
		store:    st,
		embedder: embedder,
		index:    idx,
		engine: search.New(st, idx, embedder, &search.Options{
			VectorWeight:  cfg.Search.VectorWeight,
			KeywordWeight: cfg.Search.KeywordWeight,
			CacheSize:     cfg.Search.CacheSize,
		}, log),
		blamer:     blame.New(st, idx, embedder, log),
		correlator: evidence.New(st, log),
		indexer:    ingest.NewIndexer(st, cfg.Ingest.ArchiveDir, log),
		pidPath:    cfg.IPC.PidFile,
		shutdownCh: make(chan struct{}),
	}
	d.blamer.SemanticThreshold = cfg.Search.SemanticThreshold
	if cfg.Ingest.MaxTextBytes > 0 {
		d.indexer.MaxTextBytes = cfg.Ingest.MaxTextBytes
	}

	d.sweeper = embed.NewSweeper(st, embedder, log)
	d.sweeper.OnVector = idx.Add

	d.server = ipc.NewServer(ipc.ServerConfig{
		SocketPath:      cfg.IPC.SocketPath,
		MaxConnections:  cfg.IPC.MaxConnections,
		ReadTimeout:     time.Duration(cfg.IPC.ReadTimeoutSec) * time.Second,
		WriteTimeout:    time.Duration(cfg.IPC.WriteTimeoutSec) * time.Second,
		RequestTimeout:  time.Duration(cfg.IPC.RequestTimeoutSec) * time.Second,
		MaxMessageBytes: int(cfg.IPC.MaxMessageBytes),
	}, ipc.HandlerFunc(d.handleRequest), log)

	return d, nil
}

// Run starts the daemon and blocks until ctx is done or a Shutdown
// request arrives.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.writePidFile(); err != nil {
		return err
	}
	defer os.Remove(d.pidPath)

	d.startedAt = time.Now()

	// Warm the vector indexes: load persisted graphs, rebuild what is
	// missing.
	for _, corpus := range []store.Corpus{store.CorpusEvents, store.CorpusExchanges} {
		loaded, err := d.index.Load(corpus)
		if err != nil {
			d.log.Warn("index load failed, rebuilding", "corpus", string(corpus), "error", err)
		}
		if !loaded {
			if _, err := d.index.Rebuild(ctx, d.store, corpus); err != nil {
				d.log.Warn("index rebuild failed", "corpus", string(corpus), "error", err)
			}
		}
	}

	if err := d.server.Start(); err != nil {
		return err
	}

	d.sweeper.Start()
	d.startFlushLoop()

	if d.cfg.Ingest.WatchEnabled {
		if err := d.startWatcher(ctx); err != nil {
			d.log.Warn("archive watcher disabled", "error", err)
		}
	}

	d.log.Info("daemon started",
		"version", Version,
		"socket", d.cfg.IPC.SocketPath,
		"db", d.cfg.Storage.Path)

	select {
	case <-ctx.Done():
	case <-d.shutdownCh:
	}

	return d.stop()
}

// Shutdown requests a graceful stop, from the IPC handler or signals.
func (d *Daemon) Shutdown() {
	d.once.Do(func() { close(d.shutdownCh) })
}

func (d *Daemon) stop() error {
	d.log.Info("daemon stopping")

	d.server.Stop()
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.sweeper.Stop()
	d.wg.Wait()

	if err := d.index.Flush(); err != nil {
		d.log.Warn("index flush on shutdown failed", "error", err)
	}

	err := d.store.Close()
	d.log.Info("daemon stopped")
	return err
}

// startFlushLoop periodically persists dirty vector graphs.
func (d *Daemon) startFlushLoop() {
	interval := time.Duration(d.cfg.Index.FlushIntervalSec) * time.Second
	if interval <= 0 {
		interval = 60 * time.Second
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-d.shutdownCh:
				return
			case <-ticker.C:
				if err := d.index.Flush(); err != nil {
					d.log.Warn("index flush failed", "error", err)
				}
			}
		}
	}()
}

func (d *Daemon) startWatcher(ctx context.Context) error {
	debounce := time.Duration(d.cfg.Ingest.WatchDebounceMs) * time.Millisecond
	w, err := ingest.NewWatcher(d.cfg.Ingest.ArchiveDir, debounce, func() {
		runCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if _, err := d.indexer.Run(runCtx); err != nil {
			d.log.Warn("watched ingest run failed", "error", err)
		}
	}, d.log)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}
	d.watcher = w
	return nil
}

// writePidFile enforces single-instance: a live pid in the file means
// another daemon owns this data directory.
func (d *Daemon) writePidFile() error {
	if data, err := os.ReadFile(d.pidPath); err == nil {
		if pid, perr := strconv.Atoi(strings.TrimSpace(string(data))); perr == nil && pid > 0 {
			if processAlive(pid) {
				return fmt.Errorf("daemon already running with pid %d", pid)
			}
		}
		// Stale pidfile from a crashed instance.
		os.Remove(d.pidPath)
	}

	if err := os.MkdirAll(filepath.Dir(d.pidPath), 0700); err != nil {
		return fmt.Errorf("create pidfile directory: %w", err)
	}
	return os.WriteFile(d.pidPath, []byte(strconv.Itoa(os.Getpid())), 0600)
}

// processAlive reports whether pid exists, via signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
