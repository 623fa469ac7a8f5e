package ingest

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"diachron/internal/logging"
)

// Watcher monitors the archive directory for new conversation lines
// and triggers an indexing run after a quiet period. Archives are
// append-heavy, so the debounce collapses write bursts into one run.
type Watcher struct {
	archiveDir string
	debounce   time.Duration
	onChange   func()
	log        *logging.Logger

	fsWatcher *fsnotify.Watcher
	done      chan struct{}
	wg        sync.WaitGroup
	once      sync.Once
}

// NewWatcher creates a watcher over archiveDir/projects. onChange
// fires once per debounced burst of archive writes.
func NewWatcher(archiveDir string, debounce time.Duration, onChange func(), log *logging.Logger) (*Watcher, error) {
	if log == nil {
		log = logging.Default()
	}
	if debounce <= 0 {
		debounce = 2 * time.Second
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return &Watcher{
		archiveDir: archiveDir,
		debounce:   debounce,
		onChange:   onChange,
		log:        log.WithComponent("ingest-watcher"),
		fsWatcher:  fsWatcher,
		done:       make(chan struct{}),
	}, nil
}

// Start registers watches and launches the event loop. Watching the
// projects directory itself picks up new project directories; each
// project directory is watched for archive appends.
func (w *Watcher) Start() error {
	projectsDir := filepath.Join(w.archiveDir, "projects")
	if err := w.fsWatcher.Add(projectsDir); err != nil {
		return err
	}

	entries, err := os.ReadDir(projectsDir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			if err := w.fsWatcher.Add(filepath.Join(projectsDir, entry.Name())); err != nil {
				w.log.Warn("watch add failed", "path", entry.Name(), "error", err)
			}
		}
	}

	w.wg.Add(1)
	go w.loop()
	return nil
}

// Stop halts the watcher.
func (w *Watcher) Stop() error {
	w.once.Do(func() { close(w.done) })
	err := w.fsWatcher.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-w.done:
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}

			// New project directory: start watching it.
			if ev.Op.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := w.fsWatcher.Add(ev.Name); err != nil {
						w.log.Warn("watch add failed", "path", ev.Name, "error", err)
					}
					continue
				}
			}

			if !strings.HasSuffix(ev.Name, ".jsonl") {
				continue
			}
			if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-timerC:
			timer = nil
			timerC = nil
			w.log.Debug("archive change detected, triggering ingest")
			w.onChange()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("watch error", "error", err)
		}
	}
}
