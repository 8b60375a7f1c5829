// Package watcher watches local source directories and reports changed
// source files so that cached dataset metadata can be dropped.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/jobrunner/tessera/internal/domain"
)

// DefaultDebounce is the quiet period before a changed file is reported.
const DefaultDebounce = 500 * time.Millisecond

// Event represents a file system event.
type Event struct {
	Path      string
	Operation Operation
}

// Operation represents the type of file operation.
type Operation int

// File operation types.
const (
	OpCreate Operation = iota
	OpModify
	OpDelete
)

// String returns the string representation of the operation.
func (o Operation) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpModify:
		return "modify"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// Handler receives the files that settled during one debounce tick,
// sorted by path.
type Handler func(ctx context.Context, events []Event) error

// pendingEvent is a change waiting for its debounce period to pass.
type pendingEvent struct {
	timestamp time.Time
	op        Operation
}

// Watcher watches directories for source file changes.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	handler   Handler
	logger    *slog.Logger
	paths     []string
	recursive bool
	debounce  time.Duration
	tick      time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEvent

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Config holds watcher configuration.
type Config struct {
	Paths     []string
	Recursive bool // also watch subdirectories, including ones created later
	Debounce  time.Duration
}

// New creates a new file watcher.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		handler:   handler,
		logger:    logger,
		paths:     cfg.Paths,
		recursive: cfg.Recursive,
		debounce:  cfg.Debounce,
		tick:      min(100*time.Millisecond, cfg.Debounce),
		pending:   make(map[string]*pendingEvent),
		done:      make(chan struct{}),
	}, nil
}

// Start watches the configured paths until ctx is canceled or Stop is
// called. Unreadable paths are logged and skipped.
func (w *Watcher) Start(ctx context.Context) error {
	for _, path := range w.paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			w.logger.Warn("invalid watch path", "path", path, "error", err)
			continue
		}

		if err := w.watchTree(absPath); err != nil {
			w.logger.Warn("failed to watch path", "path", absPath, "error", err)
			continue
		}

		w.logger.Info("watching directory", "path", absPath, "recursive", w.recursive)
	}

	w.wg.Add(2)
	go w.eventLoop(ctx)
	go w.debounceLoop(ctx)

	return nil
}

// watchTree adds root and, when recursive, every directory below it.
func (w *Watcher) watchTree(root string) error {
	if !w.recursive {
		return w.fsWatcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			w.logger.Debug("skipping unreadable directory", "path", path, "error", err)
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		return w.fsWatcher.Add(path)
	})
}

// Stop closes the underlying watcher and waits for the loops to exit.
// Pending events are dropped.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
	})
	w.wg.Wait()
	return err
}

// eventLoop records fsnotify events until the watcher is closed.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			w.record(event)

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

// record adds a source file event to the pending set. New directories are
// watched when recursive.
func (w *Watcher) record(event fsnotify.Event) {
	if w.recursive && event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watchTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
			return
		}
	}

	op, ok := operationOf(event.Op)
	if !ok || !isSourceFile(event.Name) {
		return
	}

	w.logger.Debug("file event", "path", event.Name, "op", event.Op.String())

	w.mu.Lock()
	defer w.mu.Unlock()

	existing, exists := w.pending[event.Name]
	if !exists {
		w.pending[event.Name] = &pendingEvent{timestamp: time.Now(), op: op}
		return
	}
	existing.merge(op)
}

// merge folds a later operation on the same file into p and restarts its
// debounce period.
func (p *pendingEvent) merge(next Operation) {
	p.timestamp = time.Now()

	switch {
	case p.op == OpDelete && next == OpCreate:
		// Replaced in place, e.g. by an atomic rename.
		p.op = OpCreate
	case next == OpDelete:
		p.op = OpDelete
	}
}

// debounceLoop hands settled events to the handler on every tick.
func (w *Watcher) debounceLoop(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case <-w.done:
			return

		case <-ticker.C:
			w.flush(ctx, time.Now())
		}
	}
}

// settled removes and returns the events older than the debounce period.
func (w *Watcher) settled(now time.Time) []Event {
	w.mu.Lock()
	defer w.mu.Unlock()

	var events []Event
	for path, p := range w.pending {
		if now.Sub(p.timestamp) < w.debounce {
			continue
		}
		delete(w.pending, path)
		events = append(events, Event{Path: path, Operation: p.op})
	}
	sort.Slice(events, func(i, j int) bool { return events[i].Path < events[j].Path })
	return events
}

// flush calls the handler with the settled events, if any.
func (w *Watcher) flush(ctx context.Context, now time.Time) {
	events := w.settled(now)
	if len(events) == 0 {
		return
	}

	w.logger.Info("processing file events", "count", len(events))

	if err := w.handler(ctx, events); err != nil {
		w.logger.Error("handler error", "count", len(events), "error", err)
	}
}

// operationOf maps an fsnotify operation. Permission changes do not alter
// file contents and are ignored.
func operationOf(op fsnotify.Op) (Operation, bool) {
	switch {
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		// A renamed file is gone from its original path.
		return OpDelete, true
	case op.Has(fsnotify.Create):
		return OpCreate, true
	case op.Has(fsnotify.Write):
		return OpModify, true
	default:
		return 0, false
	}
}

// isSourceFile reports whether a source engine reads the file.
func isSourceFile(path string) bool {
	_, ok := domain.FormatFromPath(path)
	return ok
}
