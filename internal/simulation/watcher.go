package simulation

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
)

// stabilityWindow is how long a file must stay quiet before we read it.
// The simulator appends and flushes continuously; reading mid-write
// yields torn rows.
const stabilityWindow = 2 * time.Second

// FileEvent reports a simulation file that settled after a create or
// write burst.
type FileEvent struct {
	Path    string
	Created bool
}

// Watcher observes a directory for simulation files, debouncing bursts
// of write events by a stability window before reporting them.
type Watcher struct {
	dir     string
	pattern string
	clock   clockwork.Clock
	events  chan FileEvent

	mu      sync.Mutex
	pending map[string]pendingEvent
}

type pendingEvent struct {
	timer   clockwork.Timer
	created bool
}

// NewWatcher validates the directory up front; a missing watch
// directory is a startup-fatal condition.
func NewWatcher(dir, pattern string, clock clockwork.Clock) (*Watcher, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.InternalError("watch directory is not accessible", err).WithContext("dir", dir)
	}
	if !info.IsDir() {
		return nil, errors.InternalError("watch path is not a directory", nil).WithContext("dir", dir)
	}

	return &Watcher{
		dir:     dir,
		pattern: pattern,
		clock:   clock,
		events:  make(chan FileEvent, 16),
		pending: make(map[string]pendingEvent),
	}, nil
}

// Events returns the channel of settled file events.
func (w *Watcher) Events() <-chan FileEvent {
	return w.events
}

// Run blocks watching the directory until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.InternalError("cannot create file watcher", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return errors.InternalError("cannot watch directory", err).WithContext("dir", w.dir)
	}

	slog.Info("Watching simulation directory", "dir", w.dir, "pattern", w.pattern)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			slog.Warn("File watcher error", "error", err)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
		return
	}

	matched, err := filepath.Match(w.pattern, filepath.Base(event.Name))
	if err != nil || !matched {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	path := event.Name
	if p, exists := w.pending[path]; exists {
		// Still being written; push the stability deadline out.
		p.timer.Reset(stabilityWindow)
		if event.Has(fsnotify.Create) {
			p.created = true
			w.pending[path] = p
		}
		return
	}

	created := event.Has(fsnotify.Create)
	timer := w.clock.AfterFunc(stabilityWindow, func() {
		w.settle(path)
	})
	w.pending[path] = pendingEvent{timer: timer, created: created}
}

func (w *Watcher) settle(path string) {
	w.mu.Lock()
	p, exists := w.pending[path]
	delete(w.pending, path)
	w.mu.Unlock()

	if !exists {
		return
	}

	select {
	case w.events <- FileEvent{Path: path, Created: p.created}:
	default:
		slog.Warn("Dropping file event, consumer is behind", "file", filepath.Base(path))
	}
}
