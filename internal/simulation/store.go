package simulation

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/rasta-dave/lightninglens-platform-sub000/internal/errors"
	"github.com/rasta-dave/lightninglens-platform-sub000/internal/metrics"
)

// Session is one loaded simulation file. It is immutable after load;
// the Store replaces the whole session rather than mutating it, so
// concurrent readers never observe a torn state.
type Session struct {
	Path      string
	Records   []Record
	Aggregate *Aggregate
	LoadedAt  time.Time
}

// Store holds the currently loaded Session and swaps it atomically.
type Store struct {
	current atomic.Pointer[Session]
}

func NewStore() *Store {
	return &Store{}
}

// Current returns the loaded session, or nil when nothing is loaded.
func (s *Store) Current() *Session {
	return s.current.Load()
}

// LoadFile parses and validates path and installs it as the current
// session. An already-loaded path is re-read: the watcher fires change
// events for live-appended files and we want their new tail.
func (s *Store) LoadFile(path string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.ValidationError("cannot open simulation file").WithContext("path", path).WithContext("cause", err.Error())
	}
	defer f.Close()

	records, err := ParseRecords(f)
	if err != nil {
		metrics.SimulationLoadFailures.Inc()
		return nil, fmt.Errorf("loading %s: %w", filepath.Base(path), err)
	}

	session := &Session{
		Path:      path,
		Records:   records,
		Aggregate: BuildAggregate(records),
		LoadedAt:  time.Now(),
	}
	s.current.Store(session)

	metrics.SimulationLoadsTotal.Inc()
	metrics.SimulationRecordsLoaded.Set(float64(len(records)))
	slog.Info("Simulation loaded",
		"file", filepath.Base(path),
		"records", len(records),
		"nodes", len(session.Aggregate.Nodes),
		"links", len(session.Aggregate.Links),
		"skipped", session.Aggregate.Skipped,
	)
	return session, nil
}

// LoadIfNew loads path only when it differs from the current session's
// path. Used for add events of other files; change events for the
// active file go through LoadFile and always re-read.
func (s *Store) LoadIfNew(path string) (*Session, error) {
	if cur := s.Current(); cur != nil && cur.Path == path {
		return cur, nil
	}
	return s.LoadFile(path)
}

// LoadLatest loads the most recently modified file in dir matching
// pattern. Invalid files are skipped in favour of the next newest, so
// one torn write does not leave the server empty.
func (s *Store) LoadLatest(dir, pattern string) (*Session, error) {
	files, err := ListFiles(dir, pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.ValidationError("no simulation files found").WithContext("dir", dir).WithContext("pattern", pattern)
	}

	var lastErr error
	for _, path := range files {
		session, err := s.LoadFile(path)
		if err == nil {
			return session, nil
		}
		slog.Warn("Skipping invalid simulation file", "file", filepath.Base(path), "error", err)
		lastErr = err
	}
	return nil, lastErr
}

// ListFiles returns the files in dir matching pattern, newest first.
func ListFiles(dir, pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return nil, errors.ValidationError("bad file pattern").WithContext("pattern", pattern)
	}

	type fileWithTime struct {
		path    string
		modTime time.Time
	}
	files := make([]fileWithTime, 0, len(matches))
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		files = append(files, fileWithTime{path: path, modTime: info.ModTime()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].modTime.After(files[j].modTime) })

	paths := make([]string, len(files))
	for i, f := range files {
		paths[i] = f.path
	}
	return paths, nil
}
