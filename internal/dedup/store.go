// Package dedup records which reminder offsets have already been announced
// for each event, and persists that record as a JSON file.
package dedup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"sync"

	"github.com/spf13/afero"

	"calremind/internal/fsutil"
	appLog "calremind/internal/log"
	"calremind/internal/model"
)

const (
	// DefaultPath is used when no state file is configured.
	DefaultPath = "reminded_events.json"

	// DefaultMaxEntries is the number of event ids kept before the whole
	// record is cleared.
	DefaultMaxEntries = 100
)

// Store maps event ids to the set of offsets already fired.
//
// Every mutation rewrites the full file via temp file + rename. Eviction is
// a wholesale wipe once the record holds more than maxEntries ids, so an
// event that is mid-cycle at that moment may be announced again.
type Store struct {
	fs         afero.Fs
	path       string
	maxEntries int

	mu    sync.Mutex
	fired map[string]map[int]struct{}
	dirty bool // last write failed
}

// Open loads the record at path. A missing or unreadable file yields an
// empty store; the error is logged, never returned.
func Open(fsys afero.Fs, path string, maxEntries int) *Store {
	if fsys == nil {
		fsys = afero.NewOsFs()
	}
	if path == "" {
		path = DefaultPath
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}

	s := &Store{
		fs:         fsys,
		path:       path,
		maxEntries: maxEntries,
		fired:      make(map[string]map[int]struct{}),
	}

	loaded, err := s.load()
	switch {
	case errors.Is(err, fs.ErrNotExist):
		appLog.Info("dedup state file not found; starting empty", "path", path)
	case err != nil:
		appLog.Error("dedup state load failed; starting empty", err, "path", path)
	default:
		s.fired = loaded
		appLog.Info("dedup state loaded", "path", path, "events", len(loaded))
	}

	return s
}

func (s *Store) load() (map[string]map[int]struct{}, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, err
	}

	var raw map[string][]int
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode %s: %w", s.path, err)
	}

	out := make(map[string]map[int]struct{}, len(raw))
	for id, offsets := range raw {
		set := make(map[int]struct{}, len(offsets))
		for _, o := range offsets {
			set[o] = struct{}{}
		}
		out[id] = set
	}
	return out, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Fired returns a copy of the offsets already fired for id. Unknown ids
// yield an empty map and do not create an entry.
func (s *Store) Fired(id string) map[int]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.fired[id]
	out := make(map[int]bool, len(set))
	for o := range set {
		out[o] = true
	}
	return out
}

// MarkFired records offset for id and persists the whole record before
// returning. On a write error the mark is kept in memory and the next
// mutation rewrites the file.
func (s *Store) MarkFired(id string, offset int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.fired[id]
	if !ok {
		set = make(map[int]struct{})
		s.fired[id] = set
	}
	set[offset] = struct{}{}

	return s.saveLocked()
}

// EvictIfOversized clears the whole record when it holds more than the
// configured number of ids. It reports whether a wipe happened.
func (s *Store) EvictIfOversized() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.fired) <= s.maxEntries {
		return false, nil
	}

	appLog.Info("dedup record oversized; clearing", "events", len(s.fired), "max", s.maxEntries)
	s.fired = make(map[string]map[int]struct{})
	return true, s.saveLocked()
}

// Len returns the number of event ids in the record.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.fired)
}

// Snapshot returns the record in its persisted shape.
func (s *Store) Snapshot() map[string][]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encodeLocked()
}

// Flush rewrites the file if the last write failed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.saveLocked()
}

func (s *Store) encodeLocked() map[string][]int {
	out := make(map[string][]int, len(s.fired))
	for id, set := range s.fired {
		offsets := make([]int, 0, len(set))
		for o := range set {
			offsets = append(offsets, o)
		}
		sort.Sort(sort.Reverse(sort.IntSlice(offsets)))
		out[id] = offsets
	}
	return out
}

func (s *Store) saveLocked() error {
	if err := s.writeFile(s.encodeLocked()); err != nil {
		s.dirty = true
		appLog.Error("dedup state save failed", err, "path", s.path)
		return fmt.Errorf("%w: %v", model.ErrPersistence, err)
	}
	s.dirty = false
	return nil
}

func (s *Store) writeFile(state map[string][]int) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.fs, s.path, data, ".calremind-state-*.tmp")
}
