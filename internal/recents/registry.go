// Package recents persists the recently opened workspace list served to
// clients over the "recents" channel. The backing file is shared with
// external tooling, so the registry watches it and reloads on outside edits.
package recents

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const DefaultLimit = 100

var ErrEmptyURI = errors.New("recents: empty uri")

// Entry is one recently opened workspace, newest first in the list.
type Entry struct {
	URI      string    `json:"uri"`
	Label    string    `json:"label,omitempty"`
	OpenedAt time.Time `json:"opened_at"`
}

// Registry is the process-wide recents list. All mutations persist
// atomically (write temp, rename) before subscribers are notified.
type Registry struct {
	logger zerolog.Logger
	path   string
	limit  int

	mu         sync.Mutex
	entries    []Entry
	subs       map[int]chan []Entry
	nextSub    int
	selfWrites int

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// Open loads the registry file, creating its directory if needed, and
// starts watching for external edits. Limit zero selects the default.
func Open(path string, limit int, logger zerolog.Logger) (*Registry, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("recents: create dir: %w", err)
	}

	r := &Registry{
		logger: logger,
		path:   path,
		limit:  limit,
		subs:   make(map[int]chan []Entry),
		done:   make(chan struct{}),
	}
	if err := r.load(); err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("recents: watcher: %w", err)
	}
	// Watch the directory, not the file: atomic renames replace the inode.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("recents: watch dir: %w", err)
	}
	r.watcher = watcher
	go r.watchLoop()

	return r, nil
}

func (r *Registry) load() error {
	raw, err := os.ReadFile(r.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("recents: read %s: %w", r.path, err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		// A corrupt file loses history but must not block startup.
		r.logger.Warn().Err(err).Str("path", r.path).Msg("recents file unreadable, starting empty")
		return nil
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].OpenedAt.After(entries[j].OpenedAt) })
	if len(entries) > r.limit {
		entries = entries[:r.limit]
	}
	r.entries = entries
	return nil
}

// Add records the workspace at the head of the list. An existing entry with
// the same URI moves to the head instead of duplicating.
func (r *Registry) Add(uri, label string) error {
	if strings.TrimSpace(uri) == "" {
		return ErrEmptyURI
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make([]Entry, 0, len(r.entries)+1)
	next = append(next, Entry{URI: uri, Label: label, OpenedAt: time.Now().UTC()})
	for _, e := range r.entries {
		if e.URI != uri {
			next = append(next, e)
		}
	}
	if len(next) > r.limit {
		next = next[:r.limit]
	}
	r.entries = next

	if err := r.persistLocked(); err != nil {
		return err
	}
	r.notifyLocked()
	return nil
}

// List returns a copy, newest first.
func (r *Registry) List() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Remove drops the entry with the given URI. Reports whether it existed.
func (r *Registry) Remove(uri string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.entries[:0]
	found := false
	for _, e := range r.entries {
		if e.URI == uri {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return false, nil
	}
	r.entries = kept
	if err := r.persistLocked(); err != nil {
		return true, err
	}
	r.notifyLocked()
	return true, nil
}

// Clear empties the list.
func (r *Registry) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.entries) == 0 {
		return nil
	}
	r.entries = nil
	if err := r.persistLocked(); err != nil {
		return err
	}
	r.notifyLocked()
	return nil
}

// Subscribe delivers a snapshot after every change. Slow subscribers drop
// intermediate snapshots, never block mutations.
func (r *Registry) Subscribe() (<-chan []Entry, func()) {
	ch := make(chan []Entry, 1)
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subs, id)
	}
	return ch, cancel
}

func (r *Registry) Close() error {
	r.closeOnce.Do(func() {
		close(r.done)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
	return nil
}

// persistLocked writes the list atomically. Caller holds r.mu.
func (r *Registry) persistLocked() error {
	raw, err := json.MarshalIndent(r.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("recents: marshal: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("recents: write temp: %w", err)
	}
	// The rename fires a watcher event we must not treat as external.
	r.selfWrites++
	if err := os.Rename(tmp, r.path); err != nil {
		r.selfWrites--
		os.Remove(tmp)
		return fmt.Errorf("recents: rename: %w", err)
	}
	return nil
}

func (r *Registry) notifyLocked() {
	snapshot := make([]Entry, len(r.entries))
	copy(snapshot, r.entries)
	for _, ch := range r.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}

func (r *Registry) watchLoop() {
	for {
		select {
		case <-r.done:
			return
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			r.handleFileEvent()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			r.logger.Warn().Err(err).Msg("recents watcher error")
		}
	}
}

func (r *Registry) handleFileEvent() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.selfWrites > 0 {
		r.selfWrites--
		return
	}
	if err := r.load(); err != nil {
		r.logger.Warn().Err(err).Msg("reload after external edit failed")
		return
	}
	r.logger.Debug().Int("entries", len(r.entries)).Msg("recents reloaded after external edit")
	r.notifyLocked()
}
