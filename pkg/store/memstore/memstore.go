// Package memstore implements an in-memory EntryStore, grounded on the
// teacher's sync.Map-backed AccountStore/PdataStore pattern. It is used in
// tests and for ephemeral deployments that don't need the directory to
// survive a restart, and, via OpenSnapshot, for deployments that want an
// in-memory store that nonetheless persists across restarts.
package memstore

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
)

// Store holds directory entries in a sync.Map keyed by number.
type Store struct {
	entries sync.Map // uint32 -> entry.Entry

	// path and tempPath are empty for a pure in-memory Store (New). When
	// set (OpenSnapshot), SyncToDisk persists the directory as JSON.
	path     string
	tempPath string
}

// New creates an empty Store with no disk persistence: SyncToDisk is a
// no-op, and the directory is lost on process exit.
func New() *Store {
	return &Store{}
}

// OpenSnapshot creates a Store backed by a JSON snapshot file at path,
// loading its contents if the file exists. SyncToDisk writes the entire
// directory to tempPath and renames it over path, so a crash mid-write
// never leaves a corrupt or partial file at path — the same temp-then-
// rename discipline the source's own db_backend uses for its flush.
// If tempPath is empty, it defaults to path with a ".tmp" suffix.
func OpenSnapshot(path, tempPath string) (*Store, error) {
	if tempPath == "" {
		tempPath = path + ".tmp"
	}
	s := &Store{path: path, tempPath: tempPath}

	buf, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	var entries []entry.Entry
	if err := json.Unmarshal(buf, &entries); err != nil {
		return nil, fmt.Errorf("parse snapshot: %w", err)
	}
	for _, e := range entries {
		s.entries.Store(e.Number, e)
	}
	return s, nil
}

func (s *Store) GetEntryByNumber(number uint32) (entry.Entry, error) {
	v, ok := s.entries.Load(number)
	if !ok {
		return entry.Entry{}, store.ErrNotFound
	}
	return v.(entry.Entry), nil
}

func (s *Store) GetAllEntries() ([]entry.Entry, error) {
	var out []entry.Entry
	s.entries.Range(func(_, v any) bool {
		out = append(out, v.(entry.Entry))
		return true
	})
	return out, nil
}

func (s *Store) GetEntriesByPattern(pattern string) ([]entry.Entry, error) {
	var out []entry.Entry
	p := strings.ToLower(pattern)
	s.entries.Range(func(_, v any) bool {
		e := v.(entry.Entry)
		if p == "" || strings.Contains(strings.ToLower(e.Name), p) || strings.Contains(strconv.FormatUint(uint64(e.Number), 10), p) {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

func (s *Store) GetChangedEntries() ([]entry.Entry, error) {
	var out []entry.Entry
	s.entries.Range(func(_, v any) bool {
		if e := v.(entry.Entry); e.Changed {
			out = append(out, e)
		}
		return true
	})
	return out, nil
}

func (s *Store) UpdateOrRegisterEntry(e entry.Entry) error {
	e.Changed = true
	s.entries.Store(e.Number, e)
	return nil
}

func (s *Store) UpdateEntryIfNewer(e entry.Entry) (bool, error) {
	for {
		old, loaded := s.entries.Load(e.Number)
		if !loaded {
			e.Changed = true
			if _, actual := s.entries.LoadOrStore(e.Number, e); actual {
				continue // lost the race to another writer, retry
			}
			return true, nil
		}
		cur := old.(entry.Entry)
		if !e.Timestamp.After(cur.Timestamp) {
			return false, nil
		}
		e.Changed = true
		if !s.entries.CompareAndSwap(e.Number, old, e) {
			continue
		}
		return true, nil
	}
}

func (s *Store) ClearChanged(number uint32) error {
	for {
		old, ok := s.entries.Load(number)
		if !ok {
			return nil
		}
		e := old.(entry.Entry)
		if !e.Changed {
			return nil
		}
		e.Changed = false
		if !s.entries.CompareAndSwap(number, old, e) {
			continue
		}
		return nil
	}
}

// SyncToDisk persists the directory if this Store was opened with
// OpenSnapshot; it is a no-op for a pure in-memory Store (New).
func (s *Store) SyncToDisk() error {
	if s.path == "" {
		return nil
	}
	entries, _ := s.GetAllEntries()
	buf, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(s.tempPath, buf, 0666); err != nil {
		return fmt.Errorf("write snapshot temp file: %w", err)
	}
	if err := os.Rename(s.tempPath, s.path); err != nil {
		return fmt.Errorf("rename snapshot into place: %w", err)
	}
	return nil
}
