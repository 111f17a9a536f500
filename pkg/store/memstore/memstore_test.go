package memstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
)

func TestGetEntryByNumberNotFound(t *testing.T) {
	s := New()
	if _, err := s.GetEntryByNumber(1); err != store.ErrNotFound {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateOrRegisterEntry(t *testing.T) {
	s := New()
	if err := s.UpdateOrRegisterEntry(entry.Entry{Number: 1, Name: "a"}); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetEntryByNumber(1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "a" || !got.Changed {
		t.Errorf("got %+v", got)
	}
}

func TestUpdateEntryIfNewerMonotone(t *testing.T) {
	s := New()
	base := time.Now()

	updated, err := s.UpdateEntryIfNewer(entry.Entry{Number: 1, Name: "first", Timestamp: base})
	if err != nil || !updated {
		t.Fatalf("first insert: updated=%v err=%v", updated, err)
	}

	updated, err = s.UpdateEntryIfNewer(entry.Entry{Number: 1, Name: "stale", Timestamp: base.Add(-time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("stale update should not apply")
	}

	updated, err = s.UpdateEntryIfNewer(entry.Entry{Number: 1, Name: "same", Timestamp: base})
	if err != nil {
		t.Fatal(err)
	}
	if updated {
		t.Error("equal timestamp update should not apply")
	}

	updated, err = s.UpdateEntryIfNewer(entry.Entry{Number: 1, Name: "newer", Timestamp: base.Add(time.Second)})
	if err != nil || !updated {
		t.Fatalf("newer update: updated=%v err=%v", updated, err)
	}

	got, _ := s.GetEntryByNumber(1)
	if got.Name != "newer" {
		t.Errorf("final state = %q, want %q", got.Name, "newer")
	}
}

func TestClearChanged(t *testing.T) {
	s := New()
	s.UpdateOrRegisterEntry(entry.Entry{Number: 1})
	if err := s.ClearChanged(1); err != nil {
		t.Fatal(err)
	}
	changed, _ := s.GetChangedEntries()
	if len(changed) != 0 {
		t.Errorf("GetChangedEntries = %v, want empty", changed)
	}
	// clearing an unknown number is a no-op, not an error
	if err := s.ClearChanged(999); err != nil {
		t.Fatal(err)
	}
}

func TestGetEntriesByPattern(t *testing.T) {
	s := New()
	s.UpdateOrRegisterEntry(entry.Entry{Number: 1, Name: "Smith"})
	s.UpdateOrRegisterEntry(entry.Entry{Number: 2, Name: "Jones"})

	all, _ := s.GetEntriesByPattern("")
	if len(all) != 2 {
		t.Errorf("empty pattern matched %d, want 2", len(all))
	}

	matches, _ := s.GetEntriesByPattern("smi")
	if len(matches) != 1 || matches[0].Name != "Smith" {
		t.Errorf("pattern match = %+v", matches)
	}
}

func TestOpenSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "directory.json")
	tempPath := filepath.Join(dir, "directory.json.tmp")

	s, err := OpenSnapshot(path, tempPath)
	if err != nil {
		t.Fatal(err)
	}
	if all, _ := s.GetAllEntries(); len(all) != 0 {
		t.Fatalf("fresh snapshot should start empty, got %v", all)
	}

	s.UpdateOrRegisterEntry(entry.Entry{Number: 1, Name: "Smith", Timestamp: time.Now()})
	s.UpdateOrRegisterEntry(entry.Entry{Number: 2, Name: "Jones", Timestamp: time.Now()})

	if err := s.SyncToDisk(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(tempPath); err == nil {
		t.Error("temp file should have been renamed away after SyncToDisk")
	}

	reopened, err := OpenSnapshot(path, tempPath)
	if err != nil {
		t.Fatal(err)
	}
	all, _ := reopened.GetAllEntries()
	if len(all) != 2 {
		t.Fatalf("reopened snapshot has %d entries, want 2", len(all))
	}
}

func TestOpenSnapshotMissingFileStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := OpenSnapshot(filepath.Join(dir, "nonexistent.json"), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SyncToDisk(); err != nil {
		t.Fatal(err)
	}
}
