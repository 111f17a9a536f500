// Package store defines the EntryStore capability the rest of the core
// consumes. The concrete store is an external collaborator; this package
// only defines the interface and the errors callers should expect. See
// pkg/store/memstore and pkg/store/sqlitestore for two concrete
// implementations.
package store

import (
	"errors"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
)

// ErrNotFound is returned by lookups for a number that has no entry.
var ErrNotFound = errors.New("store: entry not found")

// EntryStore is the storage capability required by Connection and the
// replication engine. Implementations must be safe for concurrent use by
// many callers; the store's own transaction discipline is the sole
// serialization boundary for directory mutation.
type EntryStore interface {
	// GetEntryByNumber returns the entry for number, or ErrNotFound.
	GetEntryByNumber(number uint32) (entry.Entry, error)

	// GetAllEntries returns every entry in the directory.
	GetAllEntries() ([]entry.Entry, error)

	// GetEntriesByPattern returns every entry whose name or number matches
	// pattern. An empty pattern matches everything.
	GetEntriesByPattern(pattern string) ([]entry.Entry, error)

	// GetChangedEntries returns every entry flagged Changed.
	GetChangedEntries() ([]entry.Entry, error)

	// UpdateOrRegisterEntry inserts e or overwrites the existing entry for
	// e.Number unconditionally, marking it Changed.
	UpdateOrRegisterEntry(e entry.Entry) error

	// UpdateEntryIfNewer applies e only if there is no stored entry for
	// e.Number, or the stored entry's Timestamp is strictly older than
	// e.Timestamp. It reports whether the update was applied.
	UpdateEntryIfNewer(e entry.Entry) (updated bool, err error)

	// ClearChanged clears the Changed flag for number, e.g. after a
	// successful push to a peer. It is a no-op if number has no entry.
	ClearChanged(number uint32) error

	// SyncToDisk flushes any buffered state to persistent storage.
	SyncToDisk() error
}
