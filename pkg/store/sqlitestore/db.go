// Package sqlitestore implements a sqlite3-backed EntryStore. Schema
// evolution of the on-disk format is explicitly out of scope (per the
// directory server specification), so the schema is applied once with
// CREATE TABLE IF NOT EXISTS rather than a versioned migration framework.
package sqlitestore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"net/url"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
)

// Store persists directory entries in a sqlite3 database.
type Store struct {
	x *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	number      INTEGER PRIMARY KEY NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	flags       INTEGER NOT NULL DEFAULT 0,
	client_type INTEGER NOT NULL DEFAULT 0,
	hostname    TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	port        INTEGER NOT NULL DEFAULT 0,
	extension   INTEGER NOT NULL DEFAULT 0,
	pin         INTEGER NOT NULL DEFAULT 0,
	timestamp   INTEGER NOT NULL DEFAULT 0,
	changed     INTEGER NOT NULL DEFAULT 0
);
`

// Open opens (creating if necessary) a sqlite3 database at name, the same
// way the teacher tunes its sqlite3 DSN: WAL journal mode, a larger page
// cache, and a busy timeout so concurrent readers/writers don't fail
// immediately under contention.
func Open(name string) (*Store, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_cache_size":   {"-32000"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	if _, err := x.Exec(schema); err != nil {
		x.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{x}, nil
}

func (s *Store) Close() error {
	return s.x.Close()
}

type row struct {
	Number     uint32 `db:"number"`
	Name       string `db:"name"`
	Flags      uint16 `db:"flags"`
	ClientType uint8  `db:"client_type"`
	Hostname   string `db:"hostname"`
	IPAddress  string `db:"ip_address"`
	Port       uint16 `db:"port"`
	Extension  uint8  `db:"extension"`
	PIN        uint16 `db:"pin"`
	Timestamp  uint32 `db:"timestamp"`
	Changed    bool   `db:"changed"`
}

func (r row) toEntry() (entry.Entry, error) {
	var addr netip.Addr
	if r.IPAddress != "" {
		a, err := netip.ParseAddr(r.IPAddress)
		if err != nil {
			return entry.Entry{}, fmt.Errorf("parse ip_address: %w", err)
		}
		addr = a
	}
	return entry.Entry{
		Number:     r.Number,
		Name:       r.Name,
		Flags:      r.Flags,
		ClientType: r.ClientType,
		Hostname:   r.Hostname,
		IPAddress:  addr,
		Port:       r.Port,
		Extension:  r.Extension,
		PIN:        r.PIN,
		Timestamp:  entry.FromTimestamp32(r.Timestamp),
		Changed:    r.Changed,
	}, nil
}

func fromEntry(e entry.Entry) map[string]any {
	var ip string
	if e.IPAddress.IsValid() {
		ip = e.IPAddress.String()
	}
	return map[string]any{
		"number":      e.Number,
		"name":        e.Name,
		"flags":       e.Flags,
		"client_type": e.ClientType,
		"hostname":    e.Hostname,
		"ip_address":  ip,
		"port":        e.Port,
		"extension":   e.Extension,
		"pin":         e.PIN,
		"timestamp":   entry.Timestamp32(e.Timestamp),
		"changed":     e.Changed,
	}
}

func (s *Store) GetEntryByNumber(number uint32) (entry.Entry, error) {
	var r row
	if err := s.x.Get(&r, `SELECT * FROM entries WHERE number = ?`, number); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entry.Entry{}, store.ErrNotFound
		}
		return entry.Entry{}, err
	}
	return r.toEntry()
}

func (s *Store) GetAllEntries() ([]entry.Entry, error) {
	var rs []row
	if err := s.x.Select(&rs, `SELECT * FROM entries`); err != nil {
		return nil, err
	}
	return rowsToEntries(rs)
}

func (s *Store) GetEntriesByPattern(pattern string) ([]entry.Entry, error) {
	var rs []row
	if pattern == "" {
		if err := s.x.Select(&rs, `SELECT * FROM entries`); err != nil {
			return nil, err
		}
	} else {
		like := "%" + strings.ReplaceAll(pattern, "%", "\\%") + "%"
		if err := s.x.Select(&rs, `SELECT * FROM entries WHERE name LIKE ? ESCAPE '\' OR CAST(number AS TEXT) LIKE ? ESCAPE '\'`, like, like); err != nil {
			return nil, err
		}
	}
	return rowsToEntries(rs)
}

func (s *Store) GetChangedEntries() ([]entry.Entry, error) {
	var rs []row
	if err := s.x.Select(&rs, `SELECT * FROM entries WHERE changed = 1`); err != nil {
		return nil, err
	}
	return rowsToEntries(rs)
}

func (s *Store) UpdateOrRegisterEntry(e entry.Entry) error {
	e.Changed = true
	_, err := s.x.NamedExec(`
		INSERT OR REPLACE INTO
		entries ( number,  name,  flags,  client_type,  hostname,  ip_address,  port,  extension,  pin,  timestamp,  changed)
		VALUES  (:number, :name, :flags, :client_type, :hostname, :ip_address, :port, :extension, :pin, :timestamp, :changed)
	`, fromEntry(e))
	return err
}

func (s *Store) UpdateEntryIfNewer(e entry.Entry) (bool, error) {
	tx, err := s.x.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var cur uint32
	err = tx.Get(&cur, `SELECT timestamp FROM entries WHERE number = ?`, e.Number)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// no existing entry, fall through to insert
	case err != nil:
		return false, err
	default:
		if entry.Timestamp32(e.Timestamp) <= cur {
			return false, nil
		}
	}

	e.Changed = true
	if _, err := tx.NamedExec(`
		INSERT OR REPLACE INTO
		entries ( number,  name,  flags,  client_type,  hostname,  ip_address,  port,  extension,  pin,  timestamp,  changed)
		VALUES  (:number, :name, :flags, :client_type, :hostname, :ip_address, :port, :extension, :pin, :timestamp, :changed)
	`, fromEntry(e)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ClearChanged(number uint32) error {
	_, err := s.x.Exec(`UPDATE entries SET changed = 0 WHERE number = ?`, number)
	return err
}

func (s *Store) SyncToDisk() error {
	_, err := s.x.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func rowsToEntries(rs []row) ([]entry.Entry, error) {
	out := make([]entry.Entry, 0, len(rs))
	for _, r := range rs {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
