// Package pgstore implements a PostgreSQL-backed EntryStore for
// deployments that already run a shared database cluster for their other
// services, using the same sqlx access patterns as pkg/store/sqlitestore.
package pgstore

import (
	"database/sql"
	"errors"
	"fmt"
	"net/netip"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
)

// Store persists directory entries in a PostgreSQL database.
type Store struct {
	x *sqlx.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS entries (
	number      BIGINT PRIMARY KEY NOT NULL,
	name        TEXT NOT NULL DEFAULT '',
	flags       INTEGER NOT NULL DEFAULT 0,
	client_type INTEGER NOT NULL DEFAULT 0,
	hostname    TEXT NOT NULL DEFAULT '',
	ip_address  TEXT NOT NULL DEFAULT '',
	port        INTEGER NOT NULL DEFAULT 0,
	extension   INTEGER NOT NULL DEFAULT 0,
	pin         INTEGER NOT NULL DEFAULT 0,
	timestamp   BIGINT NOT NULL DEFAULT 0,
	changed     BOOLEAN NOT NULL DEFAULT FALSE
);
`

// Open opens a pgstore.Store using dsn (a libpq connection string or URL).
func Open(dsn string) (*Store, error) {
	x, err := sqlx.Connect("postgres", dsn)
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

const upsertSQL = `
	INSERT INTO entries ( number,  name,  flags,  client_type,  hostname,  ip_address,  port,  extension,  pin,  timestamp,  changed)
	VALUES              (:number, :name, :flags, :client_type, :hostname, :ip_address, :port, :extension, :pin, :timestamp, :changed)
	ON CONFLICT (number) DO UPDATE SET
		name = EXCLUDED.name, flags = EXCLUDED.flags, client_type = EXCLUDED.client_type,
		hostname = EXCLUDED.hostname, ip_address = EXCLUDED.ip_address, port = EXCLUDED.port,
		extension = EXCLUDED.extension, pin = EXCLUDED.pin, timestamp = EXCLUDED.timestamp,
		changed = EXCLUDED.changed
`

func (s *Store) GetEntryByNumber(number uint32) (entry.Entry, error) {
	var r row
	if err := s.x.Get(&r, `SELECT * FROM entries WHERE number = $1`, number); err != nil {
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
		like := "%" + strings.ReplaceAll(pattern, "%", `\%`) + "%"
		if err := s.x.Select(&rs, `SELECT * FROM entries WHERE name ILIKE $1 OR CAST(number AS TEXT) LIKE $1`, like); err != nil {
			return nil, err
		}
	}
	return rowsToEntries(rs)
}

func (s *Store) GetChangedEntries() ([]entry.Entry, error) {
	var rs []row
	if err := s.x.Select(&rs, `SELECT * FROM entries WHERE changed`); err != nil {
		return nil, err
	}
	return rowsToEntries(rs)
}

func (s *Store) UpdateOrRegisterEntry(e entry.Entry) error {
	e.Changed = true
	_, err := s.x.NamedExec(upsertSQL, fromEntry(e))
	return err
}

func (s *Store) UpdateEntryIfNewer(e entry.Entry) (bool, error) {
	tx, err := s.x.Beginx()
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	var cur uint32
	err = tx.Get(&cur, `SELECT timestamp FROM entries WHERE number = $1 FOR UPDATE`, e.Number)
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
	if _, err := tx.NamedExec(upsertSQL, fromEntry(e)); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) ClearChanged(number uint32) error {
	_, err := s.x.Exec(`UPDATE entries SET changed = FALSE WHERE number = $1`, number)
	return err
}

func (s *Store) SyncToDisk() error {
	return nil
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
