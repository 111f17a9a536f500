// Package entry defines the i-Telex directory entry, the only datum
// replicated between directory servers.
package entry

import (
	"net/netip"
	"time"
)

// ITelexEpoch is the reference point for on-wire timestamps: 1900-01-01
// 00:00:00 UTC, the same epoch used by the original i-Telex protocol.
var ITelexEpoch = time.Date(1900, time.January, 1, 0, 0, 0, 0, time.UTC)

// MaxStringBytes is the maximum number of UTF-8 bytes a name or hostname may
// occupy on the wire; the 40-byte fixed field always has a trailing NUL.
const MaxStringBytes = 39

// Flag bits within Entry.Flags.
const (
	FlagDisabled uint16 = 1 << 0
)

// Entry is a single subscriber record keyed by Number.
type Entry struct {
	Number     uint32
	Name       string
	Flags      uint16
	ClientType uint8

	// Hostname and IPAddress are mutually optional; at least one must be set
	// for a public entry. An empty Hostname or an invalid IPAddress is
	// treated as absent.
	Hostname  string
	IPAddress netip.Addr

	Port      uint16
	Extension uint8

	// PIN is private: it must never be copied into a response sent to an
	// unauthenticated caller.
	PIN uint16

	Timestamp time.Time

	// Changed is set when this server mutated the entry since the last
	// successful push to peers.
	Changed bool
}

// HasAddress reports whether e carries enough information to be reachable
// (Hostname or a valid IPv4 IPAddress).
func (e Entry) HasAddress() bool {
	return e.Hostname != "" || (e.IPAddress.IsValid() && e.IPAddress.Is4())
}

// Address returns the preferred human-readable address for e: the hostname
// if present, otherwise the dotted IPv4 address.
func (e Entry) Address() string {
	if e.Hostname != "" {
		return e.Hostname
	}
	if e.IPAddress.IsValid() {
		return e.IPAddress.String()
	}
	return ""
}

// Public returns a copy of e with PIN cleared, suitable for responses to
// unauthenticated queries (PeerQuery, PeerSearch, the ASCII lookup).
func (e Entry) Public() Entry {
	e.PIN = 0
	return e
}

// Clone returns a deep copy of e. Entry currently contains no reference
// types that alias mutable state, but Clone exists so that callers (in
// particular the replication uploader) never need to know that — mutations
// to a later version of the same number must never affect an
// already-queued batch.
func (e Entry) Clone() Entry {
	return e
}

// Timestamp32 converts t to the on-wire u32 seconds-since-ITelexEpoch
// representation. Times before the epoch or after the u32 range saturate to
// the nearest representable value.
func Timestamp32(t time.Time) uint32 {
	d := t.Sub(ITelexEpoch)
	if d < 0 {
		return 0
	}
	s := d.Seconds()
	if s > float64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(s)
}

// FromTimestamp32 converts an on-wire u32 seconds-since-ITelexEpoch value
// into a time.Time.
func FromTimestamp32(v uint32) time.Time {
	return ITelexEpoch.Add(time.Duration(v) * time.Second)
}

// TruncateUTF8 truncates s to the first maxBytes bytes, matching the wire
// codec's field truncation exactly (it does not avoid splitting a
// multi-byte rune: the wire format is defined in terms of raw bytes).
func TruncateUTF8(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	return s[:maxBytes]
}
