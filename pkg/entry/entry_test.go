package entry

import (
	"net/netip"
	"testing"
	"time"
)

func TestPublicClearsPIN(t *testing.T) {
	e := Entry{Number: 1, PIN: 1234}
	p := e.Public()
	if p.PIN != 0 {
		t.Errorf("Public() left PIN = %d, want 0", p.PIN)
	}
	if e.PIN != 1234 {
		t.Error("Public() mutated the receiver")
	}
}

func TestHasAddress(t *testing.T) {
	cases := []struct {
		e    Entry
		want bool
	}{
		{Entry{}, false},
		{Entry{Hostname: "example.com"}, true},
		{Entry{IPAddress: netip.MustParseAddr("10.0.0.1")}, true},
	}
	for _, c := range cases {
		if got := c.e.HasAddress(); got != c.want {
			t.Errorf("HasAddress(%+v) = %v, want %v", c.e, got, c.want)
		}
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 12345, 0xFFFFFFFF} {
		got := Timestamp32(FromTimestamp32(v))
		if got != v {
			t.Errorf("Timestamp32(FromTimestamp32(%d)) = %d", v, got)
		}
	}
}

func TestTimestampBeforeEpochSaturatesToZero(t *testing.T) {
	if got := Timestamp32(ITelexEpoch.Add(-time.Hour)); got != 0 {
		t.Errorf("Timestamp32 before epoch = %d, want 0", got)
	}
}

func TestTruncateUTF8(t *testing.T) {
	cases := []struct {
		in       string
		maxBytes int
		want     string
	}{
		{"short", 39, "short"},
		{"", 39, ""},
	}
	for _, c := range cases {
		if got := TruncateUTF8(c.in, c.maxBytes); got != c.want {
			t.Errorf("TruncateUTF8(%q, %d) = %q, want %q", c.in, c.maxBytes, got, c.want)
		}
	}

	long := ""
	for i := 0; i < 50; i++ {
		long += "a"
	}
	got := TruncateUTF8(long, MaxStringBytes)
	if len(got) != MaxStringBytes {
		t.Errorf("TruncateUTF8 ascii len = %d, want %d", len(got), MaxStringBytes)
	}

	// the wire format truncates by raw byte count, splitting a multi-byte
	// rune in half is acceptable and expected (invariant: prefix is exactly
	// the first maxBytes bytes of input).
	multi := ""
	for i := 0; i < 19; i++ {
		multi += "aa" // 38 bytes
	}
	multi += "é" // 2-byte rune, straddles byte 39
	got = TruncateUTF8(multi, MaxStringBytes)
	if got != multi[:MaxStringBytes] {
		t.Errorf("TruncateUTF8 multi-byte = %q, want %q", got, multi[:MaxStringBytes])
	}
}
