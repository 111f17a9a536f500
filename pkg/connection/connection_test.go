package connection

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store/memstore"
	"github.com/itelexsrv/itelexsrv/pkg/wireproto"
)

// serverClientPair starts a Connection on one end of a real loopback TCP
// socket (so RemoteAddr is a genuine *net.TCPAddr) and hands the test the
// raw client-side net.Conn plus the store it's backed by.
func serverClientPair(t *testing.T, cfg Config) (client net.Conn, st *memstore.Store, done <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	st = memstore.New()
	ch := make(chan error, 1)

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			ch <- err
			return
		}
		c := New(conn, st, cfg, zerolog.Nop())
		ch <- c.Serve(context.Background())
	}()

	client, err = net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	return client, st, ch
}

func defaultConfig() Config {
	return Config{ClientTimeout: 2 * time.Second, ServerPIN: 0xBEEF}
}

func TestPeerQueryFound(t *testing.T) {
	client, st, done := serverClientPair(t, defaultConfig())
	st.UpdateOrRegisterEntry(entry.Entry{Number: 42, Name: "Test", ClientType: 7, Port: 80, Timestamp: time.Now()})

	frame := wireproto.EncodeFrame(wireproto.PeerQuery{Number: 42, Version: 1})
	if _, err := client.Write(frame); err != nil {
		t.Fatal(err)
	}

	msgType, body := readFrame(t, client)
	if msgType != wireproto.TypePeerReply {
		t.Fatalf("got type %v, want PeerReply", msgType)
	}
	msg, err := wireproto.Decode(msgType, body)
	if err != nil {
		t.Fatal(err)
	}
	pr := msg.(wireproto.PeerReply)
	if pr.Number != 42 || pr.Name != "Test" {
		t.Errorf("got %+v", pr)
	}
	if pr.PIN != 0 {
		t.Errorf("PIN leaked in public PeerQuery response: %d", pr.PIN)
	}

	client.Close()
	<-done
}

func TestPeerQueryNotFound(t *testing.T) {
	client, _, done := serverClientPair(t, defaultConfig())

	frame := wireproto.EncodeFrame(wireproto.PeerQuery{Number: 42, Version: 1})
	client.Write(frame)

	msgType, body := readFrame(t, client)
	if msgType != wireproto.TypePeerNotFound {
		t.Fatalf("got type %v, want PeerNotFound", msgType)
	}
	if len(body) != 0 {
		t.Errorf("PeerNotFound body len = %d, want 0", len(body))
	}

	client.Close()
	<-done
}

func TestASCIILookupFound(t *testing.T) {
	client, st, done := serverClientPair(t, defaultConfig())
	st.UpdateOrRegisterEntry(entry.Entry{
		Number: 42, Name: "Test", ClientType: 7,
		IPAddress: mustAddr("10.11.12.13"), Port: 80, Timestamp: time.Now(),
	})

	client.Write([]byte("q42\r\n"))

	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	want := "ok\r\n42\r\nTest\r\n7\r\n10.11.12.13\r\n80\r\n0\r\n+++\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	<-done
}

func TestASCIILookupNotFound(t *testing.T) {
	client, _, done := serverClientPair(t, defaultConfig())
	client.Write([]byte("q42\r\n"))

	buf := make([]byte, 256)
	n, err := client.Read(buf)
	if err != nil {
		t.Fatal(err)
	}
	got := string(buf[:n])
	want := "fail\r\n42\r\nunknown\r\n+++\r\n"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	<-done
}

func TestLoginWrongPINIsRejected(t *testing.T) {
	client, _, done := serverClientPair(t, defaultConfig())

	frame := wireproto.EncodeFrame(wireproto.Login{Version: 1, ServerPIN: 0xDEAD})
	client.Write(frame)

	msgType, body := readFrame(t, client)
	if msgType != wireproto.TypeError {
		t.Fatalf("got type %v, want Error", msgType)
	}
	msg, err := wireproto.Decode(msgType, body)
	if err != nil {
		t.Fatal(err)
	}
	if em := msg.(wireproto.Error).Message; em == "" {
		t.Error("expected non-empty error message")
	} else if !containsPasswordError(em) {
		t.Errorf("error message %q does not mention PasswordError", em)
	}

	err = <-done
	if err == nil {
		t.Fatal("expected Serve to return an error")
	}
}

func TestFullQueryStreamsAllEntriesThenEndOfList(t *testing.T) {
	client, st, done := serverClientPair(t, defaultConfig())
	for _, n := range []uint32{1, 2, 3} {
		st.UpdateOrRegisterEntry(entry.Entry{Number: n, Name: "e", Timestamp: time.Now()})
	}

	client.Write(wireproto.EncodeFrame(wireproto.FullQuery{Version: 1, ServerPIN: 0xBEEF}))

	var got []uint32
	for i := 0; i < 3; i++ {
		msgType, body := readFrame(t, client)
		if msgType != wireproto.TypePeerReply {
			t.Fatalf("entry %d: got type %v, want PeerReply", i, msgType)
		}
		msg, err := wireproto.Decode(msgType, body)
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, msg.(wireproto.PeerReply).Number)
		client.Write(wireproto.EncodeFrame(wireproto.Acknowledge{}))
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}

	msgType, _ := readFrame(t, client)
	if msgType != wireproto.TypeEndOfList {
		t.Fatalf("final message type = %v, want EndOfList", msgType)
	}

	<-done
}

func TestClientUpdateFromIPv6Rejected(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skip("no IPv6 loopback available")
	}
	defer ln.Close()

	st := memstore.New()
	done := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			done <- err
			return
		}
		c := New(conn, st, defaultConfig(), zerolog.Nop())
		done <- c.Serve(context.Background())
	}()

	client, err := net.Dial("tcp6", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	client.Write(wireproto.EncodeFrame(wireproto.ClientUpdate{Number: 1, PIN: 1, Port: 80}))

	msgType, _ := readFrame(t, client)
	if msgType != wireproto.TypeError {
		t.Fatalf("got type %v, want Error", msgType)
	}

	<-done

	if _, err := st.GetEntryByNumber(1); err == nil {
		t.Error("store was mutated despite IPv6 rejection")
	}
}

func TestClientUpdateStoresAndRepliesAddressConfirm(t *testing.T) {
	client, st, done := serverClientPair(t, defaultConfig())

	client.Write(wireproto.EncodeFrame(wireproto.ClientUpdate{Number: 7, PIN: 99, Port: 1234}))

	msgType, body := readFrame(t, client)
	if msgType != wireproto.TypeAddressConfirm {
		t.Fatalf("got type %v, want AddressConfirm", msgType)
	}
	msg, err := wireproto.Decode(msgType, body)
	if err != nil {
		t.Fatal(err)
	}
	ac := msg.(wireproto.AddressConfirm)
	if ac.IPAddress != ([4]byte{127, 0, 0, 1}) {
		t.Errorf("AddressConfirm = %v, want 127.0.0.1", ac.IPAddress)
	}

	e, err := st.GetEntryByNumber(7)
	if err != nil {
		t.Fatal(err)
	}
	if e.PIN != 99 || e.Port != 1234 {
		t.Errorf("stored entry = %+v", e)
	}

	client.Close()
	<-done
}

func TestInvalidStateYieldsError(t *testing.T) {
	client, _, done := serverClientPair(t, defaultConfig())

	// Acknowledge is only valid in Responding; sending it in Idle must be
	// rejected for every (type, state) combination not in the dispatch
	// table.
	client.Write(wireproto.EncodeFrame(wireproto.Acknowledge{}))

	msgType, _ := readFrame(t, client)
	if msgType != wireproto.TypeError {
		t.Fatalf("got type %v, want Error", msgType)
	}

	err := <-done
	if err == nil {
		t.Fatal("expected error")
	}
}

func readFrame(t *testing.T, conn net.Conn) (wireproto.Type, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	r := bufio.NewReader(conn)
	header := make([]byte, 2)
	if _, err := readFull(r, header); err != nil {
		t.Fatalf("read header: %v", err)
	}
	body := make([]byte, header[1])
	if len(body) > 0 {
		if _, err := readFull(r, body); err != nil {
			t.Fatalf("read body: %v", err)
		}
	}
	return wireproto.Type(header[0]), body
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func mustAddr(s string) netip.Addr {
	a, err := netip.ParseAddr(s)
	if err != nil {
		panic(err)
	}
	return a
}

func containsPasswordError(s string) bool {
	return strings.Contains(s, "PasswordError")
}
