package acceptor

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/connection"
	"github.com/itelexsrv/itelexsrv/pkg/store/memstore"
	"github.com/itelexsrv/itelexsrv/pkg/wireproto"
)

func TestRunServesOnV4AndStopsOnCancel(t *testing.T) {
	st := memstore.New()
	a := New(Config{
		Addr4:      "127.0.0.1:0",
		Connection: connection.Config{ClientTimeout: time.Second},
	}, st, zerolog.Nop())

	// Run binds internally, so the port it gets for :0 can't be read back;
	// instead reserve a free ephemeral port by binding and closing a
	// listener here, then point Addr4 at that port.
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	a.cfg.Addr4 = addr

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	// poll until the listener is actually up
	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.DialTimeout("tcp4", addr, 50*time.Millisecond)
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		cancel()
		t.Fatalf("dial: %v", err)
	}

	conn.Write(wireproto.EncodeFrame(wireproto.PeerQuery{Number: 1, Version: 1}))
	frameType := make([]byte, 2)
	if _, err := conn.Read(frameType); err != nil {
		t.Fatal(err)
	}
	if wireproto.Type(frameType[0]) != wireproto.TypePeerNotFound {
		t.Fatalf("got type %v, want PeerNotFound", wireproto.Type(frameType[0]))
	}
	conn.Close()

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRequiresAddr4(t *testing.T) {
	a := New(Config{}, memstore.New(), zerolog.Nop())
	if err := a.Run(context.Background()); err == nil {
		t.Fatal("expected error for missing Addr4")
	}
}
