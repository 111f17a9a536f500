// Package connection implements the per-connection state machine: one
// instance owns exactly one TCP socket, drives mode detection, the ASCII
// one-shot lookup dialect or the binary request/response loop, and a send
// queue of directory entries pushed out as PeerReply messages. The queue
// holds every entry the request selected; no cap is applied to its length.
//
// A Connection is single-threaded over its own state: it never needs a
// mutex, since nothing but the goroutine running Serve ever touches it.
package connection

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/rs/xid"
	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
	"github.com/itelexsrv/itelexsrv/pkg/wireproto"
)

// Mode is the connection's wire dialect, detected once from the first byte
// and terminal thereafter.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeASCII
	ModeBinary
)

func (m Mode) String() string {
	switch m {
	case ModeASCII:
		return "ascii"
	case ModeBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// State is the connection's position in the dispatch state machine.
type State int

const (
	StateIdle State = iota
	StateResponding
	StateAccepting
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResponding:
		return "responding"
	case StateAccepting:
		return "accepting"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Config carries the knobs a Connection needs from the directory server's
// configuration.
type Config struct {
	// ClientTimeout is the idle-read limit, reset on every read.
	ClientTimeout time.Duration

	// ServerPIN authenticates Login and FullQuery. Zero means push-to-peers
	// and outbound authenticated full-query are both disabled (checked by
	// callers, not here); an incoming Login/FullQuery is still checked for
	// literal equality against it.
	ServerPIN uint32
}

// Connection owns one TCP socket for its lifetime. It is created on accept
// (or on outbound connect, when the replication engine dials a peer as a
// client) and is not safe for concurrent use: Serve must be the only
// goroutine operating on it.
type Connection struct {
	ID    xid.ID // correlates this connection's log lines
	conn  net.Conn
	br    *bufio.Reader
	store store.EntryStore
	cfg   Config
	log   zerolog.Logger

	mode  Mode
	state State

	sendQueue []wireproto.PeerReply
}

// New creates a Connection wrapping conn. store and cfg must not be nil/zero.
func New(conn net.Conn, st store.EntryStore, cfg Config, log zerolog.Logger) *Connection {
	id := xid.New()
	return &Connection{
		ID:    id,
		conn:  conn,
		br:    bufio.NewReader(conn),
		store: st,
		cfg:   cfg,
		log:   log.With().Str("conn", id.String()).Str("remote", conn.RemoteAddr().String()).Logger(),
		mode:  ModeUnknown,
		state: StateIdle,
	}
}

// Mode returns the connection's detected dialect.
func (c *Connection) Mode() Mode { return c.mode }

// State returns the connection's current dispatch state.
func (c *Connection) State() State { return c.state }

// Close releases the underlying socket. Safe to call more than once.
func (c *Connection) Close() error {
	return c.conn.Close()
}

// Serve drives the connection to completion: mode detection, then either
// the ASCII one-shot exchange or the binary dispatch loop, until the
// connection reaches StateShutdown or a fatal error occurs. ctx is passed
// down to dispatch but never consulted — per the concurrency model, individual
// connections are not cancelled by the supervisor's shutdown signal; they
// terminate on their own via protocol completion, idle timeout, or the
// peer closing the socket.
func (c *Connection) Serve(ctx context.Context) error {
	defer c.conn.Close()

	mode, err := c.detectMode()
	if err != nil {
		c.log.Debug().Err(err).Msg("connection ended during mode detection")
		return err
	}
	c.mode = mode

	if mode == ModeASCII {
		err = c.serveASCII()
	} else {
		err = c.serveBinary(ctx)
	}
	c.state = StateShutdown

	if err != nil {
		var cerr *Error
		if errors.As(err, &cerr) {
			switch cerr.Kind {
			case KindTimeout:
				c.log.Debug().Msg("connection timed out")
			case KindConnectionCloseUnexpected:
				c.log.Warn().Err(err).Msg("connection closed unexpectedly")
			default:
				c.log.Debug().Err(err).Msg("connection terminated")
			}
		} else {
			c.log.Warn().Err(err).Msg("connection terminated with unclassified error")
		}
	}
	return err
}

// detectMode peeks (without consuming) the first byte of the connection to
// decide between ASCII and Binary dialects, per §4.2.
func (c *Connection) detectMode() (Mode, error) {
	c.resetDeadline()
	b, err := c.br.Peek(1)
	if err != nil {
		return ModeUnknown, c.classifyReadErr(err, true)
	}
	if b[0] >= 32 && b[0] <= 126 {
		return ModeASCII, nil
	}
	return ModeBinary, nil
}

func (c *Connection) resetDeadline() {
	if c.cfg.ClientTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.ClientTimeout))
	}
}

// classifyReadErr maps a read/peek error to the appropriate Kind: an idle
// timeout is distinguished from every other short-read/close case, which is
// always ConnectionCloseUnexpected regardless of where in the connection's
// life it happens (the very first byte via peek, or a later frame read).
func (c *Connection) classifyReadErr(err error, _ bool) *Error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return newErr(KindTimeout, err)
	}
	return newErr(KindConnectionCloseUnexpected, err)
}

// peerV4 extracts the IPv4 address of the connection's remote peer. It
// fails with KindIpv6Address if the peer connected over IPv6 — i-Telex
// directory entries cannot represent IPv6 addresses.
func (c *Connection) peerV4() (netip.Addr, *Error) {
	ap, ok := c.conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		return netip.Addr{}, newErr(KindConnectionCloseUnexpected, fmt.Errorf("remote addr is not TCP"))
	}
	addr, ok := netip.AddrFromSlice(ap.IP)
	if !ok {
		return netip.Addr{}, newErr(KindConnectionCloseUnexpected, fmt.Errorf("invalid remote address"))
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Addr{}, newErr(KindIpv6Address, nil)
	}
	return addr, nil
}

// ---- ASCII dialect ----

func (c *Connection) serveASCII() error {
	c.resetDeadline()
	line, err := c.readLine()
	if err != nil {
		return err
	}

	q, perr := wireproto.ParseASCIIQuery(line)
	if perr != nil {
		return c.failASCII(newErr(KindUserInputError, perr))
	}

	e, err := c.store.GetEntryByNumber(q.Number)
	if errors.Is(err, store.ErrNotFound) {
		_, werr := io.WriteString(c.conn, wireproto.EncodeASCIIFail(q.Number))
		if werr != nil {
			return newErr(KindFailedToWrite, werr)
		}
		return nil
	}
	if err != nil {
		return c.failASCII(newErr(KindUserInputError, err))
	}

	pub := e.Public()
	_, werr := io.WriteString(c.conn, wireproto.EncodeASCIIOK(wireproto.ASCIIResult{
		Number:     pub.Number,
		Name:       pub.Name,
		ClientType: pub.ClientType,
		Address:    pub.Address(),
		Port:       pub.Port,
		Extension:  pub.Extension,
	}))
	if werr != nil {
		return newErr(KindFailedToWrite, werr)
	}
	return nil
}

// readLine reads one CR/LF-terminated line, stripping the terminator.
func (c *Connection) readLine() (string, error) {
	s, err := c.br.ReadString('\n')
	if err != nil {
		if s == "" {
			return "", c.classifyReadErr(err, false)
		}
		// treat an EOF-terminated final line like any other line
	}
	return strings.TrimRight(s, "\r\n"), nil
}

func (c *Connection) failASCII(e *Error) error {
	io.WriteString(c.conn, "fail\r\n+++\r\n")
	return e
}

// ---- Binary dialect ----

func (c *Connection) serveBinary(ctx context.Context) error {
	for c.state != StateShutdown {
		msg, err := c.readFrame()
		if err != nil {
			return c.failBinary(err)
		}
		if err := c.dispatch(ctx, msg); err != nil {
			return c.failBinary(err)
		}
	}
	return nil
}

// readFrame reads one [type][length][body] frame under the idle timeout,
// which is reset for this read.
func (c *Connection) readFrame() (wireproto.Message, error) {
	c.resetDeadline()

	header := make([]byte, 2)
	if _, err := io.ReadFull(c.br, header); err != nil {
		return nil, c.classifyReadErr(err, false)
	}
	msgType := wireproto.Type(header[0])
	length := int(header[1])

	body := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(c.br, body); err != nil {
			return nil, c.classifyReadErr(err, false)
		}
	}

	msg, err := wireproto.Decode(msgType, body)
	if err != nil {
		return nil, newErr(KindParseFailure, err)
	}
	return msg, nil
}

// failBinary writes an Error frame to the peer for wire-visible error
// kinds, then returns err unchanged so the caller can classify/log it.
func (c *Connection) failBinary(err error) error {
	var cerr *Error
	if errors.As(err, &cerr) && cerr.Kind.WireVisible() {
		frame := wireproto.EncodeFrame(wireproto.Error{Message: cerr.Error()})
		c.conn.Write(frame) // best effort: the connection is closing regardless
	}
	return err
}

func (c *Connection) writeFrame(msg wireproto.Message) error {
	if _, err := c.conn.Write(wireproto.EncodeFrame(msg)); err != nil {
		return newErr(KindFailedToWrite, err)
	}
	return nil
}

func (c *Connection) dispatch(ctx context.Context, msg wireproto.Message) error {
	switch m := msg.(type) {
	case wireproto.ClientUpdate:
		return c.handleClientUpdate(m)
	case wireproto.PeerQuery:
		return c.handlePeerQuery(m)
	case wireproto.PeerReply:
		return c.handlePeerReply(m)
	case wireproto.FullQuery:
		return c.handleFullQuery(m)
	case wireproto.Login:
		return c.handleLogin(m)
	case wireproto.Acknowledge:
		return c.handleAcknowledge(m)
	case wireproto.EndOfList:
		return c.handleEndOfList(m)
	case wireproto.PeerSearch:
		return c.handlePeerSearch(m)
	case wireproto.Error:
		c.log.Info().Str("message", m.Message).Msg("peer reported an error")
		c.state = StateShutdown
		return newErr(KindRemoteError, errors.New(m.Message))
	default:
		return newErr(KindUserInputError, fmt.Errorf("unexpected message %T", msg))
	}
}

func (c *Connection) requireState(want State, msgType string) *Error {
	if c.state != want {
		return newInvalidState(msgType, c.state)
	}
	return nil
}

func (c *Connection) handleClientUpdate(m wireproto.ClientUpdate) error {
	if err := c.requireState(StateIdle, "ClientUpdate"); err != nil {
		return err
	}
	peer, perr := c.peerV4()
	if perr != nil {
		return perr
	}

	e, err := c.store.GetEntryByNumber(m.Number)
	if errors.Is(err, store.ErrNotFound) {
		e = entry.Entry{Number: m.Number}
	} else if err != nil {
		return newErr(KindUserInputError, err)
	}
	e.PIN = m.PIN
	e.Port = m.Port
	e.IPAddress = peer
	e.Timestamp = time.Now()

	if err := c.store.UpdateOrRegisterEntry(e); err != nil {
		return newErr(KindUserInputError, err)
	}

	var reply wireproto.AddressConfirm
	addr4 := peer.As4()
	reply.IPAddress = addr4
	return c.writeFrame(reply)
}

func (c *Connection) handlePeerQuery(m wireproto.PeerQuery) error {
	if err := c.requireState(StateIdle, "PeerQuery"); err != nil {
		return err
	}
	e, err := c.store.GetEntryByNumber(m.Number)
	if errors.Is(err, store.ErrNotFound) {
		return c.writeFrame(wireproto.PeerNotFound{})
	}
	if err != nil {
		return newErr(KindUserInputError, err)
	}
	return c.writeFrame(entryToPeerReply(e.Public()))
}

func (c *Connection) handlePeerReply(m wireproto.PeerReply) error {
	if err := c.requireState(StateAccepting, "PeerReply"); err != nil {
		return err
	}
	e := peerReplyToEntry(m)
	updated, err := c.store.UpdateEntryIfNewer(e)
	if err != nil {
		return newErr(KindUserInputError, err)
	}
	if updated {
		// this server now holds the peer's version; it has nothing new to
		// push back for this number until it changes it again locally.
		c.store.ClearChanged(e.Number)
	}
	return c.writeFrame(wireproto.Acknowledge{})
}

func (c *Connection) handleFullQuery(m wireproto.FullQuery) error {
	if err := c.requireState(StateIdle, "FullQuery"); err != nil {
		return err
	}
	if m.Version != wireproto.FullQueryVersion {
		return newErr(KindUserInputError, fmt.Errorf("unsupported FullQuery version %d", m.Version))
	}
	if m.ServerPIN != c.cfg.ServerPIN {
		return newErr(KindPasswordError, nil)
	}
	entries, err := c.store.GetAllEntries()
	if err != nil {
		return newErr(KindUserInputError, err)
	}
	// an authenticated FullQuery sees real PIN values (invariant 5).
	c.sendQueue = entriesToPeerReplies(entries, false)
	c.state = StateResponding
	return c.emitNext()
}

func (c *Connection) handleLogin(m wireproto.Login) error {
	if err := c.requireState(StateIdle, "Login"); err != nil {
		return err
	}
	if m.Version != wireproto.LoginVersion {
		return newErr(KindUserInputError, fmt.Errorf("unsupported Login version %d", m.Version))
	}
	if m.ServerPIN != c.cfg.ServerPIN {
		return newErr(KindPasswordError, nil)
	}
	c.state = StateAccepting
	return c.writeFrame(wireproto.Acknowledge{})
}

func (c *Connection) handleAcknowledge(wireproto.Acknowledge) error {
	if err := c.requireState(StateResponding, "Acknowledge"); err != nil {
		return err
	}
	return c.emitNext()
}

func (c *Connection) handleEndOfList(wireproto.EndOfList) error {
	if err := c.requireState(StateAccepting, "EndOfList"); err != nil {
		return err
	}
	c.state = StateShutdown
	return nil
}

func (c *Connection) handlePeerSearch(m wireproto.PeerSearch) error {
	if err := c.requireState(StateIdle, "PeerSearch"); err != nil {
		return err
	}
	if m.Version != wireproto.PeerSearchVersion {
		return newErr(KindUserInputError, fmt.Errorf("unsupported PeerSearch version %d", m.Version))
	}
	entries, err := c.store.GetEntriesByPattern(m.Pattern)
	if err != nil {
		return newErr(KindUserInputError, err)
	}
	// PeerSearch is never authenticated: PIN is always stripped.
	c.sendQueue = entriesToPeerReplies(entries, true)
	c.state = StateResponding
	return c.emitNext()
}

// emitNext implements send_queue_entry: valid only in StateResponding. It
// pops one queued entry and writes it as a PeerReply, or writes EndOfList
// and shuts down if the queue is empty. On a write failure the popped
// entry is pushed back so the queue's length (and the at-most-once-lost
// property) is preserved.
func (c *Connection) emitNext() error {
	if len(c.sendQueue) == 0 {
		c.state = StateShutdown
		return c.writeFrame(wireproto.EndOfList{})
	}
	next := c.sendQueue[0]
	rest := c.sendQueue[1:]
	c.sendQueue = rest

	if err := c.writeFrame(next); err != nil {
		c.sendQueue = append([]wireproto.PeerReply{next}, c.sendQueue...)
		return err
	}
	return nil
}

// ---- outbound client-driven exchanges ----
//
// Dial, PushBatch, and PullFull let the replication engine reuse the same
// Connection abstraction for the sockets it opens itself, instead of
// duplicating the frame read/write/send-queue logic: the engine is a client
// on these sockets, but the wire exchange it drives is just the Responding
// or Accepting half of the same state machine a Serve-d Connection runs.

// Dial opens a new outbound v4 TCP connection to addr and wraps it in a
// Connection. The caller drives it with PushBatch or PullFull instead of
// Serve.
func Dial(ctx context.Context, addr string, st store.EntryStore, cfg Config, log zerolog.Logger) (*Connection, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp4", addr)
	if err != nil {
		return nil, err
	}
	return New(conn, st, cfg, log), nil
}

// PushBatch drives the connection as the Responding side of a peer push:
// Login, then one PeerReply per entry (each ack'd by the peer before the
// next is sent), then EndOfList. entries are pushed with PIN intact — peer
// pushes are always authenticated, never anonymized. The caller owns the
// deep-copy-on-retry requirement: entries must be a snapshot the caller
// won't mutate while PushBatch runs.
func (c *Connection) PushBatch(entries []entry.Entry, serverPIN uint32) error {
	defer c.conn.Close()
	if serverPIN == 0 {
		return newErr(KindUserInputError, fmt.Errorf("PushBatch requires a non-zero server pin"))
	}
	if err := c.writeFrame(wireproto.Login{Version: wireproto.LoginVersion, ServerPIN: serverPIN}); err != nil {
		return err
	}
	if err := c.expectAcknowledge("Login"); err != nil {
		return err
	}

	c.sendQueue = entriesToPeerReplies(entries, false)
	c.state = StateResponding
	if err := c.emitNext(); err != nil {
		return err
	}
	for c.state != StateShutdown {
		if err := c.expectAcknowledge("PeerReply"); err != nil {
			return err
		}
		if err := c.emitNext(); err != nil {
			return err
		}
	}
	return nil
}

// PullFull drives the connection as the Accepting side of a full directory
// pull: FullQuery when serverPIN is non-zero, or an empty-pattern PeerSearch
// in degraded SERVER_PIN=0 mode (per the source's chosen behavior, preserved
// rather than silently resolved differently). Every received PeerReply is
// merged into the store with UpdateEntryIfNewer and acknowledged; EndOfList
// ends the pull.
func (c *Connection) PullFull(serverPIN uint32) error {
	defer c.conn.Close()
	if serverPIN != 0 {
		if err := c.writeFrame(wireproto.FullQuery{Version: wireproto.FullQueryVersion, ServerPIN: serverPIN}); err != nil {
			return err
		}
	} else {
		if err := c.writeFrame(wireproto.PeerSearch{Version: wireproto.PeerSearchVersion, Pattern: ""}); err != nil {
			return err
		}
	}
	c.state = StateAccepting

	for {
		msg, err := c.readFrame()
		if err != nil {
			return err
		}
		switch m := msg.(type) {
		case wireproto.PeerReply:
			if _, err := c.store.UpdateEntryIfNewer(peerReplyToEntry(m)); err != nil {
				return newErr(KindUserInputError, err)
			}
			if err := c.writeFrame(wireproto.Acknowledge{}); err != nil {
				return err
			}
		case wireproto.EndOfList:
			c.state = StateShutdown
			return nil
		case wireproto.Error:
			return newErr(KindRemoteError, errors.New(m.Message))
		default:
			return newErr(KindUserInputError, fmt.Errorf("unexpected message %T during full pull", msg))
		}
	}
}

func (c *Connection) expectAcknowledge(afterWhat string) error {
	msg, err := c.readFrame()
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case wireproto.Acknowledge:
		return nil
	case wireproto.Error:
		return newErr(KindRemoteError, errors.New(m.Message))
	default:
		return newErr(KindUserInputError, fmt.Errorf("unexpected reply to %s: %T", afterWhat, m))
	}
}

func entryToPeerReply(e entry.Entry) wireproto.PeerReply {
	var ip [4]byte
	if e.IPAddress.Is4() {
		ip = e.IPAddress.As4()
	}
	return wireproto.PeerReply{
		Number:     e.Number,
		Name:       e.Name,
		Flags:      e.Flags,
		ClientType: e.ClientType,
		Hostname:   e.Hostname,
		IPAddress:  ip,
		Port:       e.Port,
		Extension:  e.Extension,
		PIN:        e.PIN,
		Timestamp:  entry.Timestamp32(e.Timestamp),
	}
}

func peerReplyToEntry(m wireproto.PeerReply) entry.Entry {
	var ip netip.Addr
	if m.IPAddress != ([4]byte{}) {
		ip = netip.AddrFrom4(m.IPAddress)
	}
	return entry.Entry{
		Number:     m.Number,
		Name:       m.Name,
		Flags:      m.Flags,
		ClientType: m.ClientType,
		Hostname:   m.Hostname,
		IPAddress:  ip,
		Port:       m.Port,
		Extension:  m.Extension,
		PIN:        m.PIN,
		Timestamp:  entry.FromTimestamp32(m.Timestamp),
	}
}

func entriesToPeerReplies(entries []entry.Entry, stripPIN bool) []wireproto.PeerReply {
	out := make([]wireproto.PeerReply, 0, len(entries))
	for _, e := range entries {
		if stripPIN {
			e = e.Public()
		}
		out = append(out, entryToPeerReply(e))
	}
	return out
}
