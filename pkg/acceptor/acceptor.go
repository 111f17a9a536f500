// Package acceptor binds the directory server's listening sockets and spawns
// one connection.Connection per accepted socket, grounded on the teacher's
// multi-listener Run (pkg/atlas/server.go: builds one *http.Server per Addr,
// fans ListenAndServe errors into a shared channel) adapted from HTTP
// listeners to raw TCP sockets speaking the i-Telex wire protocol.
package acceptor

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/connection"
	"github.com/itelexsrv/itelexsrv/pkg/store"
	"github.com/itelexsrv/itelexsrv/pkg/taskreg"
)

// Config configures the listening sockets and per-connection behavior.
type Config struct {
	// Addr4 is required: i-Telex entries carry only IPv4 addresses, so the
	// server must always be reachable over v4.
	Addr4 string
	// Addr6 is optional: when set, the server also listens on this IPv6
	// address for clients that can reach it, best-effort (a bind failure
	// here is logged, not fatal).
	Addr6 string

	Connection connection.Config
}

// Acceptor owns the server's listening sockets and the registry of
// in-flight connections.
type Acceptor struct {
	cfg   Config
	store store.EntryStore
	log   zerolog.Logger
	tasks *taskreg.Registry

	metrics *acceptorMetrics
}

type acceptorMetrics struct {
	set              *metrics.Set
	acceptedTotal    *metrics.Counter
	acceptErrorTotal *metrics.Counter
	connectionsOpen  *metrics.Gauge
}

func newMetrics(tasks *taskreg.Registry) *acceptorMetrics {
	m := &acceptorMetrics{set: metrics.NewSet()}
	m.acceptedTotal = m.set.NewCounter(`itelexsrv_acceptor_accepted_total`)
	m.acceptErrorTotal = m.set.NewCounter(`itelexsrv_acceptor_accept_errors_total`)
	m.connectionsOpen = m.set.NewGauge(`itelexsrv_acceptor_connections_open`, func() float64 {
		return float64(tasks.Len())
	})
	return m
}

// New creates an Acceptor. Its metrics are registered under a private
// *metrics.Set; callers that expose a /metrics endpoint should register it
// with metrics.RegisterSet (or WritePrometheus it directly).
func New(cfg Config, st store.EntryStore, log zerolog.Logger) *Acceptor {
	a := &Acceptor{
		cfg:   cfg,
		store: st,
		log:   log,
		tasks: taskreg.New(),
	}
	a.metrics = newMetrics(a.tasks)
	return a
}

// Metrics returns the acceptor's private metric set, for registration with a
// process-wide metrics.Set or for direct scraping.
func (a *Acceptor) Metrics() *metrics.Set { return a.metrics.set }

// ConnectionCount reports the number of connections currently being served.
func (a *Acceptor) ConnectionCount() int { return a.tasks.Len() }

// Run binds the configured listeners and serves connections until ctx is
// canceled. It returns only after every listener has stopped (on cancel, or
// on an accept error of its own; one listener failing does not stop the
// other) and every in-flight connection has finished. The first accept
// error seen before cancellation is returned.
func (a *Acceptor) Run(ctx context.Context) error {
	if a.cfg.Addr4 == "" {
		return fmt.Errorf("acceptor: Addr4 is required")
	}

	ln4, err := net.Listen("tcp4", a.cfg.Addr4)
	if err != nil {
		return fmt.Errorf("listen v4: %w", err)
	}
	lns := []net.Listener{ln4}

	if a.cfg.Addr6 != "" {
		ln6, err := net.Listen("tcp6", a.cfg.Addr6)
		if err != nil {
			a.log.Warn().Err(err).Str("addr", a.cfg.Addr6).Msg("failed to bind IPv6 listener, continuing without it")
		} else {
			lns = append(lns, ln6)
		}
	}

	errch := make(chan error, len(lns))
	for _, ln := range lns {
		ln := ln
		go func() { errch <- a.acceptLoop(ctx, ln) }()
	}

	go func() {
		<-ctx.Done()
		for _, ln := range lns {
			ln.Close()
		}
	}()

	var firstErr error
	for range lns {
		if err := <-errch; err != nil && firstErr == nil && ctx.Err() == nil {
			firstErr = err
		}
	}

	a.tasks.Wait()
	return firstErr
}

func (a *Acceptor) acceptLoop(ctx context.Context, ln net.Listener) error {
	a.log.Info().Str("addr", ln.Addr().String()).Msg("listening")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			a.metrics.acceptErrorTotal.Inc()
			return fmt.Errorf("accept on %s: %w", ln.Addr(), err)
		}
		a.metrics.acceptedTotal.Inc()

		_, done := a.tasks.Start()
		go func() {
			defer done()
			c := connection.New(conn, a.store, a.cfg.Connection, a.log)
			if err := c.Serve(ctx); err != nil && !errors.Is(err, net.ErrClosed) {
				a.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection ended")
			}
		}()
	}
}
