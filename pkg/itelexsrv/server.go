// Package itelexsrv wires together the store, acceptor, and replication
// engine into one directory server process, grounded on the teacher's
// Server/NewServer/Run split (pkg/atlas/server.go) — config validation and
// collaborator construction in NewServer, listener/worker lifecycle in Run.
package itelexsrv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/acceptor"
	"github.com/itelexsrv/itelexsrv/pkg/admin"
	"github.com/itelexsrv/itelexsrv/pkg/connection"
	"github.com/itelexsrv/itelexsrv/pkg/replication"
	"github.com/itelexsrv/itelexsrv/pkg/store"
	"github.com/itelexsrv/itelexsrv/pkg/store/memstore"
	"github.com/itelexsrv/itelexsrv/pkg/store/pgstore"
	"github.com/itelexsrv/itelexsrv/pkg/store/sqlitestore"
)

// Server owns one directory server instance: its store, acceptor, and
// replication engine.
type Server struct {
	Logger zerolog.Logger

	store      store.EntryStore
	storeClose func() error

	acceptor *acceptor.Acceptor
	engine   *replication.Engine

	adminAddr string
}

// NewServer builds a Server from c, which is assumed already populated (by
// UnmarshalEnv or equivalent) with default or configured values. It opens
// the store and resolves peer DNS, but does not yet bind any listener —
// that happens in Run.
func NewServer(c *Config, log zerolog.Logger) (srv *Server, err error) {
	var s Server
	s.Logger = log
	s.adminAddr = c.AdminAddr

	var success bool
	defer func() {
		if !success && s.storeClose != nil {
			s.storeClose()
		}
	}()

	st, closeFn, err := openStore(c.DBPath, c.DBPathTemp)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	s.store = st
	s.storeClose = closeFn

	peers, err := replication.ResolvePeers(c.Servers, c.ServerPort)
	if err != nil {
		return nil, fmt.Errorf("resolve peers: %w", err)
	}

	connCfg := connection.Config{
		ClientTimeout: c.ClientTimeout,
		ServerPIN:     c.ServerPIN,
	}

	s.acceptor = acceptor.New(acceptor.Config{
		Addr4:      net.JoinHostPort("0.0.0.0", strconv.Itoa(int(c.ServerPort))),
		Addr6:      net.JoinHostPort("::", strconv.Itoa(int(c.ServerPort))),
		Connection: connCfg,
	}, st, log)

	s.engine = replication.New(replication.Config{
		ChangedSyncInterval: c.ChangedSyncInterval,
		DBSyncInterval:      c.DBSyncInterval,
		FullQueryInterval:   c.FullQueryInterval,
		ServerCooldown:      c.ServerCooldown,
		ServerPIN:           c.ServerPIN,
		Peers:               peers,
		Connection:          connCfg,
	}, st, log)

	success = true
	return &s, nil
}

// openStore selects a store.EntryStore backend from dbPath: a postgres(ql)://
// URL opens pgstore, a file:// URL opens a JSON-snapshotted memstore
// (persisted to dbPathTemp then renamed over the file:// target), an empty
// path falls back to a pure in-memory store (ephemeral — intended for tests
// and throwaway/dev deployments, not production), and anything else opens
// sqlitestore.
func openStore(dbPath, dbPathTemp string) (store.EntryStore, func() error, error) {
	switch {
	case dbPath == "":
		return memstore.New(), func() error { return nil }, nil
	case strings.HasPrefix(dbPath, "postgres://") || strings.HasPrefix(dbPath, "postgresql://"):
		s, err := pgstore.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case strings.HasPrefix(dbPath, "file://"):
		s, err := memstore.OpenSnapshot(strings.TrimPrefix(dbPath, "file://"), dbPathTemp)
		if err != nil {
			return nil, nil, err
		}
		return s, func() error { return nil }, nil
	default:
		s, err := sqlitestore.Open(dbPath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
}

// Store returns the server's entry store, for admin/inspection use.
func (s *Server) Store() store.EntryStore { return s.store }

// Run starts the acceptor and replication engine and blocks until ctx is
// canceled, then flushes the store once more before returning. Per §4.5:
// cancel acceptor, fan cancellation to background tasks, join all
// connection tasks, flush store, exit.
func (s *Server) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	var acceptErr error

	wg.Add(1)
	go func() {
		defer wg.Done()
		acceptErr = s.acceptor.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.engine.Run(ctx)
	}()

	if s.adminAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.runAdmin(ctx)
		}()
	}

	wg.Wait()

	if err := s.store.SyncToDisk(); err != nil {
		s.Logger.Warn().Err(err).Msg("final flush-to-disk failed")
	}
	if s.storeClose != nil {
		if err := s.storeClose(); err != nil {
			s.Logger.Warn().Err(err).Msg("closing store failed")
		}
	}
	return acceptErr
}

// statusAdapter bridges the acceptor and replication engine to
// admin.StatusProvider.
type statusAdapter struct {
	acceptor *acceptor.Acceptor
	engine   *replication.Engine
}

func (a statusAdapter) ConnectionCount() int { return a.acceptor.ConnectionCount() }

func (a statusAdapter) PeerStates() []admin.PeerState {
	peers := a.engine.Peers()
	out := make([]admin.PeerState, len(peers))
	for i, p := range peers {
		out[i] = admin.PeerState{Host: p.Host}
	}
	return out
}

// runAdmin serves the admin HTTP surface until ctx is canceled.
func (s *Server) runAdmin(ctx context.Context) {
	h := admin.NewHandler(s.store, statusAdapter{s.acceptor, s.engine}, s.acceptor.Metrics(), s.engine.Metrics())
	srv := &http.Server{Addr: s.adminAddr, Handler: h.Mux()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.Logger.Warn().Err(err).Msg("admin server failed")
	}
}
