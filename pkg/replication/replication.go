// Package replication implements the directory server's peer-to-peer
// synchronization: periodic disk flush, incremental push of changed
// entries, and periodic full pulls, per §4.4. Grounded on the teacher's
// ticker-driven reaper goroutine (pkg/atlas/server.go Server.Run: "tk :=
// time.NewTicker(...); select { case <-ctx.Done(): return; case <-tk.C: ...
// }"), generalized from one fixed task into three periodic workers plus a
// dynamic set of per-peer uploaders.
package replication

import (
	"context"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/rs/zerolog"

	"github.com/itelexsrv/itelexsrv/pkg/connection"
	"github.com/itelexsrv/itelexsrv/pkg/entry"
	"github.com/itelexsrv/itelexsrv/pkg/store"
)

// Config carries the replication engine's tunables, all sourced from the
// directory server's environment-driven configuration.
type Config struct {
	ChangedSyncInterval time.Duration
	DBSyncInterval      time.Duration
	FullQueryInterval   time.Duration
	ServerCooldown      time.Duration

	// ServerPIN authenticates outbound Login/FullQuery. Zero puts full-query
	// pulls in degraded mode (empty-pattern PeerSearch instead) and disables
	// push-changed uploaders entirely, since PushBatch requires a non-zero
	// pin.
	ServerPIN uint32

	Peers []Peer

	Connection connection.Config
}

// initial stagger delays for the three periodic workers, in the order
// flush-to-disk, push-changed, full-query, to avoid a thundering herd of
// peer connections on first start.
const (
	flushStagger     = 1 * time.Second
	pushStagger      = 3 * time.Second
	fullQueryStagger = 2 * time.Second
)

// Engine owns the replication workers for one directory server instance.
type Engine struct {
	cfg   Config
	store store.EntryStore
	log   zerolog.Logger

	metrics *engineMetrics
}

type engineMetrics struct {
	set               *metrics.Set
	flushTotal        *metrics.Counter
	pushBatchesTotal  *metrics.Counter
	pushEntriesTotal  *metrics.Counter
	pushRetriesTotal  *metrics.Counter
	fullQueryTotal    *metrics.Counter
	fullQueryFailures *metrics.Counter
	fullQueryDuration *metrics.Histogram
}

func newEngineMetrics() *engineMetrics {
	m := &engineMetrics{set: metrics.NewSet()}
	m.flushTotal = m.set.NewCounter(`itelexsrv_replication_flush_total`)
	m.pushBatchesTotal = m.set.NewCounter(`itelexsrv_replication_push_batches_total`)
	m.pushEntriesTotal = m.set.NewCounter(`itelexsrv_replication_push_entries_total`)
	m.pushRetriesTotal = m.set.NewCounter(`itelexsrv_replication_push_retries_total`)
	m.fullQueryTotal = m.set.NewCounter(`itelexsrv_replication_full_query_total`)
	m.fullQueryFailures = m.set.NewCounter(`itelexsrv_replication_full_query_failures_total`)
	m.fullQueryDuration = m.set.NewHistogram(`itelexsrv_replication_full_query_duration_seconds`)
	return m
}

// New creates an Engine. Its metrics are registered under a private
// *metrics.Set, returned by Metrics.
func New(cfg Config, st store.EntryStore, log zerolog.Logger) *Engine {
	return &Engine{cfg: cfg, store: st, log: log, metrics: newEngineMetrics()}
}

// Metrics returns the engine's private metric set.
func (e *Engine) Metrics() *metrics.Set { return e.metrics.set }

// Peers returns the engine's configured, DNS-resolved peer list.
func (e *Engine) Peers() []Peer { return e.cfg.Peers }

// Run starts all replication workers and blocks until ctx is canceled and
// every worker has returned.
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runFlushToDisk(ctx)
	}()

	queues := make([]*entryQueue, len(e.cfg.Peers))
	for i, p := range e.cfg.Peers {
		p := p
		q := newEntryQueue()
		queues[i] = q

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runUploader(ctx, p, q)
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			e.runFullQuery(ctx, p)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runPushChanged(ctx, queues)
	}()

	wg.Wait()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// runFlushToDisk invokes the store's sync every DBSyncInterval.
func (e *Engine) runFlushToDisk(ctx context.Context) {
	if !sleepOrDone(ctx, flushStagger) {
		return
	}
	t := time.NewTicker(e.cfg.DBSyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if err := e.store.SyncToDisk(); err != nil {
			e.log.Warn().Err(err).Msg("flush-to-disk failed")
			continue
		}
		e.metrics.flushTotal.Inc()
	}
}

// runPushChanged reads the changed set every ChangedSyncInterval and fans a
// cloned batch out to every peer's uploader queue.
func (e *Engine) runPushChanged(ctx context.Context, queues []*entryQueue) {
	if len(queues) == 0 || e.cfg.ServerPIN == 0 {
		return
	}
	if !sleepOrDone(ctx, pushStagger) {
		return
	}
	t := time.NewTicker(e.cfg.ChangedSyncInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		changed, err := e.store.GetChangedEntries()
		if err != nil {
			e.log.Warn().Err(err).Msg("push-changed: read changed set failed")
			continue
		}
		if len(changed) == 0 {
			continue
		}
		batch := make([]entry.Entry, len(changed))
		for i, en := range changed {
			batch[i] = en.Clone()
		}
		for _, q := range queues {
			q.push(batch)
		}
	}
}

// runUploader drains q as batches arrive, coalescing for 10ms, and pushes
// each coalesced batch to peer with indefinite retry on SERVER_COOLDOWN.
func (e *Engine) runUploader(ctx context.Context, peer Peer, q *entryQueue) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.notify:
		}

		t := time.NewTimer(10 * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}

		batch := q.takeAll()
		if len(batch) == 0 {
			continue
		}

		for {
			err := e.pushBatch(ctx, peer, batch)
			if err == nil {
				break
			}
			e.log.Warn().Err(err).Str("peer", peer.Host).Msg("push to peer failed, will retry")
			e.metrics.pushRetriesTotal.Inc()
			if !sleepOrDone(ctx, e.cfg.ServerCooldown) {
				return
			}
		}
	}
}

func (e *Engine) pushBatch(ctx context.Context, peer Peer, batch []entry.Entry) error {
	conn, err := connection.Dial(ctx, peer.Addr.String(), e.store, e.cfg.Connection, e.log)
	if err != nil {
		return err
	}
	if err := conn.PushBatch(batch, e.cfg.ServerPIN); err != nil {
		return err
	}
	// the batch reached the peer: clear Changed on every entry that has not
	// been modified locally since the batch was taken.
	for _, en := range batch {
		if cur, err := e.store.GetEntryByNumber(en.Number); err == nil && !cur.Timestamp.After(en.Timestamp) {
			e.store.ClearChanged(en.Number)
		}
	}
	e.metrics.pushBatchesTotal.Inc()
	e.metrics.pushEntriesTotal.Add(len(batch))
	return nil
}

// runFullQuery periodically pulls the peer's entire directory.
func (e *Engine) runFullQuery(ctx context.Context, peer Peer) {
	if !sleepOrDone(ctx, fullQueryStagger) {
		return
	}
	t := time.NewTicker(e.cfg.FullQueryInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		e.pullFull(ctx, peer)
	}
}

func (e *Engine) pullFull(ctx context.Context, peer Peer) {
	start := time.Now()
	conn, err := connection.Dial(ctx, peer.Addr.String(), e.store, e.cfg.Connection, e.log)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer.Host).Msg("full-query: dial failed")
		e.metrics.fullQueryFailures.Inc()
		return
	}
	err = conn.PullFull(e.cfg.ServerPIN)
	e.metrics.fullQueryDuration.UpdateDuration(start)
	if err != nil {
		e.log.Warn().Err(err).Str("peer", peer.Host).Msg("full-query failed")
		e.metrics.fullQueryFailures.Inc()
		return
	}
	e.metrics.fullQueryTotal.Inc()
}
