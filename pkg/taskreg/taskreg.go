// Package taskreg tracks the set of currently running connection-serving
// goroutines so the acceptor can wait for them to drain on shutdown, the
// same join-on-shutdown role the teacher's Server.Run fills for its
// *http.Server instances (pkg/atlas/server.go), generalized from a fixed
// slice of listeners to a dynamic set of per-connection tasks.
package taskreg

import "sync"

// Registry is a concurrent set of running tasks, each identified by a
// monotonically increasing id.
type Registry struct {
	mu   sync.Mutex
	next uint64
	live map[uint64]struct{}
	wg   sync.WaitGroup
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{live: make(map[uint64]struct{})}
}

// Start registers a new task and returns its id and a done func the caller
// must invoke exactly once when the task finishes.
func (r *Registry) Start() (id uint64, done func()) {
	r.mu.Lock()
	id = r.next
	r.next++
	r.live[id] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	var once sync.Once
	return id, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.live, id)
			r.mu.Unlock()
			r.wg.Done()
		})
	}
}

// Len reports the number of currently running tasks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// Wait blocks until every task started before the call to Wait has called
// its done func. Tasks started concurrently with Wait may or may not be
// waited on.
func (r *Registry) Wait() {
	r.wg.Wait()
}
