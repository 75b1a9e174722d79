package relay

import (
	"sync"
	"sync/atomic"

	"contactr/internal/platform/metrics"
)

// Registry is the live set of admitted connections. Writers serialize on a
// mutex and publish a fresh immutable snapshot; readers iterate the snapshot
// without locking, so a broadcast never blocks admission or close.
type Registry struct {
	mu       sync.Mutex
	byID     map[string]*Connection
	snapshot atomic.Pointer[[]*Connection]
	sealed   bool
	metrics  *metrics.Metrics
}

// NewRegistry creates an empty registry. m may be nil.
func NewRegistry(m *metrics.Metrics) *Registry {
	r := &Registry{
		byID:    make(map[string]*Connection),
		metrics: m,
	}
	empty := []*Connection{}
	r.snapshot.Store(&empty)
	return r
}

// Add inserts an open connection. It fails with ErrDraining once the registry
// has been sealed and with ErrConnectionClosed if c closed in the meantime.
func (r *Registry) Add(c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrDraining
	}
	if !c.IsOpen() {
		return ErrConnectionClosed
	}
	if _, exists := r.byID[c.id]; exists {
		return nil
	}
	r.byID[c.id] = c
	r.publishLocked()
	r.metrics.ConnectionOpened()
	return nil
}

// Remove deletes c and reports whether it was a member.
func (r *Registry) Remove(c *Connection) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[c.id]; !ok {
		return false
	}
	delete(r.byID, c.id)
	r.publishLocked()
	r.metrics.ConnectionClosed()
	return true
}

// Snapshot returns a point-in-time view of the members. The slice must not be
// modified.
func (r *Registry) Snapshot() []*Connection {
	return *r.snapshot.Load()
}

// Accepting reports whether Add can still succeed.
func (r *Registry) Accepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.sealed
}

// Len returns the current number of members.
func (r *Registry) Len() int {
	return len(r.Snapshot())
}

// Drain seals the registry against new members and closes every current one
// with code and reason. It returns once every close frame has been issued.
func (r *Registry) Drain(code int, reason string) int {
	r.mu.Lock()
	r.sealed = true
	members := *r.snapshot.Load()
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range members {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(c)
	}
	wg.Wait()
	return len(members)
}

func (r *Registry) publishLocked() {
	next := make([]*Connection, 0, len(r.byID))
	for _, c := range r.byID {
		next = append(next, c)
	}
	r.snapshot.Store(&next)
}
