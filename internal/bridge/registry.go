package bridge

import "sync"

// Registry tracks every known bridge, guarded by a read-mostly lock as
// described in spec §5 ("Global state is limited to the bridge registry
// (guarded by a read-mostly lock)").
type Registry struct {
	mu       sync.RWMutex
	bridges  map[string]*Bridge
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{bridges: make(map[string]*Bridge)}
}

// Register adds or replaces a bridge.
func (r *Registry) Register(b *Bridge) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bridges[b.ID] = b
}

// Unregister removes a bridge entirely (e.g. it disconnected).
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bridges, id)
}

// Get returns the bridge with the given id.
func (r *Registry) Get(id string) (*Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bridges[id]
	return b, ok
}

// All returns a snapshot slice of every known bridge.
func (r *Registry) All() []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, b)
	}
	return out
}

// InRegion returns every operational, non-overloaded bridge in the given
// region.
func (r *Registry) InRegion(region string, stressThreshold int32) []*Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Bridge
	for _, b := range r.bridges {
		if b.Region == region && !b.Overloaded(stressThreshold) {
			out = append(out, b)
		}
	}
	return out
}

// MarkNonOperational marks a bridge down immediately, used on an
// unambiguous bridge-operational error (§4.4 BridgeFailed/§7).
func (r *Registry) MarkNonOperational(id string) {
	r.mu.RLock()
	b, ok := r.bridges[id]
	r.mu.RUnlock()
	if ok {
		b.MarkNonOperationalImmediately()
	}
}

// Stats is a point-in-time snapshot of the registry, exposed for
// diagnostics and for the drain/selection decision counters.
type Stats struct {
	Total        int
	Operational  int
	Draining     int
}

// Snapshot returns aggregate registry statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Total: len(r.bridges)}
	for _, b := range r.bridges {
		if b.Operational() {
			s.Operational++
		}
		if b.Draining() {
			s.Draining++
		}
	}
	return s
}
