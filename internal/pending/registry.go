// Package pending tracks orders the engine must not process twice at once:
// transactions waiting on extra payment steps, and tokens whose validation
// or completion is in flight.
package pending

import (
	"sort"
	"sync"

	"github.com/roach88/iapsync/internal/iap"
)

// Registry is keyed by iap.Order.Key (order id, falling back to the
// entitlement token).
//
// Thread-safety: all methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	pending map[string]iap.Order
	claimed map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		pending: map[string]iap.Order{},
		claimed: map[string]struct{}{},
	}
}

// AddPending stores a Pending order. Returns false when an entry with the
// same key already exists; the stored entry is left untouched.
func (r *Registry) AddPending(o iap.Order) bool {
	key := o.Key()
	if key == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.pending[key]; ok {
		return false
	}
	r.pending[key] = o
	return true
}

// ResolvePending removes and returns the pending entry for o, looked up by
// order id and then by entitlement token.
func (r *Registry) ResolvePending(o iap.Order) (iap.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range []string{o.OrderID, o.EntitlementToken} {
		if key == "" {
			continue
		}
		if prev, ok := r.pending[key]; ok {
			delete(r.pending, key)
			return prev, true
		}
	}
	return iap.Order{}, false
}

// IsPending reports whether key has a pending entry.
func (r *Registry) IsPending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[key]
	return ok
}

// Claim marks an entitlement token as being processed. Returns false if it
// is already claimed.
func (r *Registry) Claim(token string) bool {
	if token == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.claimed[token]; ok {
		return false
	}
	r.claimed[token] = struct{}{}
	return true
}

// Release drops a claim taken with Claim.
func (r *Registry) Release(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.claimed, token)
}

// Claimed reports whether token is currently claimed.
func (r *Registry) Claimed(token string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.claimed[token]
	return ok
}

// Snapshot returns the pending orders sorted by key.
func (r *Registry) Snapshot() []iap.Order {
	r.mu.Lock()
	out := make([]iap.Order, 0, len(r.pending))
	for _, o := range r.pending {
		out = append(out, o)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Len returns the number of pending orders.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear drops every pending entry and claim. Returns how many pending
// orders were held.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.pending)
	clear(r.pending)
	clear(r.claimed)
	return n
}
