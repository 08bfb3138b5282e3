package relay

import "sync"

// Registry is an insertion-ordered set of peers guarded by a single mutex.
//
// Broadcast holds the mutex for the whole fan-out, which makes every
// broadcast see one consistent membership and serialises all sends to a given
// peer.
type Registry[K comparable] struct {
	limit int

	mu    sync.Mutex
	order []K
	index map[K]struct{}
}

// BroadcastFailure pairs a peer with the error its send returned.
type BroadcastFailure[K comparable] struct {
	Peer K
	Err  error
}

// NewRegistry returns an empty registry. limit caps the number of entries;
// 0 means unlimited.
func NewRegistry[K comparable](limit int) *Registry[K] {
	if limit < 0 {
		limit = 0
	}
	return &Registry[K]{
		limit: limit,
		index: make(map[K]struct{}),
	}
}

func (r *Registry[K]) Register(peer K) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[peer]; ok {
		return ErrPeerExists
	}
	if r.limit > 0 && len(r.order) >= r.limit {
		return ErrRegistryFull
	}
	r.index[peer] = struct{}{}
	r.order = append(r.order, peer)
	return nil
}

// Unregister removes peer and reports whether it was present.
func (r *Registry[K]) Unregister(peer K) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index[peer]; !ok {
		return false
	}
	delete(r.index, peer)
	for i, p := range r.order {
		if p == peer {
			copy(r.order[i:], r.order[i+1:])
			var zero K
			r.order[len(r.order)-1] = zero
			r.order = r.order[:len(r.order)-1]
			break
		}
	}
	return true
}

func (r *Registry[K]) Contains(peer K) bool {
	r.mu.Lock()
	_, ok := r.index[peer]
	r.mu.Unlock()
	return ok
}

func (r *Registry[K]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.order)
}

// Snapshot returns the current members in registration order.
func (r *Registry[K]) Snapshot() []K {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]K, len(r.order))
	copy(out, r.order)
	return out
}

// Broadcast calls send for every registered peer except from. A failed send
// does not stop the fan-out; failures are returned to the caller.
//
// send runs with the registry lock held and must not call back into the
// registry.
func (r *Registry[K]) Broadcast(from K, send func(K) error) (delivered int, failures []BroadcastFailure[K]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.order {
		if p == from {
			continue
		}
		if err := send(p); err != nil {
			failures = append(failures, BroadcastFailure[K]{Peer: p, Err: err})
			continue
		}
		delivered++
	}
	return delivered, failures
}
