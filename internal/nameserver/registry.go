package nameserver

import (
	"log/slog"
	"math/rand/v2"
	"sync"
)

// Registry is the name server's forwarding-pointer table. Per URI it keeps
// an ordered list of at most two active server addresses (the slot order is
// what gives replicas stable positions), plus the global set of every
// address still considered reachable.
//
// Readers (resolution, random lookup) take the read side of the lock;
// registration, pointer swaps and evictions take the write side.
type Registry struct {
	mu      sync.RWMutex
	known   map[string]struct{}
	actives map[string][]string
	log     *slog.Logger
}

// MaxActive is the number of active servers a URI can have at once; the
// second slot is the replica.
const MaxActive = 2

func NewRegistry() *Registry {
	return &Registry{
		known:   make(map[string]struct{}),
		actives: make(map[string][]string),
		log:     slog.With("component", "registry"),
	}
}

// Register records addr as known and promotes it to an active slot for uri
// when one is free. It reports whether the address became active.
//
// Registering the same address twice appends it twice; the registry keeps
// the historical behavior of not deduplicating active slots.
func (r *Registry) Register(uri, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.known[addr] = struct{}{}
	if len(r.actives[uri]) < MaxActive {
		r.actives[uri] = append(r.actives[uri], addr)
		return true
	}
	return false
}

// Closest resolves uri to the active address nearest to callerIP, or ""
// when the URI has no active servers. Candidates are shuffled before the
// distance scan so exact ties spread load between replicas.
func (r *Registry) Closest(callerIP, uri string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	servers := r.actives[uri]
	if len(servers) == 0 {
		return ""
	}
	shuffled := make([]string, len(servers))
	copy(shuffled, servers)
	rand.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	return findClosestIP(callerIP, shuffled)
}

// Random returns any known address that is not active for uri, or "" when
// every known address is already serving it.
func (r *Registry) Random(uri string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	active := make(map[string]struct{}, MaxActive)
	for _, a := range r.actives[uri] {
		active[a] = struct{}{}
	}
	candidates := make([]string, 0, len(r.known))
	for addr := range r.known {
		if _, ok := active[addr]; !ok && addr != "" {
			candidates = append(candidates, addr)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	return candidates[rand.IntN(len(candidates))]
}

// SetCurrent replaces oldAddr with newAddr in uri's active list, keeping
// the slot position. A missing oldAddr is logged and left alone.
func (r *Registry) SetCurrent(uri, newAddr, oldAddr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, a := range r.actives[uri] {
		if a == oldAddr {
			r.actives[uri][i] = newAddr
			r.known[newAddr] = struct{}{}
			r.log.Debug("active server swapped", "uri", uri, "old", oldAddr, "new", newAddr)
			return
		}
	}
	r.log.Error("stale pointer swap ignored",
		"uri", uri, "old", oldAddr, "new", newAddr)
}

// Replica returns an active address for uri other than myAddr, or "" when
// the asking server has no peer yet.
func (r *Registry) Replica(uri, myAddr string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.actives[uri] {
		if a != myAddr {
			return a
		}
	}
	return ""
}

// Evict drops addr from uri's active list and from the known set. Called
// when the liveness probe for the address disconnects.
func (r *Registry) Evict(uri, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	actives := r.actives[uri]
	for i := 0; i < len(actives); {
		if actives[i] == addr {
			actives = append(actives[:i], actives[i+1:]...)
		} else {
			i++
		}
	}
	r.actives[uri] = actives
	delete(r.known, addr)
}

// Actives returns a copy of uri's active list.
func (r *Registry) Actives(uri string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.actives[uri]))
	copy(out, r.actives[uri])
	return out
}

// Known reports whether addr is still in the known set.
func (r *Registry) Known(addr string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.known[addr]
	return ok
}
