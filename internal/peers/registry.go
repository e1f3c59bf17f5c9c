// Package peers tracks the nodes this node exchanges chains and blocks with,
// and handles the outbound side of that exchange: fetching peer chains and
// announcing freshly mined blocks.
package peers

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Registry is a thread-safe set of normalised peer addresses. The node's own
// address is never stored.
type Registry struct {
	mu       sync.RWMutex
	peers    map[string]time.Time // address -> first seen
	failures map[string]int       // consecutive failed fetches
	self     string

	// maxFailures is how many consecutive failed fetches evict a peer. 0
	// never evicts.
	maxFailures int

	logger *zap.Logger
}

// NewRegistry creates an empty Registry. self is the node's own advertised
// address; it may be empty.
func NewRegistry(self string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if n, err := NormalizeAddress(self); err == nil {
		self = n
	}
	return &Registry{
		peers:    make(map[string]time.Time),
		failures: make(map[string]int),
		self:     self,
		logger:   logger,
	}
}

// Add normalises addr and stores it. It reports whether the peer is new.
func (r *Registry) Add(addr string) (bool, error) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return false, err
	}
	if n == r.self {
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[n]; ok {
		return false, nil
	}
	r.peers[n] = time.Now().UTC()
	r.logger.Info("peer added", zap.String("peer", n))
	return true, nil
}

// Merge adds every valid address in addrs and returns how many were new.
// Invalid addresses are logged and skipped.
func (r *Registry) Merge(addrs []string) int {
	added := 0
	for _, a := range addrs {
		ok, err := r.Add(a)
		if err != nil {
			r.logger.Warn("skipping invalid peer address", zap.String("peer", a), zap.Error(err))
			continue
		}
		if ok {
			added++
		}
	}
	return added
}

// SetMaxFailures sets how many consecutive failed fetches evict a peer.
// 0 disables eviction.
func (r *Registry) SetMaxFailures(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxFailures = n
}

// ObserveFetch records the outcome of fetching addr's chain. A success resets
// the peer's failure count; the maxFailures-th consecutive failure removes
// the peer. It reports whether the peer was removed. A removed peer comes
// back when it registers again.
func (r *Registry) ObserveFetch(addr string, err error) bool {
	n, nerr := NormalizeAddress(addr)
	if nerr != nil {
		return false
	}
	if err == nil {
		r.mu.Lock()
		delete(r.failures, n)
		r.mu.Unlock()
		return false
	}
	if !r.Contains(n) {
		return false
	}

	r.mu.Lock()
	r.failures[n]++
	count, limit := r.failures[n], r.maxFailures
	r.mu.Unlock()
	if limit <= 0 || count < limit {
		return false
	}

	r.Remove(n)
	r.logger.Warn("peer removed after repeated fetch failures",
		zap.String("peer", n),
		zap.Int("failures", count),
		zap.Error(err),
	)
	return true
}

// Remove deletes addr and its failure count from the registry.
func (r *Registry) Remove(addr string) {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, n)
	delete(r.failures, n)
}

// Contains reports whether addr is registered.
func (r *Registry) Contains(addr string) bool {
	n, err := NormalizeAddress(addr)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.peers[n]
	return ok
}

// List returns the registered addresses in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Self returns the node's own normalised address.
func (r *Registry) Self() string {
	return r.self
}
