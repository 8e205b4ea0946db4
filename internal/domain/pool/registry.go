// Package pool holds the bounded keyed registry of upstream TCP
// connections. Entries are leased to one request at a time; reclamation is
// LRU on overflow and TTL-based for idle sockets.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/socket-pool-service/infra/upstream"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Snapshot is a point-in-time view of the registry without the sockets.
type Snapshot struct {
	Size    int      `json:"size"`
	MaxSize int      `json:"max_size"`
	Keys    []string `json:"keys"`
}

// Keeper is the registry contract consumed by the dispatcher and the
// maintenance runner.
type Keeper interface {
	Acquire(ep model.Endpoint) (*Entry, bool)
	Insert(ep model.Endpoint, conn *upstream.Conn) *Entry
	Release(e *Entry, ep model.Endpoint)
	Discard(e *Entry, ep model.Endpoint)
	Drop(ep model.Endpoint) bool
	EvictExpired(now time.Time, ttl time.Duration) int
	Snapshot() Snapshot
	Shutdown()
}

// Registry is a bounded keyed container of upstream connections with LRU
// eviction. All registry state is guarded by one mutex; sockets themselves
// are only touched by the single request holding the lease.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry

	maxSize int
	idleTTL time.Duration
	logger  *slog.Logger
}

var _ Keeper = (*Registry)(nil)

// NewRegistry builds an empty registry with functional options applied over
// the defaults.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Entry),
		maxSize: 100,
		idleTTL: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Acquire leases the entry for ep when one exists and still looks alive.
// The liveness probe is the cheap readiness check; a stale socket is torn
// down here and reported as a miss so the caller dials a fresh one. An
// entry already leased to another request is also a miss: the caller gets
// its own connection rather than waiting on the holder.
func (r *Registry) Acquire(ep model.Endpoint) (*Entry, bool) {
	key := ep.String()

	r.mu.Lock()
	e, ok := r.entries[key]
	if !ok || e.leased {
		r.mu.Unlock()
		return nil, false
	}
	// Mark leased before probing so no one else can grab the socket while
	// we look at it.
	e.leased = true
	r.mu.Unlock()

	if !e.Conn.Alive() {
		r.mu.Lock()
		if r.entries[key] == e {
			delete(r.entries, key)
		}
		r.mu.Unlock()
		e.Conn.Close()
		r.logger.Debug("pooled connection dead, evicted",
			"endpoint", key, "conn_id", e.ID)
		return nil, false
	}

	r.mu.Lock()
	e.LastUsedAt = time.Now()
	e.UsageCount++
	r.mu.Unlock()
	return e, true
}

// Insert registers a freshly connected socket and returns it already
// leased. When the registry is full, exactly one LRU victim is evicted
// first; if every resident entry is currently leased the new connection is
// handed out unpooled so the size bound still holds.
func (r *Registry) Insert(ep model.Endpoint, conn *upstream.Conn) *Entry {
	key := ep.String()
	now := time.Now()
	e := newEntry(conn, now)

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.entries[key]; ok {
		// Replace a stale resident for the same endpoint. A leased old
		// entry is orphaned: its holder closes it on release.
		delete(r.entries, key)
		if !old.leased {
			old.Conn.Close()
		}
	}

	if len(r.entries) >= r.maxSize {
		if !r.evictOldestLocked() {
			e.pooled = false
			r.logger.Warn("pool full with all entries in flight, handing out unpooled connection",
				"endpoint", key, "max_size", r.maxSize)
			return e
		}
	}

	r.entries[key] = e
	r.logger.Debug("connection pooled",
		"endpoint", key, "conn_id", e.ID, "pool_size", len(r.entries))
	return e
}

// Release returns a leased entry to the registry. Entries that were
// orphaned or handed out unpooled are closed instead.
func (r *Registry) Release(e *Entry, ep model.Endpoint) {
	key := ep.String()

	r.mu.Lock()
	resident := r.entries[key] == e
	if resident {
		e.leased = false
		e.LastUsedAt = time.Now()
	}
	r.mu.Unlock()

	if !resident {
		e.Conn.Close()
	}
}

// Discard removes and closes a leased entry whose socket failed mid-request.
func (r *Registry) Discard(e *Entry, ep model.Endpoint) {
	key := ep.String()

	r.mu.Lock()
	if r.entries[key] == e {
		delete(r.entries, key)
	}
	r.mu.Unlock()

	e.Conn.Close()
}

// Drop tears down the entry for ep if present. Idempotent. A leased entry
// is detached from the registry; its holder closes the socket on release.
func (r *Registry) Drop(ep model.Endpoint) bool {
	key := ep.String()

	r.mu.Lock()
	e, ok := r.entries[key]
	leased := false
	if ok {
		delete(r.entries, key)
		leased = e.leased
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	if !leased {
		e.Conn.Close()
	}
	r.logger.Debug("connection dropped", "endpoint", key, "conn_id", e.ID)
	return true
}

// EvictExpired removes idle entries whose last use is older than ttl and
// returns how many were reclaimed. Leased entries are in active use and are
// skipped.
func (r *Registry) EvictExpired(now time.Time, ttl time.Duration) int {
	var victims []*Entry

	r.mu.Lock()
	for key, e := range r.entries {
		if e.leased {
			continue
		}
		if now.Sub(e.LastUsedAt) > ttl {
			delete(r.entries, key)
			victims = append(victims, e)
		}
	}
	remaining := len(r.entries)
	r.mu.Unlock()

	for _, e := range victims {
		e.Conn.Close()
	}
	if len(victims) > 0 {
		r.logger.Info("expired connections evicted",
			"count", len(victims), "pool_size", remaining)
	}
	return len(victims)
}

// evictOldestLocked removes the least recently used unleased entry. Ties on
// the timestamp break on the key so the choice is deterministic.
func (r *Registry) evictOldestLocked() bool {
	var victimKey string
	var victim *Entry

	for key, e := range r.entries {
		if e.leased {
			continue
		}
		if victim == nil ||
			e.LastUsedAt.Before(victim.LastUsedAt) ||
			(e.LastUsedAt.Equal(victim.LastUsedAt) && key < victimKey) {
			victim, victimKey = e, key
		}
	}
	if victim == nil {
		return false
	}

	delete(r.entries, victimKey)
	victim.Conn.Close()
	r.logger.Debug("LRU eviction", "endpoint", victimKey, "conn_id", victim.ID)
	return true
}

// Snapshot reports size and resident keys without copying sockets.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	return Snapshot{Size: len(r.entries), MaxSize: r.maxSize, Keys: keys}
}

// Shutdown closes every resident socket. Leased entries are orphaned and
// closed by their holders.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	var victims []*Entry
	for _, e := range r.entries {
		if !e.leased {
			victims = append(victims, e)
		}
	}
	count := len(r.entries)
	r.entries = make(map[string]*Entry)
	r.mu.Unlock()

	for _, e := range victims {
		e.Conn.Close()
	}
	r.logger.Info("pool shut down", "entries", count, "closed", len(victims))
}
