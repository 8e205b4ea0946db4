package pool

import (
	"time"

	"github.com/google/uuid"
	"github.com/webitel/socket-pool-service/infra/upstream"
)

// Entry binds one upstream socket to its lifecycle metadata. The registry
// owns every entry; a leased entry is borrowed by exactly one in-flight
// request and returned through Release.
type Entry struct {
	ID         uuid.UUID
	Conn       *upstream.Conn
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount uint64

	// leased marks the entry as borrowed; guarded by the registry mutex.
	leased bool
	// pooled is false for overflow entries handed out when no eviction
	// victim was available; they are closed on release instead of
	// returning to the registry.
	pooled bool
}

func newEntry(conn *upstream.Conn, now time.Time) *Entry {
	return &Entry{
		ID:         uuid.New(),
		Conn:       conn,
		CreatedAt:  now,
		LastUsedAt: now,
		UsageCount: 1,
		leased:     true,
		pooled:     true,
	}
}

// Pooled reports whether the entry lives in the registry.
func (e *Entry) Pooled() bool { return e.pooled }
