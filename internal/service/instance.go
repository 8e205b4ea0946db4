package service

import (
	"time"

	"github.com/google/uuid"
)

// Instance identifies one daemon process; the id lands in metrics and
// health output so concurrent instances are distinguishable.
type Instance struct {
	ID        string
	StartedAt time.Time
}

func NewInstance() Instance {
	return Instance{
		ID:        uuid.NewString(),
		StartedAt: time.Now(),
	}
}

func (i Instance) Uptime() time.Duration { return time.Since(i.StartedAt) }
