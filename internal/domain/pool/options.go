package pool

import (
	"log/slog"
	"time"
)

// Option configures the Registry.
type Option func(*Registry)

// WithMaxSize bounds how many connections the registry may hold.
func WithMaxSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.maxSize = n
		}
	}
}

// WithIdleTTL sets how long an unused connection may stay pooled before the
// cleanup task reclaims it.
func WithIdleTTL(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idleTTL = d
		}
	}
}

// WithLogger attaches the registry's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// IdleTTL reports the configured expiry window.
func (r *Registry) IdleTTL() time.Duration { return r.idleTTL }
