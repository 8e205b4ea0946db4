package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// breakerGroup keeps one circuit breaker per upstream endpoint. A breaker
// opens after threshold consecutive failures, stays open for the cooldown
// window, then admits a single half-open probe.
type breakerGroup struct {
	mu        sync.Mutex
	breakers  map[string]*gobreaker.CircuitBreaker
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
}

func newBreakerGroup(threshold int, cooldown time.Duration, logger *slog.Logger) *breakerGroup {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &breakerGroup{
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

func (g *breakerGroup) execute(host string, port int, fn func() error) error {
	_, err := g.forEndpoint(host, port).Execute(func() (any, error) {
		return nil, fn()
	})
	return err
}

func (g *breakerGroup) forEndpoint(host string, port int) *gobreaker.CircuitBreaker {
	key := model.Endpoint{Host: host, Port: uint16(port)}.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}

	threshold := uint32(g.threshold)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1, // one half-open probe
		Timeout:     g.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Info("circuit breaker state change",
				"endpoint", name, "from", from.String(), "to", to.String())
		},
	})
	g.breakers[key] = cb
	return cb
}
