package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/socket-pool-service/pkg/model"
)

// WithLogging wraps a dispatcher with request logging. Wired in through
// fx.Decorate at the app root so every consumer sees the decorated one.
func WithLogging(next Dispatcher, logger *slog.Logger) Dispatcher {
	return &dispatcherMiddleware{
		next:   next,
		logger: logger.With("component", "dispatcher"),
	}
}

type dispatcherMiddleware struct {
	next   Dispatcher
	logger *slog.Logger
}

func (m *dispatcherMiddleware) Dispatch(ctx context.Context, req *model.Request) model.Responder {
	started := time.Now()
	res := m.next.Dispatch(ctx, req)
	took := time.Since(started)

	attrs := []any{
		"action", string(req.Action),
		"took", took,
	}
	if req.Host != "" {
		attrs = append(attrs, "endpoint", req.Host)
	}

	if env, ok := res.(interface{ Failed() (bool, string) }); ok {
		if failed, msg := env.Failed(); failed {
			m.logger.Warn("request failed", append(attrs, "error", msg)...)
			return res
		}
	}
	m.logger.Debug("request handled", attrs...)
	return res
}

func (m *dispatcherMiddleware) Health(ctx context.Context) *model.HealthResult {
	return m.next.Health(ctx)
}

func (m *dispatcherMiddleware) LastHealth() *model.HealthResult {
	return m.next.LastHealth()
}
