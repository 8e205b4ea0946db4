package pool

import (
	"context"
	"log/slog"

	"github.com/webitel/socket-pool-service/config"
	"go.uber.org/fx"
)

var Module = fx.Module("pool",
	fx.Provide(
		func(cfg *config.Config, logger *slog.Logger) *Registry {
			return NewRegistry(
				WithMaxSize(cfg.Pool.MaxSize),
				WithIdleTTL(cfg.Pool.IdleTTL),
				WithLogger(logger.With("component", "pool")),
			)
		},
		fx.Annotate(
			func(r *Registry) Keeper { return r },
			fx.As(new(Keeper)),
		),
	),

	// Close every pooled socket on shutdown, after the IPC server has
	// drained its in-flight handlers.
	fx.Invoke(func(lc fx.Lifecycle, r *Registry) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				r.Shutdown()
				return nil
			},
		})
	}),
)
