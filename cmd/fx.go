package cmd

import (
	"log/slog"

	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/cache"
	"github.com/webitel/socket-pool-service/infra/server/debug"
	"github.com/webitel/socket-pool-service/internal/domain/pool"
	"github.com/webitel/socket-pool-service/internal/handler/ipc"
	"github.com/webitel/socket-pool-service/internal/maintenance"
	"github.com/webitel/socket-pool-service/internal/service"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
)

// NewApp assembles the daemon's dependency graph. Module order mirrors the
// data flow: cache and pool below, the dispatcher on top of them, then the
// IPC surface and the background chores.
func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			config.ProvideLogger,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With("component", "fx")}
		}),

		// Intercept the dispatcher to add request logging for every
		// consumer (IPC server, debug HTTP, maintenance).
		fx.Decorate(service.WithLogging),

		cache.Module,
		pool.Module,
		service.Module,
		ipc.Module,
		maintenance.Module,
		debug.Module,
	)
}
