package ipc

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("ipc-server",
	fx.Provide(NewServer),

	fx.Invoke(func(lc fx.Lifecycle, srv *Server) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return srv.Start()
			},
			OnStop: func(ctx context.Context) error {
				return srv.Stop(ctx)
			},
		})
	}),
)
