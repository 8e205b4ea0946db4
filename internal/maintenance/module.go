package maintenance

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("maintenance",
	fx.Provide(NewRunner),

	fx.Invoke(func(lc fx.Lifecycle, r *Runner) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return r.Start()
			},
			OnStop: func(ctx context.Context) error {
				return r.Stop(ctx)
			},
		})
	}),
)
