package cache

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("cache",
	fx.Provide(NewStore),

	fx.Invoke(func(lc fx.Lifecycle, store Store) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return store.Close()
			},
		})
	}),
)
