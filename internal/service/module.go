package service

import (
	"context"
	"log/slog"

	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/upstream"
	"github.com/webitel/socket-pool-service/internal/adapter/pubsub"
	"github.com/webitel/socket-pool-service/pkg/model"
	"go.uber.org/fx"
)

var Module = fx.Module("service",
	fx.Provide(
		NewInstance,
		model.NewStatsTable,

		func(cfg *config.Config, logger *slog.Logger) *upstream.Connector {
			return upstream.NewConnector(
				logger.With("component", "connector"),
				upstream.ConnectorParams{
					MaxRetries:  cfg.Pool.MaxRetries,
					DialTimeout: cfg.Pool.DialTimeout,
					IOTimeout:   cfg.Pool.IOTimeout,
				})
		},

		func(logger *slog.Logger) pubsub.MetricDispatcher {
			return pubsub.NewMetricDispatcher(logger.With("component", "metrics-bus"))
		},

		NewDispatcher,
	),

	fx.Invoke(func(lc fx.Lifecycle, metrics pubsub.MetricDispatcher) {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				return metrics.Close()
			},
		})
	}),
)
