package maintenance

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/cache"
	"github.com/webitel/socket-pool-service/internal/adapter/pubsub"
	"github.com/webitel/socket-pool-service/internal/domain/pool"
	"github.com/webitel/socket-pool-service/internal/service"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Runner drives the periodic daemon chores: idle-connection cleanup, metric
// snapshots and the health self-check. Each task runs on its own ticker in
// its own goroutine, so one slow tick never re-enters or starves another.
type Runner struct {
	cfg        *config.Config
	keeper     pool.Keeper
	dispatcher service.Dispatcher
	store      cache.Store
	metrics    pubsub.MetricDispatcher
	instance   service.Instance
	logger     *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(
	cfg *config.Config,
	keeper pool.Keeper,
	dispatcher service.Dispatcher,
	store cache.Store,
	metrics pubsub.MetricDispatcher,
	instance service.Instance,
	logger *slog.Logger,
) *Runner {
	return &Runner{
		cfg:        cfg,
		keeper:     keeper,
		dispatcher: dispatcher,
		store:      store,
		metrics:    metrics,
		instance:   instance,
		logger:     logger,
	}
}

func (r *Runner) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel

	r.spawn(ctx, "cleanup", r.cfg.Pool.CleanupEvery, r.cleanupTick)
	r.spawn(ctx, "metrics", r.cfg.Metrics.Interval, r.metricsTick)
	r.spawn(ctx, "health", r.cfg.Health.Interval, r.healthTick)

	r.wg.Add(1)
	go r.forwardMetrics(ctx)
	return nil
}

func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) spawn(ctx context.Context, name string, every time.Duration, tick func(context.Context)) {
	if every <= 0 {
		r.logger.Warn("maintenance task disabled", "task", name)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tick(ctx)
			}
		}
	}()
}

func (r *Runner) cleanupTick(context.Context) {
	r.keeper.EvictExpired(time.Now(), r.cfg.Pool.IdleTTL)
}

// metricsTick publishes the pool gauges on the bus and, when the external
// cache is up, a keyed snapshot with a bounded lifetime.
func (r *Runner) metricsTick(ctx context.Context) {
	if !r.cfg.Metrics.Enabled {
		return
	}
	snap := r.keeper.Snapshot()

	r.metrics.Emit(model.MetricRecord{
		MetricName: "pool_size",
		Value:      float64(snap.Size),
		Timestamp:  time.Now().Unix(),
		InstanceID: r.instance.ID,
	})

	if !r.store.Enabled() {
		return
	}
	payload := map[string]any{
		"pool_size":          snap.Size,
		"max_pool_size":      snap.MaxSize,
		"active_connections": len(snap.Keys),
		"uptime_s":           int64(r.instance.Uptime().Seconds()),
		"timestamp":          time.Now().Unix(),
	}
	key := r.cfg.Metrics.ListKey + ":" + r.instance.ID
	if err := r.store.SetSnapshot(ctx, key, payload, r.cfg.Metrics.SnapshotTTL); err != nil {
		r.logger.Warn("metrics snapshot publish failed", "error", err)
	}
}

func (r *Runner) healthTick(ctx context.Context) {
	res := r.dispatcher.Health(ctx)
	if res.Status != model.HealthHealthy {
		r.logger.Warn("health self-check", "status", string(res.Status), "checks", res.Checks)
	}
}

// forwardMetrics drains the in-process bus into the external cache. Publish
// failures are logged and never propagate back to the request path.
func (r *Runner) forwardMetrics(ctx context.Context) {
	defer r.wg.Done()

	msgs, err := r.metrics.Subscribe(ctx)
	if err != nil {
		r.logger.Warn("metric bus subscribe failed", "error", err)
		return
	}

	for msg := range msgs {
		var rec model.MetricRecord
		if err := json.Unmarshal(msg.Payload, &rec); err != nil {
			r.logger.Warn("metric record decode failed", "error", err)
			msg.Ack()
			continue
		}
		if r.store.Enabled() {
			if err := r.store.PushMetric(ctx, r.cfg.Metrics.ListKey, r.cfg.Metrics.ListLimit, rec); err != nil {
				r.logger.Warn("metric forward failed", "metric", rec.MetricName, "error", err)
			}
		}
		msg.Ack()
	}
}
