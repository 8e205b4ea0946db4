package service

import (
	"context"
	"encoding/hex"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/cache"
	"github.com/webitel/socket-pool-service/infra/upstream"
	"github.com/webitel/socket-pool-service/internal/adapter/pubsub"
	"github.com/webitel/socket-pool-service/internal/domain/pool"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Dispatcher executes one decoded IPC request against the pool and returns
// the response payload. Implementations never panic across this boundary;
// failures come back as error envelopes.
type Dispatcher interface {
	Dispatch(ctx context.Context, req *model.Request) model.Responder
	Health(ctx context.Context) *model.HealthResult
	LastHealth() *model.HealthResult
}

type dispatcher struct {
	pool      pool.Keeper
	connector *upstream.Connector
	stats     *model.StatsTable
	store     cache.Store
	metrics   pubsub.MetricDispatcher
	cfg       *config.Config
	instance  Instance
	logger    *slog.Logger

	healthMu   sync.RWMutex
	lastHealth *model.HealthResult
}

func NewDispatcher(
	keeper pool.Keeper,
	connector *upstream.Connector,
	stats *model.StatsTable,
	store cache.Store,
	metrics pubsub.MetricDispatcher,
	cfg *config.Config,
	instance Instance,
	logger *slog.Logger,
) Dispatcher {
	return &dispatcher{
		pool:      keeper,
		connector: connector,
		stats:     stats,
		store:     store,
		metrics:   metrics,
		cfg:       cfg,
		instance:  instance,
		logger:    logger,
	}
}

// Dispatch matches on the request tag. Validation runs first so every
// branch can assume its required fields.
func (d *dispatcher) Dispatch(ctx context.Context, req *model.Request) model.Responder {
	if err := req.Validate(); err != nil {
		return model.Fail(err)
	}

	switch req.Action {
	case model.ActionSendGPS:
		return d.sendGPS(ctx, req)
	case model.ActionGetStats:
		return d.getStats()
	case model.ActionGetMetrics:
		return d.getMetrics()
	case model.ActionCloseConnection:
		return d.closeConnection(req)
	case model.ActionHealthCheck:
		return d.Health(ctx)
	case model.ActionGetConfig:
		return d.getConfig()
	default:
		// Unreachable after Validate; kept so the match stays total.
		return model.Fail(model.ErrUnknownAction)
	}
}

// sendGPS performs one framed exchange with the endpoint the request names.
// A dead pooled socket gets exactly one reconnect-and-retry before the
// failure surfaces.
func (d *dispatcher) sendGPS(ctx context.Context, req *model.Request) model.Responder {
	ep, _ := req.Endpoint()
	started := time.Now()

	entry, hit := d.pool.Acquire(ep)
	if !hit {
		conn, err := d.connector.Connect(ctx, ep)
		if err != nil {
			return d.sendFailed(ep, req, err)
		}
		entry = d.pool.Insert(ep, conn)
	}

	payload := []byte(req.Message + "\r")
	sent, reply, err := d.exchange(entry, payload)
	if err != nil {
		d.logger.Warn("pooled exchange failed, reconnecting",
			"endpoint", ep.String(), "conn_id", entry.ID, "error", err)
		d.pool.Discard(entry, ep)

		conn, connErr := d.connector.Connect(ctx, ep)
		if connErr != nil {
			return d.sendFailed(ep, req, connErr)
		}
		entry = d.pool.Insert(ep, conn)

		sent, reply, err = d.exchange(entry, payload)
		if err != nil {
			d.pool.Discard(entry, ep)
			return d.sendFailed(ep, req, err)
		}
	}
	d.pool.Release(entry, ep)

	d.stats.Record(ep, true)
	d.emitMetric("gps_send_duration_ms",
		float64(time.Since(started).Microseconds())/1000.0,
		map[string]string{"endpoint": ep.String(), "result": "success"})

	res := &model.SendResult{
		Response:    string(reply),
		HexResponse: hex.EncodeToString(reply),
		BytesSent:   sent,
		VehicleID:   req.VehicleID,
		Timestamp:   time.Now().Unix(),
	}
	res.Success = true
	return res
}

// exchange writes the framed payload and reads one bounded reply.
func (d *dispatcher) exchange(entry *pool.Entry, payload []byte) (int, []byte, error) {
	n, err := entry.Conn.Write(payload)
	if err != nil {
		return 0, nil, err
	}
	buf := make([]byte, d.cfg.Pool.ReadBufferSize)
	rn, err := entry.Conn.Read(buf)
	if err != nil {
		return n, nil, err
	}
	return n, buf[:rn], nil
}

func (d *dispatcher) sendFailed(ep model.Endpoint, req *model.Request, err error) model.Responder {
	d.stats.Record(ep, false)
	d.emitMetric("gps_send_failures", 1,
		map[string]string{"endpoint": ep.String(), "vehicle_id": req.VehicleID})
	d.logger.Error("send failed", "endpoint", ep.String(), "error", err)
	return model.Fail(err)
}

func (d *dispatcher) getStats() model.Responder {
	snap := d.pool.Snapshot()
	res := &model.StatsResult{
		PoolSize:          snap.Size,
		MaxPoolSize:       snap.MaxSize,
		ConnectionStats:   d.stats.Snapshot(),
		ActiveConnections: snap.Keys,
		InstanceID:        d.instance.ID,
	}
	res.Success = true
	return res
}

func (d *dispatcher) getMetrics() model.Responder {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := d.pool.Snapshot()
	res := &model.MetricsResult{
		PoolSize:    snap.Size,
		MaxPoolSize: snap.MaxSize,
		InstanceID:  d.instance.ID,
		UptimeS:     int64(d.instance.Uptime().Seconds()),
		MemoryUsage: ms.Alloc,
		PeakMemory:  ms.Sys,
	}
	res.Success = true
	return res
}

func (d *dispatcher) closeConnection(req *model.Request) model.Responder {
	ep, _ := req.Endpoint()
	dropped := d.pool.Drop(ep)

	res := &model.CloseResult{Endpoint: ep.String(), Dropped: dropped}
	res.Success = true
	return res
}

func (d *dispatcher) getConfig() model.Responder {
	res := &model.ConfigResult{Config: d.cfg.Sanitized()}
	res.Success = true
	return res
}

// Health runs the self-check and remembers the result for readers that want
// the last known state without paying for a fresh probe.
func (d *dispatcher) Health(ctx context.Context) *model.HealthResult {
	checks := make(map[string]bool, 3)

	_, statErr := os.Stat(d.cfg.IPC.Path)
	checks["ipc_socket"] = statErr == nil

	status := model.HealthHealthy
	if d.store.Enabled() {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := d.store.Ping(pingCtx)
		cancel()
		checks["external_cache"] = err == nil
		if err != nil {
			status = model.HealthDegraded
		}
	}

	snap := d.pool.Snapshot()
	checks["active_connections"] = snap.Size <= snap.MaxSize

	if !checks["ipc_socket"] {
		status = model.HealthUnhealthy
	}

	res := &model.HealthResult{
		Status:     status,
		InstanceID: d.instance.ID,
		Timestamp:  time.Now().Unix(),
		Checks:     checks,
	}
	res.Success = true

	d.healthMu.Lock()
	d.lastHealth = res
	d.healthMu.Unlock()
	return res
}

// LastHealth returns the most recent self-check, or nil before the first
// one ran.
func (d *dispatcher) LastHealth() *model.HealthResult {
	d.healthMu.RLock()
	defer d.healthMu.RUnlock()
	return d.lastHealth
}

func (d *dispatcher) emitMetric(name string, value float64, tags map[string]string) {
	if !d.cfg.Metrics.Enabled {
		return
	}
	d.metrics.Emit(model.MetricRecord{
		MetricName: name,
		Value:      value,
		Tags:       tags,
		Timestamp:  time.Now().Unix(),
		InstanceID: d.instance.ID,
	})
}
