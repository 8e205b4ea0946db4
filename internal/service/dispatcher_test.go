package service_test

import (
	"context"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/infra/cache"
	"github.com/webitel/socket-pool-service/infra/upstream"
	"github.com/webitel/socket-pool-service/internal/adapter/pubsub"
	"github.com/webitel/socket-pool-service/internal/domain/pool"
	"github.com/webitel/socket-pool-service/internal/service"
	"github.com/webitel/socket-pool-service/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoServer struct {
	ln   net.Listener
	port int
	mu   sync.Mutex
	open []net.Conn
}

// startEchoOn binds the echo server; port 0 picks a free one.
func startEchoOn(t *testing.T, port int) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:"+strconv.Itoa(port))
	require.NoError(t, err)

	s := &echoServer{ln: ln}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	s.port, _ = strconv.Atoi(portStr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.open = append(s.open, conn)
			s.mu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	t.Cleanup(s.Close)
	return s
}

func (s *echoServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.open {
		c.Close()
	}
	s.open = nil
}

type fixture struct {
	dispatcher service.Dispatcher
	registry   *pool.Registry
	stats      *model.StatsTable
	cfg        *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)
	cfg.IPC.Path = filepath.Join(t.TempDir(), "pool.sock")
	if mutate != nil {
		mutate(cfg)
	}

	logger := testLogger()
	registry := pool.NewRegistry(
		pool.WithMaxSize(cfg.Pool.MaxSize),
		pool.WithIdleTTL(cfg.Pool.IdleTTL),
		pool.WithLogger(logger),
	)
	connector := upstream.NewConnector(logger, upstream.ConnectorParams{
		MaxRetries: cfg.Pool.MaxRetries,
		RetryPause: 10 * time.Millisecond,
	})
	stats := model.NewStatsTable()
	metrics := pubsub.NewMetricDispatcher(logger)
	t.Cleanup(func() { metrics.Close() })

	d := service.NewDispatcher(
		registry, connector, stats,
		cache.NewStore(cfg, logger), metrics,
		cfg, service.NewInstance(), logger,
	)
	return &fixture{dispatcher: d, registry: registry, stats: stats, cfg: cfg}
}

func sendReq(host string, port int, msg, vehicle string) *model.Request {
	return &model.Request{
		Action:    model.ActionSendGPS,
		Host:      host,
		Port:      port,
		Message:   msg,
		VehicleID: vehicle,
	}
}

func TestSendColdMissThenWarmHit(t *testing.T) {
	srv := startEchoOn(t, 0)
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", srv.port, "ABC", "V1"))
	send, ok := res.(*model.SendResult)
	require.True(t, ok, "got %T", res)
	require.True(t, send.Success)
	assert.Equal(t, "ABC\r", send.Response)
	assert.Equal(t, "4142430d", send.HexResponse)
	assert.Equal(t, 4, send.BytesSent)
	assert.Equal(t, "V1", send.VehicleID)

	// Second request reuses the pooled socket.
	res = f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", srv.port, "ABC", "V1"))
	send, ok = res.(*model.SendResult)
	require.True(t, ok)
	require.True(t, send.Success)

	key := "127.0.0.1:" + strconv.Itoa(srv.port)
	counts := f.stats.Snapshot()[key]
	assert.Equal(t, uint64(2), counts.Success)
	assert.Equal(t, uint64(0), counts.Failed)
	assert.Equal(t, uint64(2), counts.Total)
	assert.Equal(t, 1, f.registry.Snapshot().Size)
}

func TestSendRecoversFromDeadPooledSocket(t *testing.T) {
	srv := startEchoOn(t, 0)
	port := srv.port
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", port, "A", "V1"))
	require.True(t, res.(*model.SendResult).Success)

	// Kill the peer and bring a fresh one up on the same port.
	srv.Close()
	time.Sleep(50 * time.Millisecond)
	startEchoOn(t, port)

	res = f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", port, "B", "V1"))
	send, ok := res.(*model.SendResult)
	require.True(t, ok, "got %T", res)
	require.True(t, send.Success)
	assert.Equal(t, "B\r", send.Response)

	counts := f.stats.Snapshot()["127.0.0.1:"+strconv.Itoa(port)]
	assert.Equal(t, uint64(2), counts.Success)
	assert.Equal(t, uint64(0), counts.Failed)
	assert.Equal(t, uint64(2), counts.Total)
}

func TestSendUnreachableEndpoint(t *testing.T) {
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", 1, "X", "V9"))
	failed, msg := res.(interface{ Failed() (bool, string) }).Failed()
	assert.True(t, failed)
	assert.Contains(t, msg, model.ErrConnectFailed.Error())

	counts := f.stats.Snapshot()["127.0.0.1:1"]
	assert.Equal(t, uint64(1), counts.Failed)
	assert.Equal(t, uint64(1), counts.Total)
}

func TestStatsTotalsAlwaysBalance(t *testing.T) {
	srv := startEchoOn(t, 0)
	f := newFixture(t, nil)

	f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", srv.port, "A", ""))
	f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", 1, "A", ""))

	for _, counts := range f.stats.Snapshot() {
		assert.Equal(t, counts.Total, counts.Success+counts.Failed)
	}
}

func TestGetStats(t *testing.T) {
	srv := startEchoOn(t, 0)
	f := newFixture(t, nil)

	f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", srv.port, "A", ""))

	res := f.dispatcher.Dispatch(context.Background(), &model.Request{Action: model.ActionGetStats})
	stats, ok := res.(*model.StatsResult)
	require.True(t, ok)
	require.True(t, stats.Success)
	assert.Equal(t, 1, stats.PoolSize)
	assert.NotEmpty(t, stats.InstanceID)
	assert.Contains(t, stats.ActiveConnections, "127.0.0.1:"+strconv.Itoa(srv.port))

	// get_stats is read-only: a second call returns identical counters.
	again := f.dispatcher.Dispatch(context.Background(), &model.Request{Action: model.ActionGetStats})
	assert.Equal(t, stats.ConnectionStats, again.(*model.StatsResult).ConnectionStats)
}

func TestGetMetrics(t *testing.T) {
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), &model.Request{Action: model.ActionGetMetrics})
	metrics, ok := res.(*model.MetricsResult)
	require.True(t, ok)
	require.True(t, metrics.Success)
	assert.NotZero(t, metrics.MemoryUsage)
	assert.Equal(t, 100, metrics.MaxPoolSize)
}

func TestCloseConnectionIsIdempotent(t *testing.T) {
	srv := startEchoOn(t, 0)
	f := newFixture(t, nil)

	f.dispatcher.Dispatch(context.Background(), sendReq("127.0.0.1", srv.port, "A", ""))
	require.Equal(t, 1, f.registry.Snapshot().Size)

	req := &model.Request{Action: model.ActionCloseConnection, Host: "127.0.0.1", Port: srv.port}

	res := f.dispatcher.Dispatch(context.Background(), req)
	first, ok := res.(*model.CloseResult)
	require.True(t, ok)
	assert.True(t, first.Success)
	assert.True(t, first.Dropped)

	res = f.dispatcher.Dispatch(context.Background(), req)
	second := res.(*model.CloseResult)
	assert.True(t, second.Success)
	assert.False(t, second.Dropped)
	assert.Equal(t, 0, f.registry.Snapshot().Size)
}

func TestUnknownAction(t *testing.T) {
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), &model.Request{Action: "reboot"})
	failed, msg := res.(interface{ Failed() (bool, string) }).Failed()
	assert.True(t, failed)
	assert.Contains(t, msg, model.ErrUnknownAction.Error())
	assert.Contains(t, msg, "reboot")
}

func TestGetConfigSanitized(t *testing.T) {
	f := newFixture(t, nil)

	res := f.dispatcher.Dispatch(context.Background(), &model.Request{Action: model.ActionGetConfig})
	cfgRes, ok := res.(*model.ConfigResult)
	require.True(t, ok)
	require.True(t, cfgRes.Success)
	assert.Equal(t, f.cfg.IPC.Path, cfgRes.Config["unix_socket_path"])
}

func TestHealthCheckStatuses(t *testing.T) {
	f := newFixture(t, nil)

	// No socket file yet: unhealthy.
	res := f.dispatcher.Health(context.Background())
	assert.Equal(t, model.HealthUnhealthy, res.Status)
	assert.False(t, res.Checks["ipc_socket"])

	// Simulate the bound socket.
	require.NoError(t, os.WriteFile(f.cfg.IPC.Path, nil, 0o666))
	res = f.dispatcher.Health(context.Background())
	assert.Equal(t, model.HealthHealthy, res.Status)
	assert.True(t, res.Checks["ipc_socket"])
	assert.NotEmpty(t, res.InstanceID)

	assert.Same(t, res, f.dispatcher.LastHealth())
}
