package pool

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/socket-pool-service/infra/upstream"
	"github.com/webitel/socket-pool-service/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type echoServer struct {
	ep   model.Endpoint
	ln   net.Listener
	mu   sync.Mutex
	open []net.Conn
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &echoServer{ln: ln}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	s.ep, err = model.NewEndpoint("127.0.0.1", port)
	require.NoError(t, err)

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
}

func dialEcho(t *testing.T, s *echoServer) *upstream.Conn {
	t.Helper()
	conn, err := upstream.NewConnector(testLogger(), upstream.ConnectorParams{}).
		Connect(context.Background(), s.ep)
	require.NoError(t, err)
	return conn
}

func TestInsertThenAcquireRefreshesUsage(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	entry := reg.Insert(srv.ep, dialEcho(t, srv))
	require.True(t, entry.Pooled())
	assert.Equal(t, uint64(1), entry.UsageCount)
	reg.Release(entry, srv.ep)

	again, hit := reg.Acquire(srv.ep)
	require.True(t, hit)
	assert.Same(t, entry, again)
	assert.Equal(t, uint64(2), again.UsageCount)
	assert.WithinDuration(t, time.Now(), again.LastUsedAt, time.Second)
	reg.Release(again, srv.ep)
}

func TestAcquireMissOnEmptyRegistry(t *testing.T) {
	reg := NewRegistry(WithLogger(testLogger()))
	ep, _ := model.NewEndpoint("127.0.0.1", 9999)

	_, hit := reg.Acquire(ep)
	assert.False(t, hit)
}

func TestAcquireWhileLeasedIsMiss(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	entry := reg.Insert(srv.ep, dialEcho(t, srv))

	// Entry is still leased by the inserter.
	_, hit := reg.Acquire(srv.ep)
	assert.False(t, hit)

	reg.Release(entry, srv.ep)
	_, hit = reg.Acquire(srv.ep)
	assert.True(t, hit)
}

func TestAcquireEvictsDeadSocket(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	entry := reg.Insert(srv.ep, dialEcho(t, srv))
	reg.Release(entry, srv.ep)

	srv.Close()

	require.Eventually(t, func() bool {
		got, hit := reg.Acquire(srv.ep)
		if hit {
			// FIN not seen yet; put it back and poll again.
			reg.Release(got, srv.ep)
			return false
		}
		return true
	}, time.Second, 20*time.Millisecond)
	assert.Equal(t, 0, reg.Snapshot().Size)
}

func TestLRUEvictionUnderPressure(t *testing.T) {
	a, b, c := newEchoServer(t), newEchoServer(t), newEchoServer(t)
	reg := NewRegistry(WithMaxSize(2), WithLogger(testLogger()))

	ea := reg.Insert(a.ep, dialEcho(t, a))
	reg.Release(ea, a.ep)
	time.Sleep(5 * time.Millisecond)
	eb := reg.Insert(b.ep, dialEcho(t, b))
	reg.Release(eb, b.ep)
	time.Sleep(5 * time.Millisecond)
	ec := reg.Insert(c.ep, dialEcho(t, c))
	reg.Release(ec, c.ep)

	snap := reg.Snapshot()
	assert.Equal(t, 2, snap.Size)
	assert.NotContains(t, snap.Keys, a.ep.String())
	assert.Contains(t, snap.Keys, b.ep.String())
	assert.Contains(t, snap.Keys, c.ep.String())
}

func TestSizeNeverExceedsMax(t *testing.T) {
	reg := NewRegistry(WithMaxSize(3), WithLogger(testLogger()))
	for i := 0; i < 8; i++ {
		srv := newEchoServer(t)
		e := reg.Insert(srv.ep, dialEcho(t, srv))
		reg.Release(e, srv.ep)
		snap := reg.Snapshot()
		assert.LessOrEqual(t, snap.Size, snap.MaxSize)
	}
}

func TestInsertFullWithAllLeasedHandsOutUnpooled(t *testing.T) {
	a, b := newEchoServer(t), newEchoServer(t)
	reg := NewRegistry(WithMaxSize(1), WithLogger(testLogger()))

	held := reg.Insert(a.ep, dialEcho(t, a)) // leased, not released

	overflow := reg.Insert(b.ep, dialEcho(t, b))
	assert.False(t, overflow.Pooled())
	assert.Equal(t, 1, reg.Snapshot().Size)

	// Releasing the overflow entry closes it instead of pooling it.
	reg.Release(overflow, b.ep)
	assert.Equal(t, 1, reg.Snapshot().Size)

	reg.Release(held, a.ep)
}

func TestDropIsIdempotent(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	e := reg.Insert(srv.ep, dialEcho(t, srv))
	reg.Release(e, srv.ep)

	assert.True(t, reg.Drop(srv.ep))
	assert.False(t, reg.Drop(srv.ep))
	assert.Equal(t, 0, reg.Snapshot().Size)
}

func TestEvictExpired(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithIdleTTL(10*time.Millisecond), WithLogger(testLogger()))

	e := reg.Insert(srv.ep, dialEcho(t, srv))
	reg.Release(e, srv.ep)

	// Not expired yet.
	assert.Equal(t, 0, reg.EvictExpired(time.Now(), reg.IdleTTL()))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, reg.EvictExpired(time.Now(), reg.IdleTTL()))
	assert.Equal(t, 0, reg.Snapshot().Size)
}

func TestEvictExpiredSkipsLeased(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	e := reg.Insert(srv.ep, dialEcho(t, srv)) // stays leased

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, reg.EvictExpired(time.Now(), 10*time.Millisecond))
	assert.Equal(t, 1, reg.Snapshot().Size)

	reg.Release(e, srv.ep)
}

func TestConcurrentAcquireSameEndpoint(t *testing.T) {
	srv := newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	e := reg.Insert(srv.ep, dialEcho(t, srv))
	reg.Release(e, srv.ep)

	// Only one goroutine may hold the pooled entry at a time.
	var wins int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got, hit := reg.Acquire(srv.ep); hit {
				// Hold the lease briefly so overlapping acquires miss.
				time.Sleep(5 * time.Millisecond)
				reg.Release(got, srv.ep)
				atomic.AddInt64(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, wins, int64(1))
	assert.Equal(t, 1, reg.Snapshot().Size)
}

func TestShutdownClosesEverything(t *testing.T) {
	a, b := newEchoServer(t), newEchoServer(t)
	reg := NewRegistry(WithLogger(testLogger()))

	ea := reg.Insert(a.ep, dialEcho(t, a))
	reg.Release(ea, a.ep)
	eb := reg.Insert(b.ep, dialEcho(t, b))
	reg.Release(eb, b.ep)

	reg.Shutdown()
	assert.Equal(t, 0, reg.Snapshot().Size)
}
