package upstream

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/socket-pool-service/pkg/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startEcho runs a loopback echo server and returns its endpoint. The stop
// function closes the listener and every accepted connection.
func startEcho(t *testing.T) (model.Endpoint, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var mu sync.Mutex
	var conns []net.Conn

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)
	ep, err := model.NewEndpoint("127.0.0.1", port)
	require.NoError(t, err)
	return ep, func() {
		ln.Close()
		mu.Lock()
		for _, c := range conns {
			c.Close()
		}
		mu.Unlock()
	}
}

func TestConnectAndExchange(t *testing.T) {
	ep, stop := startEcho(t)
	defer stop()

	c := NewConnector(testLogger(), ConnectorParams{})
	conn, err := c.Connect(context.Background(), ep)
	require.NoError(t, err)
	defer conn.Close()

	n, err := conn.Write([]byte("ABC\r"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	buf := make([]byte, 2048)
	rn, err := conn.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "ABC\r", string(buf[:rn]))
}

func TestConnectRefusedExhaustsRetries(t *testing.T) {
	ep, err := model.NewEndpoint("127.0.0.1", 1)
	require.NoError(t, err)

	c := NewConnector(testLogger(), ConnectorParams{
		MaxRetries: 2,
		RetryPause: 10 * time.Millisecond,
	})

	started := time.Now()
	_, err = c.Connect(context.Background(), ep)
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrConnectFailed)
	// Two attempts means exactly one inter-attempt pause.
	assert.GreaterOrEqual(t, time.Since(started), 10*time.Millisecond)
}

func TestConnectHonorsContextCancel(t *testing.T) {
	ep, err := model.NewEndpoint("127.0.0.1", 1)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewConnector(testLogger(), ConnectorParams{
		MaxRetries: 3,
		RetryPause: time.Second,
	})
	_, err = c.Connect(ctx, ep)
	require.Error(t, err)
}

func TestAliveProbe(t *testing.T) {
	ep, stop := startEcho(t)

	c := NewConnector(testLogger(), ConnectorParams{})
	conn, err := c.Connect(context.Background(), ep)
	require.NoError(t, err)
	defer conn.Close()

	assert.True(t, conn.Alive())

	// Shut the peer down and give the FIN time to arrive.
	stop()
	require.Eventually(t, func() bool {
		return !conn.Alive()
	}, time.Second, 20*time.Millisecond)
}

func TestWriteAfterPeerClose(t *testing.T) {
	ep, stop := startEcho(t)

	c := NewConnector(testLogger(), ConnectorParams{})
	conn, err := c.Connect(context.Background(), ep)
	require.NoError(t, err)
	defer conn.Close()

	stop()
	time.Sleep(50 * time.Millisecond)

	// First write may still land in the kernel buffer; the failure must
	// surface by the read.
	if _, err := conn.Write([]byte("X\r")); err == nil {
		buf := make([]byte, 16)
		_, err = conn.Read(buf)
		require.Error(t, err)
		assert.ErrorIs(t, err, model.ErrReadFailed)
	} else {
		assert.ErrorIs(t, err, model.ErrWriteFailed)
	}
}
