package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/webitel/socket-pool-service/pkg/model"
)

const (
	defaultDialTimeout = 2 * time.Second
	defaultIOTimeout   = 2 * time.Second
	defaultRetryPause  = 100 * time.Millisecond
)

// Connector opens fresh upstream sockets with bounded retries and per-socket
// I/O deadlines. It is safe for concurrent use.
type Connector struct {
	logger      *slog.Logger
	maxRetries  int
	dialTimeout time.Duration
	ioTimeout   time.Duration
	retryPause  time.Duration
}

type ConnectorParams struct {
	MaxRetries  int
	DialTimeout time.Duration
	IOTimeout   time.Duration
	RetryPause  time.Duration
}

func NewConnector(logger *slog.Logger, p ConnectorParams) *Connector {
	c := &Connector{
		logger:      logger,
		maxRetries:  p.MaxRetries,
		dialTimeout: p.DialTimeout,
		ioTimeout:   p.IOTimeout,
		retryPause:  p.RetryPause,
	}
	if c.maxRetries <= 0 {
		c.maxRetries = 3
	}
	if c.dialTimeout <= 0 {
		c.dialTimeout = defaultDialTimeout
	}
	if c.ioTimeout <= 0 {
		c.ioTimeout = defaultIOTimeout
	}
	if c.retryPause <= 0 {
		c.retryPause = defaultRetryPause
	}
	return c
}

// Connect dials ep, retrying up to the configured attempt count with a short
// pause between attempts. The returned Conn has keep-alive enabled and
// send/receive deadlines applied per operation.
func (c *Connector) Connect(ctx context.Context, ep model.Endpoint) (*Conn, error) {
	dialer := net.Dialer{
		Timeout:   c.dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		nc, err := dialer.DialContext(ctx, "tcp", ep.Addr())
		if err == nil {
			if tc, ok := nc.(*net.TCPConn); ok {
				if err := tc.SetKeepAlive(true); err != nil {
					tc.Close()
					return nil, fmt.Errorf("%w: keepalive: %v", model.ErrSocketCreateFailed, err)
				}
			}
			c.logger.Debug("upstream connected",
				"endpoint", ep.String(), "attempt", attempt)
			return newConn(nc, ep, c.ioTimeout), nil
		}

		lastErr = err
		c.logger.Debug("upstream dial failed",
			"endpoint", ep.String(), "attempt", attempt, "error", err)

		if attempt == c.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", model.ErrConnectFailed, ep, ctx.Err())
		case <-time.After(c.retryPause):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v",
		model.ErrConnectFailed, ep, c.maxRetries, lastErr)
}
