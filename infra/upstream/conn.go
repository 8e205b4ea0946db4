package upstream

import (
	"fmt"
	"net"
	"time"

	"github.com/webitel/socket-pool-service/pkg/model"
)

// Conn is an owned TCP stream to one upstream endpoint. The pool owns the
// handle; the dispatcher borrows it for exactly one request at a time.
type Conn struct {
	nc       net.Conn
	endpoint model.Endpoint
	ioWait   time.Duration
}

func newConn(nc net.Conn, ep model.Endpoint, ioWait time.Duration) *Conn {
	return &Conn{nc: nc, endpoint: ep, ioWait: ioWait}
}

func (c *Conn) Endpoint() model.Endpoint { return c.endpoint }

// Write sends the whole payload within the configured I/O window.
func (c *Conn) Write(p []byte) (int, error) {
	if err := c.nc.SetWriteDeadline(time.Now().Add(c.ioWait)); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	n, err := c.nc.Write(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", model.ErrWriteFailed, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: zero bytes written", model.ErrWriteFailed)
	}
	return n, nil
}

// Read returns at most len(p) reply bytes from the peer. A single read is
// performed; the upstream protocol is one frame per request.
func (c *Conn) Read(p []byte) (int, error) {
	if err := c.nc.SetReadDeadline(time.Now().Add(c.ioWait)); err != nil {
		return 0, fmt.Errorf("%w: %v", model.ErrReadFailed, err)
	}
	n, err := c.nc.Read(p)
	if err != nil {
		return n, fmt.Errorf("%w: %v", model.ErrReadFailed, err)
	}
	return n, nil
}

func (c *Conn) Close() error {
	return c.nc.Close()
}

// Alive reports whether the underlying socket is still usable. The probe is
// a zero-timeout readiness check: it peeks at the receive queue without
// consuming data and treats EOF or a socket error as dead. A socket that
// passes here can still fail on first write; the dispatcher covers that
// with one reconnect-and-retry.
func (c *Conn) Alive() bool {
	return probeConn(c.nc)
}
