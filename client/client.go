// Package client is the library sibling processes link to talk to the
// socket-pool daemon over its IPC endpoint. Calls are synchronous; every
// request opens one short-lived unix-socket connection, carries one JSON
// envelope each way and closes.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/sony/gobreaker"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Client talks to one daemon instance. Safe for concurrent use.
type Client struct {
	socketPath  string
	timeout     time.Duration
	retries     int
	retryDelay  time.Duration
	replyBuffer int
	logger      *slog.Logger

	breakers *breakerGroup
	cache    *resultCache
}

// New builds a client from the shared configuration. The circuit breaker
// and result cache follow their config switches.
func New(cfg *config.Config, logger *slog.Logger) *Client {
	c := &Client{
		socketPath:  cfg.IPC.Path,
		timeout:     cfg.Client.Timeout,
		retries:     cfg.Client.RetryAttempts,
		retryDelay:  cfg.Client.RetryDelay,
		replyBuffer: cfg.Client.ReplyBuffer,
		logger:      logger,
	}
	if c.retries <= 0 {
		c.retries = 3
	}
	if c.retryDelay <= 0 {
		c.retryDelay = 100 * time.Millisecond
	}
	if c.replyBuffer <= 0 {
		c.replyBuffer = 8192
	}
	if c.timeout <= 0 {
		c.timeout = 5 * time.Second
	}
	if cfg.Client.CircuitBreaker {
		c.breakers = newBreakerGroup(cfg.Client.CBThreshold, cfg.Client.CBTimeout, logger)
	}
	if cfg.Client.CacheEnabled {
		c.cache = newResultCache(cfg.Client.CacheTTL)
	}
	return c
}

// SendOptions tune one send_gps call.
type SendOptions struct {
	// UseCache serves a previously seen (endpoint, payload) response from
	// the local result cache when present.
	UseCache bool
}

// SendGPS submits one telemetry frame to host:port through the daemon.
func (c *Client) SendGPS(ctx context.Context, host string, port int, message, vehicleID string, opts *SendOptions) (*model.SendResult, error) {
	req := &model.Request{
		Action:    model.ActionSendGPS,
		Host:      host,
		Port:      port,
		Message:   message,
		VehicleID: vehicleID,
	}

	var out model.SendResult
	useCache := opts != nil && opts.UseCache && c.cache != nil
	if useCache {
		if hit := c.cache.get(req, &out); hit {
			return &out, nil
		}
	}

	if err := c.call(ctx, req, &out); err != nil {
		return nil, err
	}
	if useCache && out.Success {
		c.cache.put(req, &out)
	}
	return &out, nil
}

// Stats fetches the daemon's pool and per-endpoint counters.
func (c *Client) Stats(ctx context.Context) (*model.StatsResult, error) {
	var out model.StatsResult
	err := c.call(ctx, &model.Request{Action: model.ActionGetStats}, &out)
	return &out, err
}

// Metrics fetches the process-level gauges.
func (c *Client) Metrics(ctx context.Context) (*model.MetricsResult, error) {
	var out model.MetricsResult
	err := c.call(ctx, &model.Request{Action: model.ActionGetMetrics}, &out)
	return &out, err
}

// HealthCheck runs the daemon self-check.
func (c *Client) HealthCheck(ctx context.Context) (*model.HealthResult, error) {
	var out model.HealthResult
	err := c.call(ctx, &model.Request{Action: model.ActionHealthCheck}, &out)
	return &out, err
}

// GetConfig fetches the daemon's sanitized effective configuration.
func (c *Client) GetConfig(ctx context.Context) (*model.ConfigResult, error) {
	var out model.ConfigResult
	err := c.call(ctx, &model.Request{Action: model.ActionGetConfig}, &out)
	return &out, err
}

// CloseConnection drops the pooled upstream socket for host:port.
func (c *Client) CloseConnection(ctx context.Context, host string, port int) (*model.CloseResult, error) {
	var out model.CloseResult
	err := c.call(ctx, &model.Request{
		Action: model.ActionCloseConnection,
		Host:   host,
		Port:   port,
	}, &out)
	return &out, err
}

// WarmUp pre-establishes pooled connections by sending a literal "TEST"
// probe to each endpoint. Only call this against peers known to tolerate
// arbitrary frames.
func (c *Client) WarmUp(ctx context.Context, endpoints []model.Endpoint) map[string]error {
	results := make(map[string]error, len(endpoints))
	for _, ep := range endpoints {
		_, err := c.SendGPS(ctx, ep.Host, int(ep.Port), "TEST", "", nil)
		results[ep.String()] = err
	}
	return results
}

// call runs the retry loop, guarded by the per-endpoint circuit breaker for
// requests that name an endpoint.
func (c *Client) call(ctx context.Context, req *model.Request, out model.Responder) error {
	started := time.Now()

	run := func() error { return c.callWithRetries(ctx, req, out) }

	var err error
	if c.breakers != nil && req.Host != "" {
		err = c.breakers.execute(req.Host, req.Port, run)
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %s:%d", model.ErrCircuitOpen, req.Host, req.Port)
		}
	} else {
		err = run()
	}

	took := time.Since(started)
	c.logger.Debug("ipc call finished",
		"action", string(req.Action), "host", req.Host, "port", req.Port,
		"success", err == nil, "duration_ms", float64(took.Microseconds())/1000.0)
	if err != nil {
		return err
	}

	c.mergeDuration(out, took)
	return nil
}

func (c *Client) callWithRetries(ctx context.Context, req *model.Request, out model.Responder) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		err := c.roundTrip(ctx, req, out)
		if err == nil {
			if failed, msg := failureOf(out); failed {
				err = fmt.Errorf("daemon error: %s", msg)
			} else {
				return nil
			}
		}
		lastErr = err
		c.logger.Debug("ipc call failed",
			"action", string(req.Action), "attempt", attempt, "error", err)

		if attempt == c.retries {
			break
		}
		// Linear backoff: delay grows with the attempt number.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}

// roundTrip performs one IPC exchange.
func (c *Client) roundTrip(ctx context.Context, req *model.Request, out model.Responder) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("dial daemon at %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("set deadline: %w", err)
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write request: %w", err)
	}

	buf := make([]byte, c.replyBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := json.Unmarshal(buf[:n], out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) mergeDuration(out model.Responder, took time.Duration) {
	if env, ok := out.(interface{ SetDuration(float64) }); ok {
		env.SetDuration(float64(took.Microseconds()) / 1000.0)
	}
}

func failureOf(out model.Responder) (bool, string) {
	if env, ok := out.(interface{ Failed() (bool, string) }); ok {
		return env.Failed()
	}
	return false, ""
}
