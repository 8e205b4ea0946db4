package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/internal/service"
	"github.com/webitel/socket-pool-service/pkg/model"
)

// Server owns the filesystem-bound stream listener. Each accepted client
// carries exactly one JSON request and receives exactly one JSON response
// before the connection closes.
type Server struct {
	cfg        *config.Config
	dispatcher service.Dispatcher
	logger     *slog.Logger

	ln   *net.UnixListener
	path string

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewServer(cfg *config.Config, dispatcher service.Dispatcher, logger *slog.Logger) *Server {
	return &Server{
		cfg:        cfg,
		dispatcher: dispatcher,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Path returns the effective socket path, which may differ from the
// configured one when the fallback kicked in.
func (s *Server) Path() string { return s.path }

// Start binds the listener and launches the accept loop. A bind failure is
// fatal to the daemon.
func (s *Server) Start() error {
	path, err := s.preparePath(s.cfg.IPC.Path)
	if err != nil {
		return err
	}

	addr, err := net.ResolveUnixAddr("unix", path)
	if err != nil {
		return fmt.Errorf("resolve ipc addr %s: %w", path, err)
	}
	ln, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("bind ipc socket %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		ln.Close()
		return fmt.Errorf("chmod ipc socket %s: %w", path, err)
	}

	s.ln = ln
	s.path = path
	s.logger.Info("ipc server listening", "path", path)

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// preparePath clears a stale socket file. When the path cannot be
// reclaimed even after a chmod, the daemon falls back to a pid-suffixed
// sibling and logs the substitution.
func (s *Server) preparePath(path string) (string, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return path, nil
	}

	if err := os.Remove(path); err == nil {
		return path, nil
	}
	if err := os.Chmod(path, 0o666); err == nil {
		if err := os.Remove(path); err == nil {
			return path, nil
		}
	}

	fallback := fmt.Sprintf("%s_%d.sock", trimSockSuffix(path), os.Getpid())
	s.logger.Warn("ipc socket path busy, falling back",
		"configured", path, "fallback", fallback)
	return fallback, nil
}

func trimSockSuffix(path string) string {
	const suffix = ".sock"
	if len(path) > len(suffix) && path[len(path)-len(suffix):] == suffix {
		return path[:len(path)-len(suffix)]
	}
	return path
}

// acceptLoop waits on the listener with a bounded deadline so the stop flag
// is observed between accepts. Handler errors never terminate the loop.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.ln.SetDeadline(time.Now().Add(s.cfg.IPC.AcceptTimeout)); err != nil {
			s.logger.Error("ipc set deadline failed", "error", err)
			return
		}

		conn, err := s.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.logger.Warn("ipc accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(conn)
		}()
	}
}

// handle runs one request-response round trip and closes the client.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	requestID := uuid.NewString()
	started := time.Now()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("ipc handler panic", "request_id", requestID, "panic", r)
			s.writeResponse(conn, model.Fail(fmt.Errorf("%w: %v", model.ErrInternal, r)), requestID, started)
		}
	}()

	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		s.logger.Warn("ipc read deadline failed", "request_id", requestID, "error", err)
		return
	}

	buf := make([]byte, s.cfg.IPC.RequestBuffer)
	n, err := conn.Read(buf)
	if err != nil {
		s.logger.Warn("ipc read failed", "request_id", requestID, "error", err)
		return
	}

	req, err := model.DecodeRequest(buf[:n])
	if err != nil {
		s.writeResponse(conn, model.Fail(err), requestID, started)
		return
	}

	res := s.dispatcher.Dispatch(context.Background(), req)
	s.writeResponse(conn, res, requestID, started)
}

func (s *Server) writeResponse(conn net.Conn, res model.Responder, requestID string, started time.Time) {
	res.Finalize(requestID, time.Since(started))

	data, err := json.Marshal(res)
	if err != nil {
		s.logger.Error("ipc response marshal failed", "request_id", requestID, "error", err)
		data = []byte(`{"success":false,"error":"internal: response marshal failed"}`)
	}

	if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err == nil {
		if _, err := conn.Write(data); err != nil {
			// Client went away before the response; the work is done, just
			// log and drop it.
			s.logger.Debug("ipc response write failed", "request_id", requestID, "error", err)
		}
	}
}

// Stop halts the accept loop, waits for in-flight handlers within the
// context deadline, and unlinks the socket path.
func (s *Server) Stop(ctx context.Context) error {
	close(s.stopCh)
	if s.ln != nil {
		s.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("ipc shutdown timed out with handlers in flight")
	}

	if s.path != "" {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("ipc socket unlink failed", "path", s.path, "error", err)
		}
	}
	s.logger.Info("ipc server stopped")
	return nil
}
