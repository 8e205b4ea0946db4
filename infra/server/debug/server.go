package debug

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/webitel/socket-pool-service/config"
	"github.com/webitel/socket-pool-service/internal/service"
	"github.com/webitel/socket-pool-service/pkg/model"
	"go.uber.org/fx"
)

// Server exposes read-only health/stats/metrics over loopback HTTP for
// operators who prefer curl over the IPC protocol. Disabled by default.
type Server struct {
	cfg        *config.Config
	dispatcher service.Dispatcher
	logger     *slog.Logger
	srv        *http.Server
}

func NewServer(cfg *config.Config, dispatcher service.Dispatcher, logger *slog.Logger) *Server {
	return &Server{cfg: cfg, dispatcher: dispatcher, logger: logger}
}

func (s *Server) Start() error {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.action(model.ActionHealthCheck))
	r.Get("/stats", s.action(model.ActionGetStats))
	r.Get("/metrics", s.action(model.ActionGetMetrics))

	s.srv = &http.Server{
		Addr:         s.cfg.Debug.HTTPAddr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("debug http listening", "addr", s.cfg.Debug.HTTPAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("debug http server stopped", "error", err)
		}
	}()
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) action(action model.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res := s.dispatcher.Dispatch(r.Context(), &model.Request{Action: action})

		w.Header().Set("Content-Type", "application/json")
		if failed, _ := failedOf(res); failed {
			w.WriteHeader(http.StatusInternalServerError)
		}
		if err := json.NewEncoder(w).Encode(res); err != nil {
			s.logger.Debug("debug response write failed", "error", err)
		}
	}
}

func failedOf(res model.Responder) (bool, string) {
	if env, ok := res.(interface{ Failed() (bool, string) }); ok {
		return env.Failed()
	}
	return false, ""
}

var Module = fx.Module("debug-http",
	fx.Provide(NewServer),

	fx.Invoke(func(lc fx.Lifecycle, srv *Server, cfg *config.Config) {
		if !cfg.Debug.HTTPEnabled {
			return
		}
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return srv.Start() },
			OnStop:  func(ctx context.Context) error { return srv.Stop(ctx) },
		})
	}),
)
