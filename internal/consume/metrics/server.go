package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const service = "safeconsume"

type ServerConfig struct {
	Port    int           `env:"PORT" envDefault:"9090"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"30s"`
	// ShutdownTimeout bounds how long Stop waits for open connections.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// ReadyFunc returns nil while the consumer can make progress. Its error is
// reported as the reason on /ready.
type ReadyFunc func() error

// Server serves the registry on /metrics next to the /health liveness and
// /ready readiness endpoints.
type Server struct {
	http   *http.Server
	ready  ReadyFunc
	config ServerConfig
	logger *zap.Logger
}

type status struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Reason  string `json:"reason,omitempty"`
}

// NewServer builds the server without listening. A nil ready is always
// ready.
func NewServer(config ServerConfig, registry *Registry, logger *zap.Logger, ready ReadyFunc) *Server {
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = 5 * time.Second
	}

	s := &Server{
		ready:  ready,
		config: config,
		logger: logger.Named("metrics-server"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/health", s.health)
	mux.HandleFunc("/ready", s.readiness)

	s.http = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      mux,
		ReadTimeout:  config.Timeout,
		WriteTimeout: config.Timeout,
		IdleTimeout:  2 * config.Timeout,
	}

	return s
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	s.reply(w, http.StatusOK, status{Status: "healthy", Service: service})
}

func (s *Server) readiness(w http.ResponseWriter, _ *http.Request) {
	if s.ready != nil {
		if err := s.ready(); err != nil {
			s.reply(w, http.StatusServiceUnavailable, status{Status: "unavailable", Service: service, Reason: err.Error()})
			return
		}
	}
	s.reply(w, http.StatusOK, status{Status: "ready", Service: service})
}

func (s *Server) reply(w http.ResponseWriter, code int, body status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Debug("failed to write status response", zap.Error(err))
	}
}

// Start listens on the configured port. It returns when the listener fails
// or, after shutting the server down, when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("metrics server listening", zap.String("addr", s.http.Addr))

	failed := make(chan error, 1)
	go func() {
		err := s.http.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			failed <- err
		}
	}()

	select {
	case err := <-failed:
		const errMsg = "metrics server failed"
		s.logger.Error(errMsg, zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	case <-ctx.Done():
		return s.Stop(context.Background())
	}
}

// Stop drains open connections for at most ShutdownTimeout. Calling it
// again after Start returned is harmless.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		const errMsg = "failed to shut down metrics server"
		s.logger.Error(errMsg, zap.Error(err))
		return fmt.Errorf(errMsg+": %w", err)
	}
	s.logger.Info("metrics server stopped")

	return nil
}

// Handler exposes the routes for in-process use.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}
