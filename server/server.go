// Package server exposes herald's operational HTTP API: job inspection,
// schedule registration and cancellation, manual sweeps, Prometheus metrics
// and a WebSocket stream of execution events.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/teranos/herald/campaign"
	"github.com/teranos/herald/dispatch"
	"github.com/teranos/herald/errors"
	"github.com/teranos/herald/pulse"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 15 * time.Second
)

// LogReader reads persisted dispatch results.
type LogReader interface {
	ListByJob(ctx context.Context, jobID string) ([]dispatch.LogEntry, error)
}

// Deps are the collaborators the API serves. Logs and Gatherer are optional.
type Deps struct {
	Engine   *pulse.Engine
	Provider campaign.Provider
	Logs     LogReader
	Gatherer prometheus.Gatherer
	Hub      *Hub
}

// Server is the HTTP front of a running engine.
type Server struct {
	engine   *pulse.Engine
	provider campaign.Provider
	logs     LogReader
	gatherer prometheus.Gatherer
	hub      *Hub
	logger   *zap.SugaredLogger
	handler  http.Handler
}

// New builds the server and its routes.
func New(deps Deps, log *zap.SugaredLogger) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("server requires an engine")
	}
	if deps.Provider == nil {
		return nil, errors.New("server requires a workflow provider")
	}
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	hub := deps.Hub
	if hub == nil {
		hub = NewHub(nil, log)
	}
	s := &Server{
		engine:   deps.Engine,
		provider: deps.Provider,
		logs:     deps.Logs,
		gatherer: deps.Gatherer,
		hub:      hub,
		logger:   log,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ListenAndServe serves on port until ctx is cancelled, then drains
// in-flight requests and disconnects WebSocket clients.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return errors.WithHintf(errors.Wrapf(err, "failed to listen on port %d", port),
			"set server.port in herald.toml or HERALD_SERVER_PORT")
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe over an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Infow("HTTP server listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
	}

	s.logger.Infow("Initiating server shutdown")
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "graceful shutdown failed")
	}
	s.logger.Infow("Server stopped")
	return nil
}
