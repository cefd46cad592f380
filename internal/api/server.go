package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/gate"
	"github.com/conveyorci/conveyor/internal/store"
)

// Server is the conveyor API server. It exposes pending approvals, run
// history, and a WebSocket event stream.
type Server struct {
	addr   string
	mux    *http.ServeMux
	logger *slog.Logger

	approvals *gate.Coordinator
	archive   *store.Store
	publisher events.Publisher
	wsHandler *WSHandler

	httpServer *http.Server
}

// Config holds server configuration.
type Config struct {
	Addr   string
	Logger *slog.Logger
}

// New creates a new API server. The archive may be nil, in which case
// run history endpoints report 404.
func New(cfg Config, approvals *gate.Coordinator, archive *store.Store, publisher events.Publisher) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if publisher == nil {
		publisher = events.NewNopPublisher()
	}

	s := &Server{
		addr:      cfg.Addr,
		mux:       http.NewServeMux(),
		logger:    logger,
		approvals: approvals,
		archive:   archive,
		publisher: publisher,
	}
	s.wsHandler = NewWSHandler(publisher, logger)
	s.registerRoutes()
	return s
}

// registerRoutes sets up all API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.handleHealth)

	s.mux.HandleFunc("GET /api/approvals", s.handleListApprovals)
	s.mux.HandleFunc("POST /api/approvals/{id}/approve", s.handleApprove)
	s.mux.HandleFunc("POST /api/approvals/{id}/reject", s.handleReject)

	s.mux.HandleFunc("GET /api/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /api/runs/{id}", s.handleGetRun)

	s.mux.Handle("GET /api/events", s.wsHandler)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api server listening", "addr", s.addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Handler returns the server's HTTP handler, used by tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	JSONResponse(w, map[string]string{"status": "ok"})
}
