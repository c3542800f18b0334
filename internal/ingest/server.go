// ABOUTME: Standalone ingestion listener for split-topology deployments
// ABOUTME: Runs the same handler as the embedded mount on its own HTTP server

package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// Server hosts the ingestion handler on a dedicated listener, for
// deployments where the receiver runs as its own process or port.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates a standalone ingestion server on addr.
func NewServer(addr string, handler *Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	handler.Register(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With("component", "ingest-server"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ingest server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("ingest server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("ingest server shutdown: %w", err)
	}
	s.logger.Info("ingest server stopped")
	return nil
}
