// ABOUTME: Wires storage, services, and listeners into one running process
// ABOUTME: Run drives everything under an errgroup and unwinds cleanly on cancellation

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/helpdeskpro/fleetcore/internal/apikey"
	"github.com/helpdeskpro/fleetcore/internal/background"
	"github.com/helpdeskpro/fleetcore/internal/config"
	"github.com/helpdeskpro/fleetcore/internal/dispatch"
	"github.com/helpdeskpro/fleetcore/internal/download"
	"github.com/helpdeskpro/fleetcore/internal/ingest"
	"github.com/helpdeskpro/fleetcore/internal/scheduler"
	"github.com/helpdeskpro/fleetcore/internal/store"
)

// Server is the assembled fleetcore process.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger

	store      *store.SQLiteStore
	pool       *background.Pool
	registry   *apikey.Registry
	dispatcher *dispatch.Dispatcher
	scheduler  *scheduler.Scheduler
	ingestSvc  *ingest.Service
	issuer     *download.Issuer

	httpServer   *http.Server
	ingestServer *ingest.Server
}

// New builds every component and the HTTP surface from cfg.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	pool := background.New(cfg.Background.Workers, logger)
	registry := apikey.NewRegistry(sqlStore, logger)
	dispatcher := dispatch.NewDispatcher(sqlStore, logger)
	sched := scheduler.New(sqlStore, dispatcher, logger)
	ingestSvc := ingest.NewService(sqlStore, pool, logger)
	issuer := download.NewIssuer(sqlStore, logger)

	var sessions download.SessionVerifier
	if cfg.Auth.SessionSecret != "" {
		sessions = download.NewJWTSessionVerifier([]byte(cfg.Auth.SessionSecret))
	} else {
		logger.Warn("no session secret configured; restricted download links will reject all requests")
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger.With("component", "server"),
		store:      sqlStore,
		pool:       pool,
		registry:   registry,
		dispatcher: dispatcher,
		scheduler:  sched,
		ingestSvc:  ingestSvc,
		issuer:     issuer,
	}

	mux := http.NewServeMux()
	download.NewHandler(issuer, sessions, cfg.Downloads.InstallerPath, logger).Register(mux)

	ingestHandler := ingest.NewHandler(ingestSvc, registry, logger)
	if cfg.Ingest.Enabled && cfg.Ingest.Embedded {
		ingestHandler.Register(mux)
		logger.Info("ingest receiver embedded on main server")
	} else {
		ingestHandler.RegisterHealth(mux)
		if cfg.Ingest.Enabled {
			s.ingestServer = ingest.NewServer(cfg.Ingest.ListenAddr, ingestHandler, logger)
		}
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Store exposes the underlying store for administrative commands.
func (s *Server) Store() *store.SQLiteStore { return s.store }

// Registry exposes the API key registry for administrative commands.
func (s *Server) Registry() *apikey.Registry { return s.registry }

// Run serves until ctx is cancelled, then shuts down in dependency order:
// listeners first, then the scheduler, then the pool, then the store.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	})

	if s.ingestServer != nil {
		g.Go(func() error { return ignoreCancelled(s.ingestServer.Run(gctx)) })
	}

	g.Go(func() error {
		return ignoreCancelled(s.scheduler.Run(gctx, s.cfg.Scheduler.SweepInterval))
	})

	g.Go(func() error { return ignoreCancelled(s.runMaintenance(gctx)) })

	err := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if poolErr := s.pool.Shutdown(drainCtx); poolErr != nil {
		s.logger.Warn("pool drain incomplete", "error", poolErr)
	}
	if closeErr := s.store.Close(); closeErr != nil {
		s.logger.Warn("store close failed", "error", closeErr)
	}

	s.logger.Info("server stopped")
	return err
}

// runMaintenance expires stale commands and enforces message retention on
// the sweep cadence.
func (s *Server) runMaintenance(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Scheduler.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.dispatcher.ExpireStale(ctx, s.cfg.Scheduler.CommandTTL); err != nil {
				s.logger.Error("command expiry failed", "error", err)
			}
			s.ingestSvc.PurgeExpired(s.cfg.Ingest.Retention)
		}
	}
}

func ignoreCancelled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
