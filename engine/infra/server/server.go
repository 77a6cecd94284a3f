package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/config"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Server is the HTTP API surface plus its scheduled maintenance sweeps.
type Server struct {
	cfg      *config.Config
	tasks    *task.Service
	auth     *auth.Service
	registry *engines.Registry
	db       *sql.DB
	cron     *cron.Cron
}

// New wires the API server from its long-lived services.
func New(cfg *config.Config, tasks *task.Service, authSvc *auth.Service, registry *engines.Registry, db *sql.DB) *Server {
	return &Server{
		cfg:      cfg,
		tasks:    tasks,
		auth:     authSvc,
		registry: registry,
		db:       db,
	}
}

// Run serves until the context is cancelled, then drains with the shutdown
// grace period.
func (s *Server) Run(ctx context.Context) error {
	log := logger.FromContext(ctx)
	s.startSweeps(ctx)
	defer s.stopSweeps()

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(ctx),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	grace := s.cfg.Worker.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	log.Info("API server draining", "grace", grace)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

// startSweeps schedules the retention and stale-claim sweeps when their
// cron expressions are configured.
func (s *Server) startSweeps(ctx context.Context) {
	log := logger.FromContext(ctx)
	ret := s.cfg.Retention
	if ret.CleanupSchedule == "" && ret.StaleSchedule == "" {
		return
	}
	s.cron = cron.New()
	if ret.CleanupSchedule != "" {
		if _, err := s.cron.AddFunc(ret.CleanupSchedule, func() {
			window := time.Duration(ret.CleanupDays) * 24 * time.Hour
			if _, err := s.tasks.Cleanup(ctx, window); err != nil {
				log.Error("scheduled cleanup failed", "error", err)
			}
		}); err != nil {
			log.Error("invalid cleanup schedule", "schedule", ret.CleanupSchedule, "error", err)
		}
	}
	if ret.StaleSchedule != "" {
		if _, err := s.cron.AddFunc(ret.StaleSchedule, func() {
			if _, err := s.tasks.ResetStale(ctx, ret.StaleTimeout); err != nil {
				log.Error("scheduled stale reset failed", "error", err)
			}
		}); err != nil {
			log.Error("invalid stale-reset schedule", "schedule", ret.StaleSchedule, "error", err)
		}
	}
	s.cron.Start()
	log.Info("maintenance sweeps scheduled",
		"cleanup", ret.CleanupSchedule, "reset_stale", ret.StaleSchedule)
}

func (s *Server) stopSweeps() {
	if s.cron != nil {
		s.cron.Stop()
	}
}
