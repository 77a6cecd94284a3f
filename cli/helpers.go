package cli

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tianshu-ai/tianshu/engine/auth"
	"github.com/tianshu-ai/tianshu/engine/infra/queue"
	"github.com/tianshu-ai/tianshu/engine/infra/sqlite"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/config"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// setupContext builds the command context: logger from the shared flags,
// configuration from env, and cancellation on SIGINT/SIGTERM.
func setupContext(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, error) {
	logLevel, logJSON, logSource, err := logger.GetLoggerConfig(cmd)
	if err != nil {
		return nil, nil, nil, err
	}
	log := logger.SetupLogger(logLevel, logJSON, logSource)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx := logger.ContextWithLogger(cmd.Context(), log)
	ctx = config.ContextWithConfig(ctx, cfg)
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	return ctx, cancel, cfg, nil
}

// services wires the storage-backed services shared by serve and worker.
type services struct {
	store *sqlite.Store
	tasks *task.Service
	auth  *auth.Service
}

func buildServices(ctx context.Context, cfg *config.Config) (*services, error) {
	store, err := sqlite.NewStore(ctx, cfg.Store.Path, cfg.Store.BusyTimeout)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if err := sqlite.ApplyMigrations(ctx, store.DB()); err != nil {
		store.Close(ctx)
		return nil, fmt.Errorf("apply migrations: %w", err)
	}
	return &services{
		store: store,
		tasks: task.NewService(sqlite.NewTaskRepo(store.DB()), buildQueue(ctx, cfg)),
		auth:  auth.NewService(sqlite.NewAuthRepo(store.DB())),
	}, nil
}

// buildQueue connects the Redis accelerator when enabled. An unreachable
// Redis downgrades to the embedded queue instead of failing startup.
func buildQueue(ctx context.Context, cfg *config.Config) *queue.TaskQueue {
	if !cfg.Redis.QueueEnabled {
		return nil
	}
	r, err := queue.NewRedis(ctx, &queue.Config{
		URL:               cfg.Redis.URL,
		Host:              cfg.Redis.Host,
		Port:              cfg.Redis.Port,
		DB:                cfg.Redis.DB,
		Password:          cfg.Redis.Password,
		PingTimeout:       cfg.Redis.PingTimeout,
		VisibilityTimeout: cfg.Redis.VisibilityTimeout,
	})
	if err != nil {
		logger.FromContext(ctx).Warn(
			"Redis unreachable, continuing with the embedded queue", "error", err)
		return nil
	}
	return queue.NewTaskQueue(r)
}

// parseDevices reads a comma-separated GPU index list, e.g. "0,1".
func parseDevices(raw string) ([]int, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	devices := make([]int, 0, len(parts))
	for _, part := range parts {
		idx, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || idx < 0 {
			return nil, fmt.Errorf("invalid device index %q", part)
		}
		devices = append(devices, idx)
	}
	return devices, nil
}
