package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/normalizer"
	"github.com/tianshu-ai/tianshu/engine/worker"
	"github.com/tianshu-ai/tianshu/pkg/config"
	"github.com/tianshu-ai/tianshu/pkg/logger"
	"github.com/tianshu-ai/tianshu/pkg/version"
)

func WorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run task workers, one process per device slot",
		RunE:  runWorker,
	}
	cmd.Flags().String("output-dir", "", "result output directory (overrides config)")
	cmd.Flags().String("splits-dir", "splits", "working directory for PDF shards")
	cmd.Flags().String("accelerator", "", "compute policy: auto, cuda or cpu (overrides config)")
	cmd.Flags().Int("workers-per-device", 0, "worker processes per device (overrides config)")
	cmd.Flags().String("devices", "", "comma-separated GPU indexes, e.g. 0,1 (overrides config)")
	cmd.Flags().Duration("poll-interval", 0, "claim poll interval (overrides config)")
	cmd.Flags().Int("port", 0, "worker health endpoint port (overrides config)")
	cmd.Flags().Bool("disable-worker-loop", false, "serve the health endpoint without claiming tasks")
	return cmd
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	applyWorkerFlags(cmd, cfg)
	splitsDir, _ := cmd.Flags().GetString("splits-dir")

	// Child slots run the poll loop directly; the environment already pins
	// their device.
	if worker.IsChildProcess() {
		return runWorkerSlot(ctx, cfg, splitsDir, childDevice())
	}

	// The health endpoint binds once, in the top-level process.
	startHealthServer(ctx, cfg.Worker.Port)

	if disabled, _ := cmd.Flags().GetBool("disable-worker-loop"); disabled {
		logger.FromContext(ctx).Info("worker loop disabled, serving health only")
		<-ctx.Done()
		return nil
	}

	devices, err := parseDevices(cfg.Worker.Devices)
	if err != nil {
		return err
	}
	if len(devices) == 0 && cfg.Worker.GPUs > 0 {
		for i := 0; i < cfg.Worker.GPUs; i++ {
			devices = append(devices, i)
		}
	}
	slots := worker.Slots(cfg.Worker.Accelerator, devices, cfg.Worker.WorkersPerDevice)
	if len(slots) == 1 && slots[0].VisibleGPU == "" {
		return runWorkerSlot(ctx, cfg, splitsDir, slots[0].Device)
	}
	return worker.NewSupervisor(slots, os.Args[1:]).Run(ctx)
}

// startHealthServer exposes worker liveness for deployment probes; port 0
// disables it.
func startHealthServer(ctx context.Context, port int) {
	if port <= 0 {
		return
	}
	if !logger.IsTestEnvironment() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version.GetVersion()})
	})
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log := logger.FromContext(ctx)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	go func() {
		log.Info("worker health endpoint listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn("worker health endpoint failed", "error", err)
		}
	}()
}

func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	if dir, _ := cmd.Flags().GetString("output-dir"); dir != "" {
		cfg.Paths.Output = dir
	}
	if acc, _ := cmd.Flags().GetString("accelerator"); acc != "" {
		cfg.Worker.Accelerator = acc
	}
	if per, _ := cmd.Flags().GetInt("workers-per-device"); per > 0 {
		cfg.Worker.WorkersPerDevice = per
	}
	if devices, _ := cmd.Flags().GetString("devices"); devices != "" {
		cfg.Worker.Devices = devices
	}
	if interval, _ := cmd.Flags().GetDuration("poll-interval"); interval > 0 {
		cfg.Worker.PollInterval = interval
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Worker.Port = port
	}
}

// childDevice maps the pinned environment back to the logical device.
func childDevice() string {
	if os.Getenv("CUDA_VISIBLE_DEVICES") != "" {
		return "cuda:0"
	}
	return "cpu"
}

func runWorkerSlot(ctx context.Context, cfg *config.Config, splitsDir, device string) error {
	svcs, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svcs.store.Close(ctx)

	w := worker.New(worker.Config{
		OutputDir:         cfg.Paths.Output,
		SplitsDir:         splitsDir,
		SplitEnabled:      cfg.Split.Enabled,
		SplitThreshold:    cfg.Split.ThresholdPages,
		SplitChunkSize:    cfg.Split.ChunkSize,
		PollInterval:      cfg.Worker.PollInterval,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval,
		Device:            device,
	}, svcs.tasks, engines.DefaultRegistry(), buildNormalizer(ctx, cfg))

	return w.Run(ctx)
}

// buildNormalizer attaches the object-store uploader when configured. An
// unreachable store downgrades to local image references.
func buildNormalizer(ctx context.Context, cfg *config.Config) *normalizer.Normalizer {
	if !cfg.Storage.Enabled {
		return normalizer.New(nil)
	}
	uploader, err := normalizer.NewMinioUploader(ctx, &normalizer.StorageConfig{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		logger.FromContext(ctx).Warn(
			"object store unreachable, keeping image references local", "error", err)
		return normalizer.New(nil)
	}
	return normalizer.New(uploader)
}
