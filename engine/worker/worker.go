package worker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/normalizer"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Config carries the per-process worker settings.
type Config struct {
	OutputDir string
	SplitsDir string

	SplitEnabled   bool
	SplitThreshold int
	SplitChunkSize int

	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// Device is the compute slot this process addresses ("cpu", "cuda:0").
	Device string
}

// Worker claims tasks one at a time and drives them through preprocessing,
// the engine call, normalization, and finalization.
type Worker struct {
	id       string
	cfg      Config
	svc      *task.Service
	registry *engines.Registry
	norm     *normalizer.Normalizer
}

// ID derives the stable worker identity for a device slot.
func ID(device string) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("tianshu-%s-%s-%d", host, device, os.Getpid())
}

// New builds a worker for one device slot.
func New(cfg Config, svc *task.Service, registry *engines.Registry, norm *normalizer.Normalizer) *Worker {
	if cfg.Device == "" {
		cfg.Device = "cpu"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 60 * time.Second
	}
	if cfg.SplitThreshold <= 0 {
		cfg.SplitThreshold = 500
	}
	if cfg.SplitChunkSize <= 0 {
		cfg.SplitChunkSize = 500
	}
	return &Worker{
		id:       ID(cfg.Device),
		cfg:      cfg,
		svc:      svc,
		registry: registry,
		norm:     norm,
	}
}

// WorkerID returns the identity stamped on claimed rows.
func (w *Worker) WorkerID() string { return w.id }

// Run polls for work until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.FromContext(ctx).With("worker_id", w.id)
	ctx = logger.ContextWithLogger(ctx, log)
	log.Info("worker started",
		"device", w.cfg.Device,
		"poll_interval", w.cfg.PollInterval,
		"split_enabled", w.cfg.SplitEnabled)
	for {
		processed, err := w.ProcessOne(ctx)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("worker stopping")
				return nil
			}
			log.Error("work cycle failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			log.Info("worker stopping")
			return nil
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

// ProcessOne claims and fully handles at most one task. It reports whether
// a task was processed so the poll loop can skip its sleep under load.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	t, err := w.svc.ClaimNext(ctx, w.id, w.cfg.PollInterval)
	if err != nil {
		return false, err
	}
	if t == nil {
		return false, nil
	}
	w.process(ctx, t)
	return true, nil
}

// process owns the full lifecycle of one claimed task. All failure paths
// finalize the row; the function never returns an error upward because the
// worker must keep polling.
func (w *Worker) process(ctx context.Context, t *task.Task) {
	log := logger.FromContext(ctx).With("task_id", t.ID, "file", t.FileName, "backend", t.Backend)
	ctx = logger.ContextWithLogger(ctx, log)
	log.Info("processing task")

	defer func() {
		if r := recover(); r != nil {
			log.Error("panic while processing task", "panic", r)
			w.fail(ctx, t, fmt.Sprintf("internal error: %v", r))
		}
	}()

	workFile, cleanup, err := w.preprocess(ctx, t)
	if err != nil {
		w.fail(ctx, t, err.Error())
		return
	}
	defer cleanup()

	// Fan-out gate: oversized PDFs become parents and return immediately;
	// shards (rows carrying chunk_info) are never re-split.
	if _, isShard := t.ChunkInfo(); !isShard && t.ParentTaskID.IsZero() {
		handled, err := w.maybeSplit(ctx, t, workFile)
		if err != nil {
			w.fail(ctx, t, err.Error())
			return
		}
		if handled {
			return
		}
	}

	// Dispatch keys off the work file: a converted office document must
	// route as a PDF, not under its original extension.
	engine, err := w.registry.Resolve(t.Backend, filepath.Base(workFile))
	if err != nil {
		w.fail(ctx, t, err.Error())
		return
	}

	outputDir := w.taskOutputDir(t)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		w.fail(ctx, t, fmt.Sprintf("create output dir: %v", err))
		return
	}

	stopHeartbeat := w.startHeartbeat(ctx, t)
	_, parseErr := engine.Parse(ctx, engines.Input{
		FilePath:  workFile,
		FileName:  t.FileName,
		OutputDir: outputDir,
		Options:   t.Options,
	})
	stopHeartbeat()
	if parseErr != nil {
		w.fail(ctx, t, parseErr.Error())
		return
	}

	if err := w.normalize(ctx, t, outputDir); err != nil {
		w.fail(ctx, t, err.Error())
		return
	}

	if err := w.svc.Complete(ctx, t.ID, w.id, outputDir); err != nil {
		log.Error("failed to finalize task", "error", err)
		return
	}
	log.Info("task completed", "result_path", outputDir)

	if !t.ParentTaskID.IsZero() {
		w.onShardCompleted(ctx, t)
	}
}

// normalize canonicalizes the output dir and persists the upload marker so
// reruns never double-upload.
func (w *Worker) normalize(ctx context.Context, t *task.Task, outputDir string) error {
	res, err := w.norm.Normalize(ctx, outputDir, t.ID.String(), t.ImagesUploaded)
	if err != nil {
		return fmt.Errorf("normalize output: %w", err)
	}
	if res.Uploaded {
		if err := w.svc.MarkImagesUploaded(ctx, t.ID); err != nil {
			logger.FromContext(ctx).Warn("failed to persist upload marker", "error", err)
		}
	}
	return nil
}

// onShardCompleted advances the parent's counters and, when this shard was
// the last one, runs the merge.
func (w *Worker) onShardCompleted(ctx context.Context, t *task.Task) {
	log := logger.FromContext(ctx)
	parentID, ready, err := w.svc.OnChildCompleted(ctx, t.ID)
	if err != nil {
		log.Error("failed to advance parent progress", "error", err)
		return
	}
	if !ready {
		return
	}
	log.Info("all shards completed; merging", "parent_task_id", parentID)
	if err := w.merge(ctx, parentID); err != nil {
		log.Error("merge failed", "parent_task_id", parentID, "error", err)
		parent, getErr := w.svc.Get(ctx, parentID)
		if getErr != nil {
			return
		}
		if failErr := w.svc.Fail(ctx, parentID, parent.WorkerID, fmt.Sprintf("merge failed: %v", err)); failErr != nil {
			log.Error("failed to finalize parent after merge failure", "error", failErr)
		}
	}
}

// fail finalizes the row and, for shards, propagates the failure to the
// parent (first failure wins).
func (w *Worker) fail(ctx context.Context, t *task.Task, msg string) {
	log := logger.FromContext(ctx)
	log.Error("task failed", "reason", msg)
	if err := w.svc.Fail(ctx, t.ID, w.id, msg); err != nil {
		log.Error("failed to finalize failed task", "error", err)
	}
	if !t.ParentTaskID.IsZero() {
		if _, err := w.svc.OnChildFailed(ctx, t.ID, msg); err != nil {
			log.Error("failed to propagate shard failure", "error", err)
		}
	}
}

// startHeartbeat keeps the queue claim fresh while the engine runs.
func (w *Worker) startHeartbeat(ctx context.Context, t *task.Task) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := w.svc.Heartbeat(hbCtx, t.ID, w.id); err != nil {
					logger.FromContext(ctx).Warn("heartbeat failed", "task_id", t.ID, "error", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// taskOutputDir is output/<stem>_<short id> so concurrent uploads of the
// same file name never share a directory.
func (w *Worker) taskOutputDir(t *task.Task) string {
	stem := strings.TrimSuffix(t.FileName, filepath.Ext(t.FileName))
	short := t.ID.String()
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(w.cfg.OutputDir, fmt.Sprintf("%s_%s", stem, short))
}
