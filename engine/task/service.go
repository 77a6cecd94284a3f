package task

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/engine/infra/queue"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// Service is the task lifecycle front door shared by the API surface and
// the workers. The store row is always authoritative; the Redis queue, when
// attached, is an accelerator for dequeue latency.
type Service struct {
	repo  Repository
	queue *queue.TaskQueue
}

// NewService builds a Service; q may be nil to run on the embedded queue
// alone.
func NewService(repo Repository, q *queue.TaskQueue) *Service {
	return &Service{repo: repo, queue: q}
}

// QueueEnabled reports whether the out-of-process queue is attached.
func (s *Service) QueueEnabled() bool { return s.queue != nil }

// Submit inserts a pending row and publishes it to the queue. A failed
// publish is non-fatal: the embedded queue serves the row instead.
func (s *Service) Submit(ctx context.Context, in *CreateInput) (*Task, error) {
	t, err := s.repo.Create(ctx, in)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, t)
	return t, nil
}

// SubmitChild inserts a shard row under parentID and publishes it.
func (s *Service) SubmitChild(ctx context.Context, parentID core.ID, in *CreateInput) (*Task, error) {
	t, err := s.repo.CreateChild(ctx, parentID, in)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, t)
	return t, nil
}

func (s *Service) publish(ctx context.Context, t *Task) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Enqueue(ctx, t.ID, t.Priority); err != nil {
		logger.FromContext(ctx).Warn("queue publish failed; embedded queue will serve the task",
			"task_id", t.ID, "error", err)
	}
}

// ClaimNext claims the next runnable task for workerID, consulting the
// Redis queue first and falling back to the store scan.
func (s *Service) ClaimNext(ctx context.Context, workerID string, wait time.Duration) (*Task, error) {
	log := logger.FromContext(ctx)
	if s.queue != nil {
		id, err := s.queue.Dequeue(ctx, workerID, wait)
		switch {
		case err != nil:
			log.Warn("queue dequeue failed; falling back to store scan", "error", err)
		case !id.IsZero():
			t, err := s.repo.ClaimByID(ctx, id, workerID)
			if err == nil {
				return t, nil
			}
			if errors.Is(err, ErrTaskNotPending) || errors.Is(err, ErrTaskNotFound) {
				// Row moved on (cancelled or already claimed); drop the
				// claim record and report no work for this cycle.
				if qErr := s.queue.Complete(ctx, id); qErr != nil {
					log.Warn("failed to drop dead queue entry", "task_id", id, "error", qErr)
				}
				return nil, nil
			}
			return nil, err
		}
	}
	return s.repo.ClaimNext(ctx, workerID)
}

// Complete finalizes a claimed task as completed.
func (s *Service) Complete(ctx context.Context, id core.ID, workerID, resultPath string) error {
	if err := s.repo.Finalize(ctx, id, workerID, StatusCompleted, resultPath, ""); err != nil {
		return err
	}
	s.dropClaim(ctx, id)
	return nil
}

// Fail finalizes a claimed task as failed.
func (s *Service) Fail(ctx context.Context, id core.ID, workerID, errorMessage string) error {
	if err := s.repo.Finalize(ctx, id, workerID, StatusFailed, "", errorMessage); err != nil {
		return err
	}
	s.dropClaim(ctx, id)
	return nil
}

func (s *Service) dropClaim(ctx context.Context, id core.ID) {
	if s.queue == nil {
		return
	}
	if err := s.queue.Complete(ctx, id); err != nil {
		logger.FromContext(ctx).Warn("failed to drop queue claim", "task_id", id, "error", err)
	}
}

// Heartbeat refreshes the queue claim for a long-running task.
func (s *Service) Heartbeat(ctx context.Context, id core.ID, workerID string) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Heartbeat(ctx, id, workerID)
}

// Cancel withdraws a pending task and unlinks its upload file.
func (s *Service) Cancel(ctx context.Context, id core.ID) (*Task, error) {
	t, err := s.repo.Cancel(ctx, id)
	if err != nil {
		return t, err
	}
	if s.queue != nil {
		if qErr := s.queue.Remove(ctx, id); qErr != nil {
			logger.FromContext(ctx).Warn("failed to withdraw queue entry", "task_id", id, "error", qErr)
		}
	}
	if t.FilePath != "" {
		if rmErr := os.Remove(t.FilePath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.FromContext(ctx).Warn("failed to unlink upload", "path", t.FilePath, "error", rmErr)
		}
	}
	return t, nil
}

func (s *Service) Get(ctx context.Context, id core.ID) (*Task, error) {
	return s.repo.Get(ctx, id)
}

// GetWithChildren loads a task plus, for parents, its shard rows.
func (s *Service) GetWithChildren(ctx context.Context, id core.ID) (*Task, []*Task, error) {
	t, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if !t.IsParent {
		return t, nil, nil
	}
	children, err := s.repo.GetChildren(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return t, children, nil
}

func (s *Service) ListByStatus(ctx context.Context, status *Status, limit int) ([]*Task, error) {
	return s.repo.ListByStatus(ctx, status, limit)
}

func (s *Service) ListForUser(ctx context.Context, userID string, status *Status, limit int) ([]*Task, error) {
	return s.repo.ListForUser(ctx, userID, status, limit)
}

func (s *Service) GetChildren(ctx context.Context, parentID core.ID) ([]*Task, error) {
	return s.repo.GetChildren(ctx, parentID)
}

func (s *Service) ConvertToParent(ctx context.Context, id core.ID, childCount int) error {
	return s.repo.ConvertToParent(ctx, id, childCount)
}

func (s *Service) OnChildCompleted(ctx context.Context, childID core.ID) (core.ID, bool, error) {
	return s.repo.OnChildCompleted(ctx, childID)
}

func (s *Service) OnChildFailed(ctx context.Context, childID core.ID, errorMessage string) (core.ID, error) {
	return s.repo.OnChildFailed(ctx, childID, errorMessage)
}

func (s *Service) MarkImagesUploaded(ctx context.Context, id core.ID) error {
	return s.repo.MarkImagesUploaded(ctx, id)
}

// Stats returns counts per status plus queue-backend liveness fields.
func (s *Service) Stats(ctx context.Context) (map[string]any, error) {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	total := 0
	out := make(map[string]any)
	for _, status := range []Status{
		StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled,
	} {
		out[string(status)] = counts[status]
		total += counts[status]
	}
	out["total"] = total
	out["_redis_enabled"] = s.queue != nil
	if s.queue != nil {
		pending, processing, err := s.queue.Stats(ctx)
		if err != nil {
			logger.FromContext(ctx).Warn("queue stats unavailable", "error", err)
		} else {
			out["_redis_pending"] = pending
			out["_redis_processing"] = processing
		}
	}
	return out, nil
}

// ResetStale reclaims stuck processing rows and requeues them. When the
// Redis queue is attached its claim sweep runs first so aged entries are
// requeued there too.
func (s *Service) ResetStale(ctx context.Context, timeout time.Duration) (int, error) {
	log := logger.FromContext(ctx)
	if s.queue != nil {
		recovered, err := s.queue.RecoverStale(ctx)
		if err != nil {
			log.Warn("queue stale recovery failed", "error", err)
		} else if recovered > 0 {
			log.Info("recovered stale queue claims", "count", recovered)
		}
	}
	reset, err := s.repo.ResetStale(ctx, timeout)
	if err != nil {
		return 0, err
	}
	for _, t := range reset {
		// Parent rows track fan-out progress and are never claimed
		// directly, so they stay out of the accelerator queue.
		if !t.IsParent {
			s.publish(ctx, t)
		}
		log.Warn("reset stale task",
			"task_id", t.ID, "retry_count", t.RetryCount)
	}
	return len(reset), nil
}

// Cleanup removes terminal rows older than the retention window together
// with their upload files and result directories.
func (s *Service) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	log := logger.FromContext(ctx)
	expired, err := s.repo.ListExpired(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, t := range expired {
		if t.FilePath != "" {
			if err := os.Remove(t.FilePath); err != nil && !os.IsNotExist(err) {
				log.Warn("failed to unlink upload during cleanup", "path", t.FilePath, "error", err)
			}
		}
		if t.ResultPath != "" {
			if err := os.RemoveAll(t.ResultPath); err != nil {
				log.Warn("failed to remove result dir during cleanup", "path", t.ResultPath, "error", err)
			}
		}
		if err := s.repo.Delete(ctx, t.ID); err != nil {
			return removed, fmt.Errorf("cleanup delete %s: %w", t.ID, err)
		}
		removed++
	}
	if removed > 0 {
		log.Info("retention cleanup removed tasks", "count", removed)
	}
	return removed, nil
}
