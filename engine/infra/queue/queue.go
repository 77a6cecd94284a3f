package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// priorityWeight spaces priority classes far enough apart that the enqueue
// timestamp can never cross into an adjacent class.
const priorityWeight = 1e10

const defaultVisibilityTimeout = 300 * time.Second

// ErrWrongWorker indicates a heartbeat from a worker that does not hold the
// claim.
var ErrWrongWorker = errors.New("queue: claim held by another worker")

// claim is the tracking record stored for each in-flight task.
type claim struct {
	WorkerID  string `json:"worker_id"`
	ClaimedAt int64  `json:"claimed_at"`
	Priority  int    `json:"priority"`
}

// TaskQueue is the Redis realization of the priority queue: a sorted set for
// pending entries plus a hash tracking in-flight claims so a periodic sweep
// can requeue entries whose claim aged past the visibility timeout.
type TaskQueue struct {
	redis      *Redis
	prefix     string
	visibility time.Duration
	now        func() time.Time
}

// NewTaskQueue builds a TaskQueue on an established connection.
func NewTaskQueue(r *Redis) *TaskQueue {
	prefix := "tianshu"
	visibility := defaultVisibilityTimeout
	if r.config != nil {
		if r.config.KeyPrefix != "" {
			prefix = r.config.KeyPrefix
		}
		if r.config.VisibilityTimeout > 0 {
			visibility = r.config.VisibilityTimeout
		}
	}
	return &TaskQueue{redis: r, prefix: prefix, visibility: visibility, now: time.Now}
}

func (q *TaskQueue) queueKey() string      { return q.prefix + ":task_queue" }
func (q *TaskQueue) processingKey() string { return q.prefix + ":processing" }

// Score orders entries so that ascending score means next to run: strictly
// higher priority first, then older enqueue time.
func Score(priority int, enqueuedAt time.Time) float64 {
	return -float64(priority)*priorityWeight + float64(enqueuedAt.Unix())
}

// Enqueue publishes a pending task id.
func (q *TaskQueue) Enqueue(ctx context.Context, taskID core.ID, priority int) error {
	score := Score(priority, q.now())
	if err := q.redis.Client().ZAdd(ctx, q.queueKey(), redis.Z{
		Score:  score,
		Member: taskID.String(),
	}).Err(); err != nil {
		return fmt.Errorf("queue: enqueue %s: %w", taskID, err)
	}
	return nil
}

// Dequeue blocks up to wait for the lowest-score entry and records a claim
// for workerID. Returns an empty id when the wait expired with no work.
func (q *TaskQueue) Dequeue(ctx context.Context, workerID string, wait time.Duration) (core.ID, error) {
	res, err := q.redis.Client().BZPopMin(ctx, wait, q.queueKey()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("queue: dequeue: %w", err)
	}
	taskID, ok := res.Member.(string)
	if !ok {
		return "", fmt.Errorf("queue: unexpected member type %T", res.Member)
	}
	// Recover the priority class; the timestamp component is well under half
	// a priority step, so rounding is exact.
	priority := int(math.Round(-res.Score / priorityWeight))
	if err := q.trackClaim(ctx, core.ID(taskID), workerID, priority); err != nil {
		return "", err
	}
	return core.ID(taskID), nil
}

func (q *TaskQueue) trackClaim(ctx context.Context, taskID core.ID, workerID string, priority int) error {
	payload, err := json.Marshal(claim{
		WorkerID:  workerID,
		ClaimedAt: q.now().Unix(),
		Priority:  priority,
	})
	if err != nil {
		return fmt.Errorf("queue: marshal claim: %w", err)
	}
	if err := q.redis.Client().HSet(ctx, q.processingKey(), taskID.String(), payload).Err(); err != nil {
		return fmt.Errorf("queue: track claim %s: %w", taskID, err)
	}
	return nil
}

// Complete drops the claim record after a finalized task.
func (q *TaskQueue) Complete(ctx context.Context, taskID core.ID) error {
	if err := q.redis.Client().HDel(ctx, q.processingKey(), taskID.String()).Err(); err != nil {
		return fmt.Errorf("queue: complete %s: %w", taskID, err)
	}
	return nil
}

// Fail drops the claim record; requeueing is the store's decision, not the
// queue's.
func (q *TaskQueue) Fail(ctx context.Context, taskID core.ID) error {
	return q.Complete(ctx, taskID)
}

// Remove withdraws a pending entry (cancellation) and any claim record.
func (q *TaskQueue) Remove(ctx context.Context, taskID core.ID) error {
	pipe := q.redis.Client().TxPipeline()
	pipe.ZRem(ctx, q.queueKey(), taskID.String())
	pipe.HDel(ctx, q.processingKey(), taskID.String())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: remove %s: %w", taskID, err)
	}
	return nil
}

// Heartbeat refreshes the claim timestamp so the stale sweep does not
// reclaim a long-running task.
func (q *TaskQueue) Heartbeat(ctx context.Context, taskID core.ID, workerID string) error {
	raw, err := q.redis.Client().HGet(ctx, q.processingKey(), taskID.String()).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("queue: heartbeat read %s: %w", taskID, err)
	}
	var c claim
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return fmt.Errorf("queue: heartbeat decode %s: %w", taskID, err)
	}
	if c.WorkerID != workerID {
		return ErrWrongWorker
	}
	c.ClaimedAt = q.now().Unix()
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("queue: heartbeat marshal %s: %w", taskID, err)
	}
	if err := q.redis.Client().HSet(ctx, q.processingKey(), taskID.String(), payload).Err(); err != nil {
		return fmt.Errorf("queue: heartbeat write %s: %w", taskID, err)
	}
	return nil
}

// RecoverStale requeues every claim older than the visibility timeout and
// returns how many entries were recovered.
func (q *TaskQueue) RecoverStale(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	claims, err := q.redis.Client().HGetAll(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list claims: %w", err)
	}
	cutoff := q.now().Add(-q.visibility).Unix()
	recovered := 0
	for taskID, raw := range claims {
		var c claim
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			log.Warn("dropping undecodable claim record", "task_id", taskID, "error", err)
			q.redis.Client().HDel(ctx, q.processingKey(), taskID)
			continue
		}
		if c.ClaimedAt > cutoff {
			continue
		}
		pipe := q.redis.Client().TxPipeline()
		pipe.ZAdd(ctx, q.queueKey(), redis.Z{
			Score:  Score(c.Priority, q.now()),
			Member: taskID,
		})
		pipe.HDel(ctx, q.processingKey(), taskID)
		if _, err := pipe.Exec(ctx); err != nil {
			return recovered, fmt.Errorf("queue: recover %s: %w", taskID, err)
		}
		log.Warn("recovered stale claim",
			"task_id", taskID,
			"worker_id", c.WorkerID,
			"claim_age", q.now().Unix()-c.ClaimedAt)
		recovered++
	}
	return recovered, nil
}

// Stats returns the pending and in-flight entry counts.
func (q *TaskQueue) Stats(ctx context.Context) (pending, processing int64, err error) {
	pending, err = q.redis.Client().ZCard(ctx, q.queueKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: pending count: %w", err)
	}
	processing, err = q.redis.Client().HLen(ctx, q.processingKey()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("queue: processing count: %w", err)
	}
	return pending, processing, nil
}
