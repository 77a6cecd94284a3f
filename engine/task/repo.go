package task

import (
	"context"
	"errors"
	"time"

	"github.com/tianshu-ai/tianshu/engine/core"
)

var (
	// ErrTaskNotFound indicates the task id has no row.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotPending indicates an operation that requires status=pending.
	ErrTaskNotPending = errors.New("task is not pending")
	// ErrClaimLost indicates a finalize whose claim no longer holds
	// (cancelled, reset-stale, or claimed by another worker).
	ErrClaimLost = errors.New("task claim lost")
	// ErrNotChild indicates a parent-progress call on a task without a parent.
	ErrNotChild = errors.New("task has no parent")
)

// Repository is the transactional view of the task store. Implementations
// must make every write path a single write-locked transaction; the
// pending->processing transition is the critical compare-and-swap.
type Repository interface {
	Create(ctx context.Context, in *CreateInput) (*Task, error)

	// ClaimNext atomically claims the pending task with the highest priority
	// and oldest created_at for workerID. Returns (nil, nil) when no pending
	// task exists or the bounded contention retries are exhausted.
	ClaimNext(ctx context.Context, workerID string) (*Task, error)

	// ClaimByID claims a specific pending task, used when an out-of-process
	// queue has already chosen the id. Returns ErrTaskNotPending when the
	// row moved on (cancelled, claimed elsewhere).
	ClaimByID(ctx context.Context, id core.ID, workerID string) (*Task, error)

	// Finalize moves a processing task to completed or failed. The update is
	// conditional on status=processing and a worker_id match; ErrClaimLost
	// is returned otherwise.
	Finalize(ctx context.Context, id core.ID, workerID string, status Status, resultPath, errorMessage string) error

	// Cancel moves a pending task to cancelled and returns the row so the
	// caller can unlink the upload file.
	Cancel(ctx context.Context, id core.ID) (*Task, error)

	Get(ctx context.Context, id core.ID) (*Task, error)
	ListByStatus(ctx context.Context, status *Status, limit int) ([]*Task, error)
	ListForUser(ctx context.Context, userID string, status *Status, limit int) ([]*Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// ResetStale requeues processing rows whose started_at is older than
	// timeout, returning the reset tasks.
	ResetStale(ctx context.Context, timeout time.Duration) ([]*Task, error)

	// ListExpired returns completed/failed rows whose completed_at is older
	// than the retention window.
	ListExpired(ctx context.Context, olderThan time.Duration) ([]*Task, error)
	Delete(ctx context.Context, id core.ID) error

	// ConvertToParent marks the row as a fan-out parent; it stays processing
	// until the merger promotes it.
	ConvertToParent(ctx context.Context, id core.ID, childCount int) error

	// CreateChild inserts a child row and increments parent.child_count in
	// the same transaction.
	CreateChild(ctx context.Context, parentID core.ID, in *CreateInput) (*Task, error)

	// OnChildCompleted increments parent.child_completed and reports, in the
	// same transaction, whether the parent is ready to merge.
	OnChildCompleted(ctx context.Context, childID core.ID) (parentID core.ID, ready bool, err error)

	// OnChildFailed fails the parent on the first child failure; later
	// failures are no-ops because the parent does not revert.
	OnChildFailed(ctx context.Context, childID core.ID, errorMessage string) (parentID core.ID, err error)

	GetChildren(ctx context.Context, parentID core.ID) ([]*Task, error)

	// MarkImagesUploaded persists that image references were rewritten to
	// object-store URLs, making the normalizer upload step idempotent.
	MarkImagesUploaded(ctx context.Context, id core.ID) error
}
