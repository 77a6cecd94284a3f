package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/tianshu-ai/tianshu/engine/core"
	"github.com/tianshu-ai/tianshu/engine/task"
	"github.com/tianshu-ai/tianshu/pkg/logger"
)

// claimRetries bounds how often ClaimNext retries after losing the CAS race
// to another worker.
const claimRetries = 3

// errClaimContention signals the CAS race was lost inside a claim attempt.
var errClaimContention = errors.New("claim contention")

const taskColumns = `task_id, file_name, file_path, backend, options, priority, status,
	result_path, error_message, worker_id, retry_count,
	created_at, started_at, completed_at, user_id,
	parent_task_id, is_parent, child_count, child_completed, images_uploaded`

// TaskRepo implements task.Repository on top of a SQLite *sql.DB.
type TaskRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewTaskRepo creates a new SQLite-backed task repository.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(r rowScanner) (*task.Task, error) {
	var (
		t                            task.Task
		filePath, resultPath, errMsg sql.NullString
		workerID, userID, parentID   sql.NullString
		options                      sql.NullString
		createdAt                    string
		startedAt, completedAt       sql.NullString
		isParent, imagesUploaded     int
	)
	if err := r.Scan(
		&t.ID, &t.FileName, &filePath, &t.Backend, &options, &t.Priority, &t.Status,
		&resultPath, &errMsg, &workerID, &t.RetryCount,
		&createdAt, &startedAt, &completedAt, &userID,
		&parentID, &isParent, &t.ChildCount, &t.ChildCompleted, &imagesUploaded,
	); err != nil {
		return nil, err
	}
	t.FilePath = filePath.String
	t.ResultPath = resultPath.String
	t.ErrorMessage = errMsg.String
	t.WorkerID = workerID.String
	t.UserID = userID.String
	t.ParentTaskID = core.ID(parentID.String)
	t.IsParent = isParent != 0
	t.ImagesUploaded = imagesUploaded != 0
	if err := FromJSONText(options, &t.Options); err != nil {
		return nil, err
	}
	created, err := parseTime(createdAt)
	if err != nil {
		return nil, err
	}
	t.CreatedAt = created
	if t.StartedAt, err = parseTimePtr(startedAt); err != nil {
		return nil, err
	}
	if t.CompletedAt, err = parseTimePtr(completedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func (r *TaskRepo) insert(ctx context.Context, ex interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
}, in *task.CreateInput, parentID core.ID) (*task.Task, error) {
	id, err := core.NewID()
	if err != nil {
		return nil, err
	}
	optionsText, err := ToJSONText(in.Options)
	if err != nil {
		return nil, err
	}
	createdAt := r.now().UTC()
	const q = `INSERT INTO tasks
		(task_id, file_name, file_path, backend, options, priority, status, created_at, user_id, parent_task_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := ex.ExecContext(ctx, q,
		id, in.FileName, nullable(in.FilePath), in.Backend, optionsText, in.Priority,
		task.StatusPending, fmtTime(createdAt), nullable(in.UserID), nullable(parentID.String()),
	); err != nil {
		return nil, fmt.Errorf("sqlite: insert task: %w", err)
	}
	return &task.Task{
		ID:           id,
		FileName:     in.FileName,
		FilePath:     in.FilePath,
		Backend:      in.Backend,
		Options:      in.Options,
		Priority:     in.Priority,
		Status:       task.StatusPending,
		CreatedAt:    createdAt,
		UserID:       in.UserID,
		ParentTaskID: parentID,
	}, nil
}

func (r *TaskRepo) Create(ctx context.Context, in *task.CreateInput) (*task.Task, error) {
	return r.insert(ctx, r.db, in, "")
}

func (r *TaskRepo) Get(ctx context.Context, id core.ID) (*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`
	t, err := scanTask(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	return t, nil
}

// ClaimNext atomically claims the best pending row. The SELECT and the
// conditional UPDATE run in one immediate transaction; losing the update
// race means another connection claimed the row first, which is retried a
// bounded number of times before giving up with no task.
func (r *TaskRepo) ClaimNext(ctx context.Context, workerID string) (*task.Task, error) {
	var claimed *task.Task
	backoff := retry.WithMaxRetries(claimRetries, retry.NewConstant(10*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		t, err := r.claimNextOnce(ctx, workerID)
		if err != nil {
			if errors.Is(err, errClaimContention) {
				return retry.RetryableError(err)
			}
			return err
		}
		claimed = t
		return nil
	})
	if err != nil {
		if errors.Is(err, errClaimContention) {
			// Retries exhausted; the caller polls again later.
			logger.FromContext(ctx).Debug("claim contention retries exhausted", "worker_id", workerID)
			return nil, nil
		}
		return nil, err
	}
	return claimed, nil
}

func (r *TaskRepo) claimNextOnce(ctx context.Context, workerID string) (*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim tx: %w", err)
	}
	defer rollback(ctx, tx)
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND is_parent = 0
		ORDER BY priority DESC, created_at ASC
		LIMIT 1`
	t, err := scanTask(tx.QueryRowContext(ctx, q, task.StatusPending))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("sqlite: select claimable task: %w", err)
	}
	claimed, err := claimRow(ctx, tx, t, workerID, r.now())
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, errClaimContention
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return claimed, nil
}

// claimRow performs the pending->processing CAS; returns nil when the row
// was no longer pending.
func claimRow(ctx context.Context, tx *sql.Tx, t *task.Task, workerID string, now time.Time) (*task.Task, error) {
	startedAt := now.UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, worker_id = ?, started_at = ?
		 WHERE task_id = ? AND status = ?`,
		task.StatusProcessing, workerID, fmtTime(startedAt), t.ID, task.StatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("sqlite: rows affected (claim): %w", err)
	}
	if n == 0 {
		return nil, nil
	}
	t.Status = task.StatusProcessing
	t.WorkerID = workerID
	t.StartedAt = &startedAt
	return t, nil
}

func (r *TaskRepo) ClaimByID(ctx context.Context, id core.ID, workerID string) (*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin claim tx: %w", err)
	}
	defer rollback(ctx, tx)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`
	t, err := scanTask(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("sqlite: select task for claim: %w", err)
	}
	if t.Status != task.StatusPending || t.IsParent {
		return nil, task.ErrTaskNotPending
	}
	claimed, err := claimRow(ctx, tx, t, workerID, r.now())
	if err != nil {
		return nil, err
	}
	if claimed == nil {
		return nil, task.ErrTaskNotPending
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit claim: %w", err)
	}
	return claimed, nil
}

func (r *TaskRepo) Finalize(
	ctx context.Context,
	id core.ID,
	workerID string,
	status task.Status,
	resultPath, errorMessage string,
) error {
	if status != task.StatusCompleted && status != task.StatusFailed {
		return fmt.Errorf("sqlite: finalize to %q is not a terminal transition", status)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result_path = ?, error_message = ?, completed_at = ?
		 WHERE task_id = ? AND status = ? AND worker_id = ?`,
		status, nullable(resultPath), nullable(errorMessage), fmtTime(r.now()),
		id, task.StatusProcessing, workerID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: finalize task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: rows affected (finalize): %w", err)
	}
	if n == 0 {
		// The row moved on without us: cancelled, reset by the stale sweep,
		// or reclaimed by another worker.
		if _, getErr := r.Get(ctx, id); errors.Is(getErr, task.ErrTaskNotFound) {
			return task.ErrTaskNotFound
		}
		return task.ErrClaimLost
	}
	return nil
}

func (r *TaskRepo) Cancel(ctx context.Context, id core.ID) (*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin cancel tx: %w", err)
	}
	defer rollback(ctx, tx)
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE task_id = ?`
	t, err := scanTask(tx.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("sqlite: select task for cancel: %w", err)
	}
	if t.Status != task.StatusPending {
		// Return the row so the caller can report the current state.
		return t, task.ErrTaskNotPending
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, completed_at = ? WHERE task_id = ? AND status = ?`,
		task.StatusCancelled, fmtTime(r.now()), id, task.StatusPending,
	); err != nil {
		return nil, fmt.Errorf("sqlite: cancel task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit cancel: %w", err)
	}
	t.Status = task.StatusCancelled
	return t, nil
}

func (r *TaskRepo) ListByStatus(ctx context.Context, status *task.Status, limit int) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		q := `SELECT ` + taskColumns + ` FROM tasks WHERE status = ? ORDER BY created_at DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, q, *status, limit)
	} else {
		q := `SELECT ` + taskColumns + ` FROM tasks ORDER BY created_at DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, q, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepo) ListForUser(
	ctx context.Context,
	userID string,
	status *task.Status,
	limit int,
) ([]*task.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var (
		rows *sql.Rows
		err  error
	)
	if status != nil {
		q := `SELECT ` + taskColumns + ` FROM tasks
			WHERE user_id = ? AND status = ? ORDER BY created_at DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, q, userID, *status, limit)
	} else {
		q := `SELECT ` + taskColumns + ` FROM tasks
			WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`
		rows, err = r.db.QueryContext(ctx, q, userID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: list user tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]*task.Task, error) {
	defer rows.Close()
	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter tasks: %w", err)
	}
	return out, nil
}

func (r *TaskRepo) CountByStatus(ctx context.Context) (map[task.Status]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by status: %w", err)
	}
	defer rows.Close()
	out := make(map[task.Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("sqlite: scan status count: %w", err)
		}
		out[task.Status(s)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iter status counts: %w", err)
	}
	return out, nil
}

func (r *TaskRepo) ResetStale(ctx context.Context, timeout time.Duration) ([]*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin reset-stale tx: %w", err)
	}
	defer rollback(ctx, tx)
	cutoff := fmtTime(r.now().Add(-timeout))
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status = ? AND started_at IS NOT NULL AND started_at < ?`
	rows, err := tx.QueryContext(ctx, q, task.StatusProcessing, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: select stale tasks: %w", err)
	}
	stale, err := collectTasks(rows)
	if err != nil {
		return nil, err
	}
	for _, t := range stale {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, worker_id = NULL, started_at = NULL,
				retry_count = retry_count + 1
			 WHERE task_id = ? AND status = ?`,
			task.StatusPending, t.ID, task.StatusProcessing,
		); err != nil {
			return nil, fmt.Errorf("sqlite: reset stale task %s: %w", t.ID, err)
		}
		t.Status = task.StatusPending
		t.WorkerID = ""
		t.StartedAt = nil
		t.RetryCount++
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit reset-stale: %w", err)
	}
	return stale, nil
}

func (r *TaskRepo) ListExpired(ctx context.Context, olderThan time.Duration) ([]*task.Task, error) {
	cutoff := fmtTime(r.now().Add(-olderThan))
	q := `SELECT ` + taskColumns + ` FROM tasks
		WHERE status IN (` + questionList(2) + `) AND completed_at IS NOT NULL AND completed_at < ?`
	rows, err := r.db.QueryContext(ctx, q, task.StatusCompleted, task.StatusFailed, cutoff)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list expired tasks: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepo) Delete(ctx context.Context, id core.ID) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return task.ErrTaskNotFound
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (delete task): %w", raErr)
	}
	return nil
}

// --- parent / child coordination ---

func (r *TaskRepo) ConvertToParent(ctx context.Context, id core.ID, childCount int) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET is_parent = 1, status = ? WHERE task_id = ?`,
		task.StatusProcessing, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: convert to parent: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return task.ErrTaskNotFound
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (convert to parent): %w", raErr)
	}
	logger.FromContext(ctx).Info("task converted to fan-out parent",
		"task_id", id, "planned_children", childCount)
	return nil
}

func (r *TaskRepo) CreateChild(ctx context.Context, parentID core.ID, in *task.CreateInput) (*task.Task, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin create-child tx: %w", err)
	}
	defer rollback(ctx, tx)
	var isParent int
	err = tx.QueryRowContext(ctx, `SELECT is_parent FROM tasks WHERE task_id = ?`, parentID).Scan(&isParent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, task.ErrTaskNotFound
		}
		return nil, fmt.Errorf("sqlite: select parent: %w", err)
	}
	if isParent == 0 {
		return nil, fmt.Errorf("sqlite: task %s is not a parent", parentID)
	}
	child, err := r.insert(ctx, tx, in, parentID)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET child_count = child_count + 1 WHERE task_id = ?`, parentID,
	); err != nil {
		return nil, fmt.Errorf("sqlite: increment child_count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit create-child: %w", err)
	}
	return child, nil
}

// OnChildCompleted advances the parent's progress counter and checks merge
// readiness inside one transaction, so exactly one finishing child observes
// ready=true.
func (r *TaskRepo) OnChildCompleted(ctx context.Context, childID core.ID) (core.ID, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, fmt.Errorf("sqlite: begin child-completed tx: %w", err)
	}
	defer rollback(ctx, tx)
	parentID, err := parentOf(ctx, tx, childID)
	if err != nil {
		return "", false, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET child_completed = child_completed + 1
		 WHERE task_id = ? AND is_parent = 1 AND child_completed < child_count`,
		parentID,
	); err != nil {
		return "", false, fmt.Errorf("sqlite: increment child_completed: %w", err)
	}
	var (
		childCount, childCompleted int
		status                     string
	)
	err = tx.QueryRowContext(ctx,
		`SELECT child_count, child_completed, status FROM tasks WHERE task_id = ?`, parentID,
	).Scan(&childCount, &childCompleted, &status)
	if err != nil {
		return "", false, fmt.Errorf("sqlite: select parent progress: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", false, fmt.Errorf("sqlite: commit child-completed: %w", err)
	}
	ready := childCount > 0 &&
		childCompleted == childCount &&
		task.Status(status) == task.StatusProcessing
	return parentID, ready, nil
}

func (r *TaskRepo) OnChildFailed(ctx context.Context, childID core.ID, errorMessage string) (core.ID, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite: begin child-failed tx: %w", err)
	}
	defer rollback(ctx, tx)
	parentID, err := parentOf(ctx, tx, childID)
	if err != nil {
		return "", err
	}
	// First failure wins; a failed parent never reverts.
	msg := fmt.Sprintf("child task %s failed: %s", childID, errorMessage)
	if _, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?
		 WHERE task_id = ? AND status = ?`,
		task.StatusFailed, msg, fmtTime(r.now()), parentID, task.StatusProcessing,
	); err != nil {
		return "", fmt.Errorf("sqlite: fail parent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite: commit child-failed: %w", err)
	}
	return parentID, nil
}

func parentOf(ctx context.Context, tx *sql.Tx, childID core.ID) (core.ID, error) {
	var parentID sql.NullString
	err := tx.QueryRowContext(ctx,
		`SELECT parent_task_id FROM tasks WHERE task_id = ?`, childID,
	).Scan(&parentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", task.ErrTaskNotFound
		}
		return "", fmt.Errorf("sqlite: select parent id: %w", err)
	}
	if !parentID.Valid || parentID.String == "" {
		return "", task.ErrNotChild
	}
	return core.ID(parentID.String), nil
}

func (r *TaskRepo) GetChildren(ctx context.Context, parentID core.ID) ([]*task.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE parent_task_id = ? ORDER BY created_at ASC`
	rows, err := r.db.QueryContext(ctx, q, parentID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list children: %w", err)
	}
	return collectTasks(rows)
}

func (r *TaskRepo) MarkImagesUploaded(ctx context.Context, id core.ID) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET images_uploaded = 1 WHERE task_id = ?`, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: mark images uploaded: %w", err)
	}
	if n, raErr := res.RowsAffected(); raErr == nil {
		if n == 0 {
			return task.ErrTaskNotFound
		}
	} else {
		return fmt.Errorf("sqlite: rows affected (mark images uploaded): %w", raErr)
	}
	return nil
}
