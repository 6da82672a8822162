package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/mxtoai/mailengine/internal/errors"

	"github.com/mxtoai/mailengine/internal/domain/model"
)

// ErrRunNotFound is returned when a task run row does not exist.
var ErrRunNotFound error = apperrors.NotFound("task run not found")

// TaskRunRepo provides database operations for task runs.
type TaskRunRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTaskRunRepo creates a new TaskRunRepo with the given database connection.
func NewTaskRunRepo(db *sql.DB) *TaskRunRepo {
	return &TaskRunRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewTaskRunRepoWithTimeProvider creates a TaskRunRepo with a custom TimeProvider.
func NewTaskRunRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *TaskRunRepo {
	return &TaskRunRepo{DB: db, timeProvider: tp}
}

// Create inserts a new task run row.
func (r *TaskRunRepo) Create(ctx context.Context, run *model.TaskRun) error {
	return r.create(ctx, r.DB, run)
}

// CreateTx inserts a run within an existing transaction, so the executor can
// pair EXECUTING promotion and IN_PROGRESS creation atomically.
func (r *TaskRunRepo) CreateTx(ctx context.Context, tx *sql.Tx, run *model.TaskRun) error {
	return r.create(ctx, tx, run)
}

func (r *TaskRunRepo) create(ctx context.Context, ex execer, run *model.TaskRun) error {
	if run == nil {
		return errors.New("task run is required")
	}
	if !run.Status.Valid() {
		return fmt.Errorf("invalid run status %q", run.Status)
	}

	now := r.timeProvider.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now

	_, err := ex.ExecContext(ctx, `
		INSERT INTO task_runs (run_id, task_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`, run.RunID, run.TaskID, string(run.Status), now, now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert task run: %w", err))
	}
	return nil
}

// UpdateStatus moves a run to a new status.
func (r *TaskRunRepo) UpdateStatus(ctx context.Context, runID string, status model.RunStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid run status %q", status)
	}
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE task_runs SET status = $2, updated_at = $3 WHERE run_id = $1
	`, runID, string(status), now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("update task run: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrRunNotFound
	}
	return nil
}

// LatestForTask returns the most recent run for a task, or nil when none exists.
func (r *TaskRunRepo) LatestForTask(ctx context.Context, taskID string) (*model.TaskRun, error) {
	row := r.DB.QueryRowContext(ctx, `
		SELECT run_id, task_id, status, created_at, updated_at
		FROM task_runs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, taskID)

	var run model.TaskRun
	var status string
	err := row.Scan(&run.RunID, &run.TaskID, &status, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest run: %w", err)
	}
	run.Status = model.RunStatus(status)
	return &run, nil
}

// InProgressCount counts the runs currently marked IN_PROGRESS for a task.
// The lifecycle invariant keeps this at most 1.
func (r *TaskRunRepo) InProgressCount(ctx context.Context, taskID string) (int, error) {
	var count int
	err := r.DB.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM task_runs WHERE task_id = $1 AND status = $2
	`, taskID, string(model.RunStatusInProgress)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count in-progress runs: %w", err)
	}
	return count, nil
}
