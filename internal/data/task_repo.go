// Package data provides the PostgreSQL and Redis repositories shared by the
// ingress, the scheduler, and the workers.
package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/mxtoai/mailengine/internal/errors"

	"github.com/mxtoai/mailengine/internal/domain/model"
)

// ErrTaskNotFound is returned when a task row does not exist.
var ErrTaskNotFound error = apperrors.NotFound("task not found")

// TaskRepo provides database operations for tasks.
type TaskRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewTaskRepo creates a new TaskRepo with the given database connection.
func NewTaskRepo(db *sql.DB) *TaskRepo {
	return &TaskRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewTaskRepoWithTimeProvider creates a TaskRepo with a custom TimeProvider.
func NewTaskRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *TaskRepo {
	return &TaskRepo{DB: db, timeProvider: tp}
}

const taskColumns = `
  task_id,
  email_id,
  cron_expression,
  email_request,
  scheduler_job_id,
  start_time,
  expiry_time,
  status,
  created_at,
  updated_at
`

// Create inserts a new task row.
func (r *TaskRepo) Create(ctx context.Context, task *model.Task) error {
	if task == nil {
		return errors.New("task is required")
	}
	if !task.Status.Valid() {
		return fmt.Errorf("invalid task status %q", task.Status)
	}

	var payload []byte
	if task.EmailRequest != nil {
		b, err := json.Marshal(task.EmailRequest)
		if err != nil {
			return fmt.Errorf("marshal email request: %w", err)
		}
		payload = b
	}

	now := r.timeProvider.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO tasks (
			task_id, email_id, cron_expression, email_request,
			scheduler_job_id, start_time, expiry_time, status,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		task.TaskID, task.EmailID, task.CronExpression, payload,
		task.SchedulerJobID, nullableTime(task.StartTime), nullableTime(task.ExpiryTime),
		string(task.Status), now, now,
	)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("insert task: %w", err))
	}
	return nil
}

// Get loads a task by id.
func (r *TaskRepo) Get(ctx context.Context, taskID string) (*model.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

// GetWithLatestRun loads a task and its most recent run, when one exists.
func (r *TaskRepo) GetWithLatestRun(ctx context.Context, taskID string) (*model.Task, *model.TaskRun, error) {
	task, err := r.Get(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT run_id, task_id, status, created_at, updated_at
		FROM task_runs
		WHERE task_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, taskID)

	var run model.TaskRun
	err = row.Scan(&run.RunID, &run.TaskID, &run.Status, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return task, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("get latest run: %w", err)
	}
	return task, &run, nil
}

// Transition moves a task between lifecycle statuses. Transitions into a
// terminal status clear email_request and scheduler_job_id in the same
// UPDATE so the invariant can never be observed half-applied.
func (r *TaskRepo) Transition(ctx context.Context, p model.TransitionParams) error {
	return r.transition(ctx, r.DB, p)
}

// TransitionTx is the transactional variant of Transition.
func (r *TaskRepo) TransitionTx(ctx context.Context, tx *sql.Tx, p model.TransitionParams) error {
	return r.transition(ctx, tx, p)
}

// execer abstracts *sql.DB and *sql.Tx for shared statements.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *TaskRepo) transition(ctx context.Context, ex execer, p model.TransitionParams) error {
	if !p.To.Valid() {
		return fmt.Errorf("invalid target status %q", p.To)
	}
	// Guarded transitions must also be legal per the lifecycle graph; a bad
	// guard pair is a programming error caught before touching the database.
	for _, from := range p.From {
		if !model.CanTransition(from, p.To) {
			return &model.ErrInvalidTransition{From: from, To: p.To}
		}
	}

	now := r.timeProvider.Now().UTC()
	clauses := []string{"status = $2", "updated_at = $3"}
	args := []any{p.TaskID, string(p.To), now}

	if p.To.Terminal() {
		clauses = append(clauses, "email_request = NULL", "scheduler_job_id = NULL")
	}

	var b strings.Builder
	b.WriteString("UPDATE tasks SET ")
	b.WriteString(strings.Join(clauses, ", "))
	b.WriteString(" WHERE task_id = $1")

	if len(p.From) > 0 {
		placeholders := make([]string, 0, len(p.From))
		for _, from := range p.From {
			args = append(args, string(from))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		b.WriteString(" AND status IN (")
		b.WriteString(strings.Join(placeholders, ", "))
		b.WriteString(")")
	}

	res, err := ex.ExecContext(ctx, b.String(), args...)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("transition task: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// SetSchedulerJobID attaches or clears the scheduler job pointer.
func (r *TaskRepo) SetSchedulerJobID(ctx context.Context, taskID string, jobID *string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE tasks SET scheduler_job_id = $2, updated_at = $3 WHERE task_id = $1
	`, taskID, jobID, now)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("set scheduler job id: %w", err))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// Delete removes the task row entirely. It exists for the scheduling tool's
// registration-failure cleanup; normal deletion uses a DELETED transition.
func (r *TaskRepo) Delete(ctx context.Context, taskID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return apperrors.MapDBError(fmt.Errorf("delete task: %w", err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		task      model.Task
		payload   []byte
		jobID     sql.NullString
		startTime sql.NullTime
		expiry    sql.NullTime
		status    string
	)
	err := row.Scan(
		&task.TaskID, &task.EmailID, &task.CronExpression, &payload,
		&jobID, &startTime, &expiry, &status,
		&task.CreatedAt, &task.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Status = model.TaskStatus(status)
	if jobID.Valid {
		task.SchedulerJobID = &jobID.String
	}
	if startTime.Valid {
		t := startTime.Time.UTC()
		task.StartTime = &t
	}
	if expiry.Valid {
		t := expiry.Time.UTC()
		task.ExpiryTime = &t
	}
	if len(payload) > 0 {
		req, parseErr := model.ParseEmailRequest(payload)
		if parseErr != nil {
			return nil, apperrors.Corrupted(fmt.Sprintf("stored email request for task %s is corrupted", task.TaskID), parseErr)
		}
		task.EmailRequest = req
	}
	return &task, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
