package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/mxtoai/mailengine/internal/data/pgxutil"
	"github.com/mxtoai/mailengine/internal/domain/model"
	apperrors "github.com/mxtoai/mailengine/internal/errors"
)

// ErrJobNotFound is returned when a scheduler job row does not exist.
var ErrJobNotFound error = apperrors.NotFound("scheduler job not found")

// SchedulerJobRepo is the shared scheduler job store. Every process reads and
// writes the same table; per-job advisory locks keep firings single-flight.
type SchedulerJobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewSchedulerJobRepo creates a new SchedulerJobRepo with the given database connection.
func NewSchedulerJobRepo(db *sql.DB) *SchedulerJobRepo {
	return &SchedulerJobRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewSchedulerJobRepoWithTimeProvider creates a SchedulerJobRepo with a custom TimeProvider.
func NewSchedulerJobRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *SchedulerJobRepo {
	return &SchedulerJobRepo{DB: db, timeProvider: tp}
}

// fnvHash computes an FNV-1a 64-bit hash of the given string for use as an
// advisory lock key. Advisory locks accept BIGINT; the unsigned hash is
// constrained into int64 range before casting.
func fnvHash(s string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	u := h.Sum64()
	if u > uint64(math.MaxInt64) {
		u %= uint64(math.MaxInt64)
	}
	return int64(u)
}

const schedulerJobColumns = `
  job_id,
  task_id,
  cron_expression,
  one_shot,
  next_run_time,
  created_at,
  updated_at
`

// Upsert registers a job, replacing any existing binding for the same task.
// Replace-if-exists keeps the store consistent when a job is re-registered
// from a process that cannot see in-memory scheduler state.
func (r *SchedulerJobRepo) Upsert(ctx context.Context, job *model.SchedulerJob) error {
	if job == nil {
		return errors.New("scheduler job is required")
	}

	now := r.timeProvider.Now().UTC()
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO scheduler_jobs (
			job_id, task_id, cron_expression, one_shot, next_run_time,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $6)
		ON CONFLICT (task_id) DO UPDATE SET
			job_id = EXCLUDED.job_id,
			cron_expression = EXCLUDED.cron_expression,
			one_shot = EXCLUDED.one_shot,
			next_run_time = EXCLUDED.next_run_time,
			updated_at = EXCLUDED.updated_at
	`, job.JobID, job.TaskID, job.CronExpression, job.OneShot, job.NextRunTime.UTC(), now)
	if err != nil {
		return fmt.Errorf("upsert scheduler job: %w", err)
	}
	return nil
}

// Get loads a job by id.
func (r *SchedulerJobRepo) Get(ctx context.Context, jobID string) (*model.SchedulerJob, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+schedulerJobColumns+` FROM scheduler_jobs WHERE job_id = $1`, jobID)
	job, err := scanSchedulerJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scheduler job: %w", err)
	}
	return job, nil
}

// Remove deletes a job row. Returns false when no row existed.
func (r *SchedulerJobRepo) Remove(ctx context.Context, jobID string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("remove scheduler job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected: %w", err)
	}
	return affected > 0, nil
}

// RemoveTx deletes a job row within an existing transaction.
func (r *SchedulerJobRepo) RemoveTx(ctx context.Context, tx *sql.Tx, jobID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduler_jobs WHERE job_id = $1`, jobID)
	if err != nil {
		return false, fmt.Errorf("remove scheduler job (tx): %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("get rows affected (tx): %w", err)
	}
	return affected > 0, nil
}

// FindDue finds jobs with next_run_time <= now. FOR UPDATE SKIP LOCKED keeps
// concurrent replicas from blocking on rows another scan already holds; the
// row locks end with this statement, so single-flight per firing rests on the
// advisory lock taken in TryWithJobLock, not on this query.
func (r *SchedulerJobRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]model.SchedulerJob, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := `
		SELECT ` + schedulerJobColumns + `
		FROM scheduler_jobs
		WHERE next_run_time <= $1
		ORDER BY next_run_time ASC, created_at ASC
		LIMIT $2
		FOR UPDATE SKIP LOCKED
	`

	var jobs []model.SchedulerJob
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, queryErr := conn.Query(ctx, query, now.UTC(), limit)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()

		collected, collectErr := pgx.CollectRows(rows, rowToSchedulerJob)
		if collectErr != nil {
			return collectErr
		}
		jobs = collected
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query due scheduler jobs: %w", err)
	}
	return jobs, nil
}

// AdvanceNextRun moves a recurring job to its next tick.
func (r *SchedulerJobRepo) AdvanceNextRun(ctx context.Context, jobID string, next time.Time) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE scheduler_jobs SET next_run_time = $2, updated_at = $3 WHERE job_id = $1
	`, jobID, next.UTC(), now)
	if err != nil {
		return fmt.Errorf("advance scheduler job: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrJobNotFound
	}
	return nil
}

// ListJobIDs returns all known job ids, ordered for stable comparison in the
// refresh loop's change detection.
func (r *SchedulerJobRepo) ListJobIDs(ctx context.Context) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id FROM scheduler_jobs ORDER BY job_id`)
	if err != nil {
		return nil, fmt.Errorf("list scheduler job ids: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			_ = closeErr
		}
	}()

	var ids []string
	for rows.Next() {
		var id string
		if scanErr := rows.Scan(&id); scanErr != nil {
			return nil, fmt.Errorf("scan job id: %w", scanErr)
		}
		ids = append(ids, id)
	}
	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, fmt.Errorf("iterate job ids: %w", rowsErr)
	}
	return ids, nil
}

// TryWithJobLock attempts to acquire an advisory lock for the given job id
// and runs fn inside the locking transaction. Return semantics:
//   - (false, nil): lock not acquired; fn was not executed
//   - (true, nil): lock acquired; fn executed and its writes committed
//   - (true, err): lock acquired; fn failed and its writes rolled back
func (r *SchedulerJobRepo) TryWithJobLock(
	ctx context.Context,
	jobID string,
	fn func(context.Context, *sql.Tx) error,
) (bool, error) {
	lockKey := fnvHash(jobID)

	var locked bool

	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			if err := tx.QueryRowContext(ctx, "SELECT pg_try_advisory_xact_lock($1)", lockKey).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock for job %s: %w", jobID, err)
			}
			if !locked {
				return nil
			}
			return fn(ctx, tx)
		},
	})
	return locked, err
}

// schedulerJobRow matches the scheduler_jobs schema for pgx.RowToStructByName.
type schedulerJobRow struct {
	JobID          string    `db:"job_id"`
	TaskID         string    `db:"task_id"`
	CronExpression string    `db:"cron_expression"`
	OneShot        bool      `db:"one_shot"`
	NextRunTime    time.Time `db:"next_run_time"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (row *schedulerJobRow) toModel() model.SchedulerJob {
	return model.SchedulerJob{
		JobID:          row.JobID,
		TaskID:         row.TaskID,
		CronExpression: row.CronExpression,
		OneShot:        row.OneShot,
		NextRunTime:    row.NextRunTime.UTC(),
		CreatedAt:      row.CreatedAt,
		UpdatedAt:      row.UpdatedAt,
	}
}

func rowToSchedulerJob(row pgx.CollectableRow) (model.SchedulerJob, error) {
	dbRow, err := pgx.RowToStructByName[schedulerJobRow](row)
	if err != nil {
		return model.SchedulerJob{}, fmt.Errorf("scan scheduler job row: %w", err)
	}
	return dbRow.toModel(), nil
}

func scanSchedulerJob(row rowScanner) (*model.SchedulerJob, error) {
	var dbRow schedulerJobRow
	err := row.Scan(
		&dbRow.JobID, &dbRow.TaskID, &dbRow.CronExpression, &dbRow.OneShot,
		&dbRow.NextRunTime, &dbRow.CreatedAt, &dbRow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job := dbRow.toModel()
	return &job, nil
}
