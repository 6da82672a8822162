package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/mxtoai/mailengine/internal/domain/model"
)

// queueChannel is the pg_notify channel workers listen on.
const queueChannel = "email_queue_added"

// defaultMaxRetries bounds re-delivery of a failed queue item.
const defaultMaxRetries = 3

// ErrQueueItemNotFound is returned when a queue row does not exist.
var ErrQueueItemNotFound = errors.New("queue item not found")

// QueueRepo is the durable work queue between the ingress and the workers,
// backed by the email_queue table. Reservation uses FOR UPDATE SKIP LOCKED
// under a lease; enqueue wakes waiting workers via pg_notify.
type QueueRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
}

// NewQueueRepo creates a new QueueRepo with the given database connection.
func NewQueueRepo(db *sql.DB) *QueueRepo {
	return &QueueRepo{DB: db, timeProvider: &RealTimeProvider{}}
}

// NewQueueRepoWithTimeProvider creates a QueueRepo with a custom TimeProvider.
func NewQueueRepoWithTimeProvider(db *sql.DB, tp TimeProvider) *QueueRepo {
	return &QueueRepo{DB: db, timeProvider: tp}
}

const queueColumns = `
  id,
  status,
  payload,
  message_id,
  scheduled_task_id,
  retry_count,
  max_retries,
  lease_expires_at,
  scheduled_at,
  created_at,
  updated_at
`

// Enqueue inserts a pending item and notifies waiting workers.
func (r *QueueRepo) Enqueue(ctx context.Context, item *model.QueueItem) (*model.QueueItem, error) {
	if item == nil {
		return nil, errors.New("queue item is required")
	}
	if len(item.Payload) == 0 {
		return nil, errors.New("queue item payload is required")
	}
	if !json.Valid(item.Payload) {
		return nil, errors.New("queue item payload must be valid JSON")
	}

	maxRetries := item.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	now := r.timeProvider.Now().UTC()
	row := r.DB.QueryRowContext(ctx, `
		INSERT INTO email_queue (
			id, status, payload, message_id, scheduled_task_id,
			retry_count, max_retries, scheduled_at, created_at, updated_at
		) VALUES ($1, 'pending', $2, $3, $4, 0, $5, $6, $6, $6)
		RETURNING `+queueColumns+`
	`, item.ID, []byte(item.Payload), item.MessageID, item.ScheduledTaskID, maxRetries, now)

	created, err := scanQueueItem(row)
	if err != nil {
		return nil, fmt.Errorf("insert queue item: %w", err)
	}

	if _, notifyErr := r.DB.ExecContext(ctx, `SELECT pg_notify($1::text, $2::text)`, queueChannel, created.ID); notifyErr != nil {
		return nil, fmt.Errorf("send queue notification: %w", notifyErr)
	}
	return created, nil
}

// reserveNextSQL atomically reserves the oldest runnable item. Expired leases
// are reclaimed by treating running items whose lease has lapsed as pending.
const reserveNextSQL = `
  WITH cte AS (
    SELECT id FROM email_queue
    WHERE (status = 'pending' OR (status = 'running' AND lease_expires_at <= $1))
      AND scheduled_at <= $1
    ORDER BY scheduled_at ASC, created_at ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE email_queue q
  SET status = 'running',
      lease_expires_at = $2,
      updated_at = $1
  FROM cte
  WHERE q.id = cte.id
  RETURNING q.id, q.status, q.payload, q.message_id, q.scheduled_task_id,
    q.retry_count, q.max_retries, q.lease_expires_at, q.scheduled_at,
    q.created_at, q.updated_at`

// ReserveNext reserves the next pending item under a lease, or returns nil
// when nothing is runnable.
func (r *QueueRepo) ReserveNext(ctx context.Context, leaseSeconds int) (*model.QueueItem, error) {
	if leaseSeconds <= 0 {
		return nil, fmt.Errorf("lease seconds must be positive, got %d", leaseSeconds)
	}

	now := r.timeProvider.Now().UTC()
	lease := now.Add(time.Duration(leaseSeconds) * time.Second)

	row := r.DB.QueryRowContext(ctx, reserveNextSQL, now, lease)
	item, err := scanQueueItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve queue item: %w", err)
	}
	return item, nil
}

// Complete marks an item as done.
func (r *QueueRepo) Complete(ctx context.Context, id string) error {
	now := r.timeProvider.Now().UTC()
	res, err := r.DB.ExecContext(ctx, `
		UPDATE email_queue
		SET status = 'completed', lease_expires_at = NULL, updated_at = $2
		WHERE id = $1
	`, id, now)
	if err != nil {
		return fmt.Errorf("complete queue item: %w", err)
	}
	return requireAffected(res)
}

// Fail records a failed attempt. Items with retries left return to pending
// with a short delay; exhausted items become failed.
func (r *QueueRepo) Fail(ctx context.Context, id string, cause string) error {
	now := r.timeProvider.Now().UTC()
	retryAt := now.Add(30 * time.Second)
	res, err := r.DB.ExecContext(ctx, `
		UPDATE email_queue
		SET retry_count = retry_count + 1,
		    last_error = $2,
		    lease_expires_at = NULL,
		    status = CASE WHEN retry_count + 1 >= max_retries THEN 'failed' ELSE 'pending' END,
		    scheduled_at = CASE WHEN retry_count + 1 >= max_retries THEN scheduled_at ELSE $3 END,
		    updated_at = $4
		WHERE id = $1
	`, id, cause, retryAt, now)
	if err != nil {
		return fmt.Errorf("fail queue item: %w", err)
	}
	return requireAffected(res)
}

// PurgeTerminal deletes completed and failed items last touched before the
// cutoff. The reaper calls this on a slow cadence; live rows are untouched.
func (r *QueueRepo) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM email_queue
		WHERE status IN ('completed', 'failed') AND updated_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge terminal queue items: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return affected, nil
}

// WaitForNotification blocks until a new item is enqueued or ctx ends.
func (r *QueueRepo) WaitForNotification(ctx context.Context) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	quoted := pgx.Identifier{queueChannel}.Sanitize()
	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", queueChannel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		return ErrQueueItemNotFound
	}
	return nil
}

func scanQueueItem(row rowScanner) (*model.QueueItem, error) {
	var (
		item    model.QueueItem
		status  string
		payload []byte
		taskID  sql.NullString
		lease   sql.NullTime
	)
	err := row.Scan(
		&item.ID, &status, &payload, &item.MessageID, &taskID,
		&item.RetryCount, &item.MaxRetries, &lease, &item.ScheduledAt,
		&item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Status = model.QueueItemStatus(status)
	item.Payload = json.RawMessage(payload)
	if taskID.Valid {
		item.ScheduledTaskID = &taskID.String
	}
	if lease.Valid {
		t := lease.Time.UTC()
		item.LeaseExpiresAt = &t
	}
	return &item, nil
}
