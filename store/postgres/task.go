package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/loom"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

const taskColumns = `
	id, type, queue, params, metadata, state, result, error,
	retry_count, max_retries, timeout, worker_id,
	run_at, lease_expires_at, started_at, completed_at, expires_at,
	created_at, updated_at`

// CreateTask persists a new task record.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_tasks (
			id, type, queue, params, metadata, state, result, error,
			retry_count, max_retries, timeout, worker_id,
			run_at, lease_expires_at, started_at, completed_at, expires_at,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8,
			$9, $10, $11, $12,
			$13, $14, $15, $16, $17,
			$18, $19
		)`,
		t.ID.String(), t.Type, t.Queue, t.Params, t.Metadata, string(t.State), t.Result, t.Error,
		t.RetryCount, t.MaxRetries, t.Timeout.Nanoseconds(), t.WorkerID.String(),
		t.RunAt, t.LeaseExpiresAt, t.StartedAt, t.CompletedAt, t.ExpiresAt,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrTaskAlreadyExists
		}
		return fmt.Errorf("loom/postgres: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM loom_tasks WHERE id = $1`,
		taskID.String(),
	)

	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get task: %w", err)
	}
	return t, nil
}

// UpdateTask persists changes to an existing task. It must not be used
// for state transitions; use CompareAndSwapState.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_tasks SET
			type = $2, queue = $3, params = $4, metadata = $5, state = $6,
			result = $7, error = $8, retry_count = $9, max_retries = $10,
			timeout = $11, worker_id = $12, run_at = $13,
			lease_expires_at = $14, started_at = $15, completed_at = $16,
			expires_at = $17, updated_at = NOW()
		WHERE id = $1`,
		t.ID.String(), t.Type, t.Queue, t.Params, t.Metadata, string(t.State),
		t.Result, t.Error, t.RetryCount, t.MaxRetries,
		t.Timeout.Nanoseconds(), t.WorkerID.String(), t.RunAt,
		t.LeaseExpiresAt, t.StartedAt, t.CompletedAt,
		t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrTaskNotFound
	}
	return nil
}

// DequeueTasks atomically claims up to limit due queued tasks from the
// given queues, stamps the lease, and returns them. Uses SELECT FOR
// UPDATE SKIP LOCKED for concurrent-safe claiming.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, queues []string, limit int, lease time.Duration) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		WITH claimed AS (
			UPDATE loom_tasks
			SET state = 'running',
			    worker_id = $3,
			    started_at = NOW(),
			    lease_expires_at = NOW() + $4::interval,
			    updated_at = NOW()
			WHERE id IN (
				SELECT id FROM loom_tasks
				WHERE state = 'queued'
				  AND queue = ANY($1)
				  AND run_at <= NOW()
				ORDER BY run_at ASC
				FOR UPDATE SKIP LOCKED
				LIMIT $2
			)
			RETURNING `+taskColumns+`
		)
		SELECT * FROM claimed ORDER BY run_at ASC`,
		queues, limit, workerID.String(), lease.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: dequeue tasks: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// RenewLease extends the lease of a running task held by the given worker.
func (s *Store) RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, lease time.Duration) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_tasks
		SET lease_expires_at = NOW() + $3::interval
		WHERE id = $1 AND state = 'running' AND worker_id = $2`,
		taskID.String(), workerID.String(), lease.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: renew lease: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing task from a lost lease.
		if _, getErr := s.GetTask(ctx, taskID); getErr != nil {
			return getErr
		}
		return loom.ErrInvalidState
	}
	return nil
}

// CompareAndSwapState transitions a task from an expected state to a new
// one, applying mutate inside a row-locked transaction.
func (s *Store) CompareAndSwapState(ctx context.Context, taskID id.TaskID, from, to task.State, mutate func(*task.Task)) (*task.Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: cas begin: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	row := tx.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM loom_tasks WHERE id = $1 FOR UPDATE`,
		taskID.String(),
	)
	t, err := scanTask(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrTaskNotFound
		}
		return nil, fmt.Errorf("loom/postgres: cas select: %w", err)
	}

	if t.State != from || !from.CanTransitionTo(to) {
		return nil, loom.ErrInvalidState
	}

	t.State = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now().UTC()

	_, err = tx.Exec(ctx, `
		UPDATE loom_tasks SET
			type = $2, queue = $3, params = $4, metadata = $5, state = $6,
			result = $7, error = $8, retry_count = $9, max_retries = $10,
			timeout = $11, worker_id = $12, run_at = $13,
			lease_expires_at = $14, started_at = $15, completed_at = $16,
			expires_at = $17, updated_at = $18
		WHERE id = $1`,
		t.ID.String(), t.Type, t.Queue, t.Params, t.Metadata, string(t.State),
		t.Result, t.Error, t.RetryCount, t.MaxRetries,
		t.Timeout.Nanoseconds(), t.WorkerID.String(), t.RunAt,
		t.LeaseExpiresAt, t.StartedAt, t.CompletedAt,
		t.ExpiresAt, t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: cas update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("loom/postgres: cas commit: %w", err)
	}
	return t, nil
}

// ReapExpired requeues running tasks whose lease expired before now.
// Their retry budget is not consumed.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE loom_tasks
		SET state = 'queued',
		    worker_id = '',
		    lease_expires_at = NULL,
		    started_at = NULL,
		    run_at = $1,
		    updated_at = $1
		WHERE state = 'running'
		  AND lease_expires_at IS NOT NULL
		  AND lease_expires_at < $1
		RETURNING `+taskColumns,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: reap expired: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListTasksByState returns tasks matching the given state.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM loom_tasks WHERE state = $1`
	args := []interface{}{string(state)}
	argIdx := 2

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list tasks by state: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	query := `SELECT COUNT(*) FROM loom_tasks WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}
	if opts.State != "" {
		query += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, string(opts.State))
	}

	var count int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("loom/postgres: count tasks: %w", err)
	}
	return count, nil
}

// QueueLengths returns the number of queued tasks per queue name.
func (s *Store) QueueLengths(ctx context.Context) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT queue, COUNT(*)
		FROM loom_tasks
		WHERE state = 'queued'
		GROUP BY queue`,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: queue lengths: %w", err)
	}
	defer rows.Close()

	lengths := make(map[string]int64)
	for rows.Next() {
		var (
			queue string
			count int64
		)
		if err := rows.Scan(&queue, &count); err != nil {
			return nil, fmt.Errorf("loom/postgres: scan queue length: %w", err)
		}
		lengths[queue] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate queue lengths: %w", err)
	}
	return lengths, nil
}

// DeleteExpired removes terminal tasks whose ExpiresAt passed before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM loom_tasks
		WHERE state IN ('completed', 'failed', 'cancelled')
		  AND expires_at IS NOT NULL
		  AND expires_at < $1`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: delete expired: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// scanTask scans a single task row.
func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t         task.Task
		idStr     string
		stateStr  string
		workerStr string
		timeoutNs int64
	)
	err := row.Scan(
		&idStr, &t.Type, &t.Queue, &t.Params, &t.Metadata, &stateStr, &t.Result, &t.Error,
		&t.RetryCount, &t.MaxRetries, &timeoutNs, &workerStr,
		&t.RunAt, &t.LeaseExpiresAt, &t.StartedAt, &t.CompletedAt, &t.ExpiresAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.State = task.State(stateStr)
	t.Timeout = time.Duration(timeoutNs)

	parsedID, parseErr := id.ParseTaskID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse task id %q: %w", idStr, parseErr)
	}
	t.ID = parsedID

	if workerStr != "" {
		if parsedWorker, workerErr := id.ParseWorkerID(workerStr); workerErr == nil {
			t.WorkerID = parsedWorker
		}
	}

	return &t, nil
}

// collectTasks collects all tasks from query rows.
func collectTasks(rows pgx.Rows) ([]*task.Task, error) {
	var tasks []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("loom/postgres: scan task row: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate task rows: %w", err)
	}
	return tasks, nil
}
