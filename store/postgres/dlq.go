package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/loom"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/id"
)

const dlqColumns = `
	id, task_id, task_type, queue, params, metadata, error,
	retry_count, max_retries, failed_at, replayed_at, created_at`

// PushDLQ stores a dead-lettered task entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_dlq (
			id, task_id, task_type, queue, params, metadata, error,
			retry_count, max_retries, failed_at, replayed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12
		)`,
		entry.ID.String(), entry.TaskID.String(), entry.TaskType, entry.Queue,
		entry.Params, entry.Metadata, entry.Error,
		entry.RetryCount, entry.MaxRetries, entry.FailedAt, entry.ReplayedAt, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: push dlq: %w", err)
	}
	return nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+dlqColumns+` FROM loom_dlq WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanDLQ(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrDLQNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get dlq: %w", err)
	}
	return e, nil
}

// ListDLQ returns DLQ entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	query := `SELECT ` + dlqColumns + ` FROM loom_dlq WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if opts.Queue != "" {
		query += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, opts.Queue)
		argIdx++
	}

	query += " ORDER BY failed_at DESC"

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
		return nil, fmt.Errorf("loom/postgres: list dlq: %w", err)
	}
	defer rows.Close()

	var entries []*dlq.Entry
	for rows.Next() {
		e, scanErr := scanDLQ(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: scan dlq row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate dlq rows: %w", err)
	}
	return entries, nil
}

// ReplayDLQ marks a DLQ entry as replayed at the given time.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID, replayedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE loom_dlq SET replayed_at = $2 WHERE id = $1`,
		entryID.String(), replayedAt,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: replay dlq: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrDLQNotFound
	}
	return nil
}

// PurgeDLQ removes DLQ entries created before the cutoff.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM loom_dlq WHERE created_at < $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("loom/postgres: purge dlq: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	var count int64
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM loom_dlq`).Scan(&count); err != nil {
		return 0, fmt.Errorf("loom/postgres: count dlq: %w", err)
	}
	return count, nil
}

// scanDLQ scans a single DLQ entry row.
func scanDLQ(row pgx.Row) (*dlq.Entry, error) {
	var (
		e         dlq.Entry
		idStr     string
		taskIDStr string
	)
	err := row.Scan(
		&idStr, &taskIDStr, &e.TaskType, &e.Queue, &e.Params, &e.Metadata, &e.Error,
		&e.RetryCount, &e.MaxRetries, &e.FailedAt, &e.ReplayedAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseDLQID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse dlq id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	parsedTaskID, parseErr := id.ParseTaskID(taskIDStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse dlq task id %q: %w", taskIDStr, parseErr)
	}
	e.TaskID = parsedTaskID

	return &e, nil
}
