package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/loom"
	"github.com/xraph/loom/cron"
	"github.com/xraph/loom/id"
)

const cronColumns = `
	id, name, schedule, workflow_id, queue, params, metadata,
	last_run_at, next_run_at, locked_by, locked_until, enabled,
	created_at, updated_at`

// RegisterCron persists a new cron entry. Entry names are unique.
func (s *Store) RegisterCron(ctx context.Context, entry *cron.Entry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO loom_cron_entries (
			id, name, schedule, workflow_id, queue, params, metadata,
			last_run_at, next_run_at, locked_by, locked_until, enabled,
			created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12,
			$13, $14
		)`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.WorkflowID, entry.Queue,
		entry.Params, entry.Metadata,
		entry.LastRunAt, entry.NextRunAt, entry.LockedBy, entry.LockedUntil, entry.Enabled,
		entry.CreatedAt, entry.UpdatedAt,
	)
	if err != nil {
		if isDuplicateKey(err) {
			return loom.ErrDuplicateCron
		}
		return fmt.Errorf("loom/postgres: register cron: %w", err)
	}
	return nil
}

// GetCron retrieves a cron entry by ID.
func (s *Store) GetCron(ctx context.Context, entryID id.CronID) (*cron.Entry, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+cronColumns+` FROM loom_cron_entries WHERE id = $1`,
		entryID.String(),
	)

	e, err := scanCron(row)
	if err != nil {
		if isNoRows(err) {
			return nil, loom.ErrCronNotFound
		}
		return nil, fmt.Errorf("loom/postgres: get cron: %w", err)
	}
	return e, nil
}

// ListCrons returns all cron entries.
func (s *Store) ListCrons(ctx context.Context) ([]*cron.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cronColumns+` FROM loom_cron_entries ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("loom/postgres: list crons: %w", err)
	}
	defer rows.Close()

	var entries []*cron.Entry
	for rows.Next() {
		e, scanErr := scanCron(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("loom/postgres: scan cron row: %w", scanErr)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loom/postgres: iterate cron rows: %w", err)
	}
	return entries, nil
}

// AcquireCronLock takes the per-entry firing lock when it is free,
// expired, or already held by the caller.
func (s *Store) AcquireCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_cron_entries
		SET locked_by = $2, locked_until = NOW() + $3::interval
		WHERE id = $1
		  AND (locked_by = '' OR locked_by = $2 OR locked_until IS NULL OR locked_until < NOW())`,
		entryID.String(), workerID.String(), ttl.String(),
	)
	if err != nil {
		return false, fmt.Errorf("loom/postgres: acquire cron lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the entry is missing or someone else holds a live lock.
		if _, getErr := s.GetCron(ctx, entryID); getErr != nil {
			return false, getErr
		}
		return false, nil
	}
	return true, nil
}

// ReleaseCronLock drops the lock when held by the given worker; releasing
// a lock held by someone else is a no-op.
func (s *Store) ReleaseCronLock(ctx context.Context, entryID id.CronID, workerID id.WorkerID) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_cron_entries
		SET locked_by = '', locked_until = NULL
		WHERE id = $1 AND locked_by = $2`,
		entryID.String(), workerID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: release cron lock: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetCron(ctx, entryID); getErr != nil {
			return getErr
		}
	}
	return nil
}

// UpdateCronEntry persists changes to an existing cron entry.
func (s *Store) UpdateCronEntry(ctx context.Context, entry *cron.Entry) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loom_cron_entries SET
			name = $2, schedule = $3, workflow_id = $4, queue = $5,
			params = $6, metadata = $7, last_run_at = $8, next_run_at = $9,
			enabled = $10, updated_at = NOW()
		WHERE id = $1`,
		entry.ID.String(), entry.Name, entry.Schedule, entry.WorkflowID, entry.Queue,
		entry.Params, entry.Metadata, entry.LastRunAt, entry.NextRunAt,
		entry.Enabled,
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: update cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrCronNotFound
	}
	return nil
}

// DeleteCron removes a cron entry by ID.
func (s *Store) DeleteCron(ctx context.Context, entryID id.CronID) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM loom_cron_entries WHERE id = $1`,
		entryID.String(),
	)
	if err != nil {
		return fmt.Errorf("loom/postgres: delete cron: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return loom.ErrCronNotFound
	}
	return nil
}

// scanCron scans a single cron entry row.
func scanCron(row pgx.Row) (*cron.Entry, error) {
	var (
		e     cron.Entry
		idStr string
	)
	err := row.Scan(
		&idStr, &e.Name, &e.Schedule, &e.WorkflowID, &e.Queue, &e.Params, &e.Metadata,
		&e.LastRunAt, &e.NextRunAt, &e.LockedBy, &e.LockedUntil, &e.Enabled,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	parsedID, parseErr := id.ParseCronID(idStr)
	if parseErr != nil {
		return nil, fmt.Errorf("loom/postgres: parse cron id %q: %w", idStr, parseErr)
	}
	e.ID = parsedID

	return &e, nil
}
