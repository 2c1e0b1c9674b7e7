package loom

import "errors"

var (
	// Store errors.
	ErrNoStore         = errors.New("loom: no store configured")
	ErrStoreClosed     = errors.New("loom: store closed")
	ErrMigrationFailed = errors.New("loom: migration failed")

	// Not found errors.
	ErrTaskNotFound     = errors.New("loom: task not found")
	ErrWorkflowNotFound = errors.New("loom: workflow not found")
	ErrToolNotFound     = errors.New("loom: tool not found")
	ErrCronNotFound     = errors.New("loom: cron entry not found")
	ErrDLQNotFound      = errors.New("loom: dlq entry not found")

	// Conflict errors.
	ErrTaskAlreadyExists = errors.New("loom: task already exists")
	ErrDuplicateCron     = errors.New("loom: duplicate cron entry")

	// State errors. Task status transitions are compare-and-swap; a write
	// against the wrong prior state fails with ErrInvalidState and is
	// discarded.
	ErrInvalidState       = errors.New("loom: invalid task state transition")
	ErrTaskNotCancellable = errors.New("loom: task is not in a cancellable state")
	ErrMaxRetriesExceeded = errors.New("loom: max retries exceeded")

	// ErrQueueUnavailable is the degraded-mode signal returned when the
	// backend cannot accept an enqueue; callers may choose to run the
	// workflow inline instead.
	ErrQueueUnavailable = errors.New("loom: queue backend unavailable")
)
