package dlq

import (
	"time"

	"github.com/xraph/loom/id"
)

// Entry is a dead-lettered task: a task that exhausted its retry budget
// and was moved out of the live queue for inspection or replay.
type Entry struct {
	ID id.DLQID `json:"id"`

	// TaskID is the original task's identifier.
	TaskID id.TaskID `json:"task_id"`

	// TaskType is the handler name the task was addressed to.
	TaskType string `json:"task_type"`

	// Queue is the queue the task failed on.
	Queue string `json:"queue"`

	// Params is the original task's input, preserved verbatim so a
	// replay submits the same work.
	Params map[string]any `json:"params,omitempty"`

	// Metadata carries the original task's metadata, including any
	// trace token, so a replayed task stays correlated.
	Metadata map[string]string `json:"metadata,omitempty"`

	// Error is the final failure message.
	Error string `json:"error"`

	// RetryCount and MaxRetries record the retry budget at the time of
	// dead-lettering. RetryCount equals MaxRetries for entries pushed by
	// the worker.
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`

	// FailedAt is when the final attempt failed.
	FailedAt time.Time `json:"failed_at"`

	// ReplayedAt is set when the entry has been re-enqueued. Nil means
	// the entry has never been replayed.
	ReplayedAt *time.Time `json:"replayed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Replayed reports whether the entry has been re-enqueued at least once.
func (e *Entry) Replayed() bool { return e.ReplayedAt != nil }
