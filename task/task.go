// Package task defines the durable task record and its persistence
// contract. A task is one deferred workflow invocation travelling
// through the queue: created pending, published queued, claimed running
// under a lease, and finished in a terminal state.
package task

import (
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/id"
)

// State represents the lifecycle state of a task.
type State string

const (
	// StatePending means the task record exists but has not been
	// published to a queue yet.
	StatePending State = "pending"
	// StateQueued means the task is waiting to be claimed by a worker.
	StateQueued State = "queued"
	// StateRunning means a worker holds the task under a lease.
	StateRunning State = "running"
	// StateCompleted means the task finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task failed and exhausted its retries.
	StateFailed State = "failed"
	// StateCancelled means the task was cancelled before a worker
	// claimed it.
	StateCancelled State = "cancelled"
)

// transitions is the full forward state machine. Terminal states have
// no entries; a running task returns to queued only through retry or
// lease expiry.
var transitions = map[State][]State{
	StatePending: {StateQueued, StateCancelled},
	StateQueued:  {StateRunning, StateCancelled},
	StateRunning: {StateCompleted, StateFailed, StateQueued},
}

// Terminal reports whether s permits no further transitions.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether s -> to is a legal forward move.
func (s State) CanTransitionTo(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// DefaultTTL is how long terminal task records are retained before the
// store reclaims them.
const DefaultTTL = 7 * 24 * time.Hour

// Task represents one deferred unit of work. It is mutated only through
// compare-and-swap transitions once workers are involved; terminal
// records are immutable until TTL reclamation.
type Task struct {
	loom.Entity

	ID         id.TaskID         `json:"id"`
	Type       string            `json:"type"`
	Queue      string            `json:"queue"`
	Params     map[string]any    `json:"params,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	State      State             `json:"state"`
	Result     map[string]any    `json:"result,omitempty"`
	Error      string            `json:"error,omitempty"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`

	// Timeout bounds a single execution attempt. Zero means no per-attempt
	// deadline beyond the lease.
	Timeout time.Duration `json:"timeout,omitempty"`

	// WorkerID identifies the worker holding the lease while running.
	WorkerID id.WorkerID `json:"worker_id,omitempty"`

	// RunAt is the earliest time a worker may claim the task. Retries
	// push it into the future by the backoff delay.
	RunAt time.Time `json:"run_at"`

	// LeaseExpiresAt is the visibility timeout. A running task whose
	// lease expires without renewal is requeued by the reaper.
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ExpiresAt is set when the task reaches a terminal state; the
	// record is reclaimed after it passes.
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// New creates a pending task ready for enqueue.
func New(taskType, queue string, params map[string]any) *Task {
	return &Task{
		Entity: loom.NewEntity(),
		ID:     id.NewTaskID(),
		Type:   taskType,
		Queue:  queue,
		Params: params,
		State:  StatePending,
		RunAt:  time.Now().UTC(),
	}
}

// LeaseExpired reports whether a running task's lease has lapsed.
func (t *Task) LeaseExpired(now time.Time) bool {
	return t.State == StateRunning && t.LeaseExpiresAt != nil && t.LeaseExpiresAt.Before(now)
}
