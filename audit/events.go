package audit

import "time"

// Event is a single audit record. Details carry action-specific fields
// (task id, queue, attempt counts) keyed by short snake_case names.
type Event struct {
	Time     time.Time      `json:"time"`
	Action   string         `json:"action"`
	Category string         `json:"category"`
	Outcome  string         `json:"outcome"`
	Severity string         `json:"severity"`
	Resource string         `json:"resource"`
	Details  map[string]any `json:"details,omitempty"`
}

// Actions emitted by the extension.
const (
	ActionTaskEnqueued = "task.enqueued"
	ActionTaskStarted  = "task.started"
	ActionTaskDone     = "task.completed"
	ActionTaskFailed   = "task.failed"
	ActionTaskRetrying = "task.retrying"
	ActionTaskDLQ      = "task.dead_lettered"

	ActionRunStarted = "run.started"
	ActionRunDone    = "run.completed"
	ActionRunFailed  = "run.failed"
	ActionNodeDone   = "run.node_completed"

	ActionCronFired = "cron.fired"
)

// Categories group actions by subsystem.
const (
	CategoryTask = "loom.task"
	CategoryRun  = "loom.run"
	CategoryCron = "loom.cron"
)

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Severities.
const (
	SeverityInfo  = "info"
	SeverityWarn  = "warn"
	SeverityError = "error"
)

// AllActions returns every action the extension can emit, in a stable order.
func AllActions() []string {
	return []string{
		ActionTaskEnqueued,
		ActionTaskStarted,
		ActionTaskDone,
		ActionTaskFailed,
		ActionTaskRetrying,
		ActionTaskDLQ,
		ActionRunStarted,
		ActionRunDone,
		ActionRunFailed,
		ActionNodeDone,
		ActionCronFired,
	}
}
