// Package stream provides a real-time broker for task, run, and cron
// lifecycle events. It bridges the ext hook system to connected clients
// via topic-based pub/sub with credit-based flow control.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Task events.
	EventTaskEnqueued  EventType = "task.enqueued"
	EventTaskStarted   EventType = "task.started"
	EventTaskCompleted EventType = "task.completed"
	EventTaskFailed    EventType = "task.failed"
	EventTaskRetrying  EventType = "task.retrying"
	EventTaskDLQ       EventType = "task.dlq"

	// Run events.
	EventRunStarted    EventType = "run.started"
	EventNodeCompleted EventType = "run.node_completed"
	EventRunCompleted  EventType = "run.completed"
	EventRunFailed     EventType = "run.failed"

	// Cron events.
	EventCronFired EventType = "cron.fired"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity-specific channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// TaskEventData is the payload for task lifecycle events.
type TaskEventData struct {
	TaskID    string `json:"task_id"`
	TaskType  string `json:"task_type"`
	Queue     string `json:"queue"`
	ElapsedMs int64  `json:"elapsed_ms,omitempty"`
	Error     string `json:"error,omitempty"`
	Attempt   int    `json:"attempt,omitempty"`
	NextRunAt string `json:"next_run_at,omitempty"`
}

// RunEventData is the payload for workflow run lifecycle events.
type RunEventData struct {
	WorkflowID string `json:"workflow_id"`
	NodeID     string `json:"node_id,omitempty"`
	Status     string `json:"status,omitempty"`
	ElapsedMs  int64  `json:"elapsed_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CronEventData is the payload for cron lifecycle events.
type CronEventData struct {
	EntryName string `json:"entry_name"`
	TaskID    string `json:"task_id"`
}
