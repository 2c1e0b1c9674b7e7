package cron

import (
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/id"
)

// Entry is a recurring workflow schedule. Each time the schedule fires,
// the scheduler submits the named workflow with the entry's params.
type Entry struct {
	loom.Entity

	ID          id.CronID         `json:"id"`
	Name        string            `json:"name"`
	Schedule    string            `json:"schedule"`
	WorkflowID  string            `json:"workflow_id"`
	Queue       string            `json:"queue,omitempty"`
	Params      map[string]any    `json:"params,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	LastRunAt   *time.Time        `json:"last_run_at,omitempty"`
	NextRunAt   *time.Time        `json:"next_run_at,omitempty"`
	LockedBy    string            `json:"locked_by,omitempty"`
	LockedUntil *time.Time        `json:"locked_until,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// NewEntry builds an enabled Entry, validates the schedule expression, and
// primes NextRunAt from it.
func NewEntry(name, schedule, workflowID string, params map[string]any) (*Entry, error) {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	next := sched.Next(time.Now().UTC())
	return &Entry{
		Entity:     loom.NewEntity(),
		ID:         id.NewCronID(),
		Name:       name,
		Schedule:   schedule,
		WorkflowID: workflowID,
		Params:     params,
		NextRunAt:  &next,
		Enabled:    true,
	}, nil
}
