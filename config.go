package loom

import "time"

// Config holds configuration for the Orchestrator.
type Config struct {
	// Concurrency is the maximum number of tasks processed concurrently
	// by the local worker pool.
	Concurrency int

	// Queues is the list of queues this orchestrator's workers will poll.
	Queues []string

	// PollInterval is how often idle workers poll for new tasks.
	PollInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for graceful shutdown
	// before active tasks are cancelled.
	ShutdownTimeout time.Duration

	// LeaseTTL is how long a dequeued task is owned by a worker before
	// the lease expires and the task may be requeued.
	LeaseTTL time.Duration

	// LeaseInterval is how often running tasks renew their lease.
	// Must be comfortably below LeaseTTL.
	LeaseInterval time.Duration

	// TaskTTL is how long finished task records are retained before
	// they are reclaimed.
	TaskTTL time.Duration

	// DefaultMaxRetries is the retry budget applied to tasks submitted
	// without an explicit one.
	DefaultMaxRetries int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Concurrency:       10,
		Queues:            []string{"default"},
		PollInterval:      1 * time.Second,
		ShutdownTimeout:   30 * time.Second,
		LeaseTTL:          30 * time.Second,
		LeaseInterval:     10 * time.Second,
		TaskTTL:           7 * 24 * time.Hour,
		DefaultMaxRetries: 3,
	}
}
