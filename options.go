package loom

import (
	"context"
	"log/slog"
	"time"
)

// Option configures an Orchestrator.
type Option func(*Orchestrator) error

// Storer is the minimal store interface held by the Orchestrator. It
// covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store, which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// poolRunner is an internal interface for worker pool lifecycle.
type poolRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Orchestrator is the central coordinator for workflow execution, task
// processing, and cron scheduling.
//
// Create one with New() and functional options. The Orchestrator holds
// references to subsystem components via internal interfaces to avoid
// import cycles; use runtime.Build to wire everything together.
type Orchestrator struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	pool       poolRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Orchestrator with the given options.
func New(opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Logger returns the orchestrator's logger.
func (o *Orchestrator) Logger() *slog.Logger { return o.logger }

// Store returns the orchestrator's store.
func (o *Orchestrator) Store() Storer { return o.store }

// Config returns a copy of the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.config }

// SetPool sets the worker pool (called by the runtime package).
func (o *Orchestrator) SetPool(p poolRunner) { o.pool = p }

// SetExtensions sets the extension emitter (called by the runtime package).
func (o *Orchestrator) SetExtensions(e extensionEmitter) { o.extensions = e }

// Start begins task processing.
func (o *Orchestrator) Start(ctx context.Context) error {
	if o.pool == nil {
		return ErrNoStore
	}
	if err := o.pool.Start(ctx); err != nil {
		return err
	}
	o.started = true
	return nil
}

// Stop gracefully shuts down the orchestrator.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if o.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.config.ShutdownTimeout)
		defer cancel()
	}
	if o.pool != nil && o.started {
		if err := o.pool.Stop(ctx); err != nil {
			o.logger.Error("pool stop error", "error", err)
		}
	}
	if o.extensions != nil {
		o.extensions.EmitShutdown(ctx)
	}
	if o.store != nil {
		return o.store.Close()
	}
	return nil
}

// WithConcurrency sets the maximum number of concurrent task processors.
func WithConcurrency(n int) Option {
	return func(o *Orchestrator) error {
		o.config.Concurrency = n
		return nil
	}
}

// WithQueues sets the queues the orchestrator's workers will poll.
func WithQueues(queues []string) Option {
	return func(o *Orchestrator) error {
		o.config.Queues = queues
		return nil
	}
}

// WithLogger sets the structured logger for the orchestrator.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) error {
		o.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the orchestrator.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(o *Orchestrator) error {
		o.store = s
		return nil
	}
}

// WithLease sets the lease TTL and renewal interval for running tasks.
func WithLease(ttl, renew time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.LeaseTTL = ttl
		o.config.LeaseInterval = renew
		return nil
	}
}

// WithTaskTTL sets the retention period for finished task records.
func WithTaskTTL(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.TaskTTL = d
		return nil
	}
}

// WithPollInterval sets how often idle workers poll for new tasks.
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.PollInterval = d
		return nil
	}
}

// WithShutdownTimeout bounds how long Stop waits for graceful shutdown
// before active tasks are cancelled.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Orchestrator) error {
		o.config.ShutdownTimeout = d
		return nil
	}
}
