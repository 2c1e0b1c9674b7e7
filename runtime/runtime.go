// Package runtime wires all Loom subsystems together. It creates the
// extension registry, task registry, middleware chain, worker pool, and
// cron scheduler, and provides the Submit/RunWorkflow operations.
//
// This package exists to break the import cycle: the root loom package
// defines Entity (imported by task, cron, etc.) and so cannot import
// those packages back. The runtime package sits above all subsystem
// packages and below the application layer.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/loom"
	"github.com/xraph/loom/backoff"
	"github.com/xraph/loom/cron"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/ext"
	"github.com/xraph/loom/graph"
	"github.com/xraph/loom/id"
	mw "github.com/xraph/loom/middleware"
	"github.com/xraph/loom/observability"
	"github.com/xraph/loom/queue"
	"github.com/xraph/loom/scope"
	"github.com/xraph/loom/task"
	"github.com/xraph/loom/tool"
	"github.com/xraph/loom/worker"
)

// TaskTypeWorkflow is the task type under which deferred workflow runs
// travel through the queue.
const TaskTypeWorkflow = "workflow.execute"

// Param keys inside a workflow task's Params map.
const (
	paramWorkflowID = "workflow_id"
	paramInput      = "input"
)

// extObserver adapts *ext.Registry to satisfy engine.Observer. The
// engine defines the interface, ext.Registry provides the fan-out, and
// the runtime layer plugs them together.
type extObserver struct {
	r *ext.Registry
}

func (a *extObserver) NodeCompleted(ctx context.Context, workflowID, nodeID string, elapsed time.Duration) {
	a.r.EmitNodeCompleted(ctx, workflowID, nodeID, elapsed)
}

// Runtime wraps an Orchestrator with fully wired subsystems.
// Use Build() to create one.
type Runtime struct {
	o          *loom.Orchestrator
	extensions *ext.Registry
	registry   *task.Registry
	taskStore  task.Store
	dlqService *dlq.Service
	bo         backoff.Strategy
	pool       *worker.Pool
	mws        []mw.Middleware
	logger     *slog.Logger

	// Workflow subsystem.
	workflows graph.Store
	tools     *tool.Registry
	engine    *engine.Engine

	// Cron subsystem.
	cronStore cron.Store
	scheduler *cron.Scheduler

	// Queue subsystem.
	queueConfigs []queue.Config
	queueManager *queue.Manager

	// OpenTelemetry providers (optional; nil means use global).
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider

	// Engine tuning.
	runTimeout time.Duration
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithExtension registers an extension with the runtime.
func WithExtension(e ext.Extension) Option {
	return func(rt *Runtime) {
		rt.extensions.Register(e)
	}
}

// WithMiddleware adds middleware to the runtime's chain.
func WithMiddleware(m mw.Middleware) Option {
	return func(rt *Runtime) {
		rt.mws = append(rt.mws, m)
	}
}

// WithBackoff sets the retry backoff strategy.
// If not set, backoff.DefaultStrategy() (exponential with jitter) is used.
func WithBackoff(b backoff.Strategy) Option {
	return func(rt *Runtime) {
		rt.bo = b
	}
}

// WithTools sets the tool registry used by workflow task nodes.
// If not set, a registry with the builtin tools is created.
func WithTools(tools *tool.Registry) Option {
	return func(rt *Runtime) {
		rt.tools = tools
	}
}

// WithRunTimeout sets the default wall-clock budget for workflow runs.
// Zero means no budget. Individual workflows can override it through
// their metadata.
func WithRunTimeout(d time.Duration) Option {
	return func(rt *Runtime) {
		rt.runTimeout = d
	}
}

// WithQueueConfig registers queue-level rate limiting and concurrency
// configurations. Queues not listed have no limits.
func WithQueueConfig(configs ...queue.Config) Option {
	return func(rt *Runtime) {
		rt.queueConfigs = append(rt.queueConfigs, configs...)
	}
}

// WithTracerProvider sets a custom OTel TracerProvider. When set, the
// tracing middleware uses it instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(rt *Runtime) {
		rt.tracerProvider = tp
	}
}

// WithMeterProvider sets a custom OTel MeterProvider. When set, both
// the metrics middleware and the observability extension use it instead
// of the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(rt *Runtime) {
		rt.meterProvider = mp
	}
}

// Build creates a Runtime from an Orchestrator and a workflow store.
// The Orchestrator's store must implement task.Store, cron.Store, and
// dlq.Store (every store.Store backend does).
func Build(o *loom.Orchestrator, workflows graph.Store, opts ...Option) (*Runtime, error) {
	logger := o.Logger()
	store := o.Store()

	if store == nil {
		return nil, loom.ErrNoStore
	}

	ts, ok := store.(task.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement task.Store")
	}
	ds, ok := store.(dlq.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement dlq.Store")
	}
	cs, ok := store.(cron.Store)
	if !ok {
		return nil, fmt.Errorf("loom: store does not implement cron.Store")
	}

	rt := &Runtime{
		o:          o,
		extensions: ext.NewRegistry(logger),
		registry:   task.NewRegistry(),
		taskStore:  ts,
		workflows:  workflows,
		logger:     logger,
	}

	for _, opt := range opts {
		opt(rt)
	}

	if rt.bo == nil {
		rt.bo = backoff.DefaultStrategy()
	}
	if rt.tools == nil {
		rt.tools = tool.NewRegistry()
		rt.tools.Register(tool.Echo())
		rt.tools.Register(tool.Template())
	}

	rt.dlqService = dlq.NewService(ds, ts)

	// The workflow execution engine reports node progress to extensions.
	engOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithObserver(&extObserver{r: rt.extensions}),
	}
	if rt.runTimeout > 0 {
		engOpts = append(engOpts, engine.WithRunTimeout(rt.runTimeout))
	}
	rt.engine = engine.New(rt.tools, engOpts...)

	// Build tracing middleware (custom provider or global).
	var tracingMw mw.Middleware
	if rt.tracerProvider != nil {
		tracer := rt.tracerProvider.Tracer("github.com/xraph/loom")
		tracingMw = mw.TracingWithTracer(tracer)
	} else {
		tracingMw = mw.Tracing()
	}

	// Build metrics middleware (custom provider or global).
	var metricsMw mw.Middleware
	if rt.meterProvider != nil {
		meter := rt.meterProvider.Meter("github.com/xraph/loom")
		metricsMw = mw.MetricsWithMeter(meter)
	} else {
		metricsMw = mw.Metrics()
	}

	// Register the observability metrics extension.
	var obsExt *observability.MetricsExtension
	if rt.meterProvider != nil {
		meter := rt.meterProvider.Meter("github.com/xraph/loom/observability")
		obsExt = observability.NewMetricsExtensionWithMeter(meter)
	} else {
		obsExt = observability.NewMetricsExtension()
	}
	rt.extensions.Register(obsExt)

	// Default middleware stack: recover → tracing → metrics → logging → trace → timeout.
	defaultMws := []mw.Middleware{
		mw.Recover(logger),
		tracingMw,
		metricsMw,
		mw.Logging(logger),
		mw.Trace(),
		mw.Timeout(logger),
	}
	allMws := make([]mw.Middleware, 0, len(defaultMws)+len(rt.mws))
	allMws = append(allMws, defaultMws...)
	allMws = append(allMws, rt.mws...)

	// The workflow handler is what workers actually run.
	rt.registry.Register(TaskTypeWorkflow, rt.executeWorkflowTask)

	config := o.Config()
	executor := worker.NewExecutor(rt.registry, rt.extensions, ts, rt.dlqService, rt.bo, logger, allMws...)
	executor.SetTaskTTL(config.TaskTTL)

	poolOpts := []worker.PoolOption{
		worker.WithPoolConcurrency(config.Concurrency),
		worker.WithPoolQueues(config.Queues),
		worker.WithPollInterval(config.PollInterval),
		worker.WithLeaseDuration(config.LeaseTTL),
		worker.WithRenewInterval(config.LeaseInterval),
	}

	if len(rt.queueConfigs) > 0 {
		rt.queueManager = queue.NewManager(rt.queueConfigs...)
		poolOpts = append(poolOpts, worker.WithQueueManager(rt.queueManager))
	}

	rt.pool = worker.NewPool(ts, executor, rt.extensions, logger, poolOpts...)

	// Wire back into the Orchestrator.
	o.SetPool(rt.pool)
	o.SetExtensions(rt.extensions)

	// Cron scheduler submits due entries as workflow tasks.
	rt.cronStore = cs
	submit := func(ctx context.Context, workflowID string, params map[string]any, q string) (id.TaskID, error) {
		t, err := rt.Submit(ctx, workflowID, params, SubmitOpts{Queue: q})
		if err != nil {
			return id.Nil, err
		}
		return t.ID, nil
	}
	rt.scheduler = cron.NewScheduler(cs, submit, rt.extensions, rt.pool.WorkerID(), logger)

	return rt, nil
}

// Start begins task processing and cron scheduling.
func (rt *Runtime) Start(ctx context.Context) error {
	if err := rt.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("start cron scheduler: %w", err)
	}
	return rt.o.Start(ctx)
}

// Stop gracefully shuts down the runtime.
func (rt *Runtime) Stop(ctx context.Context) error {
	if err := rt.scheduler.Stop(ctx); err != nil {
		rt.logger.Error("cron scheduler stop error", slog.String("error", err.Error()))
	}
	return rt.o.Stop(ctx)
}

// ──────────────────────────────────────────────────
// Workflow operations
// ──────────────────────────────────────────────────

// SubmitOpts tunes a deferred workflow submission.
type SubmitOpts struct {
	// Queue routes the task. Empty means "default".
	Queue string
	// MaxRetries overrides the orchestrator's default retry budget when
	// greater than zero.
	MaxRetries int
	// RunAt delays the earliest execution. Zero means immediately.
	RunAt time.Time
	// Timeout bounds a single execution attempt. Zero means no
	// per-attempt deadline beyond the lease.
	Timeout time.Duration
	// Metadata is merged into the task's metadata after trace stamping.
	Metadata map[string]string
}

// Submit enqueues a deferred workflow run and returns the queued task.
// The workflow must exist in the workflow store; execution happens on a
// worker. When the queue backend rejects the write, the error wraps
// loom.ErrQueueUnavailable so callers can degrade to RunWorkflow.
func (rt *Runtime) Submit(ctx context.Context, workflowID string, input map[string]any, opts SubmitOpts) (*task.Task, error) {
	if _, err := rt.workflows.Load(ctx, workflowID); err != nil {
		return nil, err
	}

	q := opts.Queue
	if q == "" {
		q = "default"
	}

	t := task.New(TaskTypeWorkflow, q, map[string]any{
		paramWorkflowID: workflowID,
		paramInput:      input,
	})
	t.Metadata = scope.Stamp(ctx, opts.Metadata)
	t.MaxRetries = rt.o.Config().DefaultMaxRetries
	if opts.MaxRetries > 0 {
		t.MaxRetries = opts.MaxRetries
	}
	if !opts.RunAt.IsZero() {
		t.RunAt = opts.RunAt
	}
	t.Timeout = opts.Timeout

	if err := rt.taskStore.CreateTask(ctx, t); err != nil {
		if errors.Is(err, loom.ErrTaskAlreadyExists) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", loom.ErrQueueUnavailable, err)
	}

	// Publish: pending → queued. The record exists, so a failure here is
	// queue unavailability rather than a lost task.
	queued, err := rt.taskStore.CompareAndSwapState(ctx, t.ID, task.StatePending, task.StateQueued, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", loom.ErrQueueUnavailable, err)
	}

	rt.extensions.EmitTaskEnqueued(ctx, queued)
	rt.logger.Info("workflow submitted",
		slog.String("task_id", queued.ID.String()),
		slog.String("workflow_id", workflowID),
		slog.String("queue", q),
	)
	return queued, nil
}

// RunWorkflow executes a workflow synchronously in the calling
// goroutine and returns its execution record. No task is created.
func (rt *Runtime) RunWorkflow(ctx context.Context, workflowID string, input map[string]any) (*engine.Result, error) {
	wf, err := rt.workflows.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	rt.extensions.EmitRunStarted(ctx, workflowID)
	result := rt.engine.Run(ctx, wf, input)
	rt.emitRunFinished(ctx, workflowID, result)
	return result, nil
}

// executeWorkflowTask is the registered handler behind TaskTypeWorkflow.
func (rt *Runtime) executeWorkflowTask(ctx context.Context, t *task.Task) (map[string]any, error) {
	workflowID, _ := t.Params[paramWorkflowID].(string)
	if workflowID == "" {
		return nil, fmt.Errorf("task %s: missing %s param", t.ID, paramWorkflowID)
	}
	input, _ := t.Params[paramInput].(map[string]any)

	wf, err := rt.workflows.Load(ctx, workflowID)
	if err != nil {
		return nil, err
	}

	rt.extensions.EmitRunStarted(ctx, workflowID)
	result := rt.engine.Run(ctx, wf, input)
	rt.emitRunFinished(ctx, workflowID, result)

	if result.Error != nil {
		return nil, result.Error
	}
	return map[string]any{
		"status":       string(result.Status),
		"variables":    map[string]any(result.Variables),
		"node_results": result.NodeResults,
		"visited":      result.Visited,
	}, nil
}

func (rt *Runtime) emitRunFinished(ctx context.Context, workflowID string, result *engine.Result) {
	if result.Error != nil {
		rt.extensions.EmitRunFailed(ctx, workflowID, result.Error)
		return
	}
	rt.extensions.EmitRunCompleted(ctx, workflowID, result)
}

// ──────────────────────────────────────────────────
// Task operations
// ──────────────────────────────────────────────────

// GetTask retrieves a task by ID.
func (rt *Runtime) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return rt.taskStore.GetTask(ctx, taskID)
}

// CancelTask cancels a task that has not yet been claimed by a worker.
// Only pending and queued tasks are cancellable; anything else fails
// with loom.ErrTaskNotCancellable.
func (rt *Runtime) CancelTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	now := time.Now().UTC()
	expires := now.Add(task.DefaultTTL)
	mutate := func(rec *task.Task) {
		rec.CompletedAt = &now
		rec.ExpiresAt = &expires
	}

	for _, from := range []task.State{task.StatePending, task.StateQueued} {
		cancelled, err := rt.taskStore.CompareAndSwapState(ctx, taskID, from, task.StateCancelled, mutate)
		if err == nil {
			rt.logger.Info("task cancelled", slog.String("task_id", taskID.String()))
			return cancelled, nil
		}
		if !errors.Is(err, loom.ErrInvalidState) {
			return nil, err
		}
	}
	return nil, loom.ErrTaskNotCancellable
}

// ListTasks returns tasks in the given state.
func (rt *Runtime) ListTasks(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	return rt.taskStore.ListTasksByState(ctx, state, opts)
}

// QueueLengths returns the number of queued tasks per queue.
func (rt *Runtime) QueueLengths(ctx context.Context) (map[string]int64, error) {
	return rt.taskStore.QueueLengths(ctx)
}

// QueueStats is a point-in-time view of one queue: its store backlog
// plus the local pool's activity and configured limits.
type QueueStats struct {
	Queue          string  `json:"queue"`
	Backlog        int64   `json:"backlog"`
	Active         int     `json:"active"`
	MaxConcurrency int     `json:"max_concurrency,omitempty"`
	RateLimit      float64 `json:"rate_limit,omitempty"`
}

// Stats returns per-queue statistics, merging store backlogs with the
// queue manager's local snapshot. Queues known only to one side still
// appear.
func (rt *Runtime) Stats(ctx context.Context) ([]QueueStats, error) {
	lengths, err := rt.taskStore.QueueLengths(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue lengths: %w", err)
	}

	byQueue := make(map[string]*QueueStats, len(lengths))
	for name, backlog := range lengths {
		byQueue[name] = &QueueStats{Queue: name, Backlog: backlog}
	}
	if rt.queueManager != nil {
		for _, qs := range rt.queueManager.StatsSnapshot() {
			st, ok := byQueue[qs.Queue]
			if !ok {
				st = &QueueStats{Queue: qs.Queue}
				byQueue[qs.Queue] = st
			}
			st.Active = qs.Active
			st.MaxConcurrency = qs.MaxConcurrency
			st.RateLimit = qs.RateLimit
		}
	}

	out := make([]QueueStats, 0, len(byQueue))
	for _, st := range byQueue {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out, nil
}

// ──────────────────────────────────────────────────
// Cron operations
// ──────────────────────────────────────────────────

// RegisterCron registers a recurring workflow schedule. Re-registration
// of the same name is idempotent.
func (rt *Runtime) RegisterCron(ctx context.Context, name, schedule, workflowID string, params map[string]any) error {
	entry, err := cron.NewEntry(name, schedule, workflowID, params)
	if err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}

	if err := rt.cronStore.RegisterCron(ctx, entry); err != nil {
		if errors.Is(err, loom.ErrDuplicateCron) {
			return nil
		}
		return fmt.Errorf("register cron %q: %w", name, err)
	}

	rt.logger.Info("cron registered",
		slog.String("name", name),
		slog.String("schedule", schedule),
		slog.String("workflow_id", workflowID),
	)
	return nil
}

// ──────────────────────────────────────────────────
// Accessors
// ──────────────────────────────────────────────────

// Extensions returns the extension registry.
func (rt *Runtime) Extensions() *ext.Registry { return rt.extensions }

// Registry returns the task handler registry for custom task types.
func (rt *Runtime) Registry() *task.Registry { return rt.registry }

// Orchestrator returns the underlying Orchestrator.
func (rt *Runtime) Orchestrator() *loom.Orchestrator { return rt.o }

// DLQService returns the runtime's DLQ service for replay and inspection.
func (rt *Runtime) DLQService() *dlq.Service { return rt.dlqService }

// Tools returns the tool registry used by workflow task nodes.
func (rt *Runtime) Tools() *tool.Registry { return rt.tools }

// Workflows returns the workflow store.
func (rt *Runtime) Workflows() graph.Store { return rt.workflows }

// Scheduler returns the cron scheduler.
func (rt *Runtime) Scheduler() *cron.Scheduler { return rt.scheduler }

// QueueManager returns the queue manager, or nil if no queue configs
// were provided.
func (rt *Runtime) QueueManager() *queue.Manager { return rt.queueManager }
