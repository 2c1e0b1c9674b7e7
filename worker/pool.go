package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/loom/ext"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// QueueManager controls per-queue rate limiting and concurrency. The worker
// pool calls Acquire before executing a claimed task and Release after
// execution completes.
type QueueManager interface {
	// Acquire checks rate limits and concurrency for the queue.
	// Returns true if the task is allowed to proceed.
	Acquire(queue string) bool
	// Release decrements the active count for the queue.
	Release(queue string)
}

// Pool manages a set of concurrent worker goroutines that claim tasks
// under leases and execute them through the Executor.
type Pool struct {
	store        task.Store
	executor     *Executor
	extensions   *ext.Registry
	concurrency  int
	queues       []string
	pollInterval time.Duration
	workerID     id.WorkerID
	logger       *slog.Logger

	// Lease configuration. Active leases are renewed every
	// renewInterval (default leaseDuration/3) so a healthy worker
	// never loses its claim.
	leaseDuration time.Duration
	renewInterval time.Duration

	// Reaper and TTL sweep intervals. Zero disables the loop.
	reapInterval  time.Duration
	sweepInterval time.Duration

	// Queue manager (optional).
	queueManager QueueManager

	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
	activeTasks map[id.TaskID]context.CancelFunc
	activeMu    sync.Mutex
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolConcurrency sets the number of concurrent worker goroutines.
func WithPoolConcurrency(n int) PoolOption {
	return func(p *Pool) { p.concurrency = n }
}

// WithPoolQueues sets the queues the pool will claim from.
func WithPoolQueues(queues []string) PoolOption {
	return func(p *Pool) { p.queues = queues }
}

// WithPollInterval sets how often idle workers poll for new tasks.
func WithPollInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.pollInterval = d }
}

// WithLeaseDuration sets the visibility timeout applied when claiming
// tasks. Unless WithRenewInterval overrides it, leases are renewed at a
// third of this interval.
func WithLeaseDuration(d time.Duration) PoolOption {
	return func(p *Pool) { p.leaseDuration = d }
}

// WithRenewInterval sets how often active leases are renewed. Must be
// comfortably below the lease duration. A zero value keeps the default
// of a third of the lease duration.
func WithRenewInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.renewInterval = d }
}

// WithReapInterval sets how often expired leases are reaped back to the
// queue. A zero value disables reaping on this pool.
func WithReapInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.reapInterval = d }
}

// WithSweepInterval sets how often terminal tasks past their TTL are
// reclaimed. A zero value disables the sweep on this pool.
func WithSweepInterval(d time.Duration) PoolOption {
	return func(p *Pool) { p.sweepInterval = d }
}

// WithQueueManager sets the queue manager for rate limiting and
// concurrency control.
func WithQueueManager(m QueueManager) PoolOption {
	return func(p *Pool) { p.queueManager = m }
}

// NewPool creates a worker pool.
func NewPool(
	store task.Store,
	executor *Executor,
	extensions *ext.Registry,
	logger *slog.Logger,
	opts ...PoolOption,
) *Pool {
	p := &Pool{
		store:         store,
		executor:      executor,
		extensions:    extensions,
		concurrency:   10,
		queues:        []string{"default"},
		pollInterval:  time.Second,
		leaseDuration: 30 * time.Second,
		reapInterval:  5 * time.Second,
		sweepInterval: time.Hour,
		workerID:      id.NewWorkerID(),
		logger:        logger,
		stopCh:        make(chan struct{}),
		activeTasks:   make(map[id.TaskID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WorkerID returns the pool's unique worker identifier.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Any("queues", p.queues),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.dequeueLoop()
	}

	p.wg.Add(1)
	go p.renewLoop()

	if p.reapInterval > 0 {
		p.wg.Add(1)
		go p.reaperLoop()
	}

	if p.sweepInterval > 0 {
		p.wg.Add(1)
		go p.sweepLoop()
	}

	return nil
}

// Stop signals all workers to stop and waits for them to finish.
// If the context has a deadline, active tasks are cancelled when time runs out.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))

	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActiveTasks()
		p.wg.Wait()
	}

	return nil
}

// dequeueLoop is run by each worker goroutine.
func (p *Pool) dequeueLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		tasks, err := p.store.DequeueTasks(context.Background(), p.workerID, p.queues, 1, p.leaseDuration)
		if err != nil {
			p.logger.Error("dequeue error", slog.String("error", err.Error()))
			p.sleep()
			continue
		}

		if len(tasks) == 0 {
			p.sleep()
			continue
		}

		t := tasks[0]

		// Check queue rate limit and concurrency.
		if p.queueManager != nil && !p.queueManager.Acquire(t.Queue) {
			p.requeueThrottled(t)
			p.sleep()
			continue
		}

		p.extensions.EmitTaskStarted(context.Background(), t)

		ctx, cancel := context.WithCancel(context.Background())
		p.trackTask(t.ID, cancel)

		execErr := p.executor.Execute(ctx, t)
		if execErr != nil {
			p.logger.Debug("task execution failed",
				slog.String("task_id", t.ID.String()),
				slog.String("task_type", t.Type),
				slog.String("error", execErr.Error()),
			)
		}

		p.untrackTask(t.ID)
		cancel()

		if p.queueManager != nil {
			p.queueManager.Release(t.Queue)
		}
	}
}

// requeueThrottled returns a claimed but rate-limited task to the queue
// with a short delay. The retry budget is not consumed.
func (p *Pool) requeueThrottled(t *task.Task) {
	delay := time.Now().UTC().Add(p.pollInterval)
	_, err := p.store.CompareAndSwapState(context.Background(), t.ID, task.StateRunning, task.StateQueued, func(rec *task.Task) {
		rec.RunAt = delay
		rec.WorkerID = id.Nil
		rec.LeaseExpiresAt = nil
		rec.StartedAt = nil
	})
	if err != nil {
		p.logger.Error("failed to requeue rate-limited task",
			slog.String("task_id", t.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// renewLoop periodically renews leases for all active tasks.
func (p *Pool) renewLoop() {
	defer p.wg.Done()

	interval := p.renewInterval
	if interval <= 0 {
		interval = p.leaseDuration / 3
	}
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.renewLeases()
		}
	}
}

func (p *Pool) renewLeases() {
	p.activeMu.Lock()
	taskIDs := make([]id.TaskID, 0, len(p.activeTasks))
	for taskID := range p.activeTasks {
		taskIDs = append(taskIDs, taskID)
	}
	p.activeMu.Unlock()

	for _, taskID := range taskIDs {
		if err := p.store.RenewLease(context.Background(), taskID, p.workerID, p.leaseDuration); err != nil {
			p.logger.Warn("lease renewal failed",
				slog.String("task_id", taskID.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// reaperLoop periodically requeues running tasks whose lease expired.
func (p *Pool) reaperLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapExpired()
		}
	}
}

func (p *Pool) reapExpired() {
	reaped, err := p.store.ReapExpired(context.Background(), time.Now().UTC())
	if err != nil {
		p.logger.Error("reap expired leases error", slog.String("error", err.Error()))
		return
	}

	for _, t := range reaped {
		p.logger.Info("reaped expired lease",
			slog.String("task_id", t.ID.String()),
			slog.String("task_type", t.Type),
		)
	}
}

// sweepLoop periodically reclaims terminal tasks past their TTL.
func (p *Pool) sweepLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweepExpired()
		}
	}
}

func (p *Pool) sweepExpired() {
	n, err := p.store.DeleteExpired(context.Background(), time.Now().UTC())
	if err != nil {
		p.logger.Error("sweep expired tasks error", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		p.logger.Info("reclaimed expired task records", slog.Int("count", n))
	}
}

func (p *Pool) sleep() {
	select {
	case <-time.After(p.pollInterval):
	case <-p.stopCh:
	}
}

func (p *Pool) trackTask(taskID id.TaskID, cancel context.CancelFunc) {
	p.activeMu.Lock()
	p.activeTasks[taskID] = cancel
	p.activeMu.Unlock()
}

func (p *Pool) untrackTask(taskID id.TaskID) {
	p.activeMu.Lock()
	delete(p.activeTasks, taskID)
	p.activeMu.Unlock()
}

func (p *Pool) cancelActiveTasks() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for taskID, cancel := range p.activeTasks {
		p.logger.Warn("cancelling active task", slog.String("task_id", taskID.String()))
		cancel()
	}
}
