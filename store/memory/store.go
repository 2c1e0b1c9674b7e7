// Package memory provides a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/cron"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ task.Store = (*Store)(nil)
	_ cron.Store = (*Store)(nil)
	_ dlq.Store  = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	tasks map[string]*task.Task
	crons map[string]*cron.Entry
	dlqs  map[string]*dlq.Entry
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
		crons: make(map[string]*cron.Entry),
		dlqs:  make(map[string]*dlq.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Task Store
// ──────────────────────────────────────────────────

// CreateTask persists a new task.
func (m *Store) CreateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, exists := m.tasks[key]; exists {
		return loom.ErrTaskAlreadyExists
	}
	cp := *t
	m.tasks[key] = &cp
	return nil
}

// GetTask retrieves a task by ID.
func (m *Store) GetTask(_ context.Context, taskID id.TaskID) (*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, loom.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

// UpdateTask persists changes to an existing task. State transitions must
// go through CompareAndSwapState instead.
func (m *Store) UpdateTask(_ context.Context, t *task.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := t.ID.String()
	if _, ok := m.tasks[key]; !ok {
		return loom.ErrTaskNotFound
	}
	cp := *t
	cp.UpdatedAt = time.Now().UTC()
	m.tasks[key] = &cp
	return nil
}

// DequeueTasks atomically claims up to limit queued tasks whose RunAt has
// passed, transitions them to running under a lease, and returns them.
func (m *Store) DequeueTasks(_ context.Context, workerID id.WorkerID, queues []string, limit int, lease time.Duration) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queueSet := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		queueSet[q] = struct{}{}
	}

	now := time.Now().UTC()

	candidates := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != task.StateQueued {
			continue
		}
		if !t.RunAt.IsZero() && t.RunAt.After(now) {
			continue
		}
		if len(queueSet) > 0 {
			if _, ok := queueSet[t.Queue]; !ok {
				continue
			}
		}
		candidates = append(candidates, t)
	}

	sort.Slice(candidates, func(i, k int) bool {
		return candidates[i].RunAt.Before(candidates[k].RunAt)
	})

	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	result := make([]*task.Task, len(candidates))
	for i, t := range candidates {
		t.State = task.StateRunning
		t.WorkerID = workerID
		started := now
		t.StartedAt = &started
		leaseExpiry := now.Add(lease)
		t.LeaseExpiresAt = &leaseExpiry
		t.UpdatedAt = now
		// Return a copy so callers can mutate without racing with the store.
		cp := *t
		result[i] = &cp
	}

	return result, nil
}

// RenewLease extends the lease of a running task held by the given worker.
func (m *Store) RenewLease(_ context.Context, taskID id.TaskID, workerID id.WorkerID, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return loom.ErrTaskNotFound
	}
	if t.State != task.StateRunning || t.WorkerID != workerID {
		return loom.ErrInvalidState
	}
	expiry := time.Now().UTC().Add(lease)
	t.LeaseExpiresAt = &expiry
	return nil
}

// CompareAndSwapState transitions a task from an expected state to a new
// one, applying mutate inside the same atomic step.
func (m *Store) CompareAndSwapState(_ context.Context, taskID id.TaskID, from, to task.State, mutate func(*task.Task)) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[taskID.String()]
	if !ok {
		return nil, loom.ErrTaskNotFound
	}
	if t.State != from || !from.CanTransitionTo(to) {
		return nil, loom.ErrInvalidState
	}

	t.State = to
	if mutate != nil {
		mutate(t)
	}
	t.UpdatedAt = time.Now().UTC()

	cp := *t
	return &cp, nil
}

// ReapExpired requeues running tasks whose lease expired before now and
// returns them. The retry budget is not consumed.
func (m *Store) ReapExpired(_ context.Context, now time.Time) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reaped []*task.Task
	for _, t := range m.tasks {
		if !t.LeaseExpired(now) {
			continue
		}
		t.State = task.StateQueued
		t.WorkerID = id.Nil
		t.LeaseExpiresAt = nil
		t.StartedAt = nil
		t.RunAt = now
		t.UpdatedAt = now

		cp := *t
		reaped = append(reaped, &cp)
	}
	return reaped, nil
}

// ListTasksByState returns tasks matching the given state.
func (m *Store) ListTasksByState(_ context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*task.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if t.State != state {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		cp := *t
		result = append(result, &cp)
	}

	// Sort by CreatedAt for deterministic output.
	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// CountTasks returns the number of tasks matching the given options.
func (m *Store) CountTasks(_ context.Context, opts task.CountOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, t := range m.tasks {
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		count++
	}
	return count, nil
}

// QueueLengths returns the number of queued tasks per queue name.
func (m *Store) QueueLengths(_ context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lengths := make(map[string]int64)
	for _, t := range m.tasks {
		if t.State == task.StateQueued {
			lengths[t.Queue]++
		}
	}
	return lengths, nil
}

// DeleteExpired removes terminal tasks whose ExpiresAt passed before now.
func (m *Store) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for key, t := range m.tasks {
		if !t.State.Terminal() || t.ExpiresAt == nil {
			continue
		}
		if t.ExpiresAt.Before(now) {
			delete(m.tasks, key)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Cron Store
// ──────────────────────────────────────────────────

// RegisterCron persists a new cron entry.
func (m *Store) RegisterCron(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.crons {
		if e.Name == entry.Name {
			return loom.ErrDuplicateCron
		}
	}

	cp := *entry
	m.crons[entry.ID.String()] = &cp
	return nil
}

// GetCron retrieves a cron entry by ID.
func (m *Store) GetCron(_ context.Context, entryID id.CronID) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return nil, loom.ErrCronNotFound
	}
	cp := *e
	return &cp, nil
}

// ListCrons returns all cron entries.
func (m *Store) ListCrons(_ context.Context) ([]*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Entry, 0, len(m.crons))
	for _, e := range m.crons {
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// AcquireCronLock attempts to take the per-entry lock.
func (m *Store) AcquireCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return false, loom.ErrCronNotFound
	}

	now := time.Now().UTC()

	// If locked by someone else and the lock hasn't expired, fail.
	if e.LockedBy != "" && e.LockedUntil != nil && e.LockedUntil.After(now) {
		if e.LockedBy != workerID.String() {
			return false, nil
		}
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseCronLock releases the per-entry lock.
func (m *Store) ReleaseCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return loom.ErrCronNotFound
	}

	if e.LockedBy != workerID.String() {
		return nil // not holding the lock; no-op
	}

	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// UpdateCronEntry updates a cron entry (LastRunAt, NextRunAt, Enabled, etc.).
func (m *Store) UpdateCronEntry(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	existing, ok := m.crons[key]
	if !ok {
		return loom.ErrCronNotFound
	}
	cp := *entry
	// Lock state is owned by Acquire/ReleaseCronLock, never by entry
	// updates.
	cp.LockedBy = existing.LockedBy
	cp.LockedUntil = existing.LockedUntil
	cp.UpdatedAt = time.Now().UTC()
	m.crons[key] = &cp
	return nil
}

// DeleteCron removes a cron entry by ID.
func (m *Store) DeleteCron(_ context.Context, entryID id.CronID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.crons[key]; !ok {
		return loom.ErrCronNotFound
	}
	delete(m.crons, key)
	return nil
}

// ──────────────────────────────────────────────────
// DLQ Store
// ──────────────────────────────────────────────────

// PushDLQ adds a dead-lettered task entry.
func (m *Store) PushDLQ(_ context.Context, entry *dlq.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *entry
	m.dlqs[entry.ID.String()] = &cp
	return nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (m *Store) GetDLQ(_ context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return nil, loom.ErrDLQNotFound
	}
	cp := *e
	return &cp, nil
}

// ListDLQ returns DLQ entries newest first.
func (m *Store) ListDLQ(_ context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*dlq.Entry, 0, len(m.dlqs))
	for _, e := range m.dlqs {
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].FailedAt.After(result[k].FailedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ReplayDLQ marks a DLQ entry as replayed at the given time.
func (m *Store) ReplayDLQ(_ context.Context, entryID id.DLQID, replayedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.dlqs[entryID.String()]
	if !ok {
		return loom.ErrDLQNotFound
	}
	e.ReplayedAt = &replayedAt
	return nil
}

// PurgeDLQ removes DLQ entries created before the cutoff.
func (m *Store) PurgeDLQ(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int
	for key, e := range m.dlqs {
		if e.CreatedAt.Before(before) {
			delete(m.dlqs, key)
			count++
		}
	}
	return count, nil
}

// CountDLQ returns the total number of DLQ entries.
func (m *Store) CountDLQ(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.dlqs)), nil
}
