package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/loom"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// casRetries bounds the optimistic WATCH retry loop on hot keys.
const casRetries = 10

// claimScript atomically claims due queued tasks from one ready queue:
// it pops members whose run_at score has passed, stamps the running
// state and lease onto the task hash, and returns the claimed IDs.
var claimScript = goredis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local claimed = {}
for _, id in ipairs(ids) do
	local key = ARGV[6] .. 'task:' .. id
	redis.call('ZREM', KEYS[1], id)
	if redis.call('HGET', key, 'state') == 'queued' then
		redis.call('HSET', key,
			'state', 'running',
			'worker_id', ARGV[3],
			'started_at', ARGV[4],
			'lease_expires_at', ARGV[5],
			'updated_at', ARGV[4])
		claimed[#claimed+1] = id
	end
end
return claimed
`)

// CreateTask stores the task as a Hash; queued tasks also join their
// queue's ready Sorted Set.
func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	tID := t.ID.String()
	key := taskKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return loom.ErrTaskAlreadyExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, taskToMap(t))
	pipe.SAdd(ctx, taskIDsKey, tID)
	if t.State == task.StateQueued {
		pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{Score: runAtScore(t.RunAt), Member: tID})
		pipe.SAdd(ctx, queuesKey, t.Queue)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: create task: %w", err)
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, taskID id.TaskID) (*task.Task, error) {
	return s.getTaskByKey(ctx, taskKey(taskID.String()))
}

// UpdateTask persists changes to an existing task. It must not be used
// for state transitions; use CompareAndSwapState.
func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	key := taskKey(t.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrTaskNotFound
	}

	fields := taskToMap(t)
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if err := s.client.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("loom/redis: update task: %w", err)
	}
	return nil
}

// DequeueTasks atomically claims up to limit due queued tasks from the
// given queues, ordered by run_at ascending within each queue.
func (s *Store) DequeueTasks(ctx context.Context, workerID id.WorkerID, queues []string, limit int, lease time.Duration) ([]*task.Task, error) {
	now := time.Now().UTC()
	nowStr := now.Format(time.RFC3339Nano)
	leaseStr := now.Add(lease).Format(time.RFC3339Nano)

	var tasks []*task.Task
	for _, q := range queues {
		if limit > 0 && len(tasks) >= limit {
			break
		}
		remaining := limit - len(tasks)

		ids, err := claimScript.Run(ctx, s.client,
			[]string{queueKey(q)},
			now.UnixMilli(), remaining, workerID.String(), nowStr, leaseStr, keyPrefix,
		).StringSlice()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("loom/redis: dequeue claim: %w", err)
		}

		for _, tID := range ids {
			t, getErr := s.getTaskByKey(ctx, taskKey(tID))
			if getErr != nil {
				continue // reclaimed under us; the lease still holds elsewhere
			}
			tasks = append(tasks, t)
		}
	}
	return tasks, nil
}

// RenewLease extends the lease of a running task held by the given worker.
func (s *Store) RenewLease(ctx context.Context, taskID id.TaskID, workerID id.WorkerID, lease time.Duration) error {
	key := taskKey(taskID.String())

	txn := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("loom/redis: renew get: %w", err)
		}
		if len(vals) == 0 {
			return loom.ErrTaskNotFound
		}
		if task.State(vals["state"]) != task.StateRunning || vals["worker_id"] != workerID.String() {
			return loom.ErrInvalidState
		}
		expiry := time.Now().UTC().Add(lease).Format(time.RFC3339Nano)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.HSet(ctx, key, "lease_expires_at", expiry)
			return nil
		})
		return err
	}

	return s.watchRetry(ctx, txn, key)
}

// CompareAndSwapState transitions a task from an expected state to a new
// one under an optimistic WATCH transaction, applying mutate inside it.
func (s *Store) CompareAndSwapState(ctx context.Context, taskID id.TaskID, from, to task.State, mutate func(*task.Task)) (*task.Task, error) {
	tID := taskID.String()
	key := taskKey(tID)

	var result *task.Task
	txn := func(tx *goredis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return fmt.Errorf("loom/redis: cas get: %w", err)
		}
		if len(vals) == 0 {
			return loom.ErrTaskNotFound
		}
		t, err := mapToTask(vals)
		if err != nil {
			return err
		}
		if t.State != from || !from.CanTransitionTo(to) {
			return loom.ErrInvalidState
		}

		wasQueued := t.State == task.StateQueued
		t.State = to
		if mutate != nil {
			mutate(t)
		}
		t.UpdatedAt = time.Now().UTC()

		fields := taskToMap(t)
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			// Rewrite the whole hash so fields cleared by mutate do not linger.
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, fields)
			if wasQueued {
				pipe.ZRem(ctx, queueKey(t.Queue), tID)
			}
			if t.State == task.StateQueued {
				pipe.ZAdd(ctx, queueKey(t.Queue), goredis.Z{Score: runAtScore(t.RunAt), Member: tID})
				pipe.SAdd(ctx, queuesKey, t.Queue)
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = t
		return nil
	}

	if err := s.watchRetry(ctx, txn, key); err != nil {
		return nil, err
	}
	return result, nil
}

// ReapExpired requeues running tasks whose lease expired before now.
func (s *Store) ReapExpired(ctx context.Context, now time.Time) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: reap smembers: %w", err)
	}

	var reaped []*task.Task
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if !t.LeaseExpired(now) {
			continue
		}
		requeued, casErr := s.CompareAndSwapState(ctx, t.ID, task.StateRunning, task.StateQueued, func(rec *task.Task) {
			rec.WorkerID = id.Nil
			rec.LeaseExpiresAt = nil
			rec.StartedAt = nil
			rec.RunAt = now
		})
		if casErr != nil {
			// The worker finished or renewed between the scan and the swap.
			continue
		}
		reaped = append(reaped, requeued)
	}
	return reaped, nil
}

// ListTasksByState returns tasks matching the given state.
func (s *Store) ListTasksByState(ctx context.Context, state task.State, opts task.ListOpts) ([]*task.Task, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list smembers: %w", err)
	}

	tasks := make([]*task.Task, 0, len(ids))
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue // skip missing
		}
		if t.State != state {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		tasks = append(tasks, t)
	}

	sortTasksByCreatedAt(tasks)

	if opts.Offset > 0 {
		if opts.Offset >= len(tasks) {
			return nil, nil
		}
		tasks = tasks[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(tasks) {
		tasks = tasks[:opts.Limit]
	}
	return tasks, nil
}

// CountTasks returns the number of tasks matching the given options.
func (s *Store) CountTasks(ctx context.Context, opts task.CountOpts) (int64, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: count smembers: %w", err)
	}

	var count int64
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if opts.State != "" && t.State != opts.State {
			continue
		}
		if opts.Queue != "" && t.Queue != opts.Queue {
			continue
		}
		count++
	}
	return count, nil
}

// QueueLengths returns the number of queued tasks per queue name.
func (s *Store) QueueLengths(ctx context.Context) (map[string]int64, error) {
	queues, err := s.client.SMembers(ctx, queuesKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: queues smembers: %w", err)
	}

	lengths := make(map[string]int64, len(queues))
	for _, q := range queues {
		n, zErr := s.client.ZCard(ctx, queueKey(q)).Result()
		if zErr != nil {
			return nil, fmt.Errorf("loom/redis: queue zcard: %w", zErr)
		}
		lengths[q] = n
	}
	return lengths, nil
}

// DeleteExpired removes terminal tasks whose ExpiresAt passed before now.
func (s *Store) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, taskIDsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: sweep smembers: %w", err)
	}

	var count int
	for _, tID := range ids {
		t, getErr := s.getTaskByKey(ctx, taskKey(tID))
		if getErr != nil {
			continue
		}
		if !t.State.Terminal() || t.ExpiresAt == nil || !t.ExpiresAt.Before(now) {
			continue
		}
		pipe := s.client.TxPipeline()
		pipe.Del(ctx, taskKey(tID))
		pipe.SRem(ctx, taskIDsKey, tID)
		if _, pErr := pipe.Exec(ctx); pErr != nil {
			return count, fmt.Errorf("loom/redis: sweep delete: %w", pErr)
		}
		count++
	}
	return count, nil
}

// ── helpers ──

// watchRetry runs an optimistic transaction, retrying on write conflicts.
func (s *Store) watchRetry(ctx context.Context, txn func(*goredis.Tx) error, keys ...string) error {
	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, keys...)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("loom/redis: watch contention: %w", goredis.TxFailedErr)
}

// runAtScore orders a ready queue by earliest RunAt first.
func runAtScore(runAt time.Time) float64 {
	return float64(runAt.UnixMilli())
}

func taskToMap(t *task.Task) map[string]interface{} {
	m := map[string]interface{}{
		"id":          t.ID.String(),
		"type":        t.Type,
		"queue":       t.Queue,
		"params":      marshalJSON(t.Params),
		"metadata":    marshalJSON(t.Metadata),
		"state":       string(t.State),
		"result":      marshalJSON(t.Result),
		"error":       t.Error,
		"retry_count": strconv.Itoa(t.RetryCount),
		"max_retries": strconv.Itoa(t.MaxRetries),
		"timeout":     strconv.FormatInt(int64(t.Timeout), 10),
		"run_at":      t.RunAt.Format(time.RFC3339Nano),
		"created_at":  t.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":  t.UpdatedAt.Format(time.RFC3339Nano),
	}
	if !t.WorkerID.IsNil() {
		m["worker_id"] = t.WorkerID.String()
	}
	if t.LeaseExpiresAt != nil {
		m["lease_expires_at"] = t.LeaseExpiresAt.Format(time.RFC3339Nano)
	}
	if t.StartedAt != nil {
		m["started_at"] = t.StartedAt.Format(time.RFC3339Nano)
	}
	if t.CompletedAt != nil {
		m["completed_at"] = t.CompletedAt.Format(time.RFC3339Nano)
	}
	if t.ExpiresAt != nil {
		m["expires_at"] = t.ExpiresAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getTaskByKey(ctx context.Context, key string) (*task.Task, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get task: %w", err)
	}
	if len(vals) == 0 {
		return nil, loom.ErrTaskNotFound
	}
	return mapToTask(vals)
}

func mapToTask(m map[string]string) (*task.Task, error) {
	tID, err := id.ParseTaskID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse task id: %w", err)
	}

	retryCount, _ := strconv.Atoi(m["retry_count"])      //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])      //nolint:errcheck // best-effort parse from trusted Redis data
	timeout, _ := strconv.ParseInt(m["timeout"], 10, 64) //nolint:errcheck // best-effort parse from trusted Redis data

	runAt, _ := time.Parse(time.RFC3339Nano, m["run_at"])         //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	t := &task.Task{
		Entity: loom.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:         tID,
		Type:       m["type"],
		Queue:      m["queue"],
		Params:     unmarshalAnyMap(m["params"]),
		Metadata:   unmarshalStringMap(m["metadata"]),
		State:      task.State(m["state"]),
		Result:     unmarshalAnyMap(m["result"]),
		Error:      m["error"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		Timeout:    time.Duration(timeout),
		RunAt:      runAt,
	}

	if wid := m["worker_id"]; wid != "" {
		t.WorkerID, _ = id.ParseWorkerID(wid) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["lease_expires_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.LeaseExpiresAt = &ts
	}
	if v := m["started_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.StartedAt = &ts
	}
	if v := m["completed_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.CompletedAt = &ts
	}
	if v := m["expires_at"]; v != "" {
		ts, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		t.ExpiresAt = &ts
	}

	return t, nil
}

func sortTasksByCreatedAt(tasks []*task.Task) {
	sort.Slice(tasks, func(i, k int) bool {
		return tasks[i].CreatedAt.Before(tasks[k].CreatedAt)
	})
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}

// unmarshalAnyMap parses a JSON object into a map.
func unmarshalAnyMap(s string) map[string]any {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]any)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}

// unmarshalStringMap parses a JSON map of strings.
func unmarshalStringMap(s string) map[string]string {
	if s == "" || s == "null" {
		return nil
	}
	out := make(map[string]string)
	_ = json.Unmarshal([]byte(s), &out) //nolint:errcheck // best-effort parse from trusted Redis data
	return out
}
