package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/xraph/loom"
	"github.com/xraph/loom/dlq"
	"github.com/xraph/loom/id"
)

// PushDLQ stores a dead-lettered task entry.
func (s *Store) PushDLQ(ctx context.Context, entry *dlq.Entry) error {
	eID := entry.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, dlqKey(eID), dlqToMap(entry))
	pipe.ZAdd(ctx, dlqByTimeKey, goredis.Z{
		Score:  float64(entry.FailedAt.UnixMilli()),
		Member: eID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("loom/redis: push dlq: %w", err)
	}
	return nil
}

// GetDLQ retrieves a DLQ entry by ID.
func (s *Store) GetDLQ(ctx context.Context, entryID id.DLQID) (*dlq.Entry, error) {
	return s.getDLQByKey(ctx, dlqKey(entryID.String()))
}

// ListDLQ returns DLQ entries newest first.
func (s *Store) ListDLQ(ctx context.Context, opts dlq.ListOpts) ([]*dlq.Entry, error) {
	ids, err := s.client.ZRevRange(ctx, dlqByTimeKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list dlq zrevrange: %w", err)
	}

	entries := make([]*dlq.Entry, 0, len(ids))
	for _, eID := range ids {
		e, getErr := s.getDLQByKey(ctx, dlqKey(eID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.Queue != "" && e.Queue != opts.Queue {
			continue
		}
		entries = append(entries, e)
	}

	if opts.Offset > 0 {
		if opts.Offset >= len(entries) {
			return nil, nil
		}
		entries = entries[opts.Offset:]
	}
	if opts.Limit > 0 && opts.Limit < len(entries) {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// ReplayDLQ marks a DLQ entry as replayed at the given time.
func (s *Store) ReplayDLQ(ctx context.Context, entryID id.DLQID, replayedAt time.Time) error {
	key := dlqKey(entryID.String())
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: replay dlq exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrDLQNotFound
	}

	err = s.client.HSet(ctx, key, "replayed_at", replayedAt.Format(time.RFC3339Nano)).Err()
	if err != nil {
		return fmt.Errorf("loom/redis: replay dlq: %w", err)
	}
	return nil
}

// PurgeDLQ removes DLQ entries created before the cutoff.
func (s *Store) PurgeDLQ(ctx context.Context, before time.Time) (int, error) {
	max := strconv.FormatInt(before.UnixMilli(), 10)
	ids, err := s.client.ZRangeByScore(ctx, dlqByTimeKey, &goredis.ZRangeBy{
		Min: "-inf",
		Max: "(" + max,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: purge dlq range: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := s.client.TxPipeline()
	for _, eID := range ids {
		pipe.Del(ctx, dlqKey(eID))
		pipe.ZRem(ctx, dlqByTimeKey, eID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("loom/redis: purge dlq: %w", err)
	}
	return len(ids), nil
}

// CountDLQ returns the total number of DLQ entries.
func (s *Store) CountDLQ(ctx context.Context) (int64, error) {
	n, err := s.client.ZCard(ctx, dlqByTimeKey).Result()
	if err != nil {
		return 0, fmt.Errorf("loom/redis: count dlq: %w", err)
	}
	return n, nil
}

// ── helpers ──

func dlqToMap(e *dlq.Entry) map[string]interface{} {
	m := map[string]interface{}{
		"id":          e.ID.String(),
		"task_id":     e.TaskID.String(),
		"task_type":   e.TaskType,
		"queue":       e.Queue,
		"params":      marshalJSON(e.Params),
		"metadata":    marshalJSON(e.Metadata),
		"error":       e.Error,
		"retry_count": strconv.Itoa(e.RetryCount),
		"max_retries": strconv.Itoa(e.MaxRetries),
		"failed_at":   e.FailedAt.Format(time.RFC3339Nano),
		"created_at":  e.CreatedAt.Format(time.RFC3339Nano),
	}
	if e.ReplayedAt != nil {
		m["replayed_at"] = e.ReplayedAt.Format(time.RFC3339Nano)
	}
	return m
}

func (s *Store) getDLQByKey(ctx context.Context, key string) (*dlq.Entry, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get dlq: %w", err)
	}
	if len(vals) == 0 {
		return nil, loom.ErrDLQNotFound
	}
	return mapToDLQ(vals)
}

func mapToDLQ(m map[string]string) (*dlq.Entry, error) {
	eID, err := id.ParseDLQID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse dlq id: %w", err)
	}
	taskID, err := id.ParseTaskID(m["task_id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse dlq task id: %w", err)
	}

	retryCount, _ := strconv.Atoi(m["retry_count"])               //nolint:errcheck // best-effort parse from trusted Redis data
	maxRetries, _ := strconv.Atoi(m["max_retries"])               //nolint:errcheck // best-effort parse from trusted Redis data
	failedAt, _ := time.Parse(time.RFC3339Nano, m["failed_at"])   //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	e := &dlq.Entry{
		ID:         eID,
		TaskID:     taskID,
		TaskType:   m["task_type"],
		Queue:      m["queue"],
		Params:     unmarshalAnyMap(m["params"]),
		Metadata:   unmarshalStringMap(m["metadata"]),
		Error:      m["error"],
		RetryCount: retryCount,
		MaxRetries: maxRetries,
		FailedAt:   failedAt,
		CreatedAt:  createdAt,
	}

	if v := m["replayed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		e.ReplayedAt = &t
	}

	return e, nil
}
