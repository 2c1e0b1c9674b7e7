package redis

// Redis key naming conventions for loom data.
// All keys are prefixed with "loom:" to avoid collisions.

const keyPrefix = "loom:"

// ── Task keys ──

// taskKey returns the key for a task entity: loom:task:{id}
func taskKey(id string) string { return keyPrefix + "task:" + id }

// queueKey returns the Sorted Set key for a ready queue: loom:queue:{name}
// Members are queued task IDs scored by run_at.
func queueKey(name string) string { return keyPrefix + "queue:" + name }

// taskIDsKey is the Set tracking all task IDs for enumeration.
const taskIDsKey = keyPrefix + "task_ids"

// queuesKey is the Set tracking all known queue names.
const queuesKey = keyPrefix + "queues"

// ── Cron keys ──

// cronKey returns the key for a cron entry entity: loom:cron:{id}
func cronKey(id string) string { return keyPrefix + "cron:" + id }

// cronLockKey returns the per-entry firing lock: loom:cron_lock:{id}
func cronLockKey(id string) string { return keyPrefix + "cron_lock:" + id }

// cronIDsKey is the Set tracking all cron IDs for enumeration.
const cronIDsKey = keyPrefix + "cron_ids"

// cronNamesKey maps cron names to IDs for duplicate detection.
const cronNamesKey = keyPrefix + "cron_names"

// ── DLQ keys ──

// dlqKey returns the key for a DLQ entry entity: loom:dlq:{id}
func dlqKey(id string) string { return keyPrefix + "dlq:" + id }

// dlqByTimeKey is the Sorted Set of DLQ entry IDs scored by failed_at,
// used for newest-first listing and time-based purging.
const dlqByTimeKey = keyPrefix + "dlq_by_time"
