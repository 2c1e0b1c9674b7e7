// Package dlq implements the dead letter queue for tasks that exhausted
// their retry budget.
//
// When a task's final attempt fails, the worker moves it to the DLQ via
// [Service.Push]. The entry preserves the task's params, metadata, and the
// final error so an operator can inspect what went wrong and, if the cause
// was transient, replay it.
//
// [Service.Replay] re-enqueues an entry as a brand new pending task: fresh
// ID, zero retry count, same params and metadata. The original entry stays
// in the DLQ with ReplayedAt set, so the audit trail survives the replay.
//
// Entries accumulate until purged; [Service.Purge] removes entries older
// than a cutoff.
package dlq
