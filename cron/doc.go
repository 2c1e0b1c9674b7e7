// Package cron schedules recurring workflow submissions.
//
// Cron entries are stored alongside tasks and evaluated on a tick loop.
// A per-entry lock in the store guarantees each due entry fires once even
// when several scheduler instances share a store.
//
// # Entry
//
// An [Entry] represents a recurring workflow schedule:
//   - Schedule: standard 5-field cron expression or descriptor
//     (e.g., "0 9 * * 1-5" or "@every 30s")
//   - WorkflowID: the workflow to submit when fired
//   - Queue: target queue (defaults to the workflow's queue)
//   - Params: static params passed to every triggered run
//   - Enabled: whether the entry fires
//   - LockedBy / LockedUntil: lock fields (managed internally)
//
// # Scheduler
//
// The [Scheduler] evaluates due entries on every tick, acquires the
// per-entry lock, submits the workflow through a [SubmitFunc] provided by
// the runtime, and updates LastRunAt and NextRunAt. The ext.CronFired
// extension hook fires after each submission.
package cron
