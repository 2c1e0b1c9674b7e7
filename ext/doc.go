// Package ext defines the extension system for Loom.
//
// Extensions are notified of lifecycle events and can react to them,
// for example by recording metrics, emitting webhooks, or writing audit
// logs. Each lifecycle hook is a separate interface so extensions opt
// in only to the events they care about.
//
// # Implementing an Extension
//
//	type MyExtension struct{}
//
//	func (e *MyExtension) Name() string { return "my-extension" }
//
//	// Opt in to specific hooks by implementing their interfaces.
//	func (e *MyExtension) OnTaskCompleted(ctx context.Context, t *task.Task, elapsed time.Duration) error {
//	    log.Printf("task %s completed in %s", t.ID, elapsed)
//	    return nil
//	}
//
// # Task Lifecycle Hooks
//
//   - [TaskEnqueued] — task was accepted into the queue
//   - [TaskStarted] — worker began executing the task
//   - [TaskCompleted] — task finished successfully
//   - [TaskFailed] — task failed with no retries remaining
//   - [TaskRetrying] — task failed but will be retried
//   - [TaskDLQ] — task was moved to the dead letter queue
//
// # Run Lifecycle Hooks
//
//   - [RunStarted] — a workflow run began
//   - [NodeCompleted] — a workflow node finished
//   - [RunCompleted] — a workflow run finished successfully
//   - [RunFailed] — a workflow run failed or was cancelled
//
// # Other Hooks
//
//   - [CronFired] — a cron entry fired and enqueued a task
//   - [Shutdown] — graceful shutdown began
//
// Hook errors are logged and never propagated; an extension cannot
// block the pipeline.
package ext
