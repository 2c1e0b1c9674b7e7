// Package observability provides an OpenTelemetry-based metrics extension
// for Loom. The MetricsExtension implements lifecycle hooks to record
// system-wide counters for task enqueue, completion, failure, retry, DLQ,
// workflow run, and cron events.
//
// For per-execution tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
