package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/ext"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// meterName is the instrumentation scope name for lifecycle metrics.
const meterName = "github.com/xraph/loom/observability"

// Compile-time interface checks.
var (
	_ ext.Extension     = (*MetricsExtension)(nil)
	_ ext.TaskEnqueued  = (*MetricsExtension)(nil)
	_ ext.TaskCompleted = (*MetricsExtension)(nil)
	_ ext.TaskFailed    = (*MetricsExtension)(nil)
	_ ext.TaskRetrying  = (*MetricsExtension)(nil)
	_ ext.TaskDLQ       = (*MetricsExtension)(nil)
	_ ext.RunStarted    = (*MetricsExtension)(nil)
	_ ext.RunCompleted  = (*MetricsExtension)(nil)
	_ ext.RunFailed     = (*MetricsExtension)(nil)
	_ ext.CronFired     = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle counters via OpenTelemetry.
// Register it as a Loom extension to automatically track enqueue rates,
// completion counts, failure rates, retry counts, DLQ entries, workflow
// runs, and cron fires.
type MetricsExtension struct {
	taskEnqueued  metric.Int64Counter
	taskCompleted metric.Int64Counter
	taskFailed    metric.Int64Counter
	taskRetried   metric.Int64Counter
	taskDLQ       metric.Int64Counter
	runStarted    metric.Int64Counter
	runCompleted  metric.Int64Counter
	runFailed     metric.Int64Counter
	cronFired     metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. With no provider configured the counters are noops.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the provided
// meter. Use an sdkmetric ManualReader-backed meter for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	counter := func(name, desc string) metric.Int64Counter {
		// Noop fallback guaranteed by the OTel API contract.
		c, _ := meter.Int64Counter(name, metric.WithDescription(desc))
		return c
	}
	return &MetricsExtension{
		taskEnqueued:  counter("loom.task.enqueued", "Tasks enqueued"),
		taskCompleted: counter("loom.task.completed", "Tasks completed"),
		taskFailed:    counter("loom.task.failed", "Tasks terminally failed"),
		taskRetried:   counter("loom.task.retried", "Task retry attempts scheduled"),
		taskDLQ:       counter("loom.task.dlq", "Tasks moved to the dead letter queue"),
		runStarted:    counter("loom.run.started", "Workflow runs started"),
		runCompleted:  counter("loom.run.completed", "Workflow runs completed"),
		runFailed:     counter("loom.run.failed", "Workflow runs failed or cancelled"),
		cronFired:     counter("loom.cron.fired", "Cron entries fired"),
	}
}

// Name implements ext.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

func taskAttrs(t *task.Task) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("task_type", t.Type),
		attribute.String("queue", t.Queue),
	)
}

func workflowAttrs(workflowID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("workflow_id", workflowID))
}

// ── Task lifecycle hooks ────────────────────────────

// OnTaskEnqueued implements ext.TaskEnqueued.
func (m *MetricsExtension) OnTaskEnqueued(ctx context.Context, t *task.Task) error {
	m.taskEnqueued.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskCompleted implements ext.TaskCompleted.
func (m *MetricsExtension) OnTaskCompleted(ctx context.Context, t *task.Task, _ time.Duration) error {
	m.taskCompleted.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskFailed implements ext.TaskFailed.
func (m *MetricsExtension) OnTaskFailed(ctx context.Context, t *task.Task, _ error) error {
	m.taskFailed.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskRetrying implements ext.TaskRetrying.
func (m *MetricsExtension) OnTaskRetrying(ctx context.Context, t *task.Task, _ int, _ time.Time) error {
	m.taskRetried.Add(ctx, 1, taskAttrs(t))
	return nil
}

// OnTaskDLQ implements ext.TaskDLQ.
func (m *MetricsExtension) OnTaskDLQ(ctx context.Context, t *task.Task, _ error) error {
	m.taskDLQ.Add(ctx, 1, taskAttrs(t))
	return nil
}

// ── Run lifecycle hooks ─────────────────────────────

// OnRunStarted implements ext.RunStarted.
func (m *MetricsExtension) OnRunStarted(ctx context.Context, workflowID string) error {
	m.runStarted.Add(ctx, 1, workflowAttrs(workflowID))
	return nil
}

// OnRunCompleted implements ext.RunCompleted.
func (m *MetricsExtension) OnRunCompleted(ctx context.Context, workflowID string, _ *engine.Result) error {
	m.runCompleted.Add(ctx, 1, workflowAttrs(workflowID))
	return nil
}

// OnRunFailed implements ext.RunFailed.
func (m *MetricsExtension) OnRunFailed(ctx context.Context, workflowID string, _ error) error {
	m.runFailed.Add(ctx, 1, workflowAttrs(workflowID))
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

// OnCronFired implements ext.CronFired.
func (m *MetricsExtension) OnCronFired(ctx context.Context, entryName string, _ id.TaskID) error {
	m.cronFired.Add(ctx, 1, metric.WithAttributes(attribute.String("cron_name", entryName)))
	return nil
}
