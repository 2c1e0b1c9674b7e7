package audit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

type captureRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *captureRecorder) Record(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *captureRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func testTask() *task.Task {
	t := task.New("email.send", "default", map[string]any{"to": "ops@example.com"})
	t.WorkerID = id.NewWorkerID()
	return t
}

func TestTaskHooksRecordEvents(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec)
	ctx := context.Background()
	tk := testTask()

	if err := e.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("OnTaskEnqueued: %v", err)
	}
	if err := e.OnTaskStarted(ctx, tk); err != nil {
		t.Fatalf("OnTaskStarted: %v", err)
	}
	if err := e.OnTaskCompleted(ctx, tk, 250*time.Millisecond); err != nil {
		t.Fatalf("OnTaskCompleted: %v", err)
	}

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Action != ActionTaskEnqueued || events[0].Category != CategoryTask {
		t.Errorf("unexpected first event: %+v", events[0])
	}
	if events[0].Resource != tk.ID.String() {
		t.Errorf("resource = %q, want task id", events[0].Resource)
	}
	if got := events[2].Details["elapsed_ms"]; got != int64(250) {
		t.Errorf("elapsed_ms = %v, want 250", got)
	}
}

func TestFailureHooksCarryErrorAndSeverity(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec)
	ctx := context.Background()
	tk := testTask()
	tk.RetryCount = 2

	if err := e.OnTaskRetrying(ctx, tk, 2, time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("OnTaskRetrying: %v", err)
	}
	if err := e.OnTaskFailed(ctx, tk, errors.New("smtp timeout")); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}
	if err := e.OnTaskDLQ(ctx, tk, errors.New("smtp timeout")); err != nil {
		t.Fatalf("OnTaskDLQ: %v", err)
	}

	events := rec.all()
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[0].Severity != SeverityWarn || events[0].Outcome != OutcomeFailure {
		t.Errorf("retrying event severity/outcome = %q/%q", events[0].Severity, events[0].Outcome)
	}
	for _, ev := range events[1:] {
		if ev.Severity != SeverityError {
			t.Errorf("%s severity = %q, want error", ev.Action, ev.Severity)
		}
		if ev.Details["error"] != "smtp timeout" {
			t.Errorf("%s missing error detail: %v", ev.Action, ev.Details)
		}
	}
}

func TestRunHooksRecordEvents(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec)
	ctx := context.Background()

	started := time.Now().UTC()
	res := &engine.Result{
		Status:      engine.StatusCompleted,
		Visited:     []string{"start", "work", "end"},
		StartedAt:   started,
		CompletedAt: started.Add(time.Second),
	}

	if err := e.OnRunStarted(ctx, "wf_report"); err != nil {
		t.Fatalf("OnRunStarted: %v", err)
	}
	if err := e.OnNodeCompleted(ctx, "wf_report", "work", 50*time.Millisecond); err != nil {
		t.Fatalf("OnNodeCompleted: %v", err)
	}
	if err := e.OnRunCompleted(ctx, "wf_report", res); err != nil {
		t.Fatalf("OnRunCompleted: %v", err)
	}
	if err := e.OnRunFailed(ctx, "wf_report", errors.New("node exploded")); err != nil {
		t.Fatalf("OnRunFailed: %v", err)
	}

	events := rec.all()
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
	done := events[2]
	if done.Action != ActionRunDone {
		t.Fatalf("action = %q", done.Action)
	}
	if done.Details["status"] != "completed" || done.Details["nodes_visited"] != 3 {
		t.Errorf("unexpected run details: %v", done.Details)
	}
}

func TestCronFired(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec)
	tid := id.NewTaskID()

	if err := e.OnCronFired(context.Background(), "nightly-report", tid); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Category != CategoryCron || events[0].Resource != "nightly-report" {
		t.Errorf("unexpected event: %+v", events[0])
	}
	if events[0].Details["task_id"] != tid.String() {
		t.Errorf("task_id detail = %v", events[0].Details["task_id"])
	}
}

func TestWithActionsFilters(t *testing.T) {
	rec := &captureRecorder{}
	e := New(rec, WithActions(ActionTaskFailed))
	ctx := context.Background()
	tk := testTask()

	if err := e.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("OnTaskEnqueued: %v", err)
	}
	if err := e.OnTaskFailed(ctx, tk, errors.New("boom")); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}

	events := rec.all()
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Action != ActionTaskFailed {
		t.Errorf("action = %q", events[0].Action)
	}
}

func TestRecorderErrorDoesNotPropagate(t *testing.T) {
	failing := RecorderFunc(func(context.Context, Event) error {
		return errors.New("sink unavailable")
	})
	e := New(failing, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))

	if err := e.OnTaskEnqueued(context.Background(), testTask()); err != nil {
		t.Fatalf("recorder failure leaked: %v", err)
	}
}
