package runtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/loom"
	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/graph"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/queue"
	"github.com/xraph/loom/store/memory"
	"github.com/xraph/loom/task"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// linearEcho is a minimal START -> task(echo) -> END workflow.
func linearEcho() *graph.Workflow {
	return &graph.Workflow{
		ID: "wf-linear",
		Nodes: []graph.Node{
			{ID: "start", Kind: graph.KindStart},
			{ID: "greet", Kind: graph.KindTask, Tool: "echo", ToolParams: map[string]any{"x": "${in}"}},
			{ID: "end", Kind: graph.KindEnd},
		},
		Edges: []graph.Edge{
			{Source: "start", Target: "greet"},
			{Source: "greet", Target: "end"},
		},
	}
}

func newTestRuntime(t *testing.T, opts ...Option) (*Runtime, *memory.Store) {
	t.Helper()

	store := memory.New()
	o, err := loom.New(
		loom.WithStore(store),
		loom.WithLogger(testLogger()),
		loom.WithPollInterval(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("loom.New: %v", err)
	}

	workflows, err := graph.NewStaticStore(linearEcho())
	if err != nil {
		t.Fatalf("NewStaticStore: %v", err)
	}

	rt, err := Build(o, workflows, opts...)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return rt, store
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestRunWorkflow_Sync(t *testing.T) {
	rt, _ := newTestRuntime(t)

	result, err := rt.RunWorkflow(context.Background(), "wf-linear", map[string]any{"in": "hello"})
	if err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}
	if result.Status != engine.StatusCompleted {
		t.Fatalf("status = %q (err %v), want completed", result.Status, result.Error)
	}
	if got := result.Variables["greet_result"]; got != "hello" {
		t.Errorf("greet_result = %v, want %q", got, "hello")
	}
}

func TestRunWorkflow_Unknown(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.RunWorkflow(context.Background(), "no-such-workflow", nil)
	if !errors.Is(err, loom.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestSubmit_CreatesQueuedTask(t *testing.T) {
	rt, store := newTestRuntime(t)
	ctx := context.Background()

	submitted, err := rt.Submit(ctx, "wf-linear", map[string]any{"in": "hi"}, SubmitOpts{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if submitted.State != task.StateQueued {
		t.Fatalf("state = %s, want queued", submitted.State)
	}
	if submitted.Type != TaskTypeWorkflow {
		t.Fatalf("type = %s, want %s", submitted.Type, TaskTypeWorkflow)
	}

	stored, err := store.GetTask(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if stored.Params[paramWorkflowID] != "wf-linear" {
		t.Fatalf("workflow id param = %v", stored.Params[paramWorkflowID])
	}
}

func TestSubmit_UnknownWorkflow(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.Submit(context.Background(), "no-such-workflow", nil, SubmitOpts{})
	if !errors.Is(err, loom.ErrWorkflowNotFound) {
		t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
	}
}

func TestSubmittedWorkflowRunsOnWorker(t *testing.T) {
	rt, store := newTestRuntime(t)
	ctx := context.Background()

	if err := rt.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer rt.Stop(ctx) //nolint:errcheck // shutdown error is irrelevant here

	submitted, err := rt.Submit(ctx, "wf-linear", map[string]any{"in": "deferred"}, SubmitOpts{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	waitFor(t, func() bool {
		got, getErr := store.GetTask(ctx, submitted.ID)
		return getErr == nil && got.State == task.StateCompleted
	})

	done, err := store.GetTask(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if done.Result["status"] != string(engine.StatusCompleted) {
		t.Fatalf("result status = %v", done.Result["status"])
	}
	variables, _ := done.Result["variables"].(map[string]any)
	if variables["greet_result"] != "deferred" {
		t.Fatalf("greet_result = %v, want %q", variables["greet_result"], "deferred")
	}
}

func TestCancelTask(t *testing.T) {
	rt, store := newTestRuntime(t)
	ctx := context.Background()

	submitted, err := rt.Submit(ctx, "wf-linear", nil, SubmitOpts{RunAt: time.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cancelled, err := rt.CancelTask(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("CancelTask: %v", err)
	}
	if cancelled.State != task.StateCancelled {
		t.Fatalf("state = %s, want cancelled", cancelled.State)
	}
	if cancelled.CompletedAt == nil || cancelled.ExpiresAt == nil {
		t.Fatal("terminal timestamps not set")
	}

	// A terminal task cannot be cancelled again.
	if _, err := rt.CancelTask(ctx, submitted.ID); !errors.Is(err, loom.ErrTaskNotCancellable) {
		t.Fatalf("expected ErrTaskNotCancellable, got %v", err)
	}

	// And never runs.
	got, err := store.GetTask(ctx, submitted.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.State != task.StateCancelled {
		t.Fatalf("state = %s after cancel", got.State)
	}
}

func TestCancelTask_NotFound(t *testing.T) {
	rt, _ := newTestRuntime(t)

	_, err := rt.CancelTask(context.Background(), id.NewTaskID())
	if !errors.Is(err, loom.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRegisterCron_Idempotent(t *testing.T) {
	rt, store := newTestRuntime(t)
	ctx := context.Background()

	if err := rt.RegisterCron(ctx, "hourly", "@every 1h", "wf-linear", nil); err != nil {
		t.Fatalf("RegisterCron: %v", err)
	}
	// Same name again is a no-op, not an error.
	if err := rt.RegisterCron(ctx, "hourly", "@every 1h", "wf-linear", nil); err != nil {
		t.Fatalf("RegisterCron repeat: %v", err)
	}

	entries, err := store.ListCrons(ctx)
	if err != nil {
		t.Fatalf("ListCrons: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 cron entry, got %d", len(entries))
	}
}

func TestRegisterCron_InvalidSchedule(t *testing.T) {
	rt, _ := newTestRuntime(t)

	if err := rt.RegisterCron(context.Background(), "bad", "not a schedule", "wf-linear", nil); err == nil {
		t.Fatal("expected schedule validation error")
	}
}

func TestQueueLengths(t *testing.T) {
	rt, _ := newTestRuntime(t)
	ctx := context.Background()

	if _, err := rt.Submit(ctx, "wf-linear", nil, SubmitOpts{Queue: "reports", RunAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	lengths, err := rt.QueueLengths(ctx)
	if err != nil {
		t.Fatalf("QueueLengths: %v", err)
	}
	if lengths["reports"] != 1 {
		t.Fatalf("reports queue length = %d, want 1", lengths["reports"])
	}
}

func TestStatsMergesBacklogAndLimits(t *testing.T) {
	rt, _ := newTestRuntime(t, WithQueueConfig(queue.Config{Name: "reports", MaxConcurrency: 4, RateLimit: 10}))
	ctx := context.Background()

	if _, err := rt.Submit(ctx, "wf-linear", nil, SubmitOpts{Queue: "reports", RunAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stats, err := rt.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var reports *QueueStats
	for i := range stats {
		if stats[i].Queue == "reports" {
			reports = &stats[i]
		}
	}
	if reports == nil {
		t.Fatalf("reports queue missing from stats: %+v", stats)
	}
	if reports.Backlog != 1 {
		t.Errorf("backlog = %d, want 1", reports.Backlog)
	}
	if reports.MaxConcurrency != 4 || reports.RateLimit != 10 {
		t.Errorf("limits = %d/%v, want 4/10", reports.MaxConcurrency, reports.RateLimit)
	}
}

// trackingExt records run lifecycle hook calls.
type trackingExt struct {
	started   []string
	completed []string
	failed    []string
}

func (e *trackingExt) Name() string { return "tracking" }

func (e *trackingExt) OnRunStarted(_ context.Context, workflowID string) error {
	e.started = append(e.started, workflowID)
	return nil
}

func (e *trackingExt) OnRunCompleted(_ context.Context, workflowID string, _ *engine.Result) error {
	e.completed = append(e.completed, workflowID)
	return nil
}

func (e *trackingExt) OnRunFailed(_ context.Context, workflowID string, _ error) error {
	e.failed = append(e.failed, workflowID)
	return nil
}

func TestRunHooksFire(t *testing.T) {
	ext := &trackingExt{}
	rt, _ := newTestRuntime(t, WithExtension(ext))

	if _, err := rt.RunWorkflow(context.Background(), "wf-linear", map[string]any{"in": "x"}); err != nil {
		t.Fatalf("RunWorkflow: %v", err)
	}

	if len(ext.started) != 1 || ext.started[0] != "wf-linear" {
		t.Fatalf("started hooks = %v", ext.started)
	}
	if len(ext.completed) != 1 {
		t.Fatalf("completed hooks = %v", ext.completed)
	}
	if len(ext.failed) != 0 {
		t.Fatalf("failed hooks = %v", ext.failed)
	}
}
