package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

func testBroker(opts ...BrokerOption) *Broker {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewBroker(logger, opts...)
}

func drain(t *testing.T, sub *Subscriber) *Event {
	t.Helper()
	select {
	case evt := <-sub.C():
		return evt
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func TestTaskEventFanout(t *testing.T) {
	b := testBroker()
	tk := task.New("email.send", "notifications", nil)

	fire := b.Subscribe("sub-firehose", TopicFirehose)
	all := b.Subscribe("sub-tasks", TopicTasks)
	one := b.Subscribe("sub-one", TaskTopic(tk.ID.String()))
	other := b.Subscribe("sub-other", TaskTopic("task_nope"))

	if err := b.OnTaskEnqueued(context.Background(), tk); err != nil {
		t.Fatalf("OnTaskEnqueued: %v", err)
	}

	for _, sub := range []*Subscriber{fire, all, one} {
		evt := drain(t, sub)
		if evt.Type != EventTaskEnqueued {
			t.Errorf("%s got type %q", sub.ID(), evt.Type)
		}
		var data TaskEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if data.TaskID != tk.ID.String() || data.Queue != "notifications" {
			t.Errorf("%s payload = %+v", sub.ID(), data)
		}
	}

	select {
	case evt := <-other.C():
		t.Fatalf("unrelated subscriber received %q", evt.Type)
	default:
	}
}

func TestSubscriberOnMultipleTopicsGetsOneDelivery(t *testing.T) {
	b := testBroker()
	tk := task.New("email.send", "default", nil)

	sub := b.Subscribe("sub", TopicFirehose, TopicTasks, TaskTopic(tk.ID.String()))
	if err := b.OnTaskStarted(context.Background(), tk); err != nil {
		t.Fatalf("OnTaskStarted: %v", err)
	}

	drain(t, sub)
	select {
	case evt := <-sub.C():
		t.Fatalf("duplicate delivery: %q", evt.Type)
	default:
	}
}

func TestRunEventsCarryPayload(t *testing.T) {
	b := testBroker()
	sub := b.Subscribe("sub", RunTopic("wf_report"))
	ctx := context.Background()

	if err := b.OnRunStarted(ctx, "wf_report"); err != nil {
		t.Fatalf("OnRunStarted: %v", err)
	}
	if err := b.OnNodeCompleted(ctx, "wf_report", "transform", 30*time.Millisecond); err != nil {
		t.Fatalf("OnNodeCompleted: %v", err)
	}
	started := time.Now().UTC()
	res := &engine.Result{
		Status:      engine.StatusCompleted,
		StartedAt:   started,
		CompletedAt: started.Add(2 * time.Second),
	}
	if err := b.OnRunCompleted(ctx, "wf_report", res); err != nil {
		t.Fatalf("OnRunCompleted: %v", err)
	}
	if err := b.OnRunFailed(ctx, "wf_report", errors.New("node exploded")); err != nil {
		t.Fatalf("OnRunFailed: %v", err)
	}

	types := []EventType{EventRunStarted, EventNodeCompleted, EventRunCompleted, EventRunFailed}
	for _, want := range types {
		evt := drain(t, sub)
		if evt.Type != want {
			t.Fatalf("got %q, want %q", evt.Type, want)
		}
		var data RunEventData
		if err := json.Unmarshal(evt.Data, &data); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		if data.WorkflowID != "wf_report" {
			t.Errorf("%s workflow_id = %q", want, data.WorkflowID)
		}
		switch want {
		case EventNodeCompleted:
			if data.NodeID != "transform" {
				t.Errorf("node_id = %q", data.NodeID)
			}
		case EventRunCompleted:
			if data.Status != "completed" || data.ElapsedMs != 2000 {
				t.Errorf("payload = %+v", data)
			}
		case EventRunFailed:
			if data.Error != "node exploded" {
				t.Errorf("error = %q", data.Error)
			}
		}
	}
}

func TestCronFiredGoesToFirehoseOnly(t *testing.T) {
	b := testBroker()
	fire := b.Subscribe("sub-firehose", TopicFirehose)
	tasks := b.Subscribe("sub-tasks", TopicTasks)

	tid := id.NewTaskID()
	if err := b.OnCronFired(context.Background(), "nightly", tid); err != nil {
		t.Fatalf("OnCronFired: %v", err)
	}

	evt := drain(t, fire)
	if evt.Type != EventCronFired {
		t.Fatalf("type = %q", evt.Type)
	}
	var data CronEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if data.EntryName != "nightly" || data.TaskID != tid.String() {
		t.Errorf("payload = %+v", data)
	}

	select {
	case evt := <-tasks.C():
		t.Fatalf("tasks subscriber received %q", evt.Type)
	default:
	}
}

func TestCreditsExhaustionDropsEvents(t *testing.T) {
	b := testBroker(WithDefaultCredits(1))
	sub := b.Subscribe("sub", TopicFirehose)
	tk := task.New("email.send", "default", nil)
	ctx := context.Background()

	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	drain(t, sub)
	select {
	case evt := <-sub.C():
		t.Fatalf("event delivered past credit limit: %q", evt.Type)
	default:
	}

	sub.AddCredits(5)
	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("third publish: %v", err)
	}
	drain(t, sub)
}

func TestFullBufferRestoresCredit(t *testing.T) {
	b := testBroker(WithBufferSize(1), WithDefaultCredits(10))
	sub := b.Subscribe("sub", TopicFirehose)
	tk := task.New("email.send", "default", nil)
	ctx := context.Background()

	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	// Buffer is full now; this one is dropped without consuming a credit.
	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	if got := sub.Credits(); got != 9 {
		t.Errorf("credits = %d, want 9", got)
	}
}

func TestSubscriberFilter(t *testing.T) {
	b := testBroker()
	sub := b.Subscribe("sub", TopicFirehose)
	sub.SetFilter(func(evt *Event) bool { return evt.Type == EventTaskFailed })
	tk := task.New("email.send", "default", nil)
	ctx := context.Background()

	if err := b.OnTaskEnqueued(ctx, tk); err != nil {
		t.Fatalf("OnTaskEnqueued: %v", err)
	}
	if err := b.OnTaskFailed(ctx, tk, errors.New("boom")); err != nil {
		t.Fatalf("OnTaskFailed: %v", err)
	}

	evt := drain(t, sub)
	if evt.Type != EventTaskFailed {
		t.Fatalf("filter leaked %q", evt.Type)
	}
}

func TestRemoveSubscriberClosesChannel(t *testing.T) {
	b := testBroker()
	sub := b.Subscribe("sub", TopicFirehose, TopicTasks)

	b.RemoveSubscriber("sub")

	if _, ok := <-sub.C(); ok {
		t.Fatal("channel still open after removal")
	}
	if b.topics.SubscriberCount(TopicFirehose) != 0 {
		t.Error("subscriber still registered on firehose")
	}
	if _, ok := b.GetSubscriber("sub"); ok {
		t.Error("subscriber still tracked")
	}
}

func TestShutdownClosesAllSubscribers(t *testing.T) {
	b := testBroker()
	a := b.Subscribe("a", TopicFirehose)
	c := b.Subscribe("c", TopicTasks)

	if err := b.OnShutdown(context.Background()); err != nil {
		t.Fatalf("OnShutdown: %v", err)
	}

	for _, sub := range []*Subscriber{a, c} {
		if _, ok := <-sub.C(); ok {
			t.Errorf("%s channel still open", sub.ID())
		}
	}
}

func TestStats(t *testing.T) {
	b := testBroker()
	b.Subscribe("a", TopicFirehose)
	b.Subscribe("c", TopicFirehose, TopicTasks)
	tk := task.New("email.send", "default", nil)

	if err := b.OnTaskEnqueued(context.Background(), tk); err != nil {
		t.Fatalf("OnTaskEnqueued: %v", err)
	}

	stats := b.Stats()
	if stats.SubscriberCount != 2 {
		t.Errorf("subscriber count = %d", stats.SubscriberCount)
	}
	if stats.TopicCount != 2 {
		t.Errorf("topic count = %d", stats.TopicCount)
	}
	if stats.TotalPublished != 2 {
		t.Errorf("total published = %d", stats.TotalPublished)
	}
}

func TestValidateTopic(t *testing.T) {
	valid := []string{TopicTasks, TopicRuns, TopicFirehose, "task:task_abc", "run:wf_report", "queue:default"}
	for _, topic := range valid {
		if err := ValidateTopic(topic); err != nil {
			t.Errorf("ValidateTopic(%q) = %v", topic, err)
		}
	}
	invalid := []string{"", "bogus", "task:", ":id", "widget:abc"}
	for _, topic := range invalid {
		if err := ValidateTopic(topic); err == nil {
			t.Errorf("ValidateTopic(%q) accepted", topic)
		}
	}
}

func TestParseTopicEntity(t *testing.T) {
	et, eid := ParseTopicEntity("task:task_abc123")
	if et != "task" || eid != "task_abc123" {
		t.Errorf("got (%q, %q)", et, eid)
	}
	et, eid = ParseTopicEntity("firehose")
	if et != "" || eid != "" {
		t.Errorf("global topic parsed as (%q, %q)", et, eid)
	}
}
