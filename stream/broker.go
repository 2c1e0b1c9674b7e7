package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xraph/loom/engine"
	"github.com/xraph/loom/ext"
	"github.com/xraph/loom/id"
	"github.com/xraph/loom/task"
)

// Compile-time interface checks.
var (
	_ ext.Extension     = (*Broker)(nil)
	_ ext.TaskEnqueued  = (*Broker)(nil)
	_ ext.TaskStarted   = (*Broker)(nil)
	_ ext.TaskCompleted = (*Broker)(nil)
	_ ext.TaskFailed    = (*Broker)(nil)
	_ ext.TaskRetrying  = (*Broker)(nil)
	_ ext.TaskDLQ       = (*Broker)(nil)
	_ ext.RunStarted    = (*Broker)(nil)
	_ ext.NodeCompleted = (*Broker)(nil)
	_ ext.RunCompleted  = (*Broker)(nil)
	_ ext.RunFailed     = (*Broker)(nil)
	_ ext.CronFired     = (*Broker)(nil)
	_ ext.Shutdown      = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the lifecycle
// hook interfaces and fans events out to subscribers via topic-based
// pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	subscribers sync.Map // subscriberID → *Subscriber

	totalPublished atomic.Int64

	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external transports.
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	b.subscribers.Range(func(_, _ any) bool {
		count++
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
}

// publish broadcasts an event to all matching topics.
func (b *Broker) publish(evt *Event) {
	topics := resolveTopics(evt)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

func taskData(t *task.Task) TaskEventData {
	return TaskEventData{
		TaskID:   t.ID.String(),
		TaskType: t.Type,
		Queue:    t.Queue,
	}
}

// ── Task lifecycle hooks ────────────────────────────

func (b *Broker) OnTaskEnqueued(_ context.Context, t *task.Task) error {
	b.publish(&Event{
		Type:      EventTaskEnqueued,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(taskData(t)),
	})
	return nil
}

func (b *Broker) OnTaskStarted(_ context.Context, t *task.Task) error {
	data := taskData(t)
	data.Attempt = t.RetryCount
	b.publish(&Event{
		Type:      EventTaskStarted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnTaskCompleted(_ context.Context, t *task.Task, elapsed time.Duration) error {
	data := taskData(t)
	data.ElapsedMs = elapsed.Milliseconds()
	b.publish(&Event{
		Type:      EventTaskCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnTaskFailed(_ context.Context, t *task.Task, taskErr error) error {
	data := taskData(t)
	data.Error = taskErr.Error()
	b.publish(&Event{
		Type:      EventTaskFailed,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnTaskRetrying(_ context.Context, t *task.Task, attempt int, nextRunAt time.Time) error {
	data := taskData(t)
	data.Attempt = attempt
	data.NextRunAt = nextRunAt.Format(time.RFC3339)
	b.publish(&Event{
		Type:      EventTaskRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

func (b *Broker) OnTaskDLQ(_ context.Context, t *task.Task, taskErr error) error {
	data := taskData(t)
	data.Error = taskErr.Error()
	b.publish(&Event{
		Type:      EventTaskDLQ,
		Timestamp: time.Now().UTC(),
		Topic:     TaskTopic(t.ID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

// ── Run lifecycle hooks ─────────────────────────────

func (b *Broker) OnRunStarted(_ context.Context, workflowID string) error {
	b.publish(&Event{
		Type:      EventRunStarted,
		Timestamp: time.Now().UTC(),
		Topic:     RunTopic(workflowID),
		Data:      mustMarshal(RunEventData{WorkflowID: workflowID}),
	})
	return nil
}

func (b *Broker) OnNodeCompleted(_ context.Context, workflowID, nodeID string, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventNodeCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     RunTopic(workflowID),
		Data: mustMarshal(RunEventData{
			WorkflowID: workflowID,
			NodeID:     nodeID,
			ElapsedMs:  elapsed.Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnRunCompleted(_ context.Context, workflowID string, result *engine.Result) error {
	b.publish(&Event{
		Type:      EventRunCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     RunTopic(workflowID),
		Data: mustMarshal(RunEventData{
			WorkflowID: workflowID,
			Status:     string(result.Status),
			ElapsedMs:  result.CompletedAt.Sub(result.StartedAt).Milliseconds(),
		}),
	})
	return nil
}

func (b *Broker) OnRunFailed(_ context.Context, workflowID string, runErr error) error {
	b.publish(&Event{
		Type:      EventRunFailed,
		Timestamp: time.Now().UTC(),
		Topic:     RunTopic(workflowID),
		Data: mustMarshal(RunEventData{
			WorkflowID: workflowID,
			Error:      runErr.Error(),
		}),
	})
	return nil
}

// ── Cron lifecycle hooks ────────────────────────────

func (b *Broker) OnCronFired(_ context.Context, entryName string, taskID id.TaskID) error {
	b.publish(&Event{
		Type:      EventCronFired,
		Timestamp: time.Now().UTC(),
		Data: mustMarshal(CronEventData{
			EntryName: entryName,
			TaskID:    taskID.String(),
		}),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
