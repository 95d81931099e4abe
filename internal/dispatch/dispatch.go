// Package dispatch hands routed tasks to external handlers.
package dispatch

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Task is the message a handler receives.
type Task struct {
	TaskID     string  `json:"task_id"`
	Category   string  `json:"category"`
	Handler    string  `json:"handler"`
	Payload    string  `json:"payload"`
	Confidence float64 `json:"confidence"`
	AssignedAt int64   `json:"assigned_at"`
}

// Dispatcher delivers a task to its handler. Delivery is best effort; the
// handler later reports back through a completion record.
type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// LogDispatcher only logs tasks. Used when no transport is configured.
type LogDispatcher struct {
	logger *zap.Logger
}

// NewLog returns a Dispatcher that writes each task to logger.
func NewLog(logger *zap.Logger) *LogDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogDispatcher{logger: logger.Named("dispatch")}
}

// Dispatch logs task.
func (d *LogDispatcher) Dispatch(_ context.Context, task Task) error {
	d.logger.Info("task dispatched",
		zap.String("task_id", task.TaskID),
		zap.String("handler", task.Handler),
		zap.String("category", task.Category),
	)
	return nil
}

// TopicFor returns the per-handler topic name.
func TopicFor(prefix, handler string) string {
	return prefix + strings.ToLower(strings.TrimSpace(handler))
}

// KafkaDispatcher produces each task to <prefix><handler>, keyed by task id.
type KafkaDispatcher struct {
	client *kgo.Client
	prefix string
}

// NewKafka builds a producer client for brokers.
func NewKafka(brokers []string, prefix string, opts ...kgo.Opt) (*KafkaDispatcher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka dispatch: no brokers configured")
	}
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka dispatch: %w", err)
	}
	return &KafkaDispatcher{client: client, prefix: prefix}, nil
}

// Dispatch produces task synchronously.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, task Task) error {
	value, err := json.Marshal(task)
	if err != nil {
		return err
	}
	rec := &kgo.Record{
		Topic: TopicFor(d.prefix, task.Handler),
		Key:   []byte(task.TaskID),
		Value: value,
	}
	if err := d.client.ProduceSync(ctx, rec).FirstErr(); err != nil {
		return fmt.Errorf("produce to %s: %w", rec.Topic, err)
	}
	return nil
}

// EnsureTopics creates the per-handler topics for handlers.
func (d *KafkaDispatcher) EnsureTopics(ctx context.Context, handlers []string) error {
	topics := make([]string, 0, len(handlers))
	for _, h := range handlers {
		topics = append(topics, TopicFor(d.prefix, h))
	}
	return EnsureTopics(ctx, d.client, topics...)
}

// Close flushes and closes the producer.
func (d *KafkaDispatcher) Close() {
	d.client.Close()
}

// EnsureTopics creates topics that do not exist yet with one partition and
// replication factor one. Existing topics are left alone.
func EnsureTopics(ctx context.Context, client *kgo.Client, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	adm := kadm.NewClient(client)
	resp, err := adm.CreateTopics(ctx, 1, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, t := range resp.Sorted() {
		if t.Err != nil && !stderrors.Is(t.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", t.Topic, t.Err)
		}
	}
	return nil
}
