// Package intake consumes task and completion messages from Kafka and feeds
// them through the ops pipeline.
package intake

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"github.com/jimjrxieb/linkops/internal/config"
	"github.com/jimjrxieb/linkops/internal/dispatch"
	"github.com/jimjrxieb/linkops/internal/errors"
	"github.com/jimjrxieb/linkops/internal/metrics"
	"github.com/jimjrxieb/linkops/internal/ops"
)

// Message outcomes reported to metrics.
const (
	OutcomeOK      = "ok"
	OutcomeInvalid = "invalid"
	OutcomeError   = "error"
)

// TaskMessage is the payload on the intake topic.
type TaskMessage struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
}

// CompletionMessage is the payload on the completion topic.
type CompletionMessage struct {
	TaskID  string `json:"task_id"`
	Handler string `json:"handler,omitempty"`
	Success bool   `json:"success"`
	Detail  string `json:"detail,omitempty"`
	Action  string `json:"action,omitempty"`
}

// DecodeTask parses an intake message.
func DecodeTask(value []byte) (ops.IntakeInput, error) {
	var m TaskMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return ops.IntakeInput{}, errors.NewInvalidRequest(fmt.Sprintf("invalid task message: %v", err))
	}
	if strings.TrimSpace(m.TaskID) == "" {
		return ops.IntakeInput{}, errors.NewInvalidRequest("task message is missing task_id")
	}
	return ops.IntakeInput{TaskID: m.TaskID, Description: m.Description}, nil
}

// DecodeCompletion parses a completion message.
func DecodeCompletion(value []byte) (ops.CompleteInput, error) {
	var m CompletionMessage
	if err := json.Unmarshal(value, &m); err != nil {
		return ops.CompleteInput{}, errors.NewInvalidRequest(fmt.Sprintf("invalid completion message: %v", err))
	}
	if strings.TrimSpace(m.TaskID) == "" {
		return ops.CompleteInput{}, errors.NewInvalidRequest("completion message is missing task_id")
	}
	return ops.CompleteInput{
		TaskID:  m.TaskID,
		Handler: m.Handler,
		Success: m.Success,
		Detail:  m.Detail,
		Action:  m.Action,
	}, nil
}

// Handler routes one Kafka record to Intake or Complete by topic.
type Handler struct {
	DB              *sql.DB
	Config          *config.Config
	Dispatcher      dispatch.Dispatcher
	TaskTopic       string
	CompletionTopic string
	Logger          *zap.Logger
}

// Handle processes rec and reports the outcome. Malformed messages are
// logged and dropped rather than retried.
func (h *Handler) Handle(ctx context.Context, rec *kgo.Record) string {
	logger := h.Logger
	if logger == nil {
		logger = zap.L().Named("intake")
	}
	outcome := h.handle(ctx, rec, logger)
	metrics.Default().IncIntakeMessage(rec.Topic, outcome)
	return outcome
}

func (h *Handler) handle(ctx context.Context, rec *kgo.Record, logger *zap.Logger) string {
	fields := []zap.Field{
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset),
	}

	var err error
	switch rec.Topic {
	case h.TaskTopic:
		var in ops.IntakeInput
		if in, err = DecodeTask(rec.Value); err == nil {
			var out *ops.IntakeOutput
			if out, err = ops.Intake(ctx, h.DB, h.Config, h.Dispatcher, in); err == nil {
				logger.Debug("task taken in", append(fields,
					zap.String("task_id", in.TaskID),
					zap.Bool("dispatched", out.Dispatched),
					zap.Int("warnings", len(out.Warnings)))...)
			}
		}
	case h.CompletionTopic:
		var in ops.CompleteInput
		if in, err = DecodeCompletion(rec.Value); err == nil {
			_, err = ops.Complete(ctx, h.DB, h.Config, in)
		}
	default:
		logger.Warn("message on unexpected topic", fields...)
		return OutcomeInvalid
	}

	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, errors.ErrInvalidRequest):
		logger.Warn("dropping invalid message", append(fields, zap.Error(err))...)
		return OutcomeInvalid
	default:
		logger.Error("message handling failed", append(fields, zap.Error(err))...)
		return OutcomeError
	}
}

// Consumer polls the intake and completion topics as part of a consumer group.
type Consumer struct {
	client  *kgo.Client
	handler *Handler
	logger  *zap.Logger
}

// NewConsumer builds a group consumer for cfg's intake and completion topics.
func NewConsumer(database *sql.DB, cfg *config.Config, dispatcher dispatch.Dispatcher, opts ...kgo.Opt) (*Consumer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, fmt.Errorf("kafka intake: no brokers configured")
	}
	logger := zap.L().Named("intake")
	opts = append([]kgo.Opt{
		kgo.SeedBrokers(cfg.KafkaBrokers...),
		kgo.ConsumerGroup(cfg.KafkaGroup),
		kgo.ConsumeTopics(cfg.IntakeTopic, cfg.CompletionTopic),
		kgo.AllowAutoTopicCreation(),
	}, opts...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka intake: %w", err)
	}
	return &Consumer{
		client: client,
		handler: &Handler{
			DB:              database,
			Config:          cfg,
			Dispatcher:      dispatcher,
			TaskTopic:       cfg.IntakeTopic,
			CompletionTopic: cfg.CompletionTopic,
			Logger:          logger,
		},
		logger: logger,
	}, nil
}

// EnsureTopics creates the intake and completion topics if they are missing.
func (c *Consumer) EnsureTopics(ctx context.Context) error {
	return dispatch.EnsureTopics(ctx, c.client, c.handler.TaskTopic, c.handler.CompletionTopic)
}

// Run polls until ctx is cancelled or the client is closed. Records are
// handled in fetch order; offsets are committed by the group's autocommit.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("intake consumer started",
		zap.String("task_topic", c.handler.TaskTopic),
		zap.String("completion_topic", c.handler.CompletionTopic))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Warn("fetch failed",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})
		fetches.EachRecord(func(rec *kgo.Record) {
			c.handler.Handle(ctx, rec)
		})
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	c.client.Close()
}
