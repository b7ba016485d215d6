// Package pubsub hands indexing tasks off through Google Cloud Pub/Sub: a
// Scheduler publishes them and a Consumer runs them from a subscription.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
)

// Message attributes set on every task.
const (
	AttrWebsiteID = "website_id"
	AttrJobID     = "job_id"
	AttrAttempt   = "attempt"
)

// Scheduler publishes indexing tasks to a topic.
type Scheduler struct {
	publisher *pubsub.Publisher
}

var _ corpus.IndexScheduler = (*Scheduler)(nil)

// New creates a Scheduler for the provided topic publisher.
func New(publisher *pubsub.Publisher) *Scheduler {
	return &Scheduler{publisher: publisher}
}

// ScheduleIndexing publishes task and waits for the server to accept it.
func (s *Scheduler) ScheduleIndexing(ctx context.Context, task corpus.IndexTask) error {
	if s.publisher == nil {
		return fmt.Errorf("pubsub publisher is not configured")
	}
	msg, err := encodeTask(task)
	if err != nil {
		return err
	}
	if _, err := s.publisher.Publish(ctx, msg).Get(ctx); err != nil {
		return fmt.Errorf("publish indexing task: %w", err)
	}
	return nil
}

func encodeTask(task corpus.IndexTask) (*pubsub.Message, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("marshal indexing task: %w", err)
	}
	return &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			AttrWebsiteID: task.WebsiteID,
			AttrJobID:     task.JobID,
			AttrAttempt:   strconv.Itoa(task.Attempt),
		},
	}, nil
}

func decodeTask(data []byte) (corpus.IndexTask, error) {
	var task corpus.IndexTask
	if err := json.Unmarshal(data, &task); err != nil {
		return corpus.IndexTask{}, fmt.Errorf("%w: decode indexing task: %v", corpus.ErrInvalidInput, err)
	}
	if task.WebsiteID == "" {
		return corpus.IndexTask{}, fmt.Errorf("%w: indexing task has no website id", corpus.ErrInvalidInput)
	}
	return task, nil
}

// Handler runs one indexing task.
type Handler func(ctx context.Context, task corpus.IndexTask) error

// Consumer receives indexing tasks from a subscription.
type Consumer struct {
	subscriber *pubsub.Subscriber
	handle     Handler
	logger     *zap.Logger
}

// NewConsumer builds a Consumer.
func NewConsumer(subscriber *pubsub.Subscriber, handle Handler, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{subscriber: subscriber, handle: handle, logger: logger.Named("pubsub_consumer")}
}

// Run receives messages until ctx ends.
func (c *Consumer) Run(ctx context.Context) error {
	err := c.subscriber.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		if c.process(ctx, msg.ID, msg.Data) {
			msg.Ack()
			return
		}
		msg.Nack()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("receive indexing tasks: %w", err)
	}
	return nil
}

// process runs one message and reports whether it should be acknowledged.
// Malformed and permanently failing tasks are dropped; everything else is
// redelivered.
func (c *Consumer) process(ctx context.Context, messageID string, data []byte) bool {
	logger := c.logger.With(zap.String("message_id", messageID))
	task, err := decodeTask(data)
	if err != nil {
		logger.Error("dropping malformed indexing task", zap.Error(err))
		return true
	}
	err = c.handle(ctx, task)
	if err == nil {
		return true
	}
	if redeliver(err) {
		logger.Warn("indexing task failed, redelivering", zap.String("website_id", task.WebsiteID), zap.Error(err))
		return false
	}
	logger.Error("dropping failed indexing task", zap.String("website_id", task.WebsiteID), zap.Error(err))
	return true
}

func redeliver(err error) bool {
	switch {
	case errors.Is(err, corpus.ErrInvalidInput),
		errors.Is(err, corpus.ErrNotFound),
		errors.Is(err, corpus.ErrPermanent):
		return false
	default:
		return true
	}
}
