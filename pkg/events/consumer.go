package events

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one decoded event. Returning an error logs it; the
// message is still committed because delivery is at-least-once and the hub
// fan-out has no useful retry.
type Handler func(ctx context.Context, topic string, evt Event)

// Consumer reads fan-in topics with a consumer group, so each service
// instance resumes from its own committed offsets after restart.
type Consumer struct {
	brokers []string
	groupID string
	log     *zap.Logger
	cancel  context.CancelFunc
}

// NewConsumer creates a consumer for the given group.
func NewConsumer(brokers []string, groupID string, log *zap.Logger) *Consumer {
	return &Consumer{brokers: brokers, groupID: groupID, log: log}
}

// Start launches one reader goroutine per topic. It returns immediately;
// readers reconnect internally until ctx is canceled.
func (c *Consumer) Start(ctx context.Context, topics []string, handler Handler) {
	ctx, c.cancel = context.WithCancel(ctx)
	for _, topic := range topics {
		go c.consume(ctx, topic, handler)
	}
}

func (c *Consumer) consume(ctx context.Context, topic string, handler Handler) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        c.brokers,
		GroupID:        c.groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       1 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
	})
	defer reader.Close()

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				return
			}
			c.log.Warn("event consume error, retrying",
				zap.String("topic", topic), zap.Error(err))
			select {
			case <-time.After(2 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		var evt Event
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			c.log.Warn("discarding undecodable event",
				zap.String("topic", topic), zap.Error(err))
			continue
		}
		handler(ctx, topic, evt)
	}
}

// Stop cancels all readers.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}
