package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const publishTimeout = 5 * time.Second

// Publisher writes events to Kafka. It never surfaces bus failures to its
// callers: when the bus is down, publishes are logged and dropped, and a
// background reconciler reports the accumulated drop count until the bus
// recovers.
type Publisher struct {
	source  string
	log     *zap.Logger
	writers map[string]*kafka.Writer
	brokers []string
	mu      sync.Mutex

	dropped atomic.Int64
	done    chan struct{}
	once    sync.Once
}

// NewPublisher creates a publisher. source names the emitting service in
// event metadata. Connection failures here do not prevent startup; the
// publisher runs in degraded mode until Kafka becomes reachable.
func NewPublisher(brokers []string, source string, log *zap.Logger) *Publisher {
	p := &Publisher{
		source:  source,
		log:     log,
		writers: make(map[string]*kafka.Writer),
		brokers: brokers,
		done:    make(chan struct{}),
	}
	go p.reportDrops()
	return p
}

func (p *Publisher) writer(topic string) *kafka.Writer {
	p.mu.Lock()
	defer p.mu.Unlock()
	if w, ok := p.writers[topic]; ok {
		return w
	}
	w := &kafka.Writer{
		Addr:  kafka.TCP(p.brokers...),
		Topic: topic,
		// Hash balancer keeps all events for one key on one partition,
		// preserving per-device / per-request ordering.
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		WriteTimeout:           publishTimeout,
		BatchTimeout:           10 * time.Millisecond,
	}
	p.writers[topic] = w
	return w
}

// Publish emits one event. The returned error is always nil for bus
// unavailability (degraded mode); it is non-nil only for encoding bugs.
func (p *Publisher) Publish(ctx context.Context, topic, eventType, key string, payload map[string]any, meta Metadata) error {
	meta.Source = p.source
	evt := Event{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		Key:       key,
		Payload:   payload,
		Metadata:  meta,
	}

	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	err = p.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   []byte(key),
		Value: data,
	})
	if err != nil {
		p.dropped.Add(1)
		p.log.Warn("event bus publish failed, dropping event",
			zap.String("topic", topic),
			zap.String("eventType", eventType),
			zap.String("key", key),
			zap.Error(err))
	}
	return nil
}

// reportDrops logs the drop count once a minute while events are being lost.
func (p *Publisher) reportDrops() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	var lastReported int64
	for {
		select {
		case <-ticker.C:
			total := p.dropped.Load()
			if total > lastReported {
				p.log.Warn("events dropped while bus unavailable",
					zap.Int64("droppedTotal", total),
					zap.Int64("droppedSinceLastReport", total-lastReported))
				lastReported = total
			}
		case <-p.done:
			return
		}
	}
}

// Dropped returns the total number of events dropped in degraded mode.
func (p *Publisher) Dropped() int64 {
	return p.dropped.Load()
}

// Close flushes and releases all topic writers.
func (p *Publisher) Close() error {
	p.once.Do(func() { close(p.done) })
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for topic, w := range p.writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close writer for %s: %w", topic, err)
		}
	}
	return firstErr
}
