package events

import (
	"context"
	"net"
	"testing"
	"time"

	"go.uber.org/zap"
)

// deadBroker returns an address that refuses connections immediately.
func deadBroker(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestPublishDegradedModeDropsWithoutError(t *testing.T) {
	p := NewPublisher([]string{deadBroker(t)}, "test-service", zap.NewNop())
	defer p.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := p.Publish(ctx, TopicDeviceEvents, DeviceStatusChanged, "d-1",
		map[string]any{"status": "error"}, Metadata{CorrelationID: "cid-1"})
	if err != nil {
		t.Fatalf("degraded publish surfaced error: %v", err)
	}
	if p.Dropped() != 1 {
		t.Errorf("dropped = %d", p.Dropped())
	}

	_ = p.Publish(ctx, TopicDeviceEvents, DeviceCreated, "d-2", nil, Metadata{})
	if p.Dropped() != 2 {
		t.Errorf("dropped = %d", p.Dropped())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	p := NewPublisher([]string{deadBroker(t)}, "test-service", zap.NewNop())
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
}
