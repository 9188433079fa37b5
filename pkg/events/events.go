// Package events publishes and consumes domain events on Kafka.
//
// Delivery is at-least-once. Ordering holds only within a single key:
// events are partitioned by key, so all events for one device land on one
// partition in order.
package events

import (
	"time"
)

// Topics carrying domain events.
const (
	TopicDeviceEvents = "device-events"
	TopicLLMEvents    = "llm-events"

	// Realtime fan-in topics consumed by the gateway hub.
	TopicWorkflowUpdates = "workflow:updates"
	TopicMetricsUpdates  = "metrics:updates"
	TopicDeviceStatus    = "device:status"
	TopicChatResponses   = "chat:responses"
	TopicSystemAlerts    = "system:alerts"
)

// Device event types.
const (
	DeviceCreated           = "DeviceCreated"
	DeviceUpdated           = "DeviceUpdated"
	DeviceDeleted           = "DeviceDeleted"
	DeviceStatusChanged     = "DeviceStatusChanged"
	MetricThresholdExceeded = "MetricThresholdExceeded"
	DeviceHealthCheck       = "DeviceHealthCheck"
)

// LLM event types.
const (
	LLMRequestStarted   = "LLMRequestStarted"
	LLMRequestCompleted = "LLMRequestCompleted"
	LLMRequestFailed    = "LLMRequestFailed"
	TokenLimitExceeded  = "TokenLimitExceeded"
	ModelSwitched       = "ModelSwitched"
	ProviderHealthCheck = "ProviderHealthCheck"
	CacheHit            = "CacheHit"
	CacheMiss           = "CacheMiss"
)

// Metadata identifies the origin of an event.
type Metadata struct {
	Source        string `json:"source"`
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
}

// Event is the wire shape for every domain event.
type Event struct {
	EventID   string         `json:"eventId"`
	EventType string         `json:"eventType"`
	Timestamp time.Time      `json:"timestamp"`
	Key       string         `json:"key"`
	Payload   map[string]any `json:"payload"`
	Metadata  Metadata       `json:"metadata"`
}
