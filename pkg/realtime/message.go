// Package realtime implements the gateway's authenticated bidirectional
// channel: per-user rooms, topic subscriptions and fan-out from the event
// bus to connected browsers.
package realtime

import (
	"time"

	"github.com/google/uuid"
)

// Message types form a closed set; clients switch on Type.
const (
	TypeExecutionUpdate  = "execution_update"
	TypeMetricUpdate     = "metric_update"
	TypeDeviceStatus     = "device_status"
	TypeWorkflowProgress = "workflow_progress"
	TypeChatResponse     = "chat_response"
	TypeAlert            = "alert"
	TypeError            = "error"
	TypeHeartbeat        = "heartbeat"
	TypeConnectionStatus = "connection_status"
	TypePong             = "pong"
)

// Priorities order messages under backpressure; low drops first.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
	PriorityUrgent = "urgent"
)

const envelopeVersion = "1"

// MessageMetadata identifies and routes one outgoing frame.
type MessageMetadata struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId,omitempty"`
	UserID        string `json:"userId,omitempty"`
	SessionID     string `json:"sessionId,omitempty"`
	Priority      string `json:"priority,omitempty"`
	Version       string `json:"version"`
}

// Message is the envelope for every frame the hub delivers.
type Message struct {
	Type      string          `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   any             `json:"payload"`
	Metadata  MessageMetadata `json:"metadata"`
}

// NewMessage builds an envelope with a fresh message id.
func NewMessage(msgType string, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
		Metadata: MessageMetadata{
			MessageID: uuid.NewString(),
			Priority:  PriorityNormal,
			Version:   envelopeVersion,
		},
	}
}

// clientFrame is what the hub accepts from clients.
type clientFrame struct {
	Type  string `json:"type"`  // auth, subscribe, unsubscribe, ping
	Token string `json:"token,omitempty"`
	Room  string `json:"room,omitempty"`
}
