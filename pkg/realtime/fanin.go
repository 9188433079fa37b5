package realtime

import (
	"context"

	"go.uber.org/zap"

	"github.com/cloudbro-kube-ai/opshub/pkg/events"
)

// FanInTopics are the bus topics the hub subscribes to.
var FanInTopics = []string{
	events.TopicWorkflowUpdates,
	events.TopicMetricsUpdates,
	events.TopicDeviceStatus,
	events.TopicChatResponses,
	events.TopicSystemAlerts,
}

// FanIn routes one bus event to the right rooms. The event key selects the
// target: device id, workflow id, session id or user id depending on topic.
func FanIn(hub *Hub, log *zap.Logger) events.Handler {
	return func(ctx context.Context, topic string, evt events.Event) {
		switch topic {
		case events.TopicDeviceStatus:
			msg := NewMessage(TypeDeviceStatus, evt.Payload)
			msg.Metadata.CorrelationID = evt.Metadata.CorrelationID
			hub.Broadcast("device:"+evt.Key, msg)
			hub.Broadcast("devices", msg)

		case events.TopicWorkflowUpdates:
			msg := NewMessage(TypeWorkflowProgress, evt.Payload)
			msg.Metadata.CorrelationID = evt.Metadata.CorrelationID
			hub.Broadcast("workflow:"+evt.Key, msg)
			if evt.Metadata.UserID != "" {
				hub.SendToUser(evt.Metadata.UserID, msg)
			}

		case events.TopicChatResponses:
			// Streaming chunks target the originating session only.
			msg := NewMessage(TypeChatResponse, evt.Payload)
			msg.Metadata.CorrelationID = evt.Metadata.CorrelationID
			hub.SendToSession(evt.Key, msg)

		case events.TopicMetricsUpdates:
			msg := NewMessage(TypeMetricUpdate, evt.Payload)
			msg.Metadata.Priority = PriorityLow
			hub.Broadcast("metrics", msg)

		case events.TopicSystemAlerts:
			msg := NewMessage(TypeAlert, evt.Payload)
			msg.Metadata.Priority = PriorityHigh
			hub.Broadcast("alerts", msg)
			if evt.Metadata.UserID != "" {
				hub.SendToUser(evt.Metadata.UserID, msg)
			}

		default:
			log.Debug("ignoring event from unrouted topic",
				zap.String("topic", topic),
				zap.String("eventType", evt.EventType))
		}
	}
}
