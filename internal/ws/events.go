package ws

import (
	"context"
	"time"

	"messaging-service/internal/models"
	"messaging-service/internal/observability"
)

const wsRoutingKey = "ws_events.conversations"

func kindLabel(kind models.ConversationKind) string {
	if kind == models.KindRoom {
		return "room"
	}
	return "direct"
}

// publishLifecycleEvent mirrors view attach/detach/error onto the AMQP
// event stream alongside the Prometheus counters.
func publishLifecycleEvent(ctx context.Context, kind models.ConversationKind, conversationID int, info ConnInfo, event, reason string) {
	label := kindLabel(kind)
	observability.IncWSEvent(label, event)

	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        label,
			"resource_id": conversationID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload:   payload,
	}, headers)
}
