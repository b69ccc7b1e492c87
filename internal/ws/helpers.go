package ws

import (
	"context"
	"time"

	"github.com/google/uuid"

	"chat-dispatch/internal/observability"
)

const (
	wsKind       = "room"
	wsRoutingKey = "ws_events.rooms"
)

func newConnID() string {
	return uuid.NewString()
}

// publishWSEvent counts a lifecycle event and forwards it to the event publisher.
func publishWSEvent(ctx context.Context, event string, info ConnInfo, reason string) {
	observability.IncWSEvent(wsKind, event)
	var duration int64
	if event != "ws_connect" {
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, wsRoutingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"kind":        wsKind,
				"resource_id": info.RoomID,
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":    info.UserID,
				"device_id":  info.Client.DeviceID,
				"ip":         info.Client.IP,
				"user_agent": info.Client.UserAgent,
			},
		},
	}, observability.BuildHeaders(info.Client.RequestID, info.TraceID))
}
