package ws

import (
	"time"

	"chat-dispatch/internal/observability"
)

// ConnInfo describes one room connection for logs and lifecycle events.
type ConnInfo struct {
	ConnID      string
	RoomID      int64
	UserID      int64
	Client      observability.Client
	TraceID     string
	ConnectedAt time.Time
}

func (i ConnInfo) logAttrs() []any {
	return []any{"room_id", i.RoomID, "user_id", i.UserID, "conn_id", i.ConnID, "ip", i.Client.IP}
}
