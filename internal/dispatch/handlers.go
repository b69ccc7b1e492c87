package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chat-dispatch/internal/broker"
	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
	"chat-dispatch/internal/pubsub"
)

// Handler processes one delivery. Errors marked errs.Permanent are not retried.
type Handler interface {
	Handle(ctx context.Context, d broker.Delivery) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, d broker.Delivery) error

func (f HandlerFunc) Handle(ctx context.Context, d broker.Delivery) error { return f(ctx, d) }

// Auditor records operational dispatch events.
type Auditor interface {
	Emit(ctx context.Context, level, text, requestID string, userID *string)
}

// ActivityToucher moves a room's last activity forward.
type ActivityToucher interface {
	TouchLastActivity(ctx context.Context, roomID int64, at time.Time) error
}

func poison(format string, args ...any) error {
	return errs.Permanent(fmt.Errorf("%w: %s", errs.ErrPoisonMessage, fmt.Sprintf(format, args...)))
}

func requestIDOf(d broker.Delivery) string {
	id, _ := d.Headers[broker.HeaderRequestID].(string)
	return id
}

// MessageHandler turns a message envelope into the client read model and
// fans it out on room.<id>.messages.
type MessageHandler struct {
	bus   pubsub.Bus
	rooms ActivityToucher
	log   *slog.Logger
}

func NewMessageHandler(bus pubsub.Bus, rooms ActivityToucher, log *slog.Logger) *MessageHandler {
	return &MessageHandler{bus: bus, rooms: rooms, log: log}
}

func (h *MessageHandler) Handle(ctx context.Context, d broker.Delivery) error {
	var env models.MessageEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return poison("decode message envelope: %v", err)
	}
	if env.RoomID <= 0 || env.MessageID <= 0 {
		return poison("message envelope without room or message id")
	}

	payload, err := json.Marshal(models.ClientMessageFrom(env))
	if err != nil {
		return poison("encode client message: %v", err)
	}
	if err := h.bus.Publish(ctx, models.MessagesTopic(env.RoomID), payload); err != nil {
		return fmt.Errorf("%w: fan out message %d: %v", errs.ErrTransientDispatch, env.MessageID, err)
	}

	if h.rooms != nil {
		if err := h.rooms.TouchLastActivity(ctx, env.RoomID, env.CreatedAt); err != nil {
			h.log.Warn("touch last activity failed", "room_id", env.RoomID, "message_id", env.MessageID, "error", err)
		}
	}
	return nil
}

// ReceiptHandler fans read receipts out on room.<id>.reads.
type ReceiptHandler struct {
	bus pubsub.Bus
}

func NewReceiptHandler(bus pubsub.Bus) *ReceiptHandler {
	return &ReceiptHandler{bus: bus}
}

func (h *ReceiptHandler) Handle(ctx context.Context, d broker.Delivery) error {
	var evt models.ReadReceiptEvent
	if err := json.Unmarshal(d.Body, &evt); err != nil {
		return poison("decode read receipt: %v", err)
	}
	if evt.RoomID <= 0 || evt.UserID <= 0 {
		return poison("read receipt without room or user id")
	}
	if err := h.bus.Publish(ctx, models.ReadsTopic(evt.RoomID), d.Body); err != nil {
		return fmt.Errorf("%w: fan out receipt: %v", errs.ErrTransientDispatch, err)
	}
	return nil
}

// DeadLetterHandler drains the dead-letter queue: it logs, counts and audits
// each message and always succeeds, so nothing there is ever retried.
type DeadLetterHandler struct {
	audit Auditor
	log   *slog.Logger
}

func NewDeadLetterHandler(audit Auditor, log *slog.Logger) *DeadLetterHandler {
	return &DeadLetterHandler{audit: audit, log: log}
}

func (h *DeadLetterHandler) Handle(ctx context.Context, d broker.Delivery) error {
	queue, reason := broker.FirstDeath(d.Headers)
	if reason == "" {
		reason = "unknown"
	}

	var probe struct {
		RoomID    int64 `json:"room_id"`
		MessageID int64 `json:"message_id"`
	}
	decodable := json.Unmarshal(d.Body, &probe) == nil

	h.log.Error("message dead-lettered",
		"queue", queue,
		"reason", reason,
		"routing_key", d.RoutingKey,
		"envelope_id", d.MessageID,
		"room_id", probe.RoomID,
		"message_id", probe.MessageID,
		"decodable", decodable,
		"size", len(d.Body),
	)
	observability.IncDeadLetter(reason)
	if h.audit != nil {
		h.audit.Emit(ctx, "error",
			fmt.Sprintf("dead letter queue=%s reason=%s envelope_id=%s room_id=%d message_id=%d", queue, reason, d.MessageID, probe.RoomID, probe.MessageID),
			requestIDOf(d), nil)
	}
	return nil
}
