package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/middleware"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
	"chat-dispatch/internal/pubsub"
	"chat-dispatch/internal/service"
)

// Registrar attaches subscribers to bus topics.
type Registrar interface {
	Subscribe(topic string, sub pubsub.Subscriber)
	Unsubscribe(topic, subID string)
}

// MembershipChecker reports whether a user belongs to a room.
type MembershipChecker interface {
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
}

// MessageSender persists and dispatches a message sent over the socket.
type MessageSender interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (models.MessageRecord, error)
}

// PresenceTracker records when a user was last active.
type PresenceTracker interface {
	TouchLastActive(ctx context.Context, userID int64, at time.Time) error
}

// RoomHandler serves GET /ws/rooms/:room_id. The connection receives the
// room's messages and read receipts until it closes, and may send messages
// into the room with {"type":"send"} frames.
type RoomHandler struct {
	hub      Registrar
	members  MembershipChecker
	sender   MessageSender
	presence PresenceTracker
	tokens   middleware.TokenValidator
	log      *slog.Logger
}

func NewRoomHandler(hub Registrar, members MembershipChecker, sender MessageSender, presence PresenceTracker, tokens middleware.TokenValidator, log *slog.Logger) *RoomHandler {
	return &RoomHandler{hub: hub, members: members, sender: sender, presence: presence, tokens: tokens, log: log}
}

// inboundFrame is what clients write to the socket.
type inboundFrame struct {
	Type        string `json:"type"`
	Content     string `json:"content"`
	MessageType string `json:"message_type"`
	Ref         string `json:"ref,omitempty"`
}

type replyFrame struct {
	Event     string `json:"event"`
	Ref       string `json:"ref,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *RoomHandler) Handle(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil || roomID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid room id"})
		return
	}

	ctx, span := observability.Tracer().Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	header := c.GetHeader("Authorization")
	if header == "" {
		if token := c.Query("token"); token != "" {
			header = "Bearer " + token
		}
	}
	token, ok := middleware.BearerToken(header)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}
	userID, err := h.tokens.ValidateToken(ctx, token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	member, err := h.members.IsMember(ctx, roomID, userID)
	if err != nil || !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not authorized for room"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "room_id", roomID, "user_id", userID, "error", err)
		return
	}

	info := ConnInfo{
		ConnID:      newConnID(),
		RoomID:      roomID,
		UserID:      userID,
		Client:      observability.ClientFromRequest(c.Request),
		TraceID:     span.SpanContext().TraceID().String(),
		ConnectedAt: time.Now(),
	}
	if info.Client.RequestID == "" {
		info.Client.RequestID = middleware.RequestIDFrom(c.Request.Context())
	}
	cl := newClient(info.ConnID, conn)
	topics := []string{models.MessagesTopic(roomID), models.ReadsTopic(roomID)}
	for _, topic := range topics {
		h.hub.Subscribe(topic, cl)
	}

	observability.IncWSActive(wsKind)
	publishWSEvent(ctx, "ws_connect", info, "")
	h.touch(ctx, info)
	h.log.Info("websocket connected", info.logAttrs()...)

	// detached from the handshake request, which ends when Handle returns
	eventCtx := context.WithoutCancel(ctx)
	go cl.writePump()
	go h.readLoop(eventCtx, cl, info, topics)
}

func (h *RoomHandler) readLoop(ctx context.Context, cl *client, info ConnInfo, topics []string) {
	var closeReason string
	defer func() {
		for _, topic := range topics {
			h.hub.Unsubscribe(topic, cl.ID())
		}
		_ = cl.Close()
		observability.DecWSActive(wsKind)
		publishWSEvent(ctx, "ws_disconnect", info, closeReason)
		h.log.Info("websocket disconnected", append(info.logAttrs(), "reason", closeReason)...)
	}()

	cl.conn.SetReadLimit(maxMessageSize)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := cl.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				publishWSEvent(ctx, "ws_error", info, closeReason)
			}
			return
		}
		h.handleFrame(ctx, cl, info, data)
	}
}

func (h *RoomHandler) handleFrame(ctx context.Context, cl *client, info ConnInfo, data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		h.reply(cl, info, replyFrame{Event: "error", Error: "invalid frame"})
		return
	}

	switch frame.Type {
	case "send":
		rec, err := h.sender.SendMessage(ctx, service.SendMessageInput{
			RoomID:    info.RoomID,
			SenderID:  info.UserID,
			Content:   frame.Content,
			Type:      frame.MessageType,
			RequestID: info.Client.RequestID,
		})
		if err != nil {
			if errs.HTTPStatus(err) >= http.StatusInternalServerError {
				h.log.Error("websocket send failed", append(info.logAttrs(), "error", err)...)
			}
			h.reply(cl, info, replyFrame{Event: "error", Ref: frame.Ref, Error: errs.PublicMessage(err)})
			return
		}
		h.reply(cl, info, replyFrame{Event: "ack", Ref: frame.Ref, MessageID: rec.ID})
	case "join":
		h.touch(ctx, info)
		h.reply(cl, info, replyFrame{Event: "joined", Ref: frame.Ref})
	default:
		h.reply(cl, info, replyFrame{Event: "error", Ref: frame.Ref, Error: "unknown frame type"})
	}
}

func (h *RoomHandler) reply(cl *client, info ConnInfo, frame replyFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if err := cl.Send(payload); err != nil {
		h.log.Debug("websocket reply dropped", append(info.logAttrs(), "error", err)...)
	}
}

func (h *RoomHandler) touch(ctx context.Context, info ConnInfo) {
	if h.presence == nil {
		return
	}
	if err := h.presence.TouchLastActive(ctx, info.UserID, time.Now().UTC()); err != nil {
		h.log.Warn("last activity update failed", append(info.logAttrs(), "error", err)...)
	}
}
