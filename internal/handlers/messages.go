package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chat-dispatch/internal/models"
	"chat-dispatch/internal/service"
)

// MessageAPI is the message side of the service layer.
type MessageAPI interface {
	SendMessage(ctx context.Context, in service.SendMessageInput) (models.MessageRecord, error)
	ListMessages(ctx context.Context, roomID, userID int64, page, size int) ([]models.MessageRecord, error)
	MarkMessageRead(ctx context.Context, messageID, userID int64) error
	MarkAllRead(ctx context.Context, roomID, userID int64) (int64, error)
	MarkReadBefore(ctx context.Context, roomID, userID int64, before time.Time) (int64, error)
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error)
	UnreadCount(ctx context.Context, roomID, userID int64) (int64, error)
}

// MessageHandler serves message ingestion and read receipts.
type MessageHandler struct {
	messages MessageAPI
	log      *slog.Logger
}

func NewMessageHandler(messages MessageAPI, log *slog.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, log: log}
}

func (h *MessageHandler) Register(r gin.IRouter) {
	r.POST("/messages", h.SendMessage)
	r.GET("/rooms/:room_id/messages", h.ListMessages)
	r.POST("/messages/:message_id/read", h.MarkRead)
	r.POST("/rooms/:room_id/read-all", h.MarkAllRead)
	r.POST("/rooms/:room_id/read-before", h.MarkReadBefore)
	r.GET("/unread-counts", h.UnreadCounts)
	r.GET("/rooms/:room_id/unread-count", h.UnreadCount)
}

// SendMessage stores a message and queues it for delivery. Delivery
// problems do not fail the request.
func (h *MessageHandler) SendMessage(c *gin.Context) {
	var req struct {
		RoomID  int64  `json:"room_id" binding:"required"`
		Content string `json:"content" binding:"required"`
		Type    string `json:"type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := currentUser(c)

	rec, err := h.messages.SendMessage(c.Request.Context(), service.SendMessageInput{
		RoomID:    req.RoomID,
		SenderID:  userID,
		Content:   req.Content,
		Type:      req.Type,
		RequestID: requestIDFromContext(c),
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// ListMessages returns one page of the room's history, newest first.
func (h *MessageHandler) ListMessages(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	page, err := queryInt(c, "page", 0)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid page"})
		return
	}
	size, err := queryInt(c, "size", service.DefaultPageSize)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid size"})
		return
	}
	userID, _ := currentUser(c)

	records, err := h.messages.ListMessages(c.Request.Context(), roomID, userID, page, size)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": records, "page": page, "size": size})
}

func (h *MessageHandler) MarkRead(c *gin.Context) {
	messageID, ok := pathID(c, "message_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	if err := h.messages.MarkMessageRead(c.Request.Context(), messageID, userID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *MessageHandler) MarkAllRead(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	n, err := h.messages.MarkAllRead(c.Request.Context(), roomID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// MarkReadBefore marks messages created at or before the given RFC 3339
// timestamp as read.
func (h *MessageHandler) MarkReadBefore(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	var req struct {
		Before time.Time `json:"before" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := currentUser(c)

	n, err := h.messages.MarkReadBefore(c.Request.Context(), roomID, userID, req.Before.UTC())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *MessageHandler) UnreadCounts(c *gin.Context) {
	userID, _ := currentUser(c)
	counts, err := h.messages.UnreadCounts(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"unread_counts": counts})
}

// UnreadCount reads the caller's unread total for one room straight from the
// store.
func (h *MessageHandler) UnreadCount(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	n, err := h.messages.UnreadCount(c.Request.Context(), roomID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"room_id": roomID, "unread_count": n})
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
