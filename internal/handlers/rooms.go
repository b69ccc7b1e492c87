package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"chat-dispatch/internal/models"
	"chat-dispatch/internal/service"
)

// RoomAPI is the room side of the service layer.
type RoomAPI interface {
	CreateRoom(ctx context.Context, in service.CreateRoomInput) (models.ChatRoom, bool, error)
	GetRoom(ctx context.Context, roomID, userID int64) (models.RoomSummary, error)
	ListRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error)
	CloseRoom(ctx context.Context, roomID, userID int64) error
	PurgeRoomMessages(ctx context.Context, roomID, userID int64) (int64, error)
}

// RoomHandler manages room endpoints.
type RoomHandler struct {
	rooms RoomAPI
	log   *slog.Logger
}

func NewRoomHandler(rooms RoomAPI, log *slog.Logger) *RoomHandler {
	return &RoomHandler{rooms: rooms, log: log}
}

func (h *RoomHandler) Register(r gin.IRouter) {
	r.POST("/rooms", h.CreateRoom)
	r.GET("/rooms", h.ListRooms)
	r.GET("/rooms/:room_id", h.GetRoom)
	r.DELETE("/rooms/:room_id/channel", h.CloseRoom)
	r.DELETE("/rooms/:room_id/messages", h.PurgeMessages)
}

// CreateRoom answers 201 for a new room and 200 when an existing direct
// room is returned.
func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Name           string  `json:"name"`
		Description    string  `json:"description"`
		Type           string  `json:"type"`
		ParticipantIDs []int64 `json:"participant_ids"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	userID, _ := currentUser(c)

	room, created, err := h.rooms.CreateRoom(c.Request.Context(), service.CreateRoomInput{
		CreatorID:      userID,
		Name:           req.Name,
		Description:    req.Description,
		Type:           req.Type,
		ParticipantIDs: req.ParticipantIDs,
	})
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, room)
}

func (h *RoomHandler) ListRooms(c *gin.Context) {
	userID, _ := currentUser(c)
	rooms, err := h.rooms.ListRooms(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

func (h *RoomHandler) GetRoom(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	room, err := h.rooms.GetRoom(c.Request.Context(), roomID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, room)
}

// CloseRoom stops the room's consumer and deletes its broker queue.
func (h *RoomHandler) CloseRoom(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	if err := h.rooms.CloseRoom(c.Request.Context(), roomID, userID); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *RoomHandler) PurgeMessages(c *gin.Context) {
	roomID, ok := pathID(c, "room_id")
	if !ok {
		return
	}
	userID, _ := currentUser(c)

	n, err := h.rooms.PurgeRoomMessages(c.Request.Context(), roomID, userID)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}
