package handlers

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"chat-dispatch/internal/models"
	"chat-dispatch/internal/service"
)

type MessageServiceMock struct {
	mock.Mock
}

func (m *MessageServiceMock) SendMessage(ctx context.Context, in service.SendMessageInput) (models.MessageRecord, error) {
	args := m.Called(ctx, in)
	var rec models.MessageRecord
	if val := args.Get(0); val != nil {
		rec = val.(models.MessageRecord)
	}
	return rec, args.Error(1)
}

func (m *MessageServiceMock) ListMessages(ctx context.Context, roomID, userID int64, page, size int) ([]models.MessageRecord, error) {
	args := m.Called(ctx, roomID, userID, page, size)
	var recs []models.MessageRecord
	if val := args.Get(0); val != nil {
		recs = val.([]models.MessageRecord)
	}
	return recs, args.Error(1)
}

func (m *MessageServiceMock) MarkMessageRead(ctx context.Context, messageID, userID int64) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MessageServiceMock) MarkAllRead(ctx context.Context, roomID, userID int64) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageServiceMock) MarkReadBefore(ctx context.Context, roomID, userID int64, before time.Time) (int64, error) {
	args := m.Called(ctx, roomID, userID, before)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MessageServiceMock) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	args := m.Called(ctx, userID)
	var counts map[int64]int64
	if val := args.Get(0); val != nil {
		counts = val.(map[int64]int64)
	}
	return counts, args.Error(1)
}

func (m *MessageServiceMock) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}

type RoomServiceMock struct {
	mock.Mock
}

func (m *RoomServiceMock) CreateRoom(ctx context.Context, in service.CreateRoomInput) (models.ChatRoom, bool, error) {
	args := m.Called(ctx, in)
	var room models.ChatRoom
	if val := args.Get(0); val != nil {
		room = val.(models.ChatRoom)
	}
	return room, args.Bool(1), args.Error(2)
}

func (m *RoomServiceMock) GetRoom(ctx context.Context, roomID, userID int64) (models.RoomSummary, error) {
	args := m.Called(ctx, roomID, userID)
	var room models.RoomSummary
	if val := args.Get(0); val != nil {
		room = val.(models.RoomSummary)
	}
	return room, args.Error(1)
}

func (m *RoomServiceMock) ListRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	args := m.Called(ctx, userID)
	var rooms []models.RoomSummary
	if val := args.Get(0); val != nil {
		rooms = val.([]models.RoomSummary)
	}
	return rooms, args.Error(1)
}

func (m *RoomServiceMock) CloseRoom(ctx context.Context, roomID, userID int64) error {
	args := m.Called(ctx, roomID, userID)
	return args.Error(0)
}

func (m *RoomServiceMock) PurgeRoomMessages(ctx context.Context, roomID, userID int64) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}
