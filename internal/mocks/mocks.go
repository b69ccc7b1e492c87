package mocks

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"

	"chat-dispatch/internal/models"
	"chat-dispatch/internal/repositories"
)

type RoomRepositoryMock struct {
	mock.Mock
}

func (m *RoomRepositoryMock) GetRoom(ctx context.Context, roomID int64) (models.ChatRoom, error) {
	args := m.Called(ctx, roomID)
	var room models.ChatRoom
	if val := args.Get(0); val != nil {
		room = val.(models.ChatRoom)
	}
	return room, args.Error(1)
}

func (m *RoomRepositoryMock) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Bool(0), args.Error(1)
}

func (m *RoomRepositoryMock) ListForUser(ctx context.Context, userID int64) ([]models.ChatRoom, error) {
	args := m.Called(ctx, userID)
	var rooms []models.ChatRoom
	if val := args.Get(0); val != nil {
		rooms = val.([]models.ChatRoom)
	}
	return rooms, args.Error(1)
}

func (m *RoomRepositoryMock) CreateRoom(ctx context.Context, in repositories.NewRoom) (models.ChatRoom, bool, error) {
	args := m.Called(ctx, in)
	var room models.ChatRoom
	if val := args.Get(0); val != nil {
		room = val.(models.ChatRoom)
	}
	return room, args.Bool(1), args.Error(2)
}

func (m *RoomRepositoryMock) TouchLastActivity(ctx context.Context, roomID int64, at time.Time) error {
	args := m.Called(ctx, roomID, at)
	return args.Error(0)
}

type MessageRepositoryMock struct {
	mock.Mock
}

func (m *MessageRepositoryMock) CreateWithStatuses(ctx context.Context, in repositories.NewMessage) (repositories.StoredMessage, error) {
	args := m.Called(ctx, in)
	var msg repositories.StoredMessage
	if val := args.Get(0); val != nil {
		msg = val.(repositories.StoredMessage)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) GetMessage(ctx context.Context, messageID int64) (models.ChatMessage, error) {
	args := m.Called(ctx, messageID)
	var msg models.ChatMessage
	if val := args.Get(0); val != nil {
		msg = val.(models.ChatMessage)
	}
	return msg, args.Error(1)
}

func (m *MessageRepositoryMock) ListByRoom(ctx context.Context, roomID int64, limit, offset int) ([]models.ChatMessage, error) {
	args := m.Called(ctx, roomID, limit, offset)
	var msgs []models.ChatMessage
	if val := args.Get(0); val != nil {
		msgs = val.([]models.ChatMessage)
	}
	return msgs, args.Error(1)
}

func (m *MessageRepositoryMock) DeleteByRoom(ctx context.Context, roomID int64) (int64, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

type StatusRepositoryMock struct {
	mock.Mock
}

func (m *StatusRepositoryMock) CreateForMessage(ctx context.Context, tx sqlx.QueryerContext, messageID, roomID, senderID int64, now time.Time) ([]int64, error) {
	args := m.Called(ctx, tx, messageID, roomID, senderID, now)
	var ids []int64
	if val := args.Get(0); val != nil {
		ids = val.([]int64)
	}
	return ids, args.Error(1)
}

func (m *StatusRepositoryMock) ReadFlags(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error) {
	args := m.Called(ctx, userID, messageIDs)
	var flags map[int64]bool
	if val := args.Get(0); val != nil {
		flags = val.(map[int64]bool)
	}
	return flags, args.Error(1)
}

func (m *StatusRepositoryMock) Counts(ctx context.Context, messageIDs []int64) (map[int64]models.ReadCounts, error) {
	args := m.Called(ctx, messageIDs)
	var counts map[int64]models.ReadCounts
	if val := args.Get(0); val != nil {
		counts = val.(map[int64]models.ReadCounts)
	}
	return counts, args.Error(1)
}

func (m *StatusRepositoryMock) MarkRead(ctx context.Context, messageID, userID int64, now time.Time) (bool, time.Time, error) {
	args := m.Called(ctx, messageID, userID, now)
	var at time.Time
	if val := args.Get(1); val != nil {
		at = val.(time.Time)
	}
	return args.Bool(0), at, args.Error(2)
}

func (m *StatusRepositoryMock) MarkAllRead(ctx context.Context, roomID, userID int64, now time.Time) (int64, error) {
	args := m.Called(ctx, roomID, userID, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *StatusRepositoryMock) MarkReadBefore(ctx context.Context, roomID, userID int64, before, now time.Time) (int64, error) {
	args := m.Called(ctx, roomID, userID, before, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *StatusRepositoryMock) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	args := m.Called(ctx, userID)
	var counts map[int64]int64
	if val := args.Get(0); val != nil {
		counts = val.(map[int64]int64)
	}
	return counts, args.Error(1)
}

func (m *StatusRepositoryMock) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	args := m.Called(ctx, roomID, userID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *StatusRepositoryMock) DeleteByRoom(ctx context.Context, tx sqlx.ExecerContext, roomID int64) (int64, error) {
	args := m.Called(ctx, tx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

type UserRepositoryMock struct {
	mock.Mock
}

func (m *UserRepositoryMock) FindByID(ctx context.Context, id int64) (models.User, error) {
	args := m.Called(ctx, id)
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

func (m *UserRepositoryMock) FindByUsername(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	var u models.User
	if val := args.Get(0); val != nil {
		u = val.(models.User)
	}
	return u, args.Error(1)
}

func (m *UserRepositoryMock) TouchLastActive(ctx context.Context, userID int64, at time.Time) error {
	args := m.Called(ctx, userID, at)
	return args.Error(0)
}

func (m *UserRepositoryMock) ExistingIDs(ctx context.Context, ids []int64) ([]int64, error) {
	args := m.Called(ctx, ids)
	var found []int64
	if val := args.Get(0); val != nil {
		found = val.([]int64)
	}
	return found, args.Error(1)
}
