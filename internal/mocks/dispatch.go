package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"chat-dispatch/internal/cache"
	"chat-dispatch/internal/models"
)

type DispatcherMock struct {
	mock.Mock
}

func (m *DispatcherMock) PublishMessage(ctx context.Context, env models.MessageEnvelope) error {
	args := m.Called(ctx, env)
	return args.Error(0)
}

func (m *DispatcherMock) PublishReadReceipt(ctx context.Context, evt models.ReadReceiptEvent) error {
	args := m.Called(ctx, evt)
	return args.Error(0)
}

type SupervisorMock struct {
	mock.Mock
}

func (m *SupervisorMock) EnsureRoom(ctx context.Context, roomID int64) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *SupervisorMock) RemoveRoom(ctx context.Context, roomID int64) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

type CacheMock struct {
	mock.Mock
}

func (m *CacheMock) GetRecent(ctx context.Context, roomID, userID int64, size int) ([]models.MessageRecord, bool) {
	args := m.Called(ctx, roomID, userID, size)
	var records []models.MessageRecord
	if val := args.Get(0); val != nil {
		records = val.([]models.MessageRecord)
	}
	return records, args.Bool(1)
}

func (m *CacheMock) RecentGeneration(ctx context.Context, roomID int64) cache.Generation {
	args := m.Called(ctx, roomID)
	return args.Get(0).(cache.Generation)
}

func (m *CacheMock) SetRecent(ctx context.Context, roomID, userID int64, size int, gen cache.Generation, records []models.MessageRecord) error {
	args := m.Called(ctx, roomID, userID, size, gen, records)
	return args.Error(0)
}

func (m *CacheMock) InvalidateRoom(ctx context.Context, roomID int64) error {
	args := m.Called(ctx, roomID)
	return args.Error(0)
}

func (m *CacheMock) GetUnread(ctx context.Context, userID int64) (map[int64]int64, bool) {
	args := m.Called(ctx, userID)
	var counts map[int64]int64
	if val := args.Get(0); val != nil {
		counts = val.(map[int64]int64)
	}
	return counts, args.Bool(1)
}

func (m *CacheMock) UnreadGeneration(ctx context.Context, userID int64) cache.Generation {
	args := m.Called(ctx, userID)
	return args.Get(0).(cache.Generation)
}

func (m *CacheMock) SetUnread(ctx context.Context, userID int64, gen cache.Generation, counts map[int64]int64) error {
	args := m.Called(ctx, userID, gen, counts)
	return args.Error(0)
}

// InvalidateUnread records the ids as one []int64 argument.
func (m *CacheMock) InvalidateUnread(ctx context.Context, userIDs ...int64) error {
	args := m.Called(ctx, userIDs)
	return args.Error(0)
}
