package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-dispatch/internal/cache"
	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/mocks"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/repositories"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type messageDeps struct {
	rooms      *mocks.RoomRepositoryMock
	messages   *mocks.MessageRepositoryMock
	statuses   *mocks.StatusRepositoryMock
	cache      *mocks.CacheMock
	dispatcher *mocks.DispatcherMock
	supervisor *mocks.SupervisorMock
}

func (d messageDeps) assert(t *testing.T) {
	d.rooms.AssertExpectations(t)
	d.messages.AssertExpectations(t)
	d.statuses.AssertExpectations(t)
	d.cache.AssertExpectations(t)
	d.dispatcher.AssertExpectations(t)
	d.supervisor.AssertExpectations(t)
}

func newMessageService() (*MessageService, messageDeps) {
	d := messageDeps{
		rooms:      new(mocks.RoomRepositoryMock),
		messages:   new(mocks.MessageRepositoryMock),
		statuses:   new(mocks.StatusRepositoryMock),
		cache:      new(mocks.CacheMock),
		dispatcher: new(mocks.DispatcherMock),
		supervisor: new(mocks.SupervisorMock),
	}
	s := NewMessageService(d.rooms, d.messages, d.statuses, d.cache, d.dispatcher, d.supervisor, logger.Nop())
	s.now = func() time.Time { return fixedNow }
	return s, d
}

var room3 = models.ChatRoom{ID: 3, Name: "team", Type: models.RoomGroup, MemberIDs: []int64{1, 2, 5}}

func TestSendMessagePersistsThenDispatches(t *testing.T) {
	s, d := newMessageService()
	stored := models.ChatMessage{ID: 40, RoomID: 3, SenderID: 1, Content: "hi", Type: models.MessageChat, CreatedAt: fixedNow}

	var order []string
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.supervisor.On("EnsureRoom", mock.Anything, int64(3)).Run(func(mock.Arguments) { order = append(order, "ensure") }).Return(nil).Once()
	d.messages.On("CreateWithStatuses", mock.Anything, repositories.NewMessage{
		RoomID: 3, SenderID: 1, Content: "hi", Type: models.MessageChat,
	}).Run(func(mock.Arguments) { order = append(order, "persist") }).
		Return(repositories.StoredMessage{ChatMessage: stored, Recipients: []int64{1, 2, 5}}, nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{1, 2, 5}).Return(nil).Once()
	d.dispatcher.On("PublishMessage", mock.Anything, mock.MatchedBy(func(env models.MessageEnvelope) bool {
		return env.MessageID == 40 && env.RoomID == 3 && env.EnvelopeID != "" && env.RequestID == "req-1"
	})).Run(func(mock.Arguments) { order = append(order, "publish") }).Return(nil).Once()

	rec, err := s.SendMessage(context.Background(), SendMessageInput{RoomID: 3, SenderID: 1, Content: "hi", RequestID: "req-1"})
	require.NoError(t, err)

	assert.Equal(t, stored, rec.ChatMessage)
	assert.True(t, rec.Read)
	assert.Equal(t, int64(1), rec.ReadCount)
	assert.Equal(t, int64(2), rec.UnreadCount)
	assert.Equal(t, []string{"ensure", "persist", "publish"}, order)
	d.assert(t)
}

func TestSendMessageDispatchFailureDoesNotSurface(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.supervisor.On("EnsureRoom", mock.Anything, int64(3)).Return(errs.ErrTransientDispatch).Once()
	d.messages.On("CreateWithStatuses", mock.Anything, mock.Anything).Return(repositories.StoredMessage{
		ChatMessage: models.ChatMessage{ID: 41, RoomID: 3, SenderID: 2}, Recipients: []int64{1, 2, 5},
	}, nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(assert.AnError).Once()
	d.cache.On("InvalidateUnread", mock.Anything, mock.Anything).Return(nil).Once()
	d.dispatcher.On("PublishMessage", mock.Anything, mock.Anything).Return(errs.ErrTransientDispatch).Once()

	rec, err := s.SendMessage(context.Background(), SendMessageInput{RoomID: 3, SenderID: 2, Content: "still stored", Type: "system"})
	require.NoError(t, err)
	assert.Equal(t, int64(41), rec.ID)
	d.assert(t)
}

func TestSendMessagePersistenceFailureAborts(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.supervisor.On("EnsureRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.messages.On("CreateWithStatuses", mock.Anything, mock.Anything).Return(nil, assert.AnError).Once()

	_, err := s.SendMessage(context.Background(), SendMessageInput{RoomID: 3, SenderID: 1, Content: "hi"})
	assert.ErrorIs(t, err, assert.AnError)
	d.dispatcher.AssertNotCalled(t, "PublishMessage", mock.Anything, mock.Anything)
	d.assert(t)
}

func TestSendMessageCountsRowsActuallyWritten(t *testing.T) {
	s, d := newMessageService()
	// member 5 left between the room lookup and the insert
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.supervisor.On("EnsureRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.messages.On("CreateWithStatuses", mock.Anything, mock.Anything).Return(repositories.StoredMessage{
		ChatMessage: models.ChatMessage{ID: 42, RoomID: 3, SenderID: 1}, Recipients: []int64{1, 2},
	}, nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{1, 2}).Return(nil).Once()
	d.dispatcher.On("PublishMessage", mock.Anything, mock.Anything).Return(nil).Once()

	rec, err := s.SendMessage(context.Background(), SendMessageInput{RoomID: 3, SenderID: 1, Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.UnreadCount)
	d.assert(t)
}

func TestSendMessageRejections(t *testing.T) {
	cases := []struct {
		name  string
		in    SendMessageInput
		setup func(d messageDeps)
		want  error
	}{
		{"blank content", SendMessageInput{RoomID: 3, SenderID: 1, Content: "  \n"}, nil, errs.ErrInvalidArgument},
		{"unknown type", SendMessageInput{RoomID: 3, SenderID: 1, Content: "x", Type: "whisper"}, nil, errs.ErrInvalidArgument},
		{"missing room", SendMessageInput{RoomID: 8, SenderID: 1, Content: "x"}, func(d messageDeps) {
			d.rooms.On("GetRoom", mock.Anything, int64(8)).Return(nil, repositories.ErrRoomNotFound).Once()
		}, errs.ErrNotFound},
		{"not a member", SendMessageInput{RoomID: 3, SenderID: 9, Content: "x"}, func(d messageDeps) {
			d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
		}, errs.ErrAccessDenied},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, d := newMessageService()
			if tc.setup != nil {
				tc.setup(d)
			}
			_, err := s.SendMessage(context.Background(), tc.in)
			assert.ErrorIs(t, err, tc.want)
			d.messages.AssertNotCalled(t, "CreateWithStatuses", mock.Anything, mock.Anything)
			d.assert(t)
		})
	}
}

func TestListMessagesServesFirstPageFromCache(t *testing.T) {
	s, d := newMessageService()
	cached := []models.MessageRecord{{ChatMessage: models.ChatMessage{ID: 9}}}
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.cache.On("GetRecent", mock.Anything, int64(3), int64(2), DefaultPageSize).Return(cached, true).Once()

	got, err := s.ListMessages(context.Background(), 3, 2, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, cached, got)
	d.messages.AssertNotCalled(t, "ListByRoom", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	d.assert(t)
}

func TestListMessagesAnnotatesReadState(t *testing.T) {
	s, d := newMessageService()
	msgs := []models.ChatMessage{{ID: 12, RoomID: 3, SenderID: 1}, {ID: 11, RoomID: 3, SenderID: 2}}
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.cache.On("GetRecent", mock.Anything, int64(3), int64(2), 10).Return(nil, false).Once()
	d.cache.On("RecentGeneration", mock.Anything, int64(3)).Return(cache.Generation(4)).Once()
	d.messages.On("ListByRoom", mock.Anything, int64(3), 10, 0).Return(msgs, nil).Once()
	d.statuses.On("ReadFlags", mock.Anything, int64(2), []int64{12, 11}).Return(map[int64]bool{11: true}, nil).Once()
	d.statuses.On("Counts", mock.Anything, []int64{12, 11}).Return(map[int64]models.ReadCounts{
		12: {Read: 1, Unread: 2},
		11: {Read: 2, Unread: 1},
	}, nil).Once()
	d.cache.On("SetRecent", mock.Anything, int64(3), int64(2), 10, cache.Generation(4), mock.Anything).Return(nil).Once()

	got, err := s.ListMessages(context.Background(), 3, 2, 0, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(12), got[0].ID)
	assert.False(t, got[0].Read)
	assert.Equal(t, int64(2), got[0].UnreadCount)
	assert.True(t, got[1].Read)
	assert.Equal(t, int64(2), got[1].ReadCount)
	d.assert(t)
}

func TestListMessagesLaterPagesBypassCache(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.messages.On("ListByRoom", mock.Anything, int64(3), MaxPageSize, 2*MaxPageSize).Return([]models.ChatMessage{}, nil).Once()

	got, err := s.ListMessages(context.Background(), 3, 1, 2, 500)
	require.NoError(t, err)
	assert.Empty(t, got)
	d.cache.AssertNotCalled(t, "GetRecent", mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	_, err = s.ListMessages(context.Background(), 3, 1, -1, 10)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	d.assert(t)
}

func TestMarkMessageReadPublishesOnChange(t *testing.T) {
	s, d := newMessageService()
	readAt := fixedNow.Add(-time.Second)
	d.messages.On("GetMessage", mock.Anything, int64(40)).Return(models.ChatMessage{ID: 40, RoomID: 3}, nil).Once()
	d.rooms.On("IsMember", mock.Anything, int64(3), int64(2)).Return(true, nil).Once()
	d.statuses.On("MarkRead", mock.Anything, int64(40), int64(2), fixedNow).Return(true, readAt, nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{2}).Return(nil).Once()
	d.dispatcher.On("PublishReadReceipt", mock.Anything, models.ReadReceiptEvent{
		Event: models.ReceiptRead, MessageID: 40, RoomID: 3, UserID: 2, Read: true, Timestamp: readAt,
	}).Return(nil).Once()

	require.NoError(t, s.MarkMessageRead(context.Background(), 40, 2))
	d.assert(t)
}

func TestMarkMessageReadIsIdempotent(t *testing.T) {
	s, d := newMessageService()
	d.messages.On("GetMessage", mock.Anything, int64(40)).Return(models.ChatMessage{ID: 40, RoomID: 3}, nil).Once()
	d.rooms.On("IsMember", mock.Anything, int64(3), int64(2)).Return(true, nil).Once()
	d.statuses.On("MarkRead", mock.Anything, int64(40), int64(2), fixedNow).Return(false, nil, nil).Once()

	require.NoError(t, s.MarkMessageRead(context.Background(), 40, 2))
	d.dispatcher.AssertNotCalled(t, "PublishReadReceipt", mock.Anything, mock.Anything)
	d.assert(t)
}

func TestMarkMessageReadErrors(t *testing.T) {
	s, d := newMessageService()
	d.messages.On("GetMessage", mock.Anything, int64(404)).Return(nil, repositories.ErrMessageNotFound).Once()
	d.messages.On("GetMessage", mock.Anything, int64(40)).Return(models.ChatMessage{ID: 40, RoomID: 3}, nil).Once()
	d.rooms.On("IsMember", mock.Anything, int64(3), int64(9)).Return(false, nil).Once()

	assert.ErrorIs(t, s.MarkMessageRead(context.Background(), 404, 2), errs.ErrNotFound)
	assert.ErrorIs(t, s.MarkMessageRead(context.Background(), 40, 9), errs.ErrAccessDenied)
	d.statuses.AssertNotCalled(t, "MarkRead", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	d.assert(t)
}

func TestMarkAllReadPublishesOneAggregateReceipt(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.statuses.On("MarkAllRead", mock.Anything, int64(3), int64(2), fixedNow).Return(int64(7), nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{2}).Return(nil).Once()
	d.dispatcher.On("PublishReadReceipt", mock.Anything, models.ReadReceiptEvent{
		Event: models.ReceiptReadAll, RoomID: 3, UserID: 2, Read: true, Count: 7, Timestamp: fixedNow,
	}).Return(nil).Once()

	n, err := s.MarkAllRead(context.Background(), 3, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	d.assert(t)
}

func TestMarkAllReadNothingToDo(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.statuses.On("MarkAllRead", mock.Anything, int64(3), int64(2), fixedNow).Return(int64(0), nil).Once()

	n, err := s.MarkAllRead(context.Background(), 3, 2)
	require.NoError(t, err)
	assert.Zero(t, n)
	d.dispatcher.AssertNotCalled(t, "PublishReadReceipt", mock.Anything, mock.Anything)
	d.assert(t)
}

func TestMarkReadBefore(t *testing.T) {
	s, d := newMessageService()
	before := fixedNow.Add(-time.Hour)
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.statuses.On("MarkReadBefore", mock.Anything, int64(3), int64(5), before, fixedNow).Return(int64(2), nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{5}).Return(nil).Once()
	d.dispatcher.On("PublishReadReceipt", mock.Anything, mock.MatchedBy(func(evt models.ReadReceiptEvent) bool {
		return evt.Event == models.ReceiptReadAll && evt.Count == 2
	})).Return(errs.ErrTransientDispatch).Once()

	n, err := s.MarkReadBefore(context.Background(), 3, 5, before)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	d.assert(t)
}

func TestUnreadCountsCacheAside(t *testing.T) {
	s, d := newMessageService()
	counts := map[int64]int64{3: 4, 8: 0}
	d.cache.On("GetUnread", mock.Anything, int64(2)).Return(nil, false).Once()
	d.cache.On("UnreadGeneration", mock.Anything, int64(2)).Return(cache.Generation(7)).Once()
	d.statuses.On("UnreadCounts", mock.Anything, int64(2)).Return(counts, nil).Once()
	d.cache.On("SetUnread", mock.Anything, int64(2), cache.Generation(7), counts).Return(nil).Once()

	got, err := s.UnreadCounts(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, counts, got)

	d.cache.On("GetUnread", mock.Anything, int64(2)).Return(counts, true).Once()
	got, err = s.UnreadCounts(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, counts, got)
	d.assert(t)
}

func TestUnreadCountForRoom(t *testing.T) {
	s, d := newMessageService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Twice()
	d.statuses.On("UnreadCount", mock.Anything, int64(3), int64(5)).Return(int64(6), nil).Once()

	n, err := s.UnreadCount(context.Background(), 3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(6), n)

	_, err = s.UnreadCount(context.Background(), 3, 77)
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
	d.assert(t)
}
