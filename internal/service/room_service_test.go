package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/mocks"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/repositories"
)

type roomDeps struct {
	rooms      *mocks.RoomRepositoryMock
	users      *mocks.UserRepositoryMock
	messages   *mocks.MessageRepositoryMock
	statuses   *mocks.StatusRepositoryMock
	cache      *mocks.CacheMock
	supervisor *mocks.SupervisorMock
}

func newRoomService() (*RoomService, roomDeps) {
	d := roomDeps{
		rooms:      new(mocks.RoomRepositoryMock),
		users:      new(mocks.UserRepositoryMock),
		messages:   new(mocks.MessageRepositoryMock),
		statuses:   new(mocks.StatusRepositoryMock),
		cache:      new(mocks.CacheMock),
		supervisor: new(mocks.SupervisorMock),
	}
	return NewRoomService(d.rooms, d.users, d.messages, d.statuses, d.cache, d.supervisor, logger.Nop()), d
}

func (d roomDeps) assert(t *testing.T) {
	d.rooms.AssertExpectations(t)
	d.users.AssertExpectations(t)
	d.messages.AssertExpectations(t)
	d.statuses.AssertExpectations(t)
	d.cache.AssertExpectations(t)
	d.supervisor.AssertExpectations(t)
}

func TestCreateGroupRoomSkipsUnknownParticipants(t *testing.T) {
	s, d := newRoomService()
	created := models.ChatRoom{ID: 12, Name: "ops", Type: models.RoomGroup, MemberIDs: []int64{1, 4}}

	d.users.On("ExistingIDs", mock.Anything, []int64{4, 99, 4}).Return([]int64{4}, nil).Once()
	d.rooms.On("CreateRoom", mock.Anything, repositories.NewRoom{
		Name: "ops", Type: models.RoomGroup, MemberIDs: []int64{1, 4},
	}).Return(created, true, nil).Once()
	d.supervisor.On("EnsureRoom", mock.Anything, int64(12)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{1, 4}).Return(nil).Once()

	room, ok, err := s.CreateRoom(context.Background(), CreateRoomInput{
		CreatorID: 1, Name: " ops ", ParticipantIDs: []int64{4, 99, 1, 0, 4},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, created, room)
	d.assert(t)
}

func TestCreateDirectRoomReturnsExisting(t *testing.T) {
	s, d := newRoomService()
	existing := models.ChatRoom{ID: 5, Type: models.RoomDirect, MemberIDs: []int64{1, 2}}
	d.users.On("ExistingIDs", mock.Anything, []int64{2}).Return([]int64{2}, nil).Once()
	d.rooms.On("CreateRoom", mock.Anything, mock.MatchedBy(func(in repositories.NewRoom) bool {
		return in.Type == models.RoomDirect && len(in.MemberIDs) == 2
	})).Return(existing, false, nil).Once()

	room, created, err := s.CreateRoom(context.Background(), CreateRoomInput{CreatorID: 1, Type: "direct", ParticipantIDs: []int64{2}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(5), room.ID)
	d.supervisor.AssertNotCalled(t, "EnsureRoom", mock.Anything, mock.Anything)
	d.assert(t)
}

func TestCreateRoomValidation(t *testing.T) {
	cases := []struct {
		name  string
		in    CreateRoomInput
		setup func(d roomDeps)
	}{
		{"unknown type", CreateRoomInput{CreatorID: 1, Name: "x", Type: "channel"}, nil},
		{"group without name", CreateRoomInput{CreatorID: 1, Type: "GROUP", ParticipantIDs: []int64{2}}, nil},
		{"direct with self", CreateRoomInput{CreatorID: 1, Type: "DIRECT", ParticipantIDs: []int64{1}}, nil},
		{"direct with unknown user", CreateRoomInput{CreatorID: 1, Type: "DIRECT", ParticipantIDs: []int64{7}}, func(d roomDeps) {
			d.users.On("ExistingIDs", mock.Anything, []int64{7}).Return([]int64{}, nil).Once()
		}},
		{"direct with two others", CreateRoomInput{CreatorID: 1, Type: "DIRECT", ParticipantIDs: []int64{2, 3}}, func(d roomDeps) {
			d.users.On("ExistingIDs", mock.Anything, []int64{2, 3}).Return([]int64{2, 3}, nil).Once()
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, d := newRoomService()
			if tc.setup != nil {
				tc.setup(d)
			}
			_, _, err := s.CreateRoom(context.Background(), tc.in)
			assert.ErrorIs(t, err, errs.ErrInvalidArgument)
			d.rooms.AssertNotCalled(t, "CreateRoom", mock.Anything, mock.Anything)
			d.assert(t)
		})
	}
}

func TestCreateDirectRoomConflict(t *testing.T) {
	s, d := newRoomService()
	d.users.On("ExistingIDs", mock.Anything, []int64{2}).Return([]int64{2}, nil).Once()
	d.rooms.On("CreateRoom", mock.Anything, mock.Anything).Return(nil, false, repositories.ErrDirectRoomBusy).Once()

	_, _, err := s.CreateRoom(context.Background(), CreateRoomInput{CreatorID: 1, Type: "DIRECT", ParticipantIDs: []int64{2}})
	assert.ErrorIs(t, err, errs.ErrConflict)
	d.assert(t)
}

func TestListRoomsAttachesUnreadCounts(t *testing.T) {
	s, d := newRoomService()
	d.rooms.On("ListForUser", mock.Anything, int64(2)).Return([]models.ChatRoom{room3, {ID: 8, MemberIDs: []int64{2, 6}}}, nil).Once()
	d.statuses.On("UnreadCounts", mock.Anything, int64(2)).Return(map[int64]int64{3: 4}, nil).Once()

	got, err := s.ListRooms(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(4), got[0].UnreadCount)
	assert.Zero(t, got[1].UnreadCount)
	d.assert(t)
}

func TestGetRoomRequiresMembership(t *testing.T) {
	s, d := newRoomService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Twice()
	d.statuses.On("UnreadCount", mock.Anything, int64(3), int64(1)).Return(int64(2), nil).Once()

	summary, err := s.GetRoom(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.UnreadCount)

	_, err = s.GetRoom(context.Background(), 3, 40)
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
	d.assert(t)
}

func TestCloseRoomRemovesChannel(t *testing.T) {
	s, d := newRoomService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.supervisor.On("RemoveRoom", mock.Anything, int64(3)).Return(nil).Once()

	require.NoError(t, s.CloseRoom(context.Background(), 3, 5))
	d.assert(t)
}

func TestPurgeRoomMessagesInvalidatesCaches(t *testing.T) {
	s, d := newRoomService()
	d.rooms.On("GetRoom", mock.Anything, int64(3)).Return(room3, nil).Once()
	d.messages.On("DeleteByRoom", mock.Anything, int64(3)).Return(int64(14), nil).Once()
	d.cache.On("InvalidateRoom", mock.Anything, int64(3)).Return(nil).Once()
	d.cache.On("InvalidateUnread", mock.Anything, []int64{1, 2, 5}).Return(nil).Once()

	n, err := s.PurgeRoomMessages(context.Background(), 3, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(14), n)
	d.assert(t)
}
