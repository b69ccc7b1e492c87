package repositories

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
)

func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	raw, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = raw.Close() })
	return sqlx.NewDb(raw, "sqlmock"), mock
}

func TestStatusMarkReadChangesUnreadRow(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO message_status (user_id, message_id, read, read_at, created_at, updated_at)")).
		WithArgs(int64(2), int64(10), at).
		WillReturnRows(sqlmock.NewRows([]string{"read_at"}).AddRow(at))

	changed, readAt, err := repo.MarkRead(context.Background(), 10, 2, at)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, at, readAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStatusMarkReadAlreadyReadIsNoop(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)

	mock.ExpectQuery("INSERT INTO message_status").
		WillReturnRows(sqlmock.NewRows([]string{"read_at"}))

	changed, readAt, err := repo.MarkRead(context.Background(), 10, 2, time.Now())
	require.NoError(t, err)
	assert.False(t, changed)
	assert.True(t, readAt.IsZero())
}

func TestStatusMarkAllReadReturnsAffectedRows(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)
	at := time.Now().UTC()

	mock.ExpectExec(regexp.QuoteMeta("UPDATE message_status ms")).
		WithArgs(int64(5), int64(2), at).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repo.MarkAllRead(context.Background(), 5, 2, at)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}

func TestStatusMarkReadBeforeScopesByTime(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)
	at := time.Now().UTC()
	before := at.Add(-time.Hour)

	mock.ExpectExec(`AND m.created_at <= \$4`).
		WithArgs(int64(5), int64(2), at, before).
		WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.MarkReadBefore(context.Background(), 5, 2, before, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestStatusUnreadCountsIncludesZeroRooms(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)

	mock.ExpectQuery("FROM room_members rm").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"room_id", "count"}).AddRow(1, 4).AddRow(7, 0))

	counts, err := repo.UnreadCounts(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{1: 4, 7: 0}, counts)
}

func TestStatusReadFlagsAndCounts(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewStatusRepo(db)

	mock.ExpectQuery("SELECT message_id, read FROM message_status WHERE").
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "read"}).AddRow(1, true).AddRow(2, false))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER (WHERE read)")).
		WillReturnRows(sqlmock.NewRows([]string{"message_id", "read_count", "unread_count"}).AddRow(1, 2, 1))

	flags, err := repo.ReadFlags(context.Background(), 2, []int64{1, 2})
	require.NoError(t, err)
	assert.Equal(t, map[int64]bool{1: true, 2: false}, flags)

	counts, err := repo.Counts(context.Background(), []int64{1})
	require.NoError(t, err)
	assert.Equal(t, models.ReadCounts{Read: 2, Unread: 1}, counts[1])

	empty, err := repo.ReadFlags(context.Background(), 2, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithStatusesReadsMembersInsideTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db, NewStatusRepo(db))
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO chat_messages").
		WithArgs(int64(3), int64(1), "hello", models.MessageChat).
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "sender_id", "content", "type", "created_at"}).
			AddRow(40, 3, 1, "hello", "CHAT", at))
	mock.ExpectQuery(regexp.QuoteMeta("FROM room_members rm")).
		WithArgs(int64(40), int64(1), at, int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2).AddRow(1))
	mock.ExpectCommit()

	msg, err := repo.CreateWithStatuses(context.Background(), NewMessage{
		RoomID: 3, SenderID: 1, Content: "hello", Type: models.MessageChat,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(40), msg.ID)
	assert.Equal(t, []int64{1, 2}, msg.Recipients)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithStatusesRejectsSenderWhoLeft(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db, NewStatusRepo(db))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "sender_id", "content", "type", "created_at"}).
			AddRow(40, 3, 1, "hello", "CHAT", time.Now()))
	mock.ExpectQuery(regexp.QuoteMeta("FROM room_members rm")).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(2))
	mock.ExpectRollback()

	_, err := repo.CreateWithStatuses(context.Background(), NewMessage{RoomID: 3, SenderID: 1, Content: "hello", Type: models.MessageChat})
	assert.ErrorIs(t, err, ErrSenderNotMember)
	assert.ErrorIs(t, err, errs.ErrAccessDenied)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateWithStatusesRollsBackOnStatusFailure(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db, NewStatusRepo(db))

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO chat_messages").
		WillReturnRows(sqlmock.NewRows([]string{"id", "room_id", "sender_id", "content", "type", "created_at"}).
			AddRow(40, 3, 1, "hello", "CHAT", time.Now()))
	mock.ExpectQuery("INSERT INTO message_status").WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err := repo.CreateWithStatuses(context.Background(), NewMessage{RoomID: 3, SenderID: 1, Content: "hello", Type: models.MessageChat})
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMessageDeleteByRoomPurgesStatusesInSameTx(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db, NewStatusRepo(db))

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM message_status ms")).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 30))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM chat_messages WHERE room_id=$1")).WithArgs(int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 14))
	mock.ExpectCommit()

	n, err := repo.DeleteByRoom(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(14), n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetMessageNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewMessageRepo(db, NewStatusRepo(db))

	mock.ExpectQuery("FROM chat_messages WHERE id").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetMessage(context.Background(), 9)
	assert.ErrorIs(t, err, ErrMessageNotFound)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestGetRoomLoadsMembers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)
	at := time.Now().UTC()

	mock.ExpectQuery("FROM chat_rooms WHERE id").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "type", "created_at", "updated_at", "last_activity"}).
			AddRow(3, "general", "", "GROUP", at, at, at))
	mock.ExpectQuery("SELECT user_id FROM room_members").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow(1).AddRow(2))

	room, err := repo.GetRoom(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, models.RoomGroup, room.Type)
	assert.Equal(t, []int64{1, 2}, room.MemberIDs)
}

func TestGetRoomNotFound(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectQuery("FROM chat_rooms WHERE id").WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.GetRoom(context.Background(), 3)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestCreateDirectRoomLockBusyIsConflict(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("pg_try_advisory_xact_lock")).
		WithArgs("direct:1:2").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(false))
	mock.ExpectRollback()

	_, _, err := repo.CreateRoom(context.Background(), NewRoom{Name: "dm", Type: models.RoomDirect, MemberIDs: []int64{2, 1}})
	assert.ErrorIs(t, err, errs.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateDirectRoomReturnsExisting(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("pg_try_advisory_xact_lock").
		WillReturnRows(sqlmock.NewRows([]string{"locked"}).AddRow(true))
	mock.ExpectQuery("WHERE r.type = 'DIRECT'").WithArgs(int64(1), int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(8))
	mock.ExpectQuery("FROM chat_rooms WHERE id").WithArgs(int64(8)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "type", "created_at", "updated_at", "last_activity"}).
			AddRow(8, "dm", "", "DIRECT", at, at, at))
	mock.ExpectCommit()

	room, created, err := repo.CreateRoom(context.Background(), NewRoom{Name: "dm", Type: models.RoomDirect, MemberIDs: []int64{1, 2, 2}})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, int64(8), room.ID)
	assert.Equal(t, []int64{1, 2}, room.MemberIDs)
}

func TestCreateDirectRoomNeedsTwoMembers(t *testing.T) {
	db, _ := newMockDB(t)
	repo := NewRoomRepo(db)

	_, _, err := repo.CreateRoom(context.Background(), NewRoom{Type: models.RoomDirect, MemberIDs: []int64{1}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestCreateGroupRoomInsertsMembers(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewRoomRepo(db)
	at := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("INSERT INTO chat_rooms").WithArgs("team", "", models.RoomGroup).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "type", "created_at", "updated_at", "last_activity"}).
			AddRow(11, "team", "", "GROUP", at, at, at))
	for _, id := range []int64{1, 4, 9} {
		mock.ExpectExec("INSERT INTO room_members").WithArgs(int64(11), id).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	room, created, err := repo.CreateRoom(context.Background(), NewRoom{Name: "team", Type: models.RoomGroup, MemberIDs: []int64{9, 1, 4}})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, []int64{1, 4, 9}, room.MemberIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingIDsSkipsEmptyInput(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)

	ids, err := repo.ExistingIDs(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, ids)

	mock.ExpectQuery("SELECT id FROM users").WithArgs(anyArg{}).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1).AddRow(3))
	ids, err = repo.ExistingIDs(context.Background(), []int64{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 3}, ids)
}

func TestTouchLastActive(t *testing.T) {
	db, mock := newMockDB(t)
	repo := NewUserRepo(db)
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_active = $2")).
		WithArgs(int64(4), at).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, repo.TouchLastActive(context.Background(), 4, at))

	// an older timestamp changes nothing but the user still exists
	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_active = $2")).
		WithArgs(int64(4), at.Add(-time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(int64(4)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	require.NoError(t, repo.TouchLastActive(context.Background(), 4, at.Add(-time.Hour)))

	mock.ExpectExec(regexp.QuoteMeta("UPDATE users SET last_active = $2")).
		WithArgs(int64(99), at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).WithArgs(int64(99)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	assert.ErrorIs(t, repo.TouchLastActive(context.Background(), 99, at), ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

type anyArg struct{}

func (anyArg) Match(driver.Value) bool { return true }
