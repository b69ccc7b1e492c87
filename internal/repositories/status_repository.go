package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"

	"chat-dispatch/internal/models"
)

// StatusRepository is the read-status store.
type StatusRepository interface {
	CreateForMessage(ctx context.Context, tx sqlx.QueryerContext, messageID, roomID, senderID int64, now time.Time) ([]int64, error)
	ReadFlags(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error)
	Counts(ctx context.Context, messageIDs []int64) (map[int64]models.ReadCounts, error)
	MarkRead(ctx context.Context, messageID, userID int64, now time.Time) (bool, time.Time, error)
	MarkAllRead(ctx context.Context, roomID, userID int64, now time.Time) (int64, error)
	MarkReadBefore(ctx context.Context, roomID, userID int64, before, now time.Time) (int64, error)
	UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error)
	UnreadCount(ctx context.Context, roomID, userID int64) (int64, error)
	DeleteByRoom(ctx context.Context, tx sqlx.ExecerContext, roomID int64) (int64, error)
}

// StatusRepo is a sqlx implementation of StatusRepository.
type StatusRepo struct {
	db *sqlx.DB
}

func NewStatusRepo(db *sqlx.DB) *StatusRepo {
	return &StatusRepo{db: db}
}

// CreateForMessage writes one row per member of the room as it stands
// inside tx and returns their ids, ascending. The sender's own row starts out
// read.
func (r *StatusRepo) CreateForMessage(ctx context.Context, tx sqlx.QueryerContext, messageID, roomID, senderID int64, now time.Time) ([]int64, error) {
	var recipients []int64
	err := sqlx.SelectContext(ctx, tx, &recipients, `INSERT INTO message_status (user_id, message_id, read, read_at, created_at, updated_at)
        SELECT rm.user_id, $1, rm.user_id = $2,
            CASE WHEN rm.user_id = $2 THEN $3::timestamptz END, $3, $3
        FROM room_members rm
        WHERE rm.room_id = $4
        ON CONFLICT (user_id, message_id) DO NOTHING
        RETURNING user_id`, messageID, senderID, now, roomID)
	if err != nil {
		return nil, fmt.Errorf("insert statuses: %w", err)
	}
	slices.Sort(recipients)
	return recipients, nil
}

// ReadFlags returns the user's read flag for each message that has a status row.
func (r *StatusRepo) ReadFlags(ctx context.Context, userID int64, messageIDs []int64) (map[int64]bool, error) {
	out := make(map[int64]bool, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := psql.Select("message_id", "read").
		From("message_status").
		Where(sq.Eq{"user_id": userID, "message_id": messageIDs}).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var read bool
		if err := rows.Scan(&id, &read); err != nil {
			return nil, err
		}
		out[id] = read
	}
	return out, rows.Err()
}

// Counts aggregates read and unread rows per message.
func (r *StatusRepo) Counts(ctx context.Context, messageIDs []int64) (map[int64]models.ReadCounts, error) {
	out := make(map[int64]models.ReadCounts, len(messageIDs))
	if len(messageIDs) == 0 {
		return out, nil
	}
	query, args, err := psql.Select(
		"message_id",
		"COUNT(*) FILTER (WHERE read) AS read_count",
		"COUNT(*) FILTER (WHERE NOT read) AS unread_count",
	).
		From("message_status").
		Where(sq.Eq{"message_id": messageIDs}).
		GroupBy("message_id").
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var c models.ReadCounts
		if err := rows.Scan(&id, &c.Read, &c.Unread); err != nil {
			return nil, err
		}
		out[id] = c
	}
	return out, rows.Err()
}

// MarkRead flips the user's row to read in one statement. It reports false
// when the row was already read, so repeated calls leave readAt untouched.
func (r *StatusRepo) MarkRead(ctx context.Context, messageID, userID int64, now time.Time) (bool, time.Time, error) {
	var readAt time.Time
	err := r.db.GetContext(ctx, &readAt, `INSERT INTO message_status (user_id, message_id, read, read_at, created_at, updated_at)
        VALUES ($1, $2, TRUE, $3, $3, $3)
        ON CONFLICT (user_id, message_id) DO UPDATE
            SET read = TRUE, read_at = EXCLUDED.read_at, updated_at = EXCLUDED.updated_at
            WHERE message_status.read = FALSE
        RETURNING read_at`, userID, messageID, now)
	if errors.Is(err, sql.ErrNoRows) {
		return false, time.Time{}, nil
	}
	if err != nil {
		return false, time.Time{}, err
	}
	return true, readAt, nil
}

// MarkAllRead marks every unread row of the user in the room as read and
// returns how many rows changed.
func (r *StatusRepo) MarkAllRead(ctx context.Context, roomID, userID int64, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE message_status ms
        SET read = TRUE, read_at = $3, updated_at = $3
        FROM chat_messages m
        WHERE ms.message_id = m.id AND m.room_id = $1 AND ms.user_id = $2 AND ms.read = FALSE`, roomID, userID, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// MarkReadBefore is MarkAllRead limited to messages created at or before before.
func (r *StatusRepo) MarkReadBefore(ctx context.Context, roomID, userID int64, before, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE message_status ms
        SET read = TRUE, read_at = $3, updated_at = $3
        FROM chat_messages m
        WHERE ms.message_id = m.id AND m.room_id = $1 AND ms.user_id = $2 AND ms.read = FALSE
        AND m.created_at <= $4`, roomID, userID, now, before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// UnreadCounts returns an entry for every room the user belongs to, zero included.
func (r *StatusRepo) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT rm.room_id, COUNT(ms.message_id)
        FROM room_members rm
        LEFT JOIN chat_messages m ON m.room_id = rm.room_id
        LEFT JOIN message_status ms ON ms.message_id = m.id AND ms.user_id = rm.user_id AND ms.read = FALSE
        WHERE rm.user_id = $1
        GROUP BY rm.room_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64]int64)
	for rows.Next() {
		var roomID, n int64
		if err := rows.Scan(&roomID, &n); err != nil {
			return nil, err
		}
		out[roomID] = n
	}
	return out, rows.Err()
}

func (r *StatusRepo) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	var n int64
	err := r.db.GetContext(ctx, &n, `SELECT COUNT(*)
        FROM message_status ms
        INNER JOIN chat_messages m ON m.id = ms.message_id
        WHERE m.room_id = $1 AND ms.user_id = $2 AND ms.read = FALSE`, roomID, userID)
	return n, err
}

// DeleteByRoom removes the status rows of every message in the room through
// tx, so it can share a transaction with the message delete.
func (r *StatusRepo) DeleteByRoom(ctx context.Context, tx sqlx.ExecerContext, roomID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM message_status ms
        USING chat_messages m
        WHERE ms.message_id = m.id AND m.room_id = $1`, roomID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
