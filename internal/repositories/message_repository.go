package repositories

import (
	"context"
	"database/sql"
	"errors"
	"slices"

	"github.com/jmoiron/sqlx"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
)

var (
	ErrMessageNotFound = errs.New(errs.ErrNotFound, "message not found")
	ErrSenderNotMember = errs.New(errs.ErrAccessDenied, "user is not a member of the room")
)

// NewMessage is the input to CreateWithStatuses.
type NewMessage struct {
	RoomID   int64
	SenderID int64
	Content  string
	Type     models.MessageType
}

// StoredMessage is a persisted message and the members that got a status
// row for it, ascending.
type StoredMessage struct {
	models.ChatMessage
	Recipients []int64
}

// MessageRepository defines interactions for chat messages.
type MessageRepository interface {
	CreateWithStatuses(ctx context.Context, msg NewMessage) (StoredMessage, error)
	GetMessage(ctx context.Context, messageID int64) (models.ChatMessage, error)
	ListByRoom(ctx context.Context, roomID int64, limit, offset int) ([]models.ChatMessage, error)
	DeleteByRoom(ctx context.Context, roomID int64) (int64, error)
}

// MessageRepo is a sqlx-backed repository.
type MessageRepo struct {
	db       *sqlx.DB
	statuses *StatusRepo
}

// NewMessageRepo constructs MessageRepo. Status rows are written through statuses
// in the same transaction as the message.
func NewMessageRepo(db *sqlx.DB, statuses *StatusRepo) *MessageRepo {
	return &MessageRepo{db: db, statuses: statuses}
}

const messageColumns = `id, room_id, sender_id, content, type, created_at`

// CreateWithStatuses stores the message and one status row per current room
// member atomically. Either both are visible or neither is. Membership is
// read inside the transaction; a sender who is no longer a member gets
// ErrSenderNotMember and nothing is written.
func (r *MessageRepo) CreateWithStatuses(ctx context.Context, in NewMessage) (StoredMessage, error) {
	var out StoredMessage
	err := InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if err := tx.QueryRowxContext(ctx, `INSERT INTO chat_messages (room_id, sender_id, content, type)
            VALUES ($1, $2, $3, $4) RETURNING `+messageColumns,
			in.RoomID, in.SenderID, in.Content, in.Type).StructScan(&out.ChatMessage); err != nil {
			return err
		}
		recipients, err := r.statuses.CreateForMessage(ctx, tx, out.ID, in.RoomID, in.SenderID, out.CreatedAt)
		if err != nil {
			return err
		}
		if !slices.Contains(recipients, in.SenderID) {
			return ErrSenderNotMember
		}
		out.Recipients = recipients
		return nil
	})
	if err != nil {
		return StoredMessage{}, err
	}
	return out, nil
}

// GetMessage retrieves a single message.
func (r *MessageRepo) GetMessage(ctx context.Context, messageID int64) (models.ChatMessage, error) {
	var msg models.ChatMessage
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM chat_messages WHERE id=$1`, messageID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatMessage{}, ErrMessageNotFound
	}
	return msg, err
}

// ListByRoom returns one page of the room's messages, newest first.
func (r *MessageRepo) ListByRoom(ctx context.Context, roomID int64, limit, offset int) ([]models.ChatMessage, error) {
	var msgs []models.ChatMessage
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+`
        FROM chat_messages
        WHERE room_id=$1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`, roomID, limit, offset)
	return msgs, err
}

// DeleteByRoom removes all messages of the room; status rows go with them.
func (r *MessageRepo) DeleteByRoom(ctx context.Context, roomID int64) (int64, error) {
	var n int64
	err := InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := r.statuses.DeleteByRoom(ctx, tx, roomID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM chat_messages WHERE room_id=$1`, roomID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}
