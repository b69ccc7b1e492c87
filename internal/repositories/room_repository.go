package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/models"
)

var (
	ErrRoomNotFound = errs.New(errs.ErrNotFound, "room not found")
	// ErrDirectRoomBusy means another request is creating the same direct room.
	ErrDirectRoomBusy = errs.New(errs.ErrConflict, "direct room creation in progress")
)

// NewRoom is the input to CreateRoom. MemberIDs must already include the creator.
type NewRoom struct {
	Name        string
	Description string
	Type        models.RoomType
	MemberIDs   []int64
}

// RoomRepository is the room lookup the core consumes.
type RoomRepository interface {
	GetRoom(ctx context.Context, roomID int64) (models.ChatRoom, error)
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	ListForUser(ctx context.Context, userID int64) ([]models.ChatRoom, error)
	CreateRoom(ctx context.Context, room NewRoom) (models.ChatRoom, bool, error)
	TouchLastActivity(ctx context.Context, roomID int64, at time.Time) error
}

// RoomRepo is a sqlx implementation of RoomRepository.
type RoomRepo struct {
	db *sqlx.DB
}

func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

const roomColumns = `id, name, description, type, created_at, updated_at, last_activity`

// GetRoom fetches a room together with its member ids.
func (r *RoomRepo) GetRoom(ctx context.Context, roomID int64) (models.ChatRoom, error) {
	var room models.ChatRoom
	err := r.db.GetContext(ctx, &room, `SELECT `+roomColumns+` FROM chat_rooms WHERE id=$1`, roomID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ChatRoom{}, ErrRoomNotFound
	}
	if err != nil {
		return models.ChatRoom{}, err
	}

	if err := r.db.SelectContext(ctx, &room.MemberIDs, `SELECT user_id FROM room_members WHERE room_id=$1 ORDER BY user_id`, roomID); err != nil {
		return models.ChatRoom{}, err
	}
	return room, nil
}

// IsMember checks membership.
func (r *RoomRepo) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM room_members WHERE room_id=$1 AND user_id=$2)`, roomID, userID)
	return exists, err
}

// ListForUser returns the rooms that include the user, most recently active first.
func (r *RoomRepo) ListForUser(ctx context.Context, userID int64) ([]models.ChatRoom, error) {
	var rooms []models.ChatRoom
	err := r.db.SelectContext(ctx, &rooms, `SELECT r.id, r.name, r.description, r.type, r.created_at, r.updated_at, r.last_activity
        FROM chat_rooms r
        INNER JOIN room_members rm ON rm.room_id = r.id
        WHERE rm.user_id=$1
        ORDER BY r.last_activity DESC, r.id DESC`, userID)
	if err != nil || len(rooms) == 0 {
		return rooms, err
	}

	ids := make([]int64, 0, len(rooms))
	for _, room := range rooms {
		ids = append(ids, room.ID)
	}
	members, err := r.membersOf(ctx, r.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].MemberIDs = members[rooms[i].ID]
	}
	return rooms, nil
}

func (r *RoomRepo) membersOf(ctx context.Context, q sqlx.QueryerContext, roomIDs []int64) (map[int64][]int64, error) {
	rows, err := q.QueryxContext(ctx, `SELECT room_id, user_id FROM room_members WHERE room_id = ANY($1) ORDER BY room_id, user_id`, pq.Array(roomIDs))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[int64][]int64, len(roomIDs))
	for rows.Next() {
		var roomID, userID int64
		if err := rows.Scan(&roomID, &userID); err != nil {
			return nil, err
		}
		out[roomID] = append(out[roomID], userID)
	}
	return out, rows.Err()
}

// CreateRoom creates a room and its members atomically. For DIRECT rooms an
// existing room for the same pair is returned instead (created=false); the
// lookup and insert run under a transaction-scoped advisory lock on the pair,
// and ErrDirectRoomBusy is returned if a concurrent creation holds it.
func (r *RoomRepo) CreateRoom(ctx context.Context, in NewRoom) (models.ChatRoom, bool, error) {
	memberIDs := dedupeSorted(in.MemberIDs)
	if in.Type == models.RoomDirect && len(memberIDs) != 2 {
		return models.ChatRoom{}, false, errs.New(errs.ErrInvalidArgument, "direct room needs exactly two members")
	}

	var (
		room    models.ChatRoom
		created bool
	)
	err := InTx(ctx, r.db, func(tx *sqlx.Tx) error {
		if in.Type == models.RoomDirect {
			var locked bool
			key := fmt.Sprintf("direct:%d:%d", memberIDs[0], memberIDs[1])
			if err := tx.GetContext(ctx, &locked, `SELECT pg_try_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
				return err
			}
			if !locked {
				return ErrDirectRoomBusy
			}

			existingID, err := findDirectRoomID(ctx, tx, memberIDs[0], memberIDs[1])
			if err == nil {
				if err := tx.GetContext(ctx, &room, `SELECT `+roomColumns+` FROM chat_rooms WHERE id=$1`, existingID); err != nil {
					return err
				}
				room.MemberIDs = memberIDs
				return nil
			}
			if !errors.Is(err, ErrRoomNotFound) {
				return err
			}
		}

		if err := tx.QueryRowxContext(ctx, `INSERT INTO chat_rooms (name, description, type) VALUES ($1, $2, $3) RETURNING `+roomColumns,
			in.Name, in.Description, in.Type).StructScan(&room); err != nil {
			return err
		}
		for _, id := range memberIDs {
			if _, err := tx.ExecContext(ctx, `INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)`, room.ID, id); err != nil {
				return err
			}
		}
		room.MemberIDs = memberIDs
		created = true
		return nil
	})
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.ChatRoom{}, false, errs.New(errs.ErrConflict, "room already exists")
		}
		return models.ChatRoom{}, false, err
	}
	return room, created, nil
}

func findDirectRoomID(ctx context.Context, q sqlx.QueryerContext, userA, userB int64) (int64, error) {
	var id int64
	err := sqlx.GetContext(ctx, q, &id, `SELECT r.id FROM chat_rooms r
        INNER JOIN room_members a ON a.room_id = r.id AND a.user_id = $1
        INNER JOIN room_members b ON b.room_id = r.id AND b.user_id = $2
        WHERE r.type = 'DIRECT'
        ORDER BY r.id
        LIMIT 1`, userA, userB)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrRoomNotFound
	}
	return id, err
}

// TouchLastActivity moves the room's last activity forward; it never moves it back.
func (r *RoomRepo) TouchLastActivity(ctx context.Context, roomID int64, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE chat_rooms SET last_activity = GREATEST(last_activity, $2), updated_at = NOW() WHERE id=$1`, roomID, at)
	return err
}

func dedupeSorted(ids []int64) []int64 {
	set := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := set[id]; ok {
			continue
		}
		set[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
