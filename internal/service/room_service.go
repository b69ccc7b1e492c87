package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
	"chat-dispatch/internal/repositories"
)

var (
	ErrUnknownRoomType  = errs.New(errs.ErrInvalidArgument, "room type must be DIRECT or GROUP")
	ErrGroupNameMissing = errs.New(errs.ErrInvalidArgument, "group rooms need a name")
	ErrDirectPair       = errs.New(errs.ErrInvalidArgument, "direct rooms need exactly one other existing participant")
)

type CreateRoomInput struct {
	CreatorID      int64
	Name           string
	Description    string
	Type           string
	ParticipantIDs []int64
}

type RoomService struct {
	rooms      repositories.RoomRepository
	users      repositories.UserRepository
	messages   repositories.MessageRepository
	statuses   repositories.StatusRepository
	cache      MessageCache
	supervisor RoomSupervisor
	log        *slog.Logger
}

func NewRoomService(
	rooms repositories.RoomRepository,
	users repositories.UserRepository,
	messages repositories.MessageRepository,
	statuses repositories.StatusRepository,
	cache MessageCache,
	supervisor RoomSupervisor,
	log *slog.Logger,
) *RoomService {
	return &RoomService{
		rooms:      rooms,
		users:      users,
		messages:   messages,
		statuses:   statuses,
		cache:      cache,
		supervisor: supervisor,
		log:        log,
	}
}

// CreateRoom creates a room with the creator as a member. Participant ids
// that do not exist are skipped. Creating a direct room that already exists
// returns it with created=false.
func (s *RoomService) CreateRoom(ctx context.Context, in CreateRoomInput) (models.ChatRoom, bool, error) {
	ctx, span := observability.Tracer().Start(ctx, "room.create")
	defer span.End()
	log := logger.FromCtx(ctx, s.log)

	roomType := models.RoomType(strings.ToUpper(strings.TrimSpace(in.Type)))
	if roomType == "" {
		roomType = models.RoomGroup
	}
	if !roomType.Valid() {
		return models.ChatRoom{}, false, ErrUnknownRoomType
	}
	name := strings.TrimSpace(in.Name)
	if roomType == models.RoomGroup && name == "" {
		return models.ChatRoom{}, false, ErrGroupNameMissing
	}

	others := make([]int64, 0, len(in.ParticipantIDs))
	for _, id := range in.ParticipantIDs {
		if id != in.CreatorID && id > 0 {
			others = append(others, id)
		}
	}
	if len(others) > 0 {
		existing, err := s.users.ExistingIDs(ctx, others)
		if err != nil {
			return models.ChatRoom{}, false, fmt.Errorf("resolve participants: %w", err)
		}
		if skipped := len(dedupe(others)) - len(existing); skipped > 0 {
			log.Info("unknown participants skipped", "creator_id", in.CreatorID, "skipped", skipped)
		}
		others = existing
	}
	members := dedupe(append([]int64{in.CreatorID}, others...))
	if roomType == models.RoomDirect && len(members) != 2 {
		return models.ChatRoom{}, false, ErrDirectPair
	}

	room, created, err := s.rooms.CreateRoom(ctx, repositories.NewRoom{
		Name:        name,
		Description: strings.TrimSpace(in.Description),
		Type:        roomType,
		MemberIDs:   members,
	})
	if err != nil {
		return models.ChatRoom{}, false, err
	}
	if !created {
		return room, false, nil
	}

	if err := s.supervisor.EnsureRoom(ctx, room.ID); err != nil {
		log.Warn("room channel not started", "room_id", room.ID, "error", err)
	}
	if err := s.cache.InvalidateUnread(ctx, room.MemberIDs...); err != nil {
		log.Warn("unread cache invalidation failed", "room_id", room.ID, "error", err)
	}
	log.Info("room created", "room_id", room.ID, "type", room.Type, "members", len(room.MemberIDs))
	return room, true, nil
}

// GetRoom returns the room as seen by userID.
func (s *RoomService) GetRoom(ctx context.Context, roomID, userID int64) (models.RoomSummary, error) {
	room, err := memberRoom(ctx, s.rooms, roomID, userID)
	if err != nil {
		return models.RoomSummary{}, err
	}
	unread, err := s.statuses.UnreadCount(ctx, roomID, userID)
	if err != nil {
		return models.RoomSummary{}, fmt.Errorf("unread count: %w", err)
	}
	return models.RoomSummary{ChatRoom: room, UnreadCount: unread}, nil
}

// ListRooms returns userID's rooms, most recently active first, with unread counts.
func (s *RoomService) ListRooms(ctx context.Context, userID int64) ([]models.RoomSummary, error) {
	rooms, err := s.rooms.ListForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	counts, err := s.statuses.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	out := make([]models.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, models.RoomSummary{ChatRoom: r, UnreadCount: counts[r.ID]})
	}
	return out, nil
}

// CloseRoom tears down the room's broker channel and consumer. The room and
// its history stay; the channel comes back with the next message.
func (s *RoomService) CloseRoom(ctx context.Context, roomID, userID int64) error {
	if _, err := memberRoom(ctx, s.rooms, roomID, userID); err != nil {
		return err
	}
	if err := s.supervisor.RemoveRoom(ctx, roomID); err != nil {
		return fmt.Errorf("remove room channel: %w", err)
	}
	s.log.Info("room channel closed", "room_id", roomID, "user_id", userID)
	return nil
}

// PurgeRoomMessages deletes the room's messages and their status rows.
func (s *RoomService) PurgeRoomMessages(ctx context.Context, roomID, userID int64) (int64, error) {
	room, err := memberRoom(ctx, s.rooms, roomID, userID)
	if err != nil {
		return 0, err
	}
	n, err := s.messages.DeleteByRoom(ctx, roomID)
	if err != nil {
		return 0, fmt.Errorf("purge messages: %w", err)
	}
	if err := s.cache.InvalidateRoom(ctx, roomID); err != nil {
		s.log.Warn("recent cache invalidation failed", "room_id", roomID, "error", err)
	}
	if err := s.cache.InvalidateUnread(ctx, room.MemberIDs...); err != nil {
		s.log.Warn("unread cache invalidation failed", "room_id", roomID, "error", err)
	}
	s.log.Info("room messages purged", "room_id", roomID, "user_id", userID, "deleted", n)
	return n, nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
