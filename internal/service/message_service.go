package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"chat-dispatch/internal/cache"
	"chat-dispatch/internal/errs"
	"chat-dispatch/internal/logger"
	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
	"chat-dispatch/internal/repositories"
)

var (
	ErrBlankContent  = errs.New(errs.ErrInvalidArgument, "message content must not be blank")
	ErrUnknownType   = errs.New(errs.ErrInvalidArgument, "unknown message type")
	ErrNotRoomMember = errs.New(errs.ErrAccessDenied, "user is not a member of the room")
	ErrBadPage       = errs.New(errs.ErrInvalidArgument, "page must not be negative")
)

type SendMessageInput struct {
	RoomID    int64
	SenderID  int64
	Content   string
	Type      string
	RequestID string
}

// MessageService is the message ingestion entry point. Persistence failures
// abort the call; dispatch failures are logged and never surface.
type MessageService struct {
	rooms      repositories.RoomRepository
	messages   repositories.MessageRepository
	statuses   repositories.StatusRepository
	cache      MessageCache
	dispatcher Dispatcher
	supervisor RoomSupervisor
	log        *slog.Logger
	now        clock
}

func NewMessageService(
	rooms repositories.RoomRepository,
	messages repositories.MessageRepository,
	statuses repositories.StatusRepository,
	cache MessageCache,
	dispatcher Dispatcher,
	supervisor RoomSupervisor,
	log *slog.Logger,
) *MessageService {
	return &MessageService{
		rooms:      rooms,
		messages:   messages,
		statuses:   statuses,
		cache:      cache,
		dispatcher: dispatcher,
		supervisor: supervisor,
		log:        log,
		now:        utcNow,
	}
}

// memberRoom loads the room and checks userID belongs to it.
func memberRoom(ctx context.Context, rooms repositories.RoomRepository, roomID, userID int64) (models.ChatRoom, error) {
	room, err := rooms.GetRoom(ctx, roomID)
	if err != nil {
		return models.ChatRoom{}, err
	}
	if !room.HasMember(userID) {
		return models.ChatRoom{}, ErrNotRoomMember
	}
	return room, nil
}

// SendMessage persists the message with one status row per member, then
// queues it for delivery. The returned record is the sender's view.
func (s *MessageService) SendMessage(ctx context.Context, in SendMessageInput) (models.MessageRecord, error) {
	ctx, span := observability.Tracer().Start(ctx, "message.send")
	defer span.End()
	span.SetAttributes(attribute.Int64("room.id", in.RoomID), attribute.Int64("user.id", in.SenderID))
	log := logger.FromCtx(ctx, s.log)

	if strings.TrimSpace(in.Content) == "" {
		return models.MessageRecord{}, ErrBlankContent
	}
	msgType, ok := models.ParseMessageType(in.Type)
	if !ok {
		return models.MessageRecord{}, ErrUnknownType
	}

	room, err := memberRoom(ctx, s.rooms, in.RoomID, in.SenderID)
	if err != nil {
		return models.MessageRecord{}, err
	}

	if err := s.supervisor.EnsureRoom(ctx, room.ID); err != nil {
		// the pipeline falls back to the default channel
		log.Warn("room channel unavailable", "room_id", room.ID, "error", err)
	}

	stored, err := s.messages.CreateWithStatuses(ctx, repositories.NewMessage{
		RoomID:   room.ID,
		SenderID: in.SenderID,
		Content:  in.Content,
		Type:     msgType,
	})
	if err != nil {
		return models.MessageRecord{}, fmt.Errorf("persist message: %w", err)
	}
	msg := stored.ChatMessage

	s.invalidate(ctx, log, room.ID, stored.Recipients...)

	env := models.NewMessageEnvelope(uuid.NewString(), msg)
	env.RequestID = in.RequestID
	if err := s.dispatcher.PublishMessage(ctx, env); err != nil {
		log.Warn("message dispatch failed", "room_id", room.ID, "message_id", msg.ID, "error", err)
	}

	log.Info("message sent", "room_id", room.ID, "message_id", msg.ID, "sender_id", in.SenderID, "type", msgType)
	return models.MessageRecord{
		ChatMessage: msg,
		Read:        true,
		ReadCount:   1,
		UnreadCount: int64(len(stored.Recipients) - 1),
	}, nil
}

// ListMessages returns a newest-first page annotated with the caller's read
// flag and the per-message read counts. Page 0 is served from the cache.
func (s *MessageService) ListMessages(ctx context.Context, roomID, userID int64, page, size int) ([]models.MessageRecord, error) {
	if page < 0 {
		return nil, ErrBadPage
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > MaxPageSize {
		size = MaxPageSize
	}
	if _, err := memberRoom(ctx, s.rooms, roomID, userID); err != nil {
		return nil, err
	}

	gen := cache.NoGeneration
	if page == 0 {
		if cached, ok := s.cache.GetRecent(ctx, roomID, userID, size); ok {
			return cached, nil
		}
		gen = s.cache.RecentGeneration(ctx, roomID)
	}

	msgs, err := s.messages.ListByRoom(ctx, roomID, size, page*size)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	records := make([]models.MessageRecord, 0, len(msgs))
	if len(msgs) > 0 {
		ids := make([]int64, len(msgs))
		for i, m := range msgs {
			ids[i] = m.ID
		}
		flags, err := s.statuses.ReadFlags(ctx, userID, ids)
		if err != nil {
			return nil, fmt.Errorf("read flags: %w", err)
		}
		counts, err := s.statuses.Counts(ctx, ids)
		if err != nil {
			return nil, fmt.Errorf("read counts: %w", err)
		}
		for _, m := range msgs {
			c := counts[m.ID]
			records = append(records, models.MessageRecord{
				ChatMessage: m,
				Read:        flags[m.ID],
				ReadCount:   c.Read,
				UnreadCount: c.Unread,
			})
		}
	}

	if page == 0 {
		if err := s.cache.SetRecent(ctx, roomID, userID, size, gen, records); err != nil {
			s.log.Debug("recent cache write failed", "room_id", roomID, "error", err)
		}
	}
	return records, nil
}

// MarkMessageRead marks one message read for userID. Repeating it is a no-op
// and publishes nothing.
func (s *MessageService) MarkMessageRead(ctx context.Context, messageID, userID int64) error {
	ctx, span := observability.Tracer().Start(ctx, "message.mark_read")
	defer span.End()
	log := logger.FromCtx(ctx, s.log)

	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return err
	}
	member, err := s.rooms.IsMember(ctx, msg.RoomID, userID)
	if err != nil {
		return fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return ErrNotRoomMember
	}

	changed, readAt, err := s.statuses.MarkRead(ctx, messageID, userID, s.now())
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if !changed {
		return nil
	}

	s.invalidate(ctx, log, msg.RoomID, userID)
	s.publishReceipt(ctx, log, models.ReadReceiptEvent{
		Event:     models.ReceiptRead,
		MessageID: messageID,
		RoomID:    msg.RoomID,
		UserID:    userID,
		Read:      true,
		Timestamp: readAt,
	})
	return nil
}

// MarkAllRead marks every unread message in the room read for userID in one
// statement and publishes a single aggregate receipt.
func (s *MessageService) MarkAllRead(ctx context.Context, roomID, userID int64) (int64, error) {
	return s.markBulk(ctx, roomID, userID, func(now time.Time) (int64, error) {
		return s.statuses.MarkAllRead(ctx, roomID, userID, now)
	})
}

// MarkReadBefore is MarkAllRead restricted to messages created at or before
// the given time.
func (s *MessageService) MarkReadBefore(ctx context.Context, roomID, userID int64, before time.Time) (int64, error) {
	return s.markBulk(ctx, roomID, userID, func(now time.Time) (int64, error) {
		return s.statuses.MarkReadBefore(ctx, roomID, userID, before, now)
	})
}

func (s *MessageService) markBulk(ctx context.Context, roomID, userID int64, mark func(time.Time) (int64, error)) (int64, error) {
	ctx, span := observability.Tracer().Start(ctx, "message.mark_all_read")
	defer span.End()
	log := logger.FromCtx(ctx, s.log)

	if _, err := memberRoom(ctx, s.rooms, roomID, userID); err != nil {
		return 0, err
	}
	now := s.now()
	count, err := mark(now)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	span.SetAttributes(attribute.Int64("messages.marked", count))
	if count == 0 {
		return 0, nil
	}

	s.invalidate(ctx, log, roomID, userID)
	s.publishReceipt(ctx, log, models.ReadReceiptEvent{
		Event:     models.ReceiptReadAll,
		RoomID:    roomID,
		UserID:    userID,
		Read:      true,
		Count:     count,
		Timestamp: now,
	})
	log.Info("messages marked read", "room_id", roomID, "user_id", userID, "count", count)
	return count, nil
}

// UnreadCounts maps every room userID belongs to onto its unread count,
// zero included.
func (s *MessageService) UnreadCounts(ctx context.Context, userID int64) (map[int64]int64, error) {
	if cached, ok := s.cache.GetUnread(ctx, userID); ok {
		return cached, nil
	}
	gen := s.cache.UnreadGeneration(ctx, userID)
	counts, err := s.statuses.UnreadCounts(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("unread counts: %w", err)
	}
	if err := s.cache.SetUnread(ctx, userID, gen, counts); err != nil {
		s.log.Debug("unread cache write failed", "user_id", userID, "error", err)
	}
	return counts, nil
}

func (s *MessageService) UnreadCount(ctx context.Context, roomID, userID int64) (int64, error) {
	if _, err := memberRoom(ctx, s.rooms, roomID, userID); err != nil {
		return 0, err
	}
	n, err := s.statuses.UnreadCount(ctx, roomID, userID)
	if err != nil {
		return 0, fmt.Errorf("unread count: %w", err)
	}
	return n, nil
}

func (s *MessageService) invalidate(ctx context.Context, log *slog.Logger, roomID int64, userIDs ...int64) {
	if err := s.cache.InvalidateRoom(ctx, roomID); err != nil {
		log.Warn("recent cache invalidation failed", "room_id", roomID, "error", err)
	}
	if err := s.cache.InvalidateUnread(ctx, userIDs...); err != nil {
		log.Warn("unread cache invalidation failed", "room_id", roomID, "error", err)
	}
}

func (s *MessageService) publishReceipt(ctx context.Context, log *slog.Logger, evt models.ReadReceiptEvent) {
	if err := s.dispatcher.PublishReadReceipt(ctx, evt); err != nil {
		log.Warn("read receipt dispatch failed", "room_id", evt.RoomID, "user_id", evt.UserID, "error", err)
	}
}
