package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"chat-dispatch/internal/models"
	"chat-dispatch/internal/observability"
)

const (
	DefaultRecentTTL = 5 * time.Minute
	DefaultUnreadTTL = time.Minute

	// generation counters outlive any load they guard
	generationTTL = 24 * time.Hour
)

// Generation is the invalidation counter seen before loading from the
// database. A write-back carrying an older generation is dropped.
type Generation int64

// NoGeneration is returned when the counter could not be read; writes with
// it are skipped.
const NoGeneration Generation = -1

// MessageCache caches the first page of room history per reader and the
// per-user unread counts. A nil *MessageCache, or one without Redis, is a
// valid always-miss cache.
type MessageCache struct {
	redis     *RedisCache
	log       *slog.Logger
	recentTTL time.Duration
	unreadTTL time.Duration
}

func NewMessageCache(redis *RedisCache, recentTTL, unreadTTL time.Duration, log *slog.Logger) *MessageCache {
	if recentTTL <= 0 {
		recentTTL = DefaultRecentTTL
	}
	if unreadTTL <= 0 {
		unreadTTL = DefaultUnreadTTL
	}
	return &MessageCache{redis: redis, log: log, recentTTL: recentTTL, unreadTTL: unreadTTL}
}

// recentKey holds one field per (reader, page size) so a whole room can be
// invalidated with a single DEL.
func recentKey(roomID int64) string {
	return fmt.Sprintf("recent:%d", roomID)
}

func recentField(userID int64, size int) string {
	return fmt.Sprintf("%d:%d", userID, size)
}

func unreadKey(userID int64) string {
	return fmt.Sprintf("unread:%d", userID)
}

func recentGenKey(roomID int64) string {
	return fmt.Sprintf("gen:recent:%d", roomID)
}

func unreadGenKey(userID int64) string {
	return fmt.Sprintf("gen:unread:%d", userID)
}

func (mc *MessageCache) generation(ctx context.Context, key string) Generation {
	if !mc.enabled() {
		return NoGeneration
	}
	n, err := mc.redis.Generation(ctx, key)
	if err != nil {
		return NoGeneration
	}
	return Generation(n)
}

// RecentGeneration must be read before loading page 0 of roomID.
func (mc *MessageCache) RecentGeneration(ctx context.Context, roomID int64) Generation {
	return mc.generation(ctx, recentGenKey(roomID))
}

// UnreadGeneration must be read before loading the unread counts of userID.
func (mc *MessageCache) UnreadGeneration(ctx context.Context, userID int64) Generation {
	return mc.generation(ctx, unreadGenKey(userID))
}

func (mc *MessageCache) enabled() bool {
	return mc != nil && mc.redis != nil
}

// GetRecent returns the cached first page of roomID as seen by userID.
func (mc *MessageCache) GetRecent(ctx context.Context, roomID, userID int64, size int) ([]models.MessageRecord, bool) {
	if !mc.enabled() {
		return nil, false
	}
	data, err := mc.redis.HGet(ctx, recentKey(roomID), recentField(userID, size))
	if err != nil || data == nil {
		observability.IncCacheLookup("recent", false)
		return nil, false
	}

	var records []models.MessageRecord
	if err := msgpack.Unmarshal(data, &records); err != nil {
		observability.IncCacheLookup("recent", false)
		return nil, false
	}
	observability.IncCacheLookup("recent", true)
	return records, true
}

// SetRecent stores page 0 loaded under gen. It is a no-op when the room was
// invalidated since gen was read.
func (mc *MessageCache) SetRecent(ctx context.Context, roomID, userID int64, size int, gen Generation, records []models.MessageRecord) error {
	if !mc.enabled() || gen == NoGeneration {
		return nil
	}
	data, err := msgpack.Marshal(records)
	if err != nil {
		return err
	}
	stored, err := mc.redis.HSetIfGeneration(ctx, recentGenKey(roomID), int64(gen), recentKey(roomID), recentField(userID, size), data, mc.recentTTL)
	if err == nil && !stored {
		mc.debug("stale page dropped", "room_id", roomID, "user_id", userID)
	}
	return err
}

// InvalidateRoom drops every cached page of the room and moves its
// generation.
func (mc *MessageCache) InvalidateRoom(ctx context.Context, roomID int64) error {
	if !mc.enabled() {
		return nil
	}
	return mc.redis.Bump(ctx, generationTTL, []string{recentGenKey(roomID)}, recentKey(roomID))
}

func (mc *MessageCache) debug(msg string, args ...any) {
	if mc.log != nil {
		mc.log.Debug(msg, args...)
	}
}

// GetUnread returns the cached unread counts of userID keyed by room.
func (mc *MessageCache) GetUnread(ctx context.Context, userID int64) (map[int64]int64, bool) {
	if !mc.enabled() {
		return nil, false
	}
	data, err := mc.redis.Get(ctx, unreadKey(userID))
	if err != nil || data == nil {
		observability.IncCacheLookup("unread", false)
		return nil, false
	}

	var counts map[int64]int64
	if err := msgpack.Unmarshal(data, &counts); err != nil {
		observability.IncCacheLookup("unread", false)
		return nil, false
	}
	observability.IncCacheLookup("unread", true)
	return counts, true
}

// SetUnread stores counts loaded under gen unless the user's counts were
// invalidated since.
func (mc *MessageCache) SetUnread(ctx context.Context, userID int64, gen Generation, counts map[int64]int64) error {
	if !mc.enabled() || gen == NoGeneration {
		return nil
	}
	data, err := msgpack.Marshal(counts)
	if err != nil {
		return err
	}
	stored, err := mc.redis.SetIfGeneration(ctx, unreadGenKey(userID), int64(gen), unreadKey(userID), data, mc.unreadTTL)
	if err == nil && !stored {
		mc.debug("stale unread counts dropped", "user_id", userID)
	}
	return err
}

// InvalidateUnread drops the unread counts of every listed user and moves
// their generations.
func (mc *MessageCache) InvalidateUnread(ctx context.Context, userIDs ...int64) error {
	if !mc.enabled() || len(userIDs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(userIDs))
	gens := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, unreadKey(id))
		gens = append(gens, unreadGenKey(id))
	}
	return mc.redis.Bump(ctx, generationTTL, gens, keys...)
}
