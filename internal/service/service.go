// Package service implements message ingestion, read receipts and room
// management on top of the repositories, the cache and the dispatch layer.
package service

import (
	"context"
	"time"

	"chat-dispatch/internal/cache"
	"chat-dispatch/internal/models"
)

// Dispatcher hands persisted events to the broker. Implementations must not
// block on the broker.
type Dispatcher interface {
	PublishMessage(ctx context.Context, env models.MessageEnvelope) error
	PublishReadReceipt(ctx context.Context, evt models.ReadReceiptEvent) error
}

// RoomSupervisor starts and stops per-room consumers.
type RoomSupervisor interface {
	EnsureRoom(ctx context.Context, roomID int64) error
	RemoveRoom(ctx context.Context, roomID int64) error
}

// MessageCache is the read-through cache for recent messages and unread
// counts. Misses and errors are never fatal. A generation is read before
// each database load and handed back on write, so a load that raced an
// invalidation is never stored.
type MessageCache interface {
	GetRecent(ctx context.Context, roomID, userID int64, size int) ([]models.MessageRecord, bool)
	RecentGeneration(ctx context.Context, roomID int64) cache.Generation
	SetRecent(ctx context.Context, roomID, userID int64, size int, gen cache.Generation, records []models.MessageRecord) error
	InvalidateRoom(ctx context.Context, roomID int64) error
	GetUnread(ctx context.Context, userID int64) (map[int64]int64, bool)
	UnreadGeneration(ctx context.Context, userID int64) cache.Generation
	SetUnread(ctx context.Context, userID int64, gen cache.Generation, counts map[int64]int64) error
	InvalidateUnread(ctx context.Context, userIDs ...int64) error
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }
