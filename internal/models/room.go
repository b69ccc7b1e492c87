package models

import "time"

type RoomType string

const (
	RoomDirect RoomType = "DIRECT"
	RoomGroup  RoomType = "GROUP"
)

// Valid reports whether t is a known room type.
func (t RoomType) Valid() bool {
	return t == RoomDirect || t == RoomGroup
}

// ChatRoom is a conversation between its members.
type ChatRoom struct {
	ID           int64     `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Description  string    `db:"description" json:"description,omitempty"`
	Type         RoomType  `db:"type" json:"type"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
	LastActivity time.Time `db:"last_activity" json:"last_activity"`
	MemberIDs    []int64   `db:"-" json:"member_ids"`
}

// HasMember reports whether userID belongs to the room.
func (r ChatRoom) HasMember(userID int64) bool {
	for _, id := range r.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

// OtherMember returns the counterpart of userID in a direct room.
func (r ChatRoom) OtherMember(userID int64) (int64, bool) {
	if r.Type != RoomDirect || len(r.MemberIDs) != 2 {
		return 0, false
	}
	for _, id := range r.MemberIDs {
		if id != userID {
			return id, true
		}
	}
	return 0, false
}

// RoomSummary is a room as seen by one member.
type RoomSummary struct {
	ChatRoom
	UnreadCount int64 `json:"unread_count"`
}
