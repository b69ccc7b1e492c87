package models

import (
	"strings"
	"time"
)

type MessageType string

const (
	MessageChat   MessageType = "CHAT"
	MessageJoin   MessageType = "JOIN"
	MessageLeave  MessageType = "LEAVE"
	MessageSystem MessageType = "SYSTEM"
)

// ParseMessageType normalises s, defaulting to CHAT when empty.
func ParseMessageType(s string) (MessageType, bool) {
	switch t := MessageType(strings.ToUpper(strings.TrimSpace(s))); t {
	case "":
		return MessageChat, true
	case MessageChat, MessageJoin, MessageLeave, MessageSystem:
		return t, true
	default:
		return "", false
	}
}

// ChatMessage is immutable once persisted.
type ChatMessage struct {
	ID        int64       `db:"id" json:"id"`
	RoomID    int64       `db:"room_id" json:"room_id"`
	SenderID  int64       `db:"sender_id" json:"sender_id"`
	Content   string      `db:"content" json:"content"`
	Type      MessageType `db:"type" json:"type"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
}

// MessageRecord is a persisted message annotated for one reader.
type MessageRecord struct {
	ChatMessage
	Read        bool  `json:"read" msgpack:"read"`
	ReadCount   int64 `json:"read_count" msgpack:"read_count"`
	UnreadCount int64 `json:"unread_count" msgpack:"unread_count"`
}
