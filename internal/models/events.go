package models

import (
	"strconv"
	"time"
)

// MessageEnvelope is the broker payload for a newly persisted message.
type MessageEnvelope struct {
	EnvelopeID string      `json:"envelope_id"`
	MessageID  int64       `json:"message_id"`
	RoomID     int64       `json:"room_id"`
	SenderID   int64       `json:"sender_id"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type"`
	CreatedAt  time.Time   `json:"created_at"`
	RequestID  string      `json:"request_id,omitempty"`
}

// NewMessageEnvelope builds the envelope for msg.
func NewMessageEnvelope(envelopeID string, msg ChatMessage) MessageEnvelope {
	return MessageEnvelope{
		EnvelopeID: envelopeID,
		MessageID:  msg.ID,
		RoomID:     msg.RoomID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		Type:       msg.Type,
		CreatedAt:  msg.CreatedAt,
	}
}

// ClientMessage is what live subscribers receive on room.<id>.messages.
type ClientMessage struct {
	Event     string      `json:"event"`
	MessageID int64       `json:"message_id"`
	RoomID    int64       `json:"room_id"`
	SenderID  int64       `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// ClientMessageFrom reconstructs the read-model from a broker envelope.
func ClientMessageFrom(env MessageEnvelope) ClientMessage {
	return ClientMessage{
		Event:     "message",
		MessageID: env.MessageID,
		RoomID:    env.RoomID,
		SenderID:  env.SenderID,
		Content:   env.Content,
		Type:      env.Type,
		Timestamp: env.CreatedAt,
	}
}

const (
	ReceiptRead    = "read"
	ReceiptReadAll = "read_all"
)

// ReadReceiptEvent travels on the status channel and on room.<id>.reads.
// MessageID is zero and Count is set for aggregate read_all events.
type ReadReceiptEvent struct {
	Event     string    `json:"event"`
	MessageID int64     `json:"message_id,omitempty"`
	RoomID    int64     `json:"room_id"`
	UserID    int64     `json:"user_id"`
	Read      bool      `json:"read"`
	Count     int64     `json:"count,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// MessagesTopic is the bus topic for new messages in a room.
func MessagesTopic(roomID int64) string {
	return "room." + strconv.FormatInt(roomID, 10) + ".messages"
}

// ReadsTopic is the bus topic for read receipts in a room.
func ReadsTopic(roomID int64) string {
	return "room." + strconv.FormatInt(roomID, 10) + ".reads"
}
