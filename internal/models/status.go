package models

import "time"

// MessageStatus tracks whether one user has read one message.
type MessageStatus struct {
	ID        int64      `db:"id" json:"id"`
	UserID    int64      `db:"user_id" json:"user_id"`
	MessageID int64      `db:"message_id" json:"message_id"`
	Read      bool       `db:"read" json:"read"`
	ReadAt    *time.Time `db:"read_at" json:"read_at,omitempty"`
	CreatedAt time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// ReadCounts aggregates the status rows of a single message.
type ReadCounts struct {
	Read   int64 `db:"read_count"`
	Unread int64 `db:"unread_count"`
}
