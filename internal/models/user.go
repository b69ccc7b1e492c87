package models

import "time"

// User is the identity that owns messages and read-status rows.
type User struct {
	ID        int64     `db:"id" json:"id"`
	Username  string    `db:"username" json:"username"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	// LastActive moves forward whenever the user joins a room socket.
	LastActive *time.Time `db:"last_active" json:"last_active,omitempty"`
}
