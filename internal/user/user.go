package user

import "time"

// ConnID identifies one live transport connection. It is assigned by the
// transport layer and never reused.
type ConnID string

// Identity is the (username, email) pair bound to one live connection.
type Identity struct {
	Conn         ConnID    `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	RegisteredAt time.Time `json:"registered_at"`
}
