package models

import "time"

// Chat is a persisted conversation thread owned by one user and bound to one
// model at creation time.
type Chat struct {
	ID           int64     `json:"id"`
	UserID       int64     `json:"user_id"`
	ModelID      int64     `json:"model_id"`
	Title        string    `json:"title"`
	MessageLimit int       `json:"message_limit"`
	CreatedAt    time.Time `json:"created_at"`
}
