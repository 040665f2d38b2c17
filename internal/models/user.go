package models

import "time"

// User is a registered account. Banned users keep their data but are refused
// new submissions at the orchestrator gate.
type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	Banned       bool      `json:"banned"`
	CreatedAt    time.Time `json:"created_at"`
}
