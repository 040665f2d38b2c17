package models

import "time"

// ModelKind distinguishes hosted completion backends from models grounded in
// an uploaded document's retrieval index.
type ModelKind string

const (
	KindHosted   ModelKind = "hosted"
	KindGrounded ModelKind = "grounded"
)

// Model describes a selectable language-model backend.
type Model struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Kind        ModelKind `json:"kind"`
	Provider    string    `json:"provider"`
	ModelName   string    `json:"model_name"`
	Public      bool      `json:"public"`
	Running     bool      `json:"running"`
	CreatorID   int64     `json:"creator_id"`
	IndexID     string    `json:"index_id,omitempty"`
	SourceDoc   string    `json:"source_doc,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// Available reports whether the model can serve a turn for the given user.
func (m *Model) Available(userID int64) bool {
	if !m.Running {
		return false
	}
	return m.Public || m.CreatorID == userID
}
