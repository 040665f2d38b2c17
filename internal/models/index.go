package models

import "time"

// RetrievalIndex identifies a persisted vector index built from one uploaded
// document.
type RetrievalIndex struct {
	ID         string    `json:"id"`
	SourceName string    `json:"source_name"`
	ChunkCount int       `json:"chunk_count"`
	CreatedAt  time.Time `json:"created_at"`
}

// Passage is a retrieved document excerpt with its relevance score. Seq is the
// chunk's position in the original document.
type Passage struct {
	Seq     int     `json:"seq"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}
