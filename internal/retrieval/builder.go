// Package retrieval builds searchable vector indexes from uploaded documents
// and answers relevance queries against them. Chunk vectors are persisted in
// the relational store so indexes survive restarts.
package retrieval

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/models"
)

const embedBatchSize = 16

// Options tune chunking and query behavior.
type Options struct {
	ChunkSize    int
	ChunkOverlap int
	TopK         int
	MinScore     float64
	EmbedWorkers int
}

// Builder owns index construction and querying.
type Builder struct {
	db       *sql.DB
	embedder Embedder
	opts     Options
}

// NewBuilder wires a builder over the shared database and an embedder.
func NewBuilder(db *sql.DB, embedder Embedder, opts Options) *Builder {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1000
	}
	if opts.ChunkOverlap < 0 || opts.ChunkOverlap >= opts.ChunkSize {
		opts.ChunkOverlap = 200
	}
	if opts.TopK <= 0 {
		opts.TopK = 3
	}
	if opts.EmbedWorkers <= 0 {
		opts.EmbedWorkers = 4
	}
	return &Builder{db: db, embedder: embedder, opts: opts}
}

// TopK returns the configured passage count for queries.
func (b *Builder) TopK() int { return b.opts.TopK }

// BuildIndex extracts text from the document, chunks it, embeds every chunk,
// and persists the index. An unreadable or empty document fails with
// IndexBuildError and writes nothing.
func (b *Builder) BuildIndex(ctx context.Context, sourceName string, document []byte) (*models.RetrievalIndex, error) {
	text, err := ExtractText(sourceName, document)
	if err != nil {
		return nil, apperr.Wrap(apperr.IndexBuildError, err, "extract document %q", sourceName)
	}
	chunks := SplitText(text, b.opts.ChunkSize, b.opts.ChunkOverlap)
	if len(chunks) == 0 {
		return nil, apperr.New(apperr.IndexBuildError, "document %q produced no chunks", sourceName)
	}

	vectors, err := b.embedAll(ctx, chunks)
	if err != nil {
		return nil, apperr.Wrap(apperr.IndexBuildError, err, "embed document %q", sourceName)
	}

	idx := &models.RetrievalIndex{
		ID:         uuid.NewString(),
		SourceName: sourceName,
		ChunkCount: len(chunks),
		CreatedAt:  time.Now().UTC(),
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO retrieval_indexes (id, source_name, chunk_count, created_at) VALUES (?, ?, ?, ?)`,
		idx.ID, idx.SourceName, idx.ChunkCount, idx.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert index: %w", err)
	}
	for i, chunk := range chunks {
		embJSON, err := json.Marshal(vectors[i])
		if err != nil {
			return nil, fmt.Errorf("marshal embedding: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO index_chunks (index_id, seq, content, embedding) VALUES (?, ?, ?, ?)`,
			idx.ID, i+1, chunk, string(embJSON),
		); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", i+1, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit index: %w", err)
	}

	log.Info().Str("index_id", idx.ID).Str("source", idx.SourceName).
		Int("chunks", idx.ChunkCount).Msg("built retrieval index")
	return idx, nil
}

// embedAll fans batches out over a bounded number of workers.
func (b *Builder) embedAll(ctx context.Context, chunks []string) ([][]float32, error) {
	vectors := make([][]float32, len(chunks))

	type batch struct {
		start int
		texts []string
	}
	var batches []batch
	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batches = append(batches, batch{start: start, texts: chunks[start:end]})
	}

	sem := make(chan struct{}, b.opts.EmbedWorkers)
	errCh := make(chan error, len(batches))
	var wg sync.WaitGroup
	for _, bt := range batches {
		wg.Add(1)
		sem <- struct{}{}
		go func(bt batch) {
			defer wg.Done()
			defer func() { <-sem }()
			vecs, err := b.embedder.Embed(ctx, bt.texts)
			if err != nil {
				errCh <- err
				return
			}
			copy(vectors[bt.start:], vecs)
		}(bt)
	}
	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return nil, err
	}
	for i, v := range vectors {
		if len(v) == 0 {
			return nil, fmt.Errorf("chunk %d has no embedding", i+1)
		}
	}
	return vectors, nil
}

// Query embeds the text and returns the top-k passages ranked by cosine
// similarity, descending; equal scores fall back to document order, earliest
// passage first.
func (b *Builder) Query(ctx context.Context, indexID, text string, k int) ([]models.Passage, error) {
	if k <= 0 {
		k = b.opts.TopK
	}
	queryVecs, err := b.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	queryVec := queryVecs[0]

	rows, err := b.db.QueryContext(ctx,
		`SELECT seq, content, embedding FROM index_chunks WHERE index_id = ? ORDER BY seq ASC`,
		indexID,
	)
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}
	defer rows.Close()

	var scored []models.Passage
	for rows.Next() {
		var seq int
		var content, embJSON string
		if err := rows.Scan(&seq, &content, &embJSON); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		var vec []float32
		if err := json.Unmarshal([]byte(embJSON), &vec); err != nil {
			return nil, fmt.Errorf("decode embedding for chunk %d: %w", seq, err)
		}
		score := CosineSimilarity(queryVec, vec)
		if score < b.opts.MinScore {
			continue
		}
		scored = append(scored, models.Passage{Seq: seq, Content: content, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].Score != scored[j].Score {
			return scored[i].Score > scored[j].Score
		}
		return scored[i].Seq < scored[j].Seq
	})
	if len(scored) > k {
		scored = scored[:k]
	}
	return scored, nil
}

// DropIndex removes an index and its chunks.
func (b *Builder) DropIndex(ctx context.Context, indexID string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM index_chunks WHERE index_id = ?`, indexID); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM retrieval_indexes WHERE id = ?`, indexID); err != nil {
		return fmt.Errorf("delete index: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit drop index: %w", err)
	}
	return nil
}
