// Package registry manages language-model metadata and lifecycle: hosted
// backends, document-grounded models and their retrieval indexes, visibility,
// and the running/stopped switch.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/metrics"
	"chatgrid/internal/models"
	"chatgrid/internal/retrieval"
)

// Service is the model registry.
type Service struct {
	db           *sql.DB
	indexes      *retrieval.Builder
	buildTimeout time.Duration
}

// NewService wires the registry over the shared database and the index
// builder used for grounded models.
func NewService(db *sql.DB, indexes *retrieval.Builder, buildTimeout time.Duration) *Service {
	if buildTimeout <= 0 {
		buildTimeout = 2 * time.Minute
	}
	return &Service{db: db, indexes: indexes, buildTimeout: buildTimeout}
}

// RegisterHosted records a hosted-API model. It starts out stopped.
func (s *Service) RegisterHosted(ctx context.Context, name, provider, modelName, description string, public bool, creatorID int64) (*models.Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.Invalid, "model name is required")
	}
	if strings.TrimSpace(provider) == "" {
		return nil, apperr.New(apperr.Invalid, "provider is required")
	}
	if err := s.checkNameFree(ctx, name); err != nil {
		return nil, err
	}
	return s.insertModel(ctx, &models.Model{
		Name:        name,
		Kind:        models.KindHosted,
		Provider:    provider,
		ModelName:   modelName,
		Public:      public,
		CreatorID:   creatorID,
		Description: description,
	})
}

// RegisterGrounded builds a retrieval index from the uploaded document, then
// records the model. The provider/modelName pair names the hosted model that
// answers with the retrieved context. Index failure leaves no Model row and
// no index rows.
func (s *Service) RegisterGrounded(ctx context.Context, name, provider, modelName, description string, public bool, creatorID int64, filename string, document []byte) (*models.Model, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, apperr.New(apperr.Invalid, "model name is required")
	}
	if strings.TrimSpace(provider) == "" {
		return nil, apperr.New(apperr.Invalid, "provider is required")
	}
	if err := s.checkNameFree(ctx, name); err != nil {
		return nil, err
	}

	buildCtx, cancel := context.WithTimeout(ctx, s.buildTimeout)
	defer cancel()
	idx, err := s.indexes.BuildIndex(buildCtx, filename, document)
	if err != nil {
		metrics.Global().IndexBuilds.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.Global().IndexBuilds.WithLabelValues("ok").Inc()

	m, err := s.insertModel(ctx, &models.Model{
		Name:        name,
		Kind:        models.KindGrounded,
		Provider:    provider,
		ModelName:   modelName,
		Public:      public,
		CreatorID:   creatorID,
		IndexID:     idx.ID,
		SourceDoc:   filename,
		Description: description,
	})
	if err != nil {
		// The model row never materialized, so the index must not linger.
		if dropErr := s.indexes.DropIndex(context.WithoutCancel(ctx), idx.ID); dropErr != nil {
			log.Warn().Err(dropErr).Str("index_id", idx.ID).Msg("drop orphaned index")
		}
		return nil, err
	}
	return m, nil
}

// Get loads one model by id.
func (s *Service) Get(ctx context.Context, id int64) (*models.Model, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, kind, provider, model_name, is_public, running, creator_id,
		        index_id, source_doc, description, created_at
		 FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "model %d not found", id)
		}
		return nil, fmt.Errorf("get model: %w", err)
	}
	return m, nil
}

// ListAvailable returns running models the user may select: public ones plus
// private models the user created.
func (s *Service) ListAvailable(ctx context.Context, userID int64) ([]models.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, provider, model_name, is_public, running, creator_id,
		        index_id, source_doc, description, created_at
		 FROM models
		 WHERE running = 1 AND (is_public = 1 OR creator_id = ?)
		 ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// ListAll returns every model, for the admin surface.
func (s *Service) ListAll(ctx context.Context) ([]models.Model, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, kind, provider, model_name, is_public, running, creator_id,
		        index_id, source_doc, description, created_at
		 FROM models ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	defer rows.Close()
	return collectModels(rows)
}

// Start marks the model running. Starting a running model is a no-op success.
func (s *Service) Start(ctx context.Context, id int64) error {
	return s.setRunning(ctx, id, true)
}

// Stop marks the model stopped. Stopping a stopped model is a no-op success.
func (s *Service) Stop(ctx context.Context, id int64) error {
	return s.setRunning(ctx, id, false)
}

func (s *Service) setRunning(ctx context.Context, id int64, running bool) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE models SET running = ? WHERE id = ?`, running, id,
	); err != nil {
		return fmt.Errorf("set model running: %w", err)
	}
	return nil
}

// Delete removes an unreferenced model. Only the creator or an admin may
// delete; a model bound to any chat fails with ModelInUse.
func (s *Service) Delete(ctx context.Context, id, requesterID int64, isAdmin bool) error {
	m, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if !isAdmin && m.CreatorID != requesterID {
		return apperr.New(apperr.Forbidden, "model %d belongs to another user", id)
	}

	var referenced bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chats WHERE model_id = ?)`, id,
	).Scan(&referenced); err != nil {
		return fmt.Errorf("check model references: %w", err)
	}
	if referenced {
		return apperr.New(apperr.ModelInUse, "model %d is referenced by existing chats", id)
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM models WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete model: %w", err)
	}
	if m.IndexID != "" {
		if err := s.indexes.DropIndex(ctx, m.IndexID); err != nil {
			log.Warn().Err(err).Str("index_id", m.IndexID).Msg("drop index for deleted model")
		}
	}
	return nil
}

func (s *Service) checkNameFree(ctx context.Context, name string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM models WHERE name = ?)`, name,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check model name: %w", err)
	}
	if exists {
		return apperr.New(apperr.Conflict, "model name %q already taken", name)
	}
	return nil
}

func (s *Service) insertModel(ctx context.Context, m *models.Model) (*models.Model, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO models (name, kind, provider, model_name, is_public, running,
		                     creator_id, index_id, source_doc, description, created_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		m.Name, m.Kind, m.Provider, m.ModelName, m.Public, m.CreatorID,
		nullable(m.IndexID), nullable(m.SourceDoc), m.Description, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert model: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("model id: %w", err)
	}
	m.ID = id
	m.Running = false
	m.CreatedAt = now
	return m, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModel(row rowScanner) (*models.Model, error) {
	var m models.Model
	var indexID, sourceDoc sql.NullString
	if err := row.Scan(&m.ID, &m.Name, &m.Kind, &m.Provider, &m.ModelName,
		&m.Public, &m.Running, &m.CreatorID, &indexID, &sourceDoc,
		&m.Description, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.IndexID = indexID.String
	m.SourceDoc = sourceDoc.String
	return &m, nil
}

func collectModels(rows *sql.Rows) ([]models.Model, error) {
	var out []models.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, fmt.Errorf("scan model: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}
