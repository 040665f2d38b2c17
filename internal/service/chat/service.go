// Package chat is the orchestrator: it turns an authenticated user's message
// into a persisted exchange and a reply, routing between hosted and
// document-grounded model backends.
package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/conversation"
	"chatgrid/internal/llm"
	"chatgrid/internal/metrics"
	"chatgrid/internal/models"
	"chatgrid/internal/redis"
	"chatgrid/internal/registry"
	"chatgrid/internal/service/account"
)

const (
	titleMaxRunes = 40
	usageKeyFmt   = "usage:messages:%s"
	usageTTL      = 48 * time.Hour
)

// Retriever answers relevance queries against a built index.
type Retriever interface {
	Query(ctx context.Context, indexID, text string, k int) ([]models.Passage, error)
	TopK() int
}

// Service coordinates a single chat turn end to end.
type Service struct {
	accounts       *account.Service
	registry       *registry.Service
	convs          *conversation.Store
	retriever      Retriever
	completer      llm.Completer
	cache          *redis.Client
	backendTimeout time.Duration
	defaultLimit   int
}

// NewService wires the orchestrator. cache may be nil.
func NewService(
	accounts *account.Service,
	reg *registry.Service,
	convs *conversation.Store,
	retriever Retriever,
	completer llm.Completer,
	cache *redis.Client,
	backendTimeout time.Duration,
	defaultLimit int,
) *Service {
	if backendTimeout <= 0 {
		backendTimeout = 60 * time.Second
	}
	if defaultLimit <= 0 {
		defaultLimit = 200
	}
	return &Service{
		accounts:       accounts,
		registry:       reg,
		convs:          convs,
		retriever:      retriever,
		completer:      completer,
		cache:          cache,
		backendTimeout: backendTimeout,
		defaultLimit:   defaultLimit,
	}
}

// TurnResult is the outcome of a successful submission.
type TurnResult struct {
	ChatID        int64  `json:"chat_id"`
	Reply         string `json:"reply"`
	UserRank      int    `json:"user_rank"`
	AssistantRank int    `json:"assistant_rank"`
	Title         string `json:"title"`
}

// SubmitTurn validates the caller, lazily creates the chat when chatID is
// nil, enforces the chat's message limit, assembles ordered context (plus
// retrieved passages for grounded models), invokes the backend under a
// bounded timeout, and persists both turns as one transaction. Exactly two
// message rows exist after success; zero after any failure.
func (s *Service) SubmitTurn(ctx context.Context, userID int64, chatID *int64, modelID int64, text string) (*TurnResult, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, apperr.New(apperr.Invalid, "message text cannot be empty")
	}

	user, err := s.accounts.GetUser(ctx, userID)
	if err != nil {
		return nil, s.fail(err)
	}
	if user.Banned {
		return nil, s.fail(apperr.New(apperr.Forbidden, "user %d is banned", userID))
	}

	model, err := s.registry.Get(ctx, modelID)
	if err != nil {
		return nil, s.fail(err)
	}
	if !model.Available(userID) {
		return nil, s.fail(apperr.New(apperr.ModelUnavailable, "model %q is not available", model.Name))
	}

	var chat *models.Chat
	if chatID == nil {
		limit, err := s.convs.DefaultLimit(ctx, s.defaultLimit)
		if err != nil {
			return nil, s.fail(err)
		}
		chat, err = s.convs.CreateChat(ctx, userID, modelID, deriveTitle(text), limit)
		if err != nil {
			return nil, s.fail(err)
		}
	} else {
		chat, err = s.convs.GetChat(ctx, userID, *chatID)
		if err != nil {
			return nil, s.fail(err)
		}
	}

	count, err := s.convs.CountMessages(ctx, chat.ID)
	if err != nil {
		return nil, s.fail(err)
	}
	if count >= chat.MessageLimit {
		return nil, s.fail(apperr.New(apperr.LimitReached, "chat %d reached its limit of %d messages", chat.ID, chat.MessageLimit))
	}

	turns, err := s.assembleContext(ctx, chat, model, text)
	if err != nil {
		return nil, s.fail(err)
	}

	reply, err := s.invokeBackend(ctx, model, turns)
	if err != nil {
		return nil, s.fail(err)
	}

	userRank, assistantRank, err := s.convs.AppendPair(ctx, chat.ID, chat.MessageLimit, text, reply)
	if err != nil {
		return nil, s.fail(err)
	}
	if err := s.convs.VerifyContinuity(ctx, chat.ID); err != nil {
		metrics.Global().TurnsTotal.WithLabelValues("continuity_error").Inc()
		return nil, err
	}

	s.bumpUsage(ctx)
	metrics.Global().TurnsTotal.WithLabelValues("ok").Inc()
	return &TurnResult{
		ChatID:        chat.ID,
		Reply:         reply,
		UserRank:      userRank,
		AssistantRank: assistantRank,
		Title:         chat.Title,
	}, nil
}

// assembleContext loads the ordered history and, for grounded models,
// prepends a system turn carrying the retrieved passages. History order is
// preserved exactly as stored.
func (s *Service) assembleContext(ctx context.Context, chat *models.Chat, model *models.Model, text string) ([]llm.Turn, error) {
	history, err := s.convs.ListMessages(ctx, chat.ID)
	if err != nil {
		return nil, err
	}

	var turns []llm.Turn
	if model.Kind == models.KindGrounded {
		passages, err := s.retriever.Query(ctx, model.IndexID, text, s.retriever.TopK())
		if err != nil {
			return nil, apperr.Wrap(apperr.BackendError, err, "retrieve context for chat %d", chat.ID)
		}
		if grounding := formatGrounding(passages); grounding != "" {
			turns = append(turns, llm.Turn{Role: models.RoleSystem, Content: grounding})
		}
	}
	for _, m := range history {
		turns = append(turns, llm.Turn{Role: m.Role, Content: m.Content})
	}
	turns = append(turns, llm.Turn{Role: models.RoleUser, Content: text})
	return turns, nil
}

// invokeBackend calls the hosted provider under the configured timeout. Any
// failure, including timeout, surfaces as BackendError.
func (s *Service) invokeBackend(ctx context.Context, model *models.Model, turns []llm.Turn) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.backendTimeout)
	defer cancel()

	start := time.Now()
	reply, err := s.completer.Complete(callCtx, turns, model.Provider, model.ModelName)
	metrics.Global().BackendLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		return "", apperr.Wrap(apperr.BackendError, err, "model %q completion failed", model.Name)
	}
	return reply, nil
}

func (s *Service) bumpUsage(ctx context.Context) {
	if s.cache == nil {
		return
	}
	key := fmt.Sprintf(usageKeyFmt, time.Now().UTC().Format("2006-01-02"))
	if _, err := s.cache.IncrByWindow(ctx, key, 2, usageTTL); err != nil {
		log.Warn().Err(err).Msg("bump usage counter")
	}
}

func (s *Service) fail(err error) error {
	metrics.Global().TurnsTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
	return err
}

func formatGrounding(passages []models.Passage) string {
	if len(passages) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Use the following document excerpts to answer the user's question. ")
	b.WriteString("Prefer them over prior conversation when they conflict.\n")
	for _, p := range passages {
		b.WriteString("\n---\n")
		b.WriteString(p.Content)
	}
	return b.String()
}

// deriveTitle builds a chat title from the first words of the opening
// message.
func deriveTitle(text string) string {
	title := strings.Join(strings.Fields(text), " ")
	runes := []rune(title)
	if len(runes) > titleMaxRunes {
		title = string(runes[:titleMaxRunes]) + "..."
	}
	if title == "" {
		title = "New Chat"
	}
	return title
}
