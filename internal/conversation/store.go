// Package conversation owns chat and message rows. Messages are an
// append-only log with 1-based, gapless ranks per chat; all writes go through
// this store so the rank invariant has a single enforcement point.
package conversation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"chatgrid/internal/apperr"
	"chatgrid/internal/models"
)

// Store persists chats and their ordered messages.
type Store struct {
	db *sql.DB

	mu        sync.Mutex
	chatLocks map[int64]*chatLock
}

// chatLock serializes appends to one chat. The refcount lets idle entries be
// dropped from the map once the last appender releases.
type chatLock struct {
	mu   sync.Mutex
	refs int
}

// NewStore builds a conversation store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db, chatLocks: make(map[int64]*chatLock)}
}

func (s *Store) lockChat(chatID int64) func() {
	s.mu.Lock()
	cl, ok := s.chatLocks[chatID]
	if !ok {
		cl = &chatLock{}
		s.chatLocks[chatID] = cl
	}
	cl.refs++
	s.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		s.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(s.chatLocks, chatID)
		}
		s.mu.Unlock()
	}
}

// CreateChat inserts a new chat for the given user and model.
func (s *Store) CreateChat(ctx context.Context, userID, modelID int64, title string, limit int) (*models.Chat, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if limit <= 0 {
		return nil, errors.New("message limit must be positive")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO chats (user_id, model_id, title, message_limit, created_at) VALUES (?, ?, ?, ?, ?)`,
		userID, modelID, title, limit, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("chat id: %w", err)
	}
	return &models.Chat{ID: id, UserID: userID, ModelID: modelID, Title: title, MessageLimit: limit, CreatedAt: now}, nil
}

// GetChat returns one chat owned by the user.
func (s *Store) GetChat(ctx context.Context, userID, chatID int64) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model_id, title, message_limit, created_at FROM chats WHERE id = ? AND user_id = ?`,
		chatID, userID,
	).Scan(&chat.ID, &chat.UserID, &chat.ModelID, &chat.Title, &chat.MessageLimit, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "chat %d not found", chatID)
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &chat, nil
}

// GetChatByID returns a chat regardless of owner, for admin operations.
func (s *Store) GetChatByID(ctx context.Context, chatID int64) (*models.Chat, error) {
	var chat models.Chat
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, model_id, title, message_limit, created_at FROM chats WHERE id = ?`,
		chatID,
	).Scan(&chat.ID, &chat.UserID, &chat.ModelID, &chat.Title, &chat.MessageLimit, &chat.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.New(apperr.NotFound, "chat %d not found", chatID)
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return &chat, nil
}

// ListChats returns all chats for a user, newest first.
func (s *Store) ListChats(ctx context.Context, userID int64) ([]models.Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, model_id, title, message_limit, created_at FROM chats WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()

	var chats []models.Chat
	for rows.Next() {
		var c models.Chat
		if err := rows.Scan(&c.ID, &c.UserID, &c.ModelID, &c.Title, &c.MessageLimit, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat: %w", err)
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

// ListMessages returns the chat's full history ordered by rank.
func (s *Store) ListMessages(ctx context.Context, chatID int64) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, chat_id, `rank`, role, content, created_at FROM messages WHERE chat_id = ? ORDER BY `rank` ASC",
		chatID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Rank, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// CountMessages returns the number of messages stored for the chat.
func (s *Store) CountMessages(ctx context.Context, chatID int64) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

// Append stores a single message at the next rank. Appends to the same chat
// are serialized by a chat-scoped lock.
func (s *Store) Append(ctx context.Context, chatID int64, role models.Role, content string) (int, error) {
	unlock := s.lockChat(chatID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	count, err := countInTx(ctx, tx, chatID)
	if err != nil {
		return 0, err
	}
	rank := count + 1
	if err := insertMessage(ctx, tx, chatID, rank, role, content); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		if isDuplicateRank(err) {
			return 0, apperr.Wrap(apperr.Conflict, err, "concurrent append to chat %d", chatID)
		}
		return 0, fmt.Errorf("commit append: %w", err)
	}
	return rank, nil
}

// AppendPair stores a user turn and its assistant reply as two consecutive
// ranks in one transaction. Appends to the same chat queue behind the
// chat-scoped lock, so concurrent submissions land as adjacent pairs with no
// duplicated or skipped ranks. The message count and limit are re-checked
// inside the transaction: a racing submission that consumed the last slots
// surfaces as LimitReached with nothing written.
func (s *Store) AppendPair(ctx context.Context, chatID int64, limit int, userText, assistantText string) (int, int, error) {
	unlock := s.lockChat(chatID)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	count, err := countInTx(ctx, tx, chatID)
	if err != nil {
		return 0, 0, err
	}
	if limit > 0 && count >= limit {
		return 0, 0, apperr.New(apperr.LimitReached, "chat %d reached its limit of %d messages", chatID, limit)
	}

	userRank := count + 1
	assistantRank := count + 2
	if err := insertMessage(ctx, tx, chatID, userRank, models.RoleUser, userText); err != nil {
		return 0, 0, err
	}
	if err := insertMessage(ctx, tx, chatID, assistantRank, models.RoleAssistant, assistantText); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		if isDuplicateRank(err) {
			return 0, 0, apperr.Wrap(apperr.Conflict, err, "concurrent append to chat %d", chatID)
		}
		return 0, 0, fmt.Errorf("commit append pair: %w", err)
	}
	return userRank, assistantRank, nil
}

// VerifyContinuity re-reads the chat's log and confirms ranks still form a
// gapless 1..count sequence. Used after a paired append before reporting
// success to the caller.
func (s *Store) VerifyContinuity(ctx context.Context, chatID int64) error {
	var count int
	var maxRank sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*), MAX(`rank`) FROM messages WHERE chat_id = ?", chatID,
	).Scan(&count, &maxRank)
	if err != nil {
		return fmt.Errorf("verify continuity: %w", err)
	}
	if count == 0 {
		return nil
	}
	if !maxRank.Valid || maxRank.Int64 != int64(count) {
		return fmt.Errorf("chat %d rank sequence broken: %d messages, max rank %d", chatID, count, maxRank.Int64)
	}
	return nil
}

// SetLimit overrides the chat's message limit. Values below the current
// message count are allowed and push the chat into its limited state.
func (s *Store) SetLimit(ctx context.Context, chatID int64, limit int) error {
	if limit < 0 {
		return errors.New("limit cannot be negative")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE chats SET message_limit = ? WHERE id = ?`, limit, chatID,
	)
	if err != nil {
		return fmt.Errorf("set chat limit: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.NotFound, "chat %d not found", chatID)
	}
	return nil
}

// DeleteChat removes a chat and all related messages for the user.
func (s *Store) DeleteChat(ctx context.Context, userID, chatID int64) error {
	if chatID <= 0 {
		return errors.New("invalid chat id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_id = ?`, chatID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ? AND user_id = ?`, chatID, userID)
	if err != nil {
		return fmt.Errorf("delete chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("chat rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.NotFound, "chat %d not found", chatID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete chat: %w", err)
	}
	return nil
}

// ModelReferenced reports whether any chat is bound to the model.
func (s *Store) ModelReferenced(ctx context.Context, modelID int64) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM chats WHERE model_id = ?)`, modelID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("check model references: %w", err)
	}
	return exists, nil
}

const defaultLimitKey = "default_chat_limit"

// DefaultLimit reads the configured default chat limit from settings, falling
// back to the supplied value when unset.
func (s *Store) DefaultLimit(ctx context.Context, fallback int) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM settings WHERE `key` = ?", defaultLimitKey,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fallback, nil
		}
		return 0, fmt.Errorf("read default limit: %w", err)
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return fallback, nil
	}
	return limit, nil
}

// SetDefaultLimit stores the default limit applied to chats created from now
// on. Existing chats keep their limit.
func (s *Store) SetDefaultLimit(ctx context.Context, limit int) error {
	if limit <= 0 {
		return errors.New("default limit must be positive")
	}
	raw := strconv.Itoa(limit)
	res, err := s.db.ExecContext(ctx,
		"UPDATE settings SET value = ? WHERE `key` = ?", raw, defaultLimitKey)
	if err != nil {
		return fmt.Errorf("update default limit: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		if _, err := s.db.ExecContext(ctx,
			"INSERT INTO settings (`key`, value) VALUES (?, ?)", defaultLimitKey, raw); err != nil {
			return fmt.Errorf("insert default limit: %w", err)
		}
	}
	return nil
}

func countInTx(ctx context.Context, tx *sql.Tx, chatID int64) (int, error) {
	var count int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE chat_id = ?`, chatID,
	).Scan(&count); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}

func insertMessage(ctx context.Context, tx *sql.Tx, chatID int64, rank int, role models.Role, content string) error {
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (chat_id, `rank`, role, content, created_at) VALUES (?, ?, ?, ?, ?)",
		chatID, rank, role, content, time.Now().UTC(),
	); err != nil {
		if isDuplicateRank(err) {
			return apperr.Wrap(apperr.Conflict, err, "concurrent append to chat %d", chatID)
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// isDuplicateRank matches the unique-constraint violations sqlite and mysql
// raise when two appends race to the same rank.
func isDuplicateRank(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}
