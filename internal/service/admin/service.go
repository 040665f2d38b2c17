// Package admin implements the moderation surface: ban state, chat limits,
// and usage aggregates.
package admin

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/conversation"
	"chatgrid/internal/redis"
)

// Service exposes admin operations.
type Service struct {
	db    *sql.DB
	convs *conversation.Store
	cache *redis.Client
}

// NewService wires the admin surface. cache may be nil.
func NewService(db *sql.DB, convs *conversation.Store, cache *redis.Client) *Service {
	return &Service{db: db, convs: convs, cache: cache}
}

// Ban flags the user. Existing tokens stay in place; the orchestrator's
// authorization gate rejects them on next use.
func (s *Service) Ban(ctx context.Context, userID int64) error {
	return s.setBanned(ctx, userID, true)
}

// Unban clears the flag.
func (s *Service) Unban(ctx context.Context, userID int64) error {
	return s.setBanned(ctx, userID, false)
}

func (s *Service) setBanned(ctx context.Context, userID int64, banned bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET banned = ? WHERE id = ?`, banned, userID)
	if err != nil {
		return fmt.Errorf("set ban flag: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("user rows affected: %w", err)
	}
	if affected == 0 {
		return apperr.New(apperr.NotFound, "user %d not found", userID)
	}
	return nil
}

// SetChatLimit overrides one chat's message limit. A value below the current
// message count is allowed and immediately blocks further submissions.
func (s *Service) SetChatLimit(ctx context.Context, chatID int64, limit int) error {
	return s.convs.SetLimit(ctx, chatID, limit)
}

// SetDefaultLimit changes the limit applied to chats created from now on.
func (s *Service) SetDefaultLimit(ctx context.Context, limit int) error {
	return s.convs.SetDefaultLimit(ctx, limit)
}

// DayCount is one day's message volume.
type DayCount struct {
	Day   string `json:"day"`
	Count int    `json:"count"`
}

// UsageReport aggregates service activity. Read-only.
type UsageReport struct {
	MessagesPerDay []DayCount `json:"messages_per_day"`
	ActiveChats    int        `json:"active_chats"`
	ActiveUsers    int        `json:"active_users"`
	MessagesToday  int64      `json:"messages_today,omitempty"`
}

// ListUsage reports message volume for the last seven days, the number of
// chats holding at least one message, and the number of users owning such a
// chat. When the cache is up, today's fast counter rides along.
func (s *Service) ListUsage(ctx context.Context) (*UsageReport, error) {
	report := &UsageReport{}
	since := time.Now().UTC().AddDate(0, 0, -7)

	rows, err := s.db.QueryContext(ctx,
		`SELECT DATE(created_at) AS day, COUNT(*)
		 FROM messages WHERE created_at >= ?
		 GROUP BY DATE(created_at) ORDER BY day DESC`, since)
	if err != nil {
		return nil, fmt.Errorf("messages per day: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var dc DayCount
		if err := rows.Scan(&dc.Day, &dc.Count); err != nil {
			return nil, fmt.Errorf("scan day count: %w", err)
		}
		report.MessagesPerDay = append(report.MessagesPerDay, dc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT chat_id) FROM messages`,
	).Scan(&report.ActiveChats); err != nil {
		return nil, fmt.Errorf("active chats: %w", err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT c.user_id) FROM chats c
		 WHERE EXISTS(SELECT 1 FROM messages m WHERE m.chat_id = c.id)`,
	).Scan(&report.ActiveUsers); err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}

	if s.cache != nil {
		key := fmt.Sprintf("usage:messages:%s", time.Now().UTC().Format("2006-01-02"))
		if raw, err := s.cache.Get(ctx, key); err == nil {
			var n int64
			if _, scanErr := fmt.Sscan(raw, &n); scanErr == nil {
				report.MessagesToday = n
			}
		} else if err != redis.ErrCacheMiss && err != redis.ErrUnavailable {
			log.Warn().Err(err).Msg("read usage counter")
		}
	}
	return report, nil
}
