package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"chatgrid/internal/apperr"
	"chatgrid/internal/redis"
)

const (
	tokenCachePrefix = "auth:token:"
	tokenCacheTTL    = 5 * time.Minute
)

// Service issues, validates, and revokes session tokens. Tokens carry a
// sliding validity window: Verify renews the expiry once more than half the
// window has been consumed, so the common path stays read-only.
type Service struct {
	db             *sql.DB
	cache          *redis.Client
	tokenTTL       time.Duration
	cookieName     string
	headerName     string
	csrfCookieName string
	csrfHeaderName string
}

// NewService constructs an auth service with the supplied token lifetime.
// cache may be nil; token lookups then always hit the database.
func NewService(db *sql.DB, cache *redis.Client, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Service{
		db:             db,
		cache:          cache,
		tokenTTL:       ttl,
		cookieName:     "auth_token",
		headerName:     "Authorization",
		csrfCookieName: "csrf_token",
		csrfHeaderName: "X-CSRF-Token",
	}
}

// IssueToken mints a new random token for the user and persists it.
func (s *Service) IssueToken(ctx context.Context, userID int64) (string, time.Time, error) {
	if userID <= 0 {
		return "", time.Time{}, errors.New("invalid user id")
	}
	now := time.Now().UTC()
	expiresAt := now.Add(s.tokenTTL)
	for i := 0; i < 5; i++ {
		token, err := generateToken()
		if err != nil {
			return "", time.Time{}, err
		}
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO user_tokens (token, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)`,
			token, userID, now, expiresAt,
		)
		if err == nil {
			return token, expiresAt, nil
		}
		if !isDuplicateToken(err) {
			return "", time.Time{}, fmt.Errorf("insert token: %w", err)
		}
	}
	return "", time.Time{}, errors.New("token collision persisted after retries")
}

// isDuplicateToken matches the unique-constraint violations sqlite and mysql
// raise when a freshly generated token already exists.
func isDuplicateToken(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "Duplicate entry")
}

// Verify confirms the token exists and has not expired, returning the user id.
// A token past the midpoint of its window gets its expiry renewed in place.
func (s *Service) Verify(ctx context.Context, authToken string) (int64, error) {
	if authToken == "" {
		return 0, apperr.New(apperr.Unauthorized, "token required")
	}

	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, tokenCachePrefix+authToken); err == nil {
			if userID, err := strconv.ParseInt(cached, 10, 64); err == nil && userID > 0 {
				return userID, nil
			}
		}
	}

	var userID int64
	var expires time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, expires_at FROM user_tokens WHERE token = ?`, authToken,
	).Scan(&userID, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, apperr.New(apperr.Unauthorized, "invalid token")
		}
		return 0, fmt.Errorf("lookup token: %w", err)
	}
	now := time.Now().UTC()
	if now.After(expires) {
		_, _ = s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken)
		return 0, apperr.New(apperr.Unauthorized, "token expired")
	}
	if expires.Sub(now) < s.tokenTTL/2 {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE user_tokens SET expires_at = ? WHERE token = ?`,
			now.Add(s.tokenTTL), authToken,
		); err != nil {
			log.Warn().Err(err).Msg("renew token expiry")
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, tokenCachePrefix+authToken, strconv.FormatInt(userID, 10), tokenCacheTTL); err != nil {
			log.Warn().Err(err).Msg("cache token")
		}
	}
	return userID, nil
}

// Refresh re-issues a fresh token for the same user and revokes the old one.
func (s *Service) Refresh(ctx context.Context, authToken string) (string, time.Time, error) {
	userID, err := s.Verify(ctx, authToken)
	if err != nil {
		return "", time.Time{}, err
	}
	token, expiresAt, err := s.IssueToken(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	if err := s.RevokeToken(ctx, authToken); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// RevokeToken deletes a single token.
func (s *Service) RevokeToken(ctx context.Context, authToken string) error {
	if authToken == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE token = ?`, authToken); err != nil {
		return fmt.Errorf("revoke token: %w", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, tokenCachePrefix+authToken)
	}
	return nil
}

// RevokeUserTokens removes all tokens belonging to the user. The cache entries
// age out on their own short TTL.
func (s *Service) RevokeUserTokens(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_tokens WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("revoke user tokens: %w", err)
	}
	return nil
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewCSRFToken returns a random token used for CSRF protection.
func (s *Service) NewCSRFToken() (string, error) {
	return generateToken()
}

// AuthCookieName returns the cookie name storing auth tokens.
func (s *Service) AuthCookieName() string {
	return s.cookieName
}

// CSRFCookieName returns the cookie used for CSRF tokens.
func (s *Service) CSRFCookieName() string {
	return s.csrfCookieName
}

// CSRFHeaderName returns the CSRF header name.
func (s *Service) CSRFHeaderName() string {
	return s.csrfHeaderName
}

// TokenTTL reports the configured token lifetime.
func (s *Service) TokenTTL() time.Duration {
	return s.tokenTTL
}
