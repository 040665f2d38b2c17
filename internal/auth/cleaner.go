package auth

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

const DefaultSweepInterval = time.Hour

// StartSweeper launches a background loop deleting expired tokens.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	go s.sweepLoop(ctx, interval)
}

func (s *Service) sweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.sweepExpired(ctx); err != nil {
				log.Warn().Err(err).Msg("sweep expired tokens")
			}
		}
	}
}

func (s *Service) sweepExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM user_tokens WHERE expires_at <= ?`, time.Now().UTC())
	return err
}
