package connection

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultKeepAliveInterval is how often KeepAlive checks the token.
const DefaultKeepAliveInterval = 5 * time.Minute

// KeepAlive periodically checks the connection so tokens entering the
// refresh window are refreshed before a collaborator needs them. It returns
// when ctx is done.
func (s *Service) KeepAlive(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}

	check := func() {
		st := s.Status(ctx)
		log.Debug().Str("state", st.State.String()).Time("expiresAt", st.ExpiresAt).Msg("connection keep-alive check")
	}

	// Run immediately on startup
	check()

	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("stopping connection keep-alive")
			return ctx.Err()
		case <-ticker.Chan():
			check()
		}
	}
}
