package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

type expirySweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// Sweeper runs SweepExpired on a fixed interval until its context ends.
type Sweeper struct {
	target   expirySweeper
	interval time.Duration
	logger   zerolog.Logger
}

func NewSweeper(target expirySweeper, interval time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Second
	}
	return &Sweeper{target: target, interval: interval, logger: logger}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.interval).Msg("reservation sweeper started")
	for {
		select {
		case <-ticker.C:
			n, err := s.target.SweepExpired(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("sweep failed")
				continue
			}
			if n > 0 {
				s.logger.Debug().Int("expired", n).Msg("sweep finished")
			}
		case <-ctx.Done():
			s.logger.Info().Msg("reservation sweeper stopped")
			return
		}
	}
}
