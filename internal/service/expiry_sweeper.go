package service

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"github.com/rs/zerolog"

	"github.com/noah-isme/threadline/internal/observability"
	"github.com/noah-isme/threadline/internal/repository"
)

const (
	defaultExpiryCron = "* * * * *"
	sweepRetryDelay   = 30 * time.Second
)

// ExpirySweeper tombstones disappearing messages once their lifetime is over.
// Reads already hide expired messages; the sweeper clears their bodies at rest.
type ExpirySweeper struct {
	repo   repository.MessageRepository
	cron   string
	now    func() time.Time
	logger zerolog.Logger
}

// NewExpirySweeper validates the cron expression and builds a sweeper.
func NewExpirySweeper(repo repository.MessageRepository, cronExpr string, logger zerolog.Logger) (*ExpirySweeper, error) {
	if cronExpr == "" {
		cronExpr = defaultExpiryCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid expiry cron expression: %s", cronExpr)
	}
	return &ExpirySweeper{
		repo:   repo,
		cron:   cronExpr,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "expiry_sweeper").Logger(),
	}, nil
}

// RunOnce expires every message whose deadline has passed and reports how many changed.
func (s *ExpirySweeper) RunOnce(ctx context.Context) (int64, error) {
	expired, err := s.repo.ExpireDue(ctx, s.now())
	if err != nil {
		return 0, classify(err, "message")
	}
	if expired > 0 {
		observability.ExpiredMessages().Add(float64(expired))
		s.logger.Info().Int64("expired", expired).Msg("expired disappearing messages")
	}
	return expired, nil
}

// Start runs the sweeper on its schedule until ctx is done.
func (s *ExpirySweeper) Start(ctx context.Context) {
	s.logger.Info().Str("cron", s.cron).Msg("expiry sweeper started")
	go s.loop(ctx)
}

func (s *ExpirySweeper) loop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(s.cron, s.now(), false)
		wait := time.Until(next)
		if err != nil {
			s.logger.Error().Err(err).Str("cron", s.cron).Msg("failed to compute next sweep")
			wait = sweepRetryDelay
		}
		if wait < time.Second {
			wait = time.Second
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info().Msg("expiry sweeper stopping")
			return
		case <-timer.C:
		}
		if err != nil {
			continue
		}
		if _, err := s.RunOnce(ctx); err != nil {
			s.logger.Error().Err(err).Msg("expiry sweep failed")
		}
	}
}
