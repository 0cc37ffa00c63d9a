package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/config"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
)

// BatchRunner runs a full check-in batch synchronously.
type BatchRunner interface {
	RunNow(ctx context.Context, kind model.RunKind) (*RunSummary, error)
}

// SignScheduler triggers the daily automatic check-in.
type SignScheduler struct {
	cron   *cron.Cron
	runner BatchRunner
	spec   string
}

func NewSignScheduler(runner BatchRunner, hour, minute int, loc *time.Location) (*SignScheduler, error) {
	s := &SignScheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		runner: runner,
		spec:   fmt.Sprintf("%d %d * * *", minute, hour),
	}
	if _, err := s.cron.AddFunc(s.spec, s.fire); err != nil {
		return nil, fmt.Errorf("schedule check-in %q: %w", s.spec, err)
	}
	return s, nil
}

func (s *SignScheduler) Start() {
	s.cron.Start()
	log.Info().Str("spec", s.spec).Time("next", s.Next()).Msg("check-in scheduler started")
}

// Stop halts the scheduler and waits for a firing run to return.
func (s *SignScheduler) Stop() {
	<-s.cron.Stop().Done()
	log.Info().Msg("check-in scheduler stopped")
}

// Next returns the next scheduled firing, or the zero time before Start.
func (s *SignScheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *SignScheduler) fire() {
	ctx, cancel := context.WithTimeout(context.Background(), config.SignRunTimeout)
	defer cancel()

	log.Info().Msg("scheduled check-in triggered")
	summary, err := s.runner.RunNow(ctx, model.RunKindAuto)
	switch {
	case apperrors.HasCode(err, apperrors.ErrCodeAlreadyRunning):
		log.Warn().Msg("scheduled check-in skipped: a run is already in progress")
	case err != nil:
		log.Error().Err(err).Msg("scheduled check-in failed")
	default:
		log.Info().Str("run", summary.ID).Msg("scheduled check-in finished")
	}
}
