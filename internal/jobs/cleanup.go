package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enduid/enduid-server/internal/config"
	"github.com/enduid/enduid-server/internal/model"
	"github.com/enduid/enduid-server/internal/runstate"
)

type SignRecordPurger interface {
	PurgeThrough(ctx context.Context, date string) (int64, error)
}

// CleanupJob periodically drops old sign records and stale run state.
type CleanupJob struct {
	records  SignRecordPurger
	state    runstate.Store
	loc      *time.Location
	now      func() time.Time
	interval time.Duration
	done     chan struct{}
}

func NewCleanupJob(records SignRecordPurger, state runstate.Store, loc *time.Location, interval time.Duration) *CleanupJob {
	if loc == nil {
		loc = time.Local
	}
	return &CleanupJob{
		records:  records,
		state:    state,
		loc:      loc,
		now:      time.Now,
		interval: interval,
		done:     make(chan struct{}),
	}
}

func (j *CleanupJob) Start() {
	go j.run()
	log.Info().Dur("interval", j.interval).Msg("cleanup job started")
}

func (j *CleanupJob) Stop() {
	close(j.done)
	log.Info().Msg("cleanup job stopped")
}

func (j *CleanupJob) run() {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.cleanup()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.cleanup()
		}
	}
}

func (j *CleanupJob) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	now := j.now().In(j.loc)
	cutoff := model.SignDate(now.AddDate(0, 0, -config.SignRecordRetainDays))
	j.runCleanup(ctx, "sign records", func(ctx context.Context) (int64, error) {
		return j.records.PurgeThrough(ctx, cutoff)
	})
	j.runCleanup(ctx, "stale run state", func(ctx context.Context) (int64, error) {
		return j.discardStaleState(ctx, now)
	})
}

// discardStaleState removes a run state older than the stale limit. A live
// run is left alone.
func (j *CleanupJob) discardStaleState(ctx context.Context, now time.Time) (int64, error) {
	state, err := j.state.Get(ctx)
	if err != nil || state == nil {
		return 0, err
	}
	if !state.IsStale(now, config.RunStateStaleAfter) {
		return 0, nil
	}
	if err := j.state.Clear(ctx); err != nil {
		return 0, err
	}
	return 1, nil
}

func (j *CleanupJob) runCleanup(ctx context.Context, name string, fn func(context.Context) (int64, error)) {
	count, err := fn(ctx)
	if err != nil {
		log.Error().Err(err).Msgf("failed to cleanup %s", name)
	} else if count > 0 {
		log.Info().Int64("count", count).Msgf("cleaned up %s", name)
	}
}
