package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const announcementPushTimeout = 10 * time.Minute

// AnnouncementPusher pushes announcements published since the last check.
type AnnouncementPusher interface {
	PushNew(ctx context.Context) (int, error)
}

// AnnouncementJob polls the announcement feed on a fixed interval.
type AnnouncementJob struct {
	cron   *cron.Cron
	pusher AnnouncementPusher
	spec   string
}

func NewAnnouncementJob(pusher AnnouncementPusher, interval time.Duration) (*AnnouncementJob, error) {
	if interval < time.Minute {
		return nil, fmt.Errorf("announcement check interval %s is below one minute", interval)
	}
	j := &AnnouncementJob{
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pusher: pusher,
		spec:   "@every " + interval.String(),
	}
	if _, err := j.cron.AddFunc(j.spec, j.check); err != nil {
		return nil, fmt.Errorf("schedule announcement check %q: %w", j.spec, err)
	}
	return j, nil
}

func (j *AnnouncementJob) Start() {
	j.cron.Start()
	log.Info().Str("spec", j.spec).Msg("announcement job started")
}

func (j *AnnouncementJob) Stop() {
	<-j.cron.Stop().Done()
	log.Info().Msg("announcement job stopped")
}

func (j *AnnouncementJob) check() {
	ctx, cancel := context.WithTimeout(context.Background(), announcementPushTimeout)
	defer cancel()

	pushed, err := j.pusher.PushNew(ctx)
	if err != nil {
		log.Error().Err(err).Msg("announcement check failed")
		return
	}
	if pushed > 0 {
		log.Info().Int("count", pushed).Msg("new announcements pushed")
	}
}
