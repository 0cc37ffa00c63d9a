package service

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enduid/enduid-server/internal/model"
	appredis "github.com/enduid/enduid-server/internal/redis"
)

const statusRetention = 3 * 24 * time.Hour

// SignCounts aggregates check-in outcomes.
type SignCounts struct {
	Success int `json:"success"`
	Signed  int `json:"signed"`
	Fail    int `json:"fail"`
	Skipped int `json:"skipped"`
}

// Add returns c with one more outcome of the given status.
func (c SignCounts) Add(status model.SignStatus) SignCounts {
	switch status {
	case model.SignStatusSuccess:
		c.Success++
	case model.SignStatusSigned:
		c.Signed++
	default:
		c.Fail++
	}
	return c
}

func (c SignCounts) Attempted() int {
	return c.Success + c.Signed + c.Fail
}

// StatusRecorder accumulates per-day counters.
type StatusRecorder interface {
	Record(ctx context.Context, at time.Time, counts SignCounts) error
}

// StatusService keeps per-day check-in counters in a Redis hash.
type StatusService struct {
	client redis.Cmdable
}

func NewStatusService(client redis.Cmdable) *StatusService {
	return &StatusService{client: client}
}

func (s *StatusService) Record(ctx context.Context, at time.Time, counts SignCounts) error {
	key := appredis.SignStatusKey(model.SignDate(at))

	pipe := s.client.TxPipeline()
	for field, n := range map[string]int{
		"success": counts.Success,
		"signed":  counts.Signed,
		"fail":    counts.Fail,
		"skipped": counts.Skipped,
	} {
		if n != 0 {
			pipe.HIncrBy(ctx, key, field, int64(n))
		}
	}
	pipe.Expire(ctx, key, statusRetention)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("record sign status: %w", err)
	}
	return nil
}

func (s *StatusService) Day(ctx context.Context, date string) (SignCounts, error) {
	fields, err := s.client.HGetAll(ctx, appredis.SignStatusKey(date)).Result()
	if err != nil {
		return SignCounts{}, fmt.Errorf("load sign status: %w", err)
	}

	var c SignCounts
	c.Success = atoi(fields["success"])
	c.Signed = atoi(fields["signed"])
	c.Fail = atoi(fields["fail"])
	c.Skipped = atoi(fields["skipped"])
	return c, nil
}

// Snapshot returns the counters of the day containing now and the day before.
func (s *StatusService) Snapshot(ctx context.Context, now time.Time) (today, yesterday SignCounts, err error) {
	today, err = s.Day(ctx, model.SignDate(now))
	if err != nil {
		return
	}
	yesterday, err = s.Day(ctx, model.SignDate(now.AddDate(0, 0, -1)))
	return
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
