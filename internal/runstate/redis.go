package runstate

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/enduid/enduid-server/internal/config"
	apperrors "github.com/enduid/enduid-server/internal/errors"
	"github.com/enduid/enduid-server/internal/model"
	appredis "github.com/enduid/enduid-server/internal/redis"
)

// RedisStore keeps the marker under a single key created with SET NX, so
// concurrent acquirers across processes see exactly one winner. The key
// expires on its own once the marker would be stale.
type RedisStore struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable) *RedisStore {
	return &RedisStore{client: client, key: appredis.RunStateKey, ttl: config.RunStateStaleAfter}
}

func (s *RedisStore) Acquire(ctx context.Context, state model.RunState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	ok, err := s.client.SetNX(ctx, s.key, raw, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("acquire run state: %w", err)
	}
	if !ok {
		return apperrors.AlreadyRunning()
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context) (*model.RunState, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if stderrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run state: %w", err)
	}

	var state model.RunState
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode run state: %w", err)
	}
	return &state, nil
}

func (s *RedisStore) Progress(ctx context.Context, total, completed int, now time.Time) error {
	state, err := s.Get(ctx)
	if err != nil || state == nil {
		return err
	}
	state.Total = total
	state.Completed = completed
	state.UpdateTime = now.Format(model.RunStateTimeLayout)

	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	// XX keeps a concurrently cleared marker cleared.
	err = s.client.SetArgs(ctx, s.key, raw, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if err != nil && !stderrors.Is(err, redis.Nil) {
		return fmt.Errorf("update run state: %w", err)
	}
	return nil
}

func (s *RedisStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("clear run state: %w", err)
	}
	return nil
}
