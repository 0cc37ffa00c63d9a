package service

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	appredis "github.com/enduid/enduid-server/internal/redis"
)

// rateLimitScript is a sliding window over a sorted set of request times.
var rateLimitScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

local windowStart = now - window

redis.call('ZREMRANGEBYSCORE', key, '-inf', windowStart)

local count = redis.call('ZCARD', key)

if count >= limit then
    local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
    local resetAt = 0
    if #oldest >= 2 then
        resetAt = tonumber(oldest[2]) + window
    else
        resetAt = now + window
    end
    return {0, resetAt}
end

redis.call('ZADD', key, now, now .. '-' .. math.random())
redis.call('EXPIRE', key, window + 10)

local resetAt = now + window
return {1, resetAt}
`)

// CommandLimiter throttles chat commands per (bot, user).
type CommandLimiter struct {
	client redis.Scripter
	limit  int
	window time.Duration
}

func NewCommandLimiter(client redis.Scripter, limit int, window time.Duration) *CommandLimiter {
	return &CommandLimiter{client: client, limit: limit, window: window}
}

// Allow reports whether the user may run another command. A limit of zero or
// less disables throttling. Redis failures let the command through.
func (l *CommandLimiter) Allow(ctx context.Context, botID, userID string) (allowed bool, resetAt time.Time) {
	if l.limit <= 0 {
		return true, time.Time{}
	}

	now := time.Now().Unix()
	key := appredis.CommandLimitKey(botID, userID)

	result, err := rateLimitScript.Run(
		ctx,
		l.client,
		[]string{key},
		now,
		int64(l.window.Seconds()),
		l.limit,
	).Int64Slice()

	if err != nil {
		log.Warn().
			Err(err).
			Str("botId", botID).
			Str("userId", userID).
			Msg("command rate limit check failed, allowing command")
		return true, time.Now().Add(l.window)
	}

	if len(result) != 2 {
		log.Warn().Str("userId", userID).Msg("unexpected rate limit result, allowing command")
		return true, time.Now().Add(l.window)
	}

	return result[0] == 1, time.Unix(result[1], 0)
}
