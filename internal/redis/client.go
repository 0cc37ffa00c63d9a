package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type Client struct {
	*redis.Client
}

func NewClient(redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Client{client}, nil
}

func (c *Client) Close() error {
	return c.Client.Close()
}

const RunStateKey = "enduid:signing_state"

// SignStatusKey holds the per-day check-in counters hash.
func SignStatusKey(date string) string {
	return fmt.Sprintf("enduid:sign_status:%s", date)
}

func CommandLimitKey(botID, userID string) string {
	return fmt.Sprintf("cmd:%s:%s", botID, userID)
}

// Announcement keys: subscribed groups (hash group -> bot), announcement ids
// already known to the pusher (set) and the last listing (ids, JSON).
const (
	AnnSubscribersKey = "enduid:ann:subscribers"
	AnnSeenKey        = "enduid:ann:seen"
	AnnListKey        = "enduid:ann:list"
)
