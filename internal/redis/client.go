// Package redis mirrors relay presence into Redis so other processes can read
// the online set and the latest status snapshot.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mossy-p/webrtc-roulette/config"
	"github.com/mossy-p/webrtc-roulette/internal/models"
)

const (
	onlineKey = "presence:online"
	statsKey  = "presence:stats"
)

// Presence receives connection lifecycle and status updates
type Presence interface {
	Join(ctx context.Context, sessionID string) error
	Leave(ctx context.Context, sessionID string) error
	PublishStats(ctx context.Context, stats models.Stats) error
	Close() error
}

// Noop is used when no Redis instance is configured
type Noop struct{}

func (Noop) Join(context.Context, string) error                { return nil }
func (Noop) Leave(context.Context, string) error               { return nil }
func (Noop) PublishStats(context.Context, models.Stats) error { return nil }
func (Noop) Close() error                                      { return nil }

type Client struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes the Redis client and checks that the server answers
func Connect(ctx context.Context, cfg config.RedisConfig) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Client{client: client, ttl: ttl}, nil
}

func (c *Client) Join(ctx context.Context, sessionID string) error {
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, onlineKey, sessionID)
	pipe.Expire(ctx, onlineKey, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (c *Client) Leave(ctx context.Context, sessionID string) error {
	return c.client.SRem(ctx, onlineKey, sessionID).Err()
}

func (c *Client) PublishStats(ctx context.Context, stats models.Stats) error {
	pipe := c.client.TxPipeline()
	pipe.HSet(ctx, statsKey,
		"onlineCount", stats.OnlineCount,
		"waitingCount", stats.WaitingCount,
		"activeSessionCount", stats.ActiveSessionCount,
	)
	pipe.Expire(ctx, statsKey, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}
