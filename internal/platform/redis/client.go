// Package redis connects the engine to its shared cache. Redis backs the
// checkpoint store and the queue's in-flight markers, so both binaries need
// the same client configuration.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"dsrd/internal/platform/config"
)

// Client wraps the go-redis client so callers can health-check it without
// knowing the underlying library.
type Client struct {
	*redis.Client
}

// New connects and pings. A nil, nil return means Redis is not configured;
// the composition root decides whether that is fatal.
func New(cfg config.RedisConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}

	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Client{Client: client}, nil
}

// Health reports whether the connection still answers.
func (c *Client) Health(ctx context.Context) error {
	return c.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.Client.Close()
}
