package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps the standard redis client
type Client struct {
	rdb *redis.Client
}

// NewRedis connects to the Redis server
func NewRedis(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Test the connection (Ping)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Wrap adopts an existing redis client.
func Wrap(rdb *redis.Client) *Client {
	return &Client{rdb: rdb}
}

// Redis exposes the underlying client for commands the wrapper does not cover
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Ping checks the connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}
