// Package redis shares ban state and worker counters between pool processes.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bardlex/poolcore/internal/share"
)

// Client wraps Redis operations for the pool
type Client struct {
	rdb      *redis.Client
	prefix   string
	statsTTL time.Duration
}

// Config holds Redis connection configuration
type Config struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// KeyPrefix namespaces every key, usually the pool id.
	KeyPrefix string
	// StatsTTL expires idle worker counters. Zero keeps them forever.
	StatsTTL time.Duration
}

// NewClient creates a new Redis client and pings the server.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &Client{rdb: rdb, prefix: cfg.KeyPrefix, statsTTL: cfg.StatsTTL}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Health checks Redis connectivity
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) key(parts ...string) string {
	return joinKey(c.prefix, parts...)
}

func joinKey(prefix string, parts ...string) string {
	k := prefix
	for _, p := range parts {
		if k != "" {
			k += ":"
		}
		k += p
	}
	return k
}

// Bans

// PutBan stores a ban that expires on its own at until.
func (c *Client) PutBan(ctx context.Context, addr, reason string, until time.Time) error {
	ttl := time.Until(until)
	if ttl <= 0 {
		return nil
	}
	pipe := c.rdb.TxPipeline()
	k := c.key("ban", addr)
	pipe.HSet(ctx, k, "reason", reason, "until", until.UnixMilli())
	pipe.PExpireAt(ctx, k, until)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store ban for %s: %w", addr, err)
	}
	return nil
}

// BanExpiry returns when the ban on addr ends. ok is false when no ban exists.
func (c *Client) BanExpiry(ctx context.Context, addr string) (time.Time, bool, error) {
	ms, err := c.rdb.HGet(ctx, c.key("ban", addr), "until").Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("failed to read ban for %s: %w", addr, err)
	}
	until := time.UnixMilli(ms)
	if !until.After(time.Now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

// Worker counters

func statsField(s *share.Share) string {
	if s.Worker == "" {
		return s.Miner
	}
	return s.Miner + "." + s.Worker
}

// Submit adds an accepted share to its worker's counters.
func (c *Client) Submit(ctx context.Context, s *share.Share) error {
	k := c.key("worker", s.PoolID, statsField(s))
	pipe := c.rdb.Pipeline()
	pipe.HIncrBy(ctx, k, "shares", 1)
	pipe.HIncrByFloat(ctx, k, "difficulty", s.Difficulty)
	if s.IsBlockCandidate {
		pipe.HIncrBy(ctx, k, "blocks", 1)
	}
	pipe.HSet(ctx, k, "last_share", s.Created.UnixMilli())
	if c.statsTTL > 0 {
		pipe.Expire(ctx, k, c.statsTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update worker counters: %w", err)
	}
	return nil
}
