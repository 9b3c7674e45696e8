package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/abduss/meshdrop/internal/config"
	"github.com/redis/go-redis/v9"
)

const defaultRedisTimeout = 5 * time.Second

// NewRedisClient connects to Redis and verifies the connection with PING.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	opts := &redis.Options{
		Addr:            cfg.Address(),
		DB:              cfg.DB,
		PoolSize:        cfg.PoolSize,
		ConnMaxLifetime: time.Hour,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, defaultRedisTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return client, nil
}
