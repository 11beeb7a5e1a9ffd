package shardkeeper

import (
	"context"
	"fmt"
	"github.com/redis/go-redis/v9"
	"time"
)

const redisPingTimeout = 3 * time.Second

// RedisClient is the subset of redis commands used for bucket leases
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
	Close() error
}

// NewRedisClient connects to a standalone, sentinel or cluster deployment,
// depending on the addresses given, and verifies the connection.
func NewRedisClient(ctx context.Context, config *RedisConfig) (redis.UniversalClient, error) {
	if !config.Enabled() {
		return nil, fmt.Errorf("%w: redis addrs are empty", ErrConfigInvalid)
	}
	client := redis.NewUniversalClient(
		&redis.UniversalOptions{
			Addrs:    config.Addrs,
			Password: config.Password,
		},
	)

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
