package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"scada-monitor/internal/observability/metrics"
)

const (
	defaultRedisPrefix  = "scada"
	redisPublishTimeout = 2 * time.Second
)

// RedisClient is the subset of the go-redis client the publisher needs.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// RedisPublisher mirrors realtime messages onto redis pub/sub channels
// named <prefix>:<channel>.
type RedisPublisher struct {
	client RedisClient
	prefix string
}

// NewRedisPublisher constructs a publisher; an empty prefix means "scada".
func NewRedisPublisher(client RedisClient, prefix string) *RedisPublisher {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisPublisher{client: client, prefix: prefix}
}

// NewRedisClient opens and pings a redis client.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 2,
		MaxRetries:   3,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// Broadcast implements Broadcaster.
func (p *RedisPublisher) Broadcast(ctx context.Context, channel string, msg Message) error {
	if p == nil || p.client == nil {
		return nil
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisPublishTimeout)
	defer cancel()
	if err := p.client.Publish(ctx, p.Channel(channel), data).Err(); err != nil {
		metrics.IncFanoutPublish("redis", metrics.ResultError)
		return err
	}
	metrics.IncFanoutPublish("redis", metrics.ResultSuccess)
	return nil
}

// Channel returns the redis channel name for a realtime channel.
func (p *RedisPublisher) Channel(channel string) string {
	return p.prefix + ":" + channel
}
