// Package cache tells read-side consumers that a service changed.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Notice is published after a service change commits.
type Notice struct {
	ServiceID string    `json:"service_id"`
	Event     string    `json:"event"`
	Version   int64     `json:"version"`
	At        time.Time `json:"at"`
}

type Invalidator interface {
	Invalidate(ctx context.Context, n Notice)
}

// Nop discards notices.
type Nop struct{}

func (Nop) Invalidate(context.Context, Notice) {}

// RedisPublisher publishes notices on a pub/sub channel and keeps the latest
// version of each service under a short-lived key.
type RedisPublisher struct {
	Client  *redis.Client
	Channel string
	TTL     time.Duration
	Logger  *zap.Logger
}

func NewRedisClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{Addr: addr})
}

func VersionKey(serviceID string) string {
	return "custodia:service:" + serviceID + ":version"
}

// Invalidate never fails the caller; publish errors are logged.
func (p RedisPublisher) Invalidate(ctx context.Context, n Notice) {
	logger := p.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx = context.WithoutCancel(ctx)
	data, err := json.Marshal(n)
	if err != nil {
		logger.Warn("encode cache notice", zap.Error(err))
		return
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	pipe := p.Client.TxPipeline()
	pipe.Set(ctx, VersionKey(n.ServiceID), n.Version, ttl)
	pipe.Publish(ctx, p.Channel, data)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Warn("cache invalidation failed",
			zap.String("service_id", n.ServiceID),
			zap.String("event", n.Event),
			zap.Error(err))
	}
}
