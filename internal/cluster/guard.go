// Package cluster provides the cluster-wide execution claim used to run a
// scheduled tenant sync at most once per day across all nodes.
package cluster

import (
	"context"
	"crypto/tls"
	"os"
	"time"

	"idsync_backend/platform/config"

	"github.com/redis/go-redis/v9"
)

// Guard claims a task key cluster-wide. At most one caller wins a key
// until its TTL expires.
type Guard interface {
	TryClaim(ctx context.Context, taskKey string, ttl time.Duration) (bool, error)
}

// RedisGuard implements Guard with SET NX EX. The stored value is the
// claiming hostname, useful when tracing which node ran a sync.
type RedisGuard struct {
	client *redis.Client
	holder string
}

func NewRedisGuard(client *redis.Client) *RedisGuard {
	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "unknown"
	}
	return &RedisGuard{client: client, holder: holder}
}

func (g *RedisGuard) TryClaim(ctx context.Context, taskKey string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, taskKey, g.holder, ttl).Result()
}

// NewRedisClient builds a Redis client from the configured URL, honoring
// the TLS-insecure override used in some managed environments.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, err
	}

	if opt.TLSConfig != nil {
		clone := opt.TLSConfig.Clone()
		if cfg.GetRedisTLSInsecure() {
			clone.InsecureSkipVerify = true
		}
		opt.TLSConfig = clone
	} else if cfg.GetRedisTLSInsecure() {
		opt.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return redis.NewClient(opt), nil
}
