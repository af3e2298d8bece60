package bootstrap

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/akriventsev/shopflow/framework/adapters/messagebus"
	"github.com/akriventsev/shopflow/framework/core"
)

// redisClient клиент go-redis как lifecycle компонент
type redisClient struct {
	client  *redis.Client
	running bool
	mu      sync.RWMutex
}

func newRedisClient(cfg messagebus.RedisConfig) *redisClient {
	return &redisClient{client: redis.NewClient(&redis.Options{
		Addr:       cfg.Addr,
		Password:   cfg.Password,
		DB:         cfg.DB,
		PoolSize:   cfg.PoolSize,
		MaxRetries: cfg.MaxRetries,
	})}
}

func (r *redisClient) Start(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return core.Transient(err, "failed to connect to redis")
	}
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	return nil
}

func (r *redisClient) Stop(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil
	}
	r.running = false
	return r.client.Close()
}

func (r *redisClient) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *redisClient) Name() string { return "redis-client" }

func (r *redisClient) Type() core.ComponentType { return core.ComponentTypeStore }

func (r *redisClient) HealthCheck(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
