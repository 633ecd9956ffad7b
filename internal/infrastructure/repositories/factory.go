package repositories

import (
	"context"
	"time"

	"peercall/internal/core/ports"
	"peercall/internal/infrastructure/reliability"
	"peercall/internal/infrastructure/repositories/memory"
	redisrepo "peercall/internal/infrastructure/repositories/redis"
	"peercall/pkg/circuitbreaker"
	"peercall/pkg/config"
	"peercall/pkg/distributed"
	"peercall/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories with fallback support
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	locks       *distributed.LockManager
	guard       *reliability.StoreGuard
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory connects to Redis when enabled and falls back to
// in-memory stores when it is unreachable.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *RepositoryFactory {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.ClientOptions{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		}, logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			factory.locks = distributed.NewLockManager(client, redisrepo.KeyPrefix+"lock:", cfg.Redis.LockTTL, cfg.Redis.LockWait)

			breaker := circuitbreaker.DefaultConfig()
			breaker.FailureThreshold = cfg.Redis.BreakerThreshold
			if cfg.Redis.BreakerCooldown > 0 {
				breaker.Timeout = cfg.Redis.BreakerCooldown
			}
			reads := retry.DefaultConfig()
			reads.MaxAttempts = 2
			reads.MaxDelay = 500 * time.Millisecond
			factory.guard = reliability.NewStoreGuard(breaker, reads, logger.Named("store-guard"))
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory
}

// UsesRedis reports whether the Redis connection is in use.
func (f *RepositoryFactory) UsesRedis() bool {
	return f.useRedis && f.redisClient != nil
}

// RedisClient returns the shared client, or nil when running on memory.
func (f *RepositoryFactory) RedisClient() *redis.Client {
	return f.redisClient
}

// CreatePresenceRegistry creates the presence registry. Connection addresses
// belong to this process, so a Redis registry is cleared of entries left by
// an earlier run.
func (f *RepositoryFactory) CreatePresenceRegistry(ctx context.Context) (ports.PresenceRegistry, error) {
	if f.UsesRedis() {
		registry := redisrepo.NewRedisPresenceRegistry(f.redisClient)
		if err := registry.Reset(ctx); err != nil {
			return nil, err
		}
		return f.guard.GuardPresence(registry), nil
	}
	return memory.NewMemoryPresenceRegistry(), nil
}

// CreateCallSessionStore creates the call session store. Ring timers are held
// in process, so a Redis store is cleared of sessions left by an earlier run.
func (f *RepositoryFactory) CreateCallSessionStore(ctx context.Context) (ports.CallSessionStore, error) {
	if f.UsesRedis() {
		store := redisrepo.NewRedisCallSessionStore(f.redisClient, f.locks)
		if err := store.Reset(ctx); err != nil {
			return nil, err
		}
		return f.guard.GuardSessions(store), nil
	}
	return memory.NewMemoryCallSessionStore(), nil
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// StoreGuard returns the breaker guarding Redis stores, or nil on memory.
func (f *RepositoryFactory) StoreGuard() *reliability.StoreGuard {
	return f.guard
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.UsesRedis() {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
