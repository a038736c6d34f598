package repositories

import (
	"context"

	"vigilnet/internal/core/ports"
	"vigilnet/internal/infrastructure/repositories/memory"
	redisrepo "vigilnet/internal/infrastructure/repositories/redis"
	"vigilnet/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory creates repositories backed by Redis when it is enabled
// and reachable, falling back to process memory otherwise.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	prefix      string
	logger      *zap.SugaredLogger
}

func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis: cfg.Redis.Enabled,
		prefix:   cfg.Redis.KeyPrefix,
		logger:   logger,
	}

	if cfg.Redis.Enabled {
		client, err := redisrepo.NewRedisClient(
			cfg.Redis.Address,
			cfg.Redis.Password,
			cfg.Redis.DB,
			cfg.Redis.PoolSize,
			cfg.Redis.KeyPrefix,
			logger,
		)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory repositories",
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
			logger.Info("using Redis repositories")
		}
	}

	if !factory.useRedis {
		logger.Info("using memory repositories")
	}

	return factory, nil
}

func (f *RepositoryFactory) CreateNodeRepository() ports.NodeRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisNodeRepository(f.redisClient, f.prefix)
	}
	return memory.NewMemoryNodeRepository()
}

func (f *RepositoryFactory) CreateSessionRepository() ports.SessionRepository {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewRedisSessionRepository(f.redisClient, f.prefix)
	}
	return memory.NewMemorySessionRepository()
}

// Client returns the Redis client, or nil when running on memory.
func (f *RepositoryFactory) Client() *redis.Client {
	if !f.useRedis {
		return nil
	}
	return f.redisClient
}

// Shared reports whether state is shared with other instances.
func (f *RepositoryFactory) Shared() bool {
	return f.useRedis && f.redisClient != nil
}

func (f *RepositoryFactory) Close() error {
	if f.redisClient != nil {
		return redisrepo.CloseRedisClient(f.redisClient)
	}
	return nil
}

// HealthCheck pings Redis when it is in use.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
