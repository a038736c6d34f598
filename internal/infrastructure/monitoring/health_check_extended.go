package monitoring

import (
	"context"
	"time"

	"vigilnet/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client redis.UniversalClient, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, timeout)
}

// AddRepositoryCheck verifies the node repository answers a listing.
func (h *HealthChecker) AddRepositoryCheck(nodes ports.NodeRepository, timeout time.Duration) {
	h.AddCheck("node_repository", func(ctx context.Context) error {
		_, err := nodes.List(ctx)
		return err
	}, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
