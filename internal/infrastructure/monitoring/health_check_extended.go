package monitoring

import (
	"context"
	"time"

	"peercall/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// AddRedisCheck adds a Redis health check
func (h *HealthChecker) AddRedisCheck(client *redis.Client, interval, timeout time.Duration) {
	h.AddCheck("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}, interval, timeout)
}

// AddPresenceCheck verifies the presence registry answers reads.
func (h *HealthChecker) AddPresenceCheck(presence ports.PresenceRegistry, interval, timeout time.Duration) {
	h.AddCheck("presence", func(ctx context.Context) error {
		_, err := presence.List(ctx)
		return err
	}, interval, timeout)
}

// AddSessionCheck verifies the call session store answers reads.
func (h *HealthChecker) AddSessionCheck(sessions ports.CallSessionStore, interval, timeout time.Duration) {
	h.AddCheck("sessions", func(ctx context.Context) error {
		_, err := sessions.Count(ctx)
		return err
	}, interval, timeout)
}

// IsReady checks if the service is ready to accept traffic
func (h *HealthChecker) IsReady(ctx context.Context) bool {
	return h.CheckAll(ctx).Status == StatusHealthy
}
