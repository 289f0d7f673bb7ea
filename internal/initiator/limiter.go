package initiator

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"telephony-bridge/pkg/utils"
)

// Limiter caps concurrent outbound calls per organization.
type Limiter interface {
	Acquire(ctx context.Context, organizationID string) (bool, error)
	Release(ctx context.Context, organizationID string) error
}

// RedisLimiter shares the cap across bridge replicas.
type RedisLimiter struct {
	rdb   redis.Scripter
	limit int
	ttl   time.Duration
}

// NewRedisLimiter returns nil when limit <= 0, meaning no cap.
func NewRedisLimiter(rdb redis.Scripter, limit int, ttl time.Duration) *RedisLimiter {
	if limit <= 0 {
		return nil
	}
	if ttl <= 0 {
		ttl = 4 * time.Hour
	}
	return &RedisLimiter{rdb: rdb, limit: limit, ttl: ttl}
}

func capKey(organizationID string) string { return "calls:outbound:active:" + organizationID }

func (l *RedisLimiter) Acquire(ctx context.Context, organizationID string) (bool, error) {
	return utils.AcquireConcurrencyCap(ctx, l.rdb, capKey(organizationID), l.limit, l.ttl)
}

func (l *RedisLimiter) Release(ctx context.Context, organizationID string) error {
	return utils.ReleaseConcurrencyCap(ctx, l.rdb, capKey(organizationID))
}

// MemoryLimiter is a single-process Limiter.
type MemoryLimiter struct {
	mu     sync.Mutex
	limit  int
	active map[string]int
}

func NewMemoryLimiter(limit int) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, active: map[string]int{}}
}

func (l *MemoryLimiter) Acquire(_ context.Context, organizationID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[organizationID] >= l.limit {
		return false, nil
	}
	l.active[organizationID]++
	return true, nil
}

func (l *MemoryLimiter) Release(_ context.Context, organizationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active[organizationID] <= 1 {
		delete(l.active, organizationID)
		return nil
	}
	l.active[organizationID]--
	return nil
}

// Active reports the calls currently counted for an organization.
func (l *MemoryLimiter) Active(organizationID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active[organizationID]
}
