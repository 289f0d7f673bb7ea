package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"telephony-bridge/pkg/utils"
)

// Claimer grants the right to deliver an event once across all bridge replicas.
type Claimer interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// RedisClaimer claims with SET NX. The stored value names the claiming process.
type RedisClaimer struct {
	rdb   redis.Cmdable
	owner string
}

func NewRedisClaimer(rdb redis.Cmdable) *RedisClaimer {
	return &RedisClaimer{rdb: rdb, owner: uuid.NewString()}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return utils.ClaimOnce(ctx, c.rdb, key, c.owner, ttl)
}

func (c *RedisClaimer) Release(ctx context.Context, key string) error {
	return utils.ReleaseClaim(ctx, c.rdb, key)
}

// MemoryClaimer is a single-process Claimer.
type MemoryClaimer struct {
	mu     sync.Mutex
	claims map[string]time.Time
	now    func() time.Time
}

func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{claims: map[string]time.Time{}, now: time.Now}
}

func (c *MemoryClaimer) Claim(_ context.Context, key string, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if exp, ok := c.claims[key]; ok && now.Before(exp) {
		return false, nil
	}
	c.claims[key] = now.Add(ttl)
	return true, nil
}

func (c *MemoryClaimer) Release(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.claims, key)
	return nil
}
