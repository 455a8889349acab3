package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/clock"
)

// Lease lets one instance own a sweep tick. Acquire reports false when
// another holder has it.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// LocalLease only guards against overlapping ticks inside one process.
type LocalLease struct {
	mu    sync.Mutex
	clock clock.Clock
	held  map[string]time.Time
}

func NewLocalLease(clk clock.Clock) *LocalLease {
	if clk == nil {
		clk = clock.Real()
	}
	return &LocalLease{clock: clk, held: map[string]time.Time{}}
}

func (l *LocalLease) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if until, ok := l.held[name]; ok && now.Before(until) {
		return false, nil
	}
	l.held[name] = now.Add(ttl)
	return true, nil
}

// RedisLease uses SET NX PX so a tick runs on one replica only.
type RedisLease struct {
	client redis.UniversalClient
	prefix string
	owner  string
}

func NewRedisLease(client redis.UniversalClient, prefix, owner string) *RedisLease {
	return &RedisLease{client: client, prefix: prefix, owner: owner}
}

func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	return l.client.SetNX(ctx, l.prefix+name, l.owner, ttl).Result()
}
