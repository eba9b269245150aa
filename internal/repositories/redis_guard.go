package repositories

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLockTTL    = 30 * time.Second
	DefaultPollBudget = 60
	DefaultPollWindow = 30 * time.Minute
)

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisGuard serializes status checks per purchase and counts client poll ticks.
type RedisGuard struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	budget int64
	window time.Duration
}

func NewRedisGuard(rdb *redis.Client, prefix string, lockTTL time.Duration, budget int, window time.Duration) *RedisGuard {
	if prefix == "" {
		prefix = "coursepay"
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	if window <= 0 {
		window = DefaultPollWindow
	}
	return &RedisGuard{rdb: rdb, prefix: prefix, ttl: lockTTL, budget: int64(budget), window: window}
}

func (g *RedisGuard) lockKey(purchaseID string) string {
	return fmt.Sprintf("%s:lock:purchase:%s", g.prefix, purchaseID)
}

func (g *RedisGuard) pollKey(purchaseID string) string {
	return fmt.Sprintf("%s:poll:purchase:%s", g.prefix, purchaseID)
}

// TryLock returns ok=false when another holder owns the lock. The returned release func
// is safe to call more than once.
func (g *RedisGuard) TryLock(ctx context.Context, purchaseID string) (func(), bool, error) {
	key := g.lockKey(purchaseID)
	token := uuid.NewString()
	ok, err := g.rdb.SetNX(ctx, key, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire purchase lock: %w", err)
	}
	if !ok {
		return func() {}, false, nil
	}
	var once sync.Once
	release := func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, g.rdb, []string{key}, token).Err()
		})
	}
	return release, true, nil
}

// AllowPoll counts one client poll tick and reports whether the budget still allows a
// gateway check.
func (g *RedisGuard) AllowPoll(ctx context.Context, purchaseID string) (bool, error) {
	key := g.pollKey(purchaseID)
	pipe := g.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, g.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("count poll tick: %w", err)
	}
	return incr.Val() <= g.budget, nil
}

// MemoryGuard is the in-process equivalent of RedisGuard for tests and single-node runs.
type MemoryGuard struct {
	mu     sync.Mutex
	locks  map[string]struct{}
	polls  map[string]memoryPollWindow
	budget int
	window time.Duration
	now    func() time.Time
}

type memoryPollWindow struct {
	count   int
	resetAt time.Time
}

func NewMemoryGuard(budget int, window time.Duration) *MemoryGuard {
	if budget <= 0 {
		budget = DefaultPollBudget
	}
	if window <= 0 {
		window = DefaultPollWindow
	}
	return &MemoryGuard{
		locks:  make(map[string]struct{}),
		polls:  make(map[string]memoryPollWindow),
		budget: budget,
		window: window,
		now:    time.Now,
	}
}

func (g *MemoryGuard) TryLock(_ context.Context, purchaseID string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, held := g.locks[purchaseID]; held {
		return func() {}, false, nil
	}
	g.locks[purchaseID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.locks, purchaseID)
			g.mu.Unlock()
		})
	}, true, nil
}

func (g *MemoryGuard) AllowPoll(_ context.Context, purchaseID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	w := g.polls[purchaseID]
	if w.resetAt.IsZero() || !now.Before(w.resetAt) {
		w = memoryPollWindow{resetAt: now.Add(g.window)}
	}
	w.count++
	g.polls[purchaseID] = w
	return w.count <= g.budget, nil
}
