// Package ratelimit implements fixed one-minute request windows keyed by
// client IP or user id.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/redis/go-redis/v9"
)

// Window is the length of every rate limit window.
const Window = time.Minute

// Limiter reports whether one more request under key fits in limit for
// the current window. A limit of zero or less disables the check.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int) (bool, error)
}

// IPKey and UserKey build the keys the HTTP layer limits on.
func IPKey(ip string) string        { return "ip:" + ip }
func UserKey(userID int64) string   { return "user:" + strconv.FormatInt(userID, 10) }
func windowStart(t time.Time) int64 { return t.Unix() / int64(Window/time.Second) }

type counter struct {
	mu     sync.Mutex
	window int64
	count  int
}

// MemoryLimiter keeps counters in process. Counters from past windows are
// reset lazily on the next hit.
type MemoryLimiter struct {
	counters *haxmap.Map[string, *counter]
	now      func() time.Time
}

func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		counters: haxmap.New[string, *counter](),
		now:      time.Now,
	}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	c, _ := l.counters.GetOrCompute(key, func() *counter { return &counter{} })

	w := windowStart(l.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.window != w {
		c.window = w
		c.count = 0
	}
	if c.count >= limit {
		return false, nil
	}
	c.count++
	return true, nil
}

// Sweep drops counters that belong to finished windows.
func (l *MemoryLimiter) Sweep() {
	w := windowStart(l.now())
	var stale []string
	l.counters.ForEach(func(key string, c *counter) bool {
		c.mu.Lock()
		if c.window < w {
			stale = append(stale, key)
		}
		c.mu.Unlock()
		return true
	})
	if len(stale) > 0 {
		l.counters.Del(stale...)
	}
}

// RedisLimiter shares counters between instances through Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	now    func() time.Time
}

func NewRedisLimiter(client redis.UniversalClient) *RedisLimiter {
	return &RedisLimiter{client: client, now: time.Now}
}

func (l *RedisLimiter) Allow(ctx context.Context, key string, limit int) (bool, error) {
	if limit <= 0 {
		return true, nil
	}
	k := fmt.Sprintf("omniai:ratelimit:%s:%d", key, windowStart(l.now()))

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, Window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("rate limit counter: %w", err)
	}
	return incr.Val() <= int64(limit), nil
}
