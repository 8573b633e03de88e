// Package rate limita los rebuilds manuales con una ventana fija. Hay dos
// implementaciones: en memoria (una sola réplica) y sobre Redis (compartida
// entre réplicas del publisher).
package rate

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
)

type Result struct {
	Allowed     bool
	Remaining   int64
	RetryAfter  time.Duration
	CurrentHits int64
}

type Limiter interface {
	Allow(ctx context.Context, key string) (Result, error)
}

func decide(hits, max int64, ttl, window time.Duration) Result {
	remaining := max - hits
	if remaining < 0 {
		remaining = 0
	}
	res := Result{Allowed: hits <= max, Remaining: remaining, CurrentHits: hits}
	if !res.Allowed {
		// resto de la ventana
		res.RetryAfter = ttl
		if res.RetryAfter <= 0 {
			res.RetryAfter = time.Duration(math.Ceil(window.Seconds())) * time.Second
		}
	}
	return res
}

// MemoryLimiter: fixed window por proceso.
type MemoryLimiter struct {
	mu     sync.Mutex
	max    int64
	window time.Duration
	clock  clock.Clock
	hits   map[string]int64
	start  time.Time
}

func NewMemoryLimiter(max int, window time.Duration, clk clock.Clock) *MemoryLimiter {
	if clk == nil {
		clk = clock.WallClock
	}
	return &MemoryLimiter{max: int64(max), window: window, clock: clk, hits: map[string]int64{}}
}

func (l *MemoryLimiter) Allow(_ context.Context, key string) (Result, error) {
	now := l.clock.Now().UTC()
	winStart := now.Truncate(l.window)

	l.mu.Lock()
	defer l.mu.Unlock()
	if !winStart.Equal(l.start) {
		l.start = winStart
		l.hits = map[string]int64{}
	}
	l.hits[key]++
	return decide(l.hits[key], l.max, winStart.Add(l.window).Sub(now), l.window), nil
}

// Cmdable es el subconjunto de go-redis que usa RedisLimiter.
type Cmdable interface {
	TxPipeline() rdb.Pipeliner
	Expire(ctx context.Context, key string, expiration time.Duration) *rdb.BoolCmd
	TTL(ctx context.Context, key string) *rdb.DurationCmd
}

// RedisLimiter: fixed window sencillo (INCR + EXPIRE)
type RedisLimiter struct {
	client Cmdable
	prefix string
	max    int64
	window time.Duration
	clock  clock.Clock
	log    *zap.Logger
}

func NewRedisLimiter(client Cmdable, prefix string, max int, window time.Duration, clk clock.Clock) *RedisLimiter {
	if prefix == "" {
		prefix = "jwks:rl:"
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &RedisLimiter{client: client, prefix: prefix, max: int64(max), window: window, clock: clk, log: logger.Named("rate")}
}

// Key arma la clave de la ventana que contiene now.
func (l *RedisLimiter) Key(key string, now time.Time) string {
	winStart := now.UTC().Truncate(l.window)
	return fmt.Sprintf("%s%s:%d", l.prefix, strings.ReplaceAll(key, " ", "_"), winStart.Unix())
}

func (l *RedisLimiter) Allow(ctx context.Context, key string) (Result, error) {
	redisKey := l.Key(key, l.clock.Now())

	pipe := l.client.TxPipeline()
	incr := pipe.Incr(ctx, redisKey)
	ttl := pipe.TTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate: redis: %w", err)
	}

	// expiry en el primer hit; sin él la clave queda huérfana en Redis
	// pero la ventana siguiente usa otra clave.
	left := ttl.Val()
	if incr.Val() == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			l.log.Warn("set window expiry failed", zap.String("key", redisKey), logger.Err(err))
		}
		left = l.window
	}
	return decide(incr.Val(), l.max, left, l.window), nil
}
