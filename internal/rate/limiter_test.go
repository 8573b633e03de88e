package rate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 10, 0, time.UTC))
	l := NewMemoryLimiter(2, time.Minute, clk)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		res, err := l.Allow(ctx, "rebuild")
		require.NoError(t, err)
		require.True(t, res.Allowed)
	}
	res, err := l.Allow(ctx, "rebuild")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, int64(0), res.Remaining)
	require.Equal(t, 50*time.Second, res.RetryAfter)

	// otra clave, otro contador
	res, err = l.Allow(ctx, "other")
	require.NoError(t, err)
	require.True(t, res.Allowed)

	clk.Advance(50 * time.Second)
	res, err = l.Allow(ctx, "rebuild")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Equal(t, int64(1), res.CurrentHits)
}

func TestRedisLimiterKeyPerWindow(t *testing.T) {
	l := NewRedisLimiter(nil, "", 1, time.Minute, nil)
	t0 := time.Date(2026, 1, 1, 0, 0, 59, 0, time.UTC)
	require.Equal(t, "jwks:rl:manual_rebuild:1767225600", l.Key("manual rebuild", t0))
	require.NotEqual(t, l.Key("x", t0), l.Key("x", t0.Add(time.Second)))
}

type fakePipe struct {
	rdb.Pipeliner
	hits int64
}

func (p *fakePipe) Incr(ctx context.Context, _ string) *rdb.IntCmd {
	c := rdb.NewIntCmd(ctx)
	c.SetVal(p.hits)
	return c
}

func (p *fakePipe) TTL(ctx context.Context, _ string) *rdb.DurationCmd {
	c := rdb.NewDurationCmd(ctx, time.Second)
	c.SetVal(-1)
	return c
}

func (p *fakePipe) Exec(context.Context) ([]rdb.Cmder, error) { return nil, nil }

type fakeRedis struct {
	hits      int64
	expireErr error
	expires   []string
}

func (f *fakeRedis) TxPipeline() rdb.Pipeliner {
	f.hits++
	return &fakePipe{hits: f.hits}
}

func (f *fakeRedis) Expire(ctx context.Context, key string, _ time.Duration) *rdb.BoolCmd {
	f.expires = append(f.expires, key)
	c := rdb.NewBoolCmd(ctx)
	if f.expireErr != nil {
		c.SetErr(f.expireErr)
	} else {
		c.SetVal(true)
	}
	return c
}

func (f *fakeRedis) TTL(ctx context.Context, _ string) *rdb.DurationCmd {
	return rdb.NewDurationCmd(ctx, time.Second)
}

func TestRedisLimiterLogsExpiryFailure(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	logger.Set(zap.New(core))
	t.Cleanup(func() { logger.Set(zap.NewNop()) })

	clk := testclock.NewClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	f := &fakeRedis{expireErr: errors.New("READONLY")}
	l := NewRedisLimiter(f, "", 1, time.Minute, clk)
	ctx := context.Background()

	res, err := l.Allow(ctx, "rebuild")
	require.NoError(t, err)
	require.True(t, res.Allowed)
	require.Len(t, f.expires, 1)

	entries := logs.FilterMessage("set window expiry failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, f.expires[0], entries[0].ContextMap()["key"])

	// solo el primer hit fija el expiry
	res, err = l.Allow(ctx, "rebuild")
	require.NoError(t, err)
	require.False(t, res.Allowed)
	require.Equal(t, time.Minute, res.RetryAfter)
	require.Len(t, f.expires, 1)
}
