package main

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rate"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rotation"
)

func writeJWK(t *testing.T, dir, kid string) string {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P521(), rand.Reader)
	require.NoError(t, err)
	now := time.Now()
	rec, err := jwks.FromECDSA(kid, &priv.PublicKey, nil, now, now.Add(time.Hour))
	require.NoError(t, err)
	b, err := json.Marshal(rec.Public())
	require.NoError(t, err)
	p := filepath.Join(dir, kid+".json")
	require.NoError(t, os.WriteFile(p, b, 0o600))
	return p
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	for _, k := range []string{"STORE_DRIVER", "FEED_DRIVER", "SINK_DRIVER"} {
		t.Setenv(k, "memory")
	}
	cfg := config.FromEnv()
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestMemoryPipeline_StoreWritesReachTheSink(t *testing.T) {
	cfg := memoryConfig(t)
	// Dos workers: sin escritura condicional un snapshot viejo podría pisar uno nuevo.
	cfg.Rotation.Conditional = true
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := open(ctx, cfg, openOpts{store: true, feed: true, sink: true})
	require.NoError(t, err)
	defer d.close()

	runner := rotation.NewRunner(d.feed, d.processor(), rotation.RunnerConfig{Workers: 2, Backoff: 10 * time.Millisecond})
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- runner.Run(runCtx) }()

	dir := t.TempDir()
	require.NoError(t, seed(ctx, d.store, []string{writeJWK(t, dir, "B"), writeJWK(t, dir, "A")}, time.Hour))

	require.Eventually(t, func() bool {
		obj, err := d.sink.Get(ctx, cfg.Sink.Path)
		if err != nil {
			return false
		}
		doc, err := jwks.Decode(obj.Body)
		return err == nil && len(doc.Keys) == 2 && doc.Keys[0].KID == "A"
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, d.store.Delete(ctx, "A"))
	require.Eventually(t, func() bool {
		obj, err := d.sink.Get(ctx, cfg.Sink.Path)
		if err != nil {
			return false
		}
		doc, err := jwks.Decode(obj.Body)
		return err == nil && len(doc.Keys) == 1 && doc.Keys[0].KID == "B"
	}, 3*time.Second, 10*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}

func TestRebuildOnEmptyStorePublishesEmptyKeys(t *testing.T) {
	cfg := memoryConfig(t)
	ctx := context.Background()
	d, err := open(ctx, cfg, openOpts{store: true, sink: true})
	require.NoError(t, err)
	defer d.close()

	res, err := d.processor().Rebuild(ctx, "test")
	require.NoError(t, err)
	require.True(t, res.Published)

	obj, err := d.sink.Get(ctx, cfg.Sink.Path)
	require.NoError(t, err)
	require.JSONEq(t, `{"keys":[]}`, string(obj.Body))
}

func TestLimiterFollowsConfig(t *testing.T) {
	cfg := memoryConfig(t)
	d := &deps{cfg: cfg}
	require.Nil(t, d.limiter())

	cfg.Server.RebuildLimit = 3
	l := d.limiter()
	require.IsType(t, &rate.MemoryLimiter{}, l)
	res, err := l.Allow(context.Background(), "rebuild")
	require.NoError(t, err)
	require.Equal(t, int64(2), res.Remaining)
	require.Nil(t, d.redis)
}
