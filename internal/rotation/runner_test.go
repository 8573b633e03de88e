package rotation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	feedmem "github.com/dropDatabas3/hellojohn-jwks/internal/feed/memory"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/keyset"
	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
	sinkmem "github.com/dropDatabas3/hellojohn-jwks/internal/sink/memory"
	storemem "github.com/dropDatabas3/hellojohn-jwks/internal/store/memory"
)

// flakySink falla las primeras n escrituras.
type flakySink struct {
	*sinkmem.Sink
	failures atomic.Int32
}

func (f *flakySink) Put(ctx context.Context, obj sink.Object) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("transient")
	}
	return f.Sink.Put(ctx, obj)
}

func startRunner(t *testing.T, f feed.Feed, p *Processor, workers int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := NewRunner(f, p, RunnerConfig{Workers: workers, Backoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond})
	go func() { done <- r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
}

func kids(t *testing.T, s sink.Sink) []string {
	obj, err := s.Get(context.Background(), jwks.DefaultPath)
	if err != nil {
		return nil
	}
	doc, err := jwks.Decode(obj.Body)
	require.NoError(t, err)
	out := make([]string, 0, len(doc.Keys))
	for _, k := range doc.Keys {
		out = append(out, k.KID)
	}
	return out
}

func TestRunner_ConvergesOnStoreChanges(t *testing.T) {
	f := feedmem.New(4, 10)
	st := storemem.New(nil, func(ev feed.Event) { _ = f.Publish(context.Background(), ev) })
	sk := sinkmem.New()
	p := NewProcessor(keyset.NewReader(st, keyset.Options{}), sk, Config{})
	startRunner(t, f, p, 3)

	ctx := context.Background()
	now := time.Now()
	for _, kid := range []string{"k3", "k1", "k2"} {
		require.NoError(t, st.Put(ctx, signingKey(t, kid, now.Add(time.Hour))))
	}
	require.Eventually(t, func() bool {
		got := kids(t, sk)
		return len(got) == 3 && f.Pending() == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"k1", "k2", "k3"}, kids(t, sk))

	require.NoError(t, st.Delete(ctx, "k2"))
	require.Eventually(t, func() bool {
		got := kids(t, sk)
		return len(got) == 2 && f.Pending() == 0
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, []string{"k1", "k3"}, kids(t, sk))
}

func TestRunner_RedeliversFailedBatch(t *testing.T) {
	f := feedmem.New(1, 10)
	st := storemem.New(nil, func(ev feed.Event) { _ = f.Publish(context.Background(), ev) })
	sk := &flakySink{Sink: sinkmem.New()}
	sk.failures.Store(2)
	p := NewProcessor(keyset.NewReader(st, keyset.Options{}), sk, Config{})
	startRunner(t, f, p, 1)

	require.NoError(t, st.Put(context.Background(), signingKey(t, "A", time.Now().Add(time.Hour))))
	require.Eventually(t, func() bool {
		return f.Pending() == 0 && len(kids(t, sk)) == 1
	}, 5*time.Second, 5*time.Millisecond)
	require.Equal(t, 1, sk.Writes())
}
