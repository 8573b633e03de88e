package memory

import (
	"context"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/require"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
)

func rec(kid, use string, exp time.Time) jwks.Record {
	return jwks.Record{KID: kid, KeyType: jwks.KeyTypeEC, Curve: jwks.CurveP521, X: "x", Y: "y", Use: use, Algorithm: jwks.AlgES512, ExpiresAt: exp}
}

func TestStore_PutInvariants(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	var events []feed.Event
	s := New(clk, func(ev feed.Event) { events = append(events, ev) })
	ctx := context.Background()

	require.ErrorIs(t, s.Put(ctx, rec("", jwks.UseSig, now.Add(time.Hour))), store.ErrInvalid)
	require.ErrorIs(t, s.Put(ctx, rec("A", jwks.UseSig, now)), store.ErrInvalid)

	require.NoError(t, s.Put(ctx, rec("A", jwks.UseSig, now.Add(time.Hour))))
	require.ErrorIs(t, s.Put(ctx, rec("A", jwks.UseSig, now.Add(2*time.Hour))), store.ErrConflict)

	// Una vez expirado, el kid puede reutilizarse aunque el TTL no haya purgado.
	clk.Advance(2 * time.Hour)
	require.NoError(t, s.Put(ctx, rec("A", jwks.UseSig, clk.Now().Add(time.Hour))))

	require.Len(t, events, 2)
	require.Equal(t, feed.Inserted, events[0].Kind)
	require.Equal(t, feed.Modified, events[1].Kind)
}

func TestStore_ListActiveFilters(t *testing.T) {
	now := time.Now()
	s := New(testclock.NewClock(now), nil)
	s.PutRaw(rec("B", jwks.UseSig, now.Add(-time.Second)))
	s.PutRaw(rec("C", jwks.UseEnc, now.Add(time.Hour)))
	s.PutRaw(rec("A", jwks.UseSig, now.Add(time.Hour)))

	got, err := s.ListActive(context.Background(), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "A", got[0].KID)
}

func TestStore_PurgeAndDelete(t *testing.T) {
	now := time.Now()
	var removed []string
	s := New(testclock.NewClock(now), func(ev feed.Event) {
		if ev.Kind == feed.Removed {
			removed = append(removed, ev.KeyID)
		}
	})
	s.PutRaw(rec("old", jwks.UseSig, now.Add(-time.Minute)))
	s.PutRaw(rec("live", jwks.UseSig, now.Add(time.Hour)))

	n, err := s.Purge(context.Background(), now)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, s.Len())
	require.NoError(t, s.Delete(context.Background(), "live"))
	require.ErrorIs(t, s.Delete(context.Background(), "live"), store.ErrNotFound)
	require.Equal(t, []string{"old", "live"}, removed)
}

func TestStore_NotProvisioned(t *testing.T) {
	s := New(nil, nil)
	s.SetProvisioned(false)
	_, err := s.ListActive(context.Background(), time.Now())
	require.ErrorIs(t, err, store.ErrNotProvisioned)
}
