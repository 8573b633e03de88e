package metrics

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, Register(reg))
	require.NoError(t, Register(reg))

	Rebuilds.WithLabelValues("feed", "published").Inc()
	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	require.True(t, names["jwks_rebuilds_total"])
	require.True(t, names["jwks_published_keys"])
}

func TestRegisterPool_NilPoolCollectsNothing(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterPool(reg, func() *pgxpool.Pool { return nil }))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Empty(t, mfs)
}
