// Package keyset implementa el Key Set Reader: la consulta de solo lectura
// "todas las claves de firma vigentes", validadas y sin material privado.
package keyset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
)

// ErrStoreNotProvisioned se devuelve solo en modo estricto, cuando el store
// todavía no existe.
var ErrStoreNotProvisioned = errors.New("keyset: store not provisioned")

// Lister es la porción del store que usa el lector.
type Lister interface {
	ListActive(ctx context.Context, now time.Time) ([]jwks.Record, error)
}

// Options ajusta el comportamiento del lector.
type Options struct {
	// RefuseUnprovisioned: si true, "store no aprovisionado" es error en vez
	// de un conjunto vacío.
	RefuseUnprovisioned bool
}

// Reader lee y sanea el conjunto de claves publicables.
type Reader struct {
	store Lister
	opts  Options
	log   *zap.Logger
}

// NewReader crea un lector sobre el store dado.
func NewReader(s Lister, opts Options) *Reader {
	return &Reader{store: s, opts: opts, log: logger.Named("keyset")}
}

// ListActiveSigningKeys devuelve las proyecciones públicas de las claves con
// use=sig y expires_at > now, ordenadas por kid. Un record inválido se
// descarta sin abortar la lectura.
func (r *Reader) ListActiveSigningKeys(ctx context.Context, now time.Time) ([]jwks.PublicKey, error) {
	recs, err := r.store.ListActive(ctx, now)
	if err != nil {
		if errors.Is(err, store.ErrNotProvisioned) {
			if r.opts.RefuseUnprovisioned {
				return nil, fmt.Errorf("%w: %v", ErrStoreNotProvisioned, err)
			}
			r.log.Warn("key store not provisioned, treating as empty key set", logger.Err(err))
			return []jwks.PublicKey{}, nil
		}
		return nil, fmt.Errorf("keyset: list active: %w", err)
	}

	out := make([]jwks.PublicKey, 0, len(recs))
	seen := make(map[string]struct{}, len(recs))
	for _, rec := range recs {
		// El filtro del store y el TTL son eventualmente consistentes.
		if !rec.Eligible(now) {
			continue
		}
		if err := jwks.Validate(rec); err != nil {
			reason := jwks.Reason(err)
			metrics.RecordsDropped.WithLabelValues(reason).Inc()
			r.log.Warn("dropping malformed key record", logger.KID(rec.KID), logger.Reason(reason), logger.Err(err))
			continue
		}
		if _, dup := seen[rec.KID]; dup {
			metrics.RecordsDropped.WithLabelValues("duplicate").Inc()
			r.log.Warn("dropping duplicate key record", logger.KID(rec.KID))
			continue
		}
		seen[rec.KID] = struct{}{}
		out = append(out, rec.Public())
	}
	jwks.SortByKID(out)
	return out, nil
}
