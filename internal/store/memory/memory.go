// Package memory implementa el Key Record Store en memoria con TTL perezoso.
// Cada mutación se notifica vía Config.Notify (típicamente al feed en memoria).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
)

func init() { store.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "memory" }

func (driver) Open(_ context.Context, cfg store.Config) (store.Store, error) {
	return New(cfg.ClockOrWall(), cfg.Notify), nil
}

// Store guarda records en un map protegido por mutex.
type Store struct {
	mu     sync.RWMutex
	recs   map[string]jwks.Record
	clock  clock.Clock
	notify func(feed.Event)

	// unavailable simula "tabla no aprovisionada" (tests / dev).
	unavailable bool
}

// New crea el store. notify puede ser nil.
func New(clk clock.Clock, notify func(feed.Event)) *Store {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{recs: make(map[string]jwks.Record), clock: clk, notify: notify}
}

// SetProvisioned alterna la simulación de tabla inexistente.
func (s *Store) SetProvisioned(ok bool) {
	s.mu.Lock()
	s.unavailable = !ok
	s.mu.Unlock()
}

func (s *Store) Put(_ context.Context, rec jwks.Record) error {
	now := s.clock.Now()
	if err := store.CheckPut(rec, now); err != nil {
		return err
	}

	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return store.ErrNotProvisioned
	}
	kind := feed.Inserted
	if prev, ok := s.recs[rec.KID]; ok {
		if prev.ExpiresAt.After(now) {
			s.mu.Unlock()
			return store.ErrConflict
		}
		// Expirado pero todavía no purgado por el TTL: se reemplaza.
		kind = feed.Modified
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now.UTC()
	}
	s.recs[rec.KID] = rec
	s.mu.Unlock()

	s.emit(rec.KID, kind)
	return nil
}

// PutRaw inserta sin validar invariantes de creación. Permite sembrar records
// mal formados o ya expirados (el TTL real borra con retraso).
func (s *Store) PutRaw(rec jwks.Record) {
	s.mu.Lock()
	s.recs[rec.KID] = rec
	s.mu.Unlock()
	s.emit(rec.KID, feed.Inserted)
}

func (s *Store) Delete(_ context.Context, kid string) error {
	s.mu.Lock()
	if s.unavailable {
		s.mu.Unlock()
		return store.ErrNotProvisioned
	}
	if _, ok := s.recs[kid]; !ok {
		s.mu.Unlock()
		return store.ErrNotFound
	}
	delete(s.recs, kid)
	s.mu.Unlock()

	s.emit(kid, feed.Removed)
	return nil
}

func (s *Store) ListActive(_ context.Context, now time.Time) ([]jwks.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.unavailable {
		return nil, store.ErrNotProvisioned
	}
	out := make([]jwks.Record, 0, len(s.recs))
	for _, r := range s.recs {
		if r.Use == jwks.UseSig && r.ExpiresAt.After(now) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].KID < out[j].KID })
	return out, nil
}

// Purge emula el TTL: borra los records expirados y emite Removed por cada uno.
func (s *Store) Purge(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	var removed []string
	for kid, r := range s.recs {
		if !r.ExpiresAt.After(now) {
			delete(s.recs, kid)
			removed = append(removed, kid)
		}
	}
	s.mu.Unlock()

	sort.Strings(removed)
	for _, kid := range removed {
		s.emit(kid, feed.Removed)
	}
	return len(removed), nil
}

// Len cantidad de records almacenados (incluye expirados no purgados).
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recs)
}

func (s *Store) Close() error { return nil }

func (s *Store) emit(kid string, kind feed.ChangeKind) {
	if s.notify != nil {
		s.notify(feed.Event{KeyID: kid, Kind: kind})
	}
}
