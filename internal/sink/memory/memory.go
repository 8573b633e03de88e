// Package memory implementa una Publication Sink en memoria.
package memory

import (
	"context"
	"sync"

	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

func init() { sink.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "memory" }

func (driver) Open(context.Context, sink.Config) (sink.Sink, error) { return New(), nil }

// Sink guarda objetos por path. Implementa sink.ConditionalSink de forma atómica.
type Sink struct {
	mu     sync.RWMutex
	objs   map[string]sink.Object
	writes int

	// FailPut, si no es nil, se devuelve en cada escritura (tests).
	FailPut error
}

func New() *Sink { return &Sink{objs: make(map[string]sink.Object)} }

func (s *Sink) Put(_ context.Context, obj sink.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putLocked(obj)
}

func (s *Sink) PutIfNewer(_ context.Context, obj sink.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.objs[obj.Path]; ok && cur.Stamp >= obj.Stamp {
		return sink.ErrStale
	}
	return s.putLocked(obj)
}

func (s *Sink) Get(_ context.Context, path string) (sink.Object, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objs[path]
	if !ok {
		return sink.Object{}, sink.ErrNotFound
	}
	obj.Body = append([]byte(nil), obj.Body...)
	return obj, nil
}

// Writes cuenta escrituras exitosas.
func (s *Sink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

func (s *Sink) Close() error { return nil }

func (s *Sink) putLocked(obj sink.Object) error {
	if s.FailPut != nil {
		return s.FailPut
	}
	obj.Body = append([]byte(nil), obj.Body...)
	s.objs[obj.Path] = obj
	s.writes++
	return nil
}
