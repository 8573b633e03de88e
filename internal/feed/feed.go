// Package feed define el contrato del Change Feed: un stream ordenado por kid,
// con entrega at-least-once, de notificaciones de mutación del Key Record
// Store. Los eventos son disparadores: nadie reconstruye estado a partir de
// ellos.
package feed

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
)

// ChangeKind es el tipo de mutación.
type ChangeKind string

const (
	Inserted ChangeKind = "inserted"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Event es una notificación de cambio.
type Event struct {
	KeyID     string
	Kind      ChangeKind
	Sequence  string // aproximado; solo comparable dentro de una partición
	Partition string
}

// ErrClosed lo devuelve Next después de Close.
var ErrClosed = errors.New("feed: closed")

// Feed entrega lotes de eventos. Next bloquea hasta que haya un lote o el
// contexto termine. Un lote sin Ack se vuelve a entregar.
type Feed interface {
	Next(ctx context.Context) (*Batch, error)
	Close() error
}

// Publisher lo implementan los feeds que aceptan eventos desde el lado del
// escritor (memory, redis).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Batch es un lote de eventos de una partición.
type Batch struct {
	ID        string
	Partition string
	Events    []Event

	ack     func(context.Context) error
	nack    func(context.Context) error
	settled atomic.Bool
}

// NewBatch arma un lote. ack/nack pueden ser nil.
func NewBatch(partition string, events []Event, ack, nack func(context.Context) error) *Batch {
	return &Batch{
		ID:        uuid.NewString(),
		Partition: partition,
		Events:    events,
		ack:       ack,
		nack:      nack,
	}
}

// Ack confirma el lote; solo la primera llamada a Ack/Nack tiene efecto.
func (b *Batch) Ack(ctx context.Context) error {
	if !b.settled.CompareAndSwap(false, true) || b.ack == nil {
		return nil
	}
	return b.ack(ctx)
}

// Nack devuelve el lote para que se reentregue.
func (b *Batch) Nack(ctx context.Context) error {
	if !b.settled.CompareAndSwap(false, true) || b.nack == nil {
		return nil
	}
	return b.nack(ctx)
}

// Len cantidad de eventos.
func (b *Batch) Len() int { return len(b.Events) }

// KeyIDs kids distintos del lote, ordenados.
func (b *Batch) KeyIDs() []string {
	seen := make(map[string]struct{}, len(b.Events))
	out := make([]string, 0, len(b.Events))
	for _, ev := range b.Events {
		if _, ok := seen[ev.KeyID]; ok {
			continue
		}
		seen[ev.KeyID] = struct{}{}
		out = append(out, ev.KeyID)
	}
	sort.Strings(out)
	return out
}
