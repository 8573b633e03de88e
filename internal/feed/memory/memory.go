// Package memory implementa un Change Feed en proceso: colas particionadas por
// kid, un lote en vuelo por partición y reentrega en Nack. Sirve para dev y
// tests, junto con el store en memoria.
package memory

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"sync"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
)

func init() { feed.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "memory" }

func (driver) Open(_ context.Context, cfg feed.Config) (feed.Feed, error) {
	return New(cfg.Partitions, cfg.BatchSize), nil
}

type partition struct {
	name     string
	queue    []feed.Event
	inflight bool
}

// Feed es un feed en memoria seguro para uso concurrente.
type Feed struct {
	mu        sync.Mutex
	parts     []*partition
	batchSize int
	next      int
	seq       uint64
	changed   chan struct{}
	closed    bool
}

// New crea un feed con n particiones y lotes de hasta batchSize eventos.
func New(partitions, batchSize int) *Feed {
	if partitions <= 0 {
		partitions = 4
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	f := &Feed{batchSize: batchSize, changed: make(chan struct{})}
	for i := 0; i < partitions; i++ {
		f.parts = append(f.parts, &partition{name: fmt.Sprintf("p-%d", i)})
	}
	return f
}

// Publish encola un evento en la partición de su kid. Asigna Sequence.
func (f *Feed) Publish(_ context.Context, ev feed.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return feed.ErrClosed
	}
	p := f.parts[f.partitionFor(ev.KeyID)]
	f.seq++
	ev.Sequence = strconv.FormatUint(f.seq, 10)
	ev.Partition = p.name
	p.queue = append(p.queue, ev)
	f.signalLocked()
	return nil
}

// Next devuelve el próximo lote disponible (round-robin entre particiones
// sin lote en vuelo).
func (f *Feed) Next(ctx context.Context) (*feed.Batch, error) {
	for {
		f.mu.Lock()
		if f.closed {
			f.mu.Unlock()
			return nil, feed.ErrClosed
		}
		if b := f.takeLocked(); b != nil {
			f.mu.Unlock()
			return b, nil
		}
		wait := f.changed
		f.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// Pending cuenta eventos no confirmados (incluye los en vuelo).
func (f *Feed) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.parts {
		n += len(p.queue)
	}
	return n
}

// Close despierta a los consumidores bloqueados y rechaza nuevas operaciones.
func (f *Feed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.signalLocked()
	}
	return nil
}

func (f *Feed) takeLocked() *feed.Batch {
	for i := 0; i < len(f.parts); i++ {
		p := f.parts[(f.next+i)%len(f.parts)]
		if p.inflight || len(p.queue) == 0 {
			continue
		}
		f.next = (f.next + i + 1) % len(f.parts)

		n := len(p.queue)
		if n > f.batchSize {
			n = f.batchSize
		}
		events := make([]feed.Event, n)
		copy(events, p.queue[:n])
		p.inflight = true

		ack := func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			p.queue = p.queue[n:]
			p.inflight = false
			f.signalLocked()
			return nil
		}
		nack := func(context.Context) error {
			f.mu.Lock()
			defer f.mu.Unlock()
			p.inflight = false
			f.signalLocked()
			return nil
		}
		return feed.NewBatch(p.name, events, ack, nack)
	}
	return nil
}

func (f *Feed) signalLocked() {
	close(f.changed)
	f.changed = make(chan struct{})
}

func (f *Feed) partitionFor(kid string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(kid))
	return int(h.Sum32() % uint32(len(f.parts)))
}
