// Package sink define el contrato de la Publication Sink: una ubicación
// pública con un único documento, escrito siempre por reemplazo completo.
package sink

import (
	"context"
	"errors"
)

var (
	// ErrNotFound: todavía no se publicó nada en ese path.
	ErrNotFound = errors.New("sink: not found")
	// ErrStale: el documento almacenado tiene un stamp igual o más nuevo.
	ErrStale = errors.New("sink: stale write rejected")
)

// Object es un documento publicado.
type Object struct {
	Path         string
	Body         []byte
	ContentType  string
	CacheControl string

	// Stamp monotónico del snapshot (0 = sin stamp). Solo lo usan las
	// escrituras condicionales.
	Stamp int64
}

// Sink escribe y lee el documento publicado.
type Sink interface {
	// Put reemplaza el objeto completo (last write wins).
	Put(ctx context.Context, obj Object) error
	// Get lee el objeto; ErrNotFound si no existe.
	Get(ctx context.Context, path string) (Object, error)
	Close() error
}

// ConditionalSink escribe solo si el stamp almacenado es menor al del objeto.
type ConditionalSink interface {
	PutIfNewer(ctx context.Context, obj Object) error
}
