// Package store define el contrato del Key Record Store: la tabla durable de
// claves con expiración (TTL) que es la única fuente de verdad de "qué claves
// existen". El pipeline de rotación solo lee; escriben la emisión de claves y
// las herramientas de administración.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
)

var (
	// ErrNotProvisioned indica que la tabla no existe (todavía). El lector la
	// trata como "cero claves activas".
	ErrNotProvisioned = errors.New("store: not provisioned")
	ErrNotFound       = errors.New("store: not found")
	ErrConflict       = errors.New("store: conflict")
	ErrInvalid        = errors.New("store: invalid")
)

// Store es el Key Record Store.
type Store interface {
	// Put crea un record. ErrConflict si el kid existe y sigue vivo;
	// ErrInvalid si falta kid o ExpiresAt no es futuro.
	Put(ctx context.Context, rec jwks.Record) error

	// Delete elimina explícitamente un record (ErrNotFound si no existe).
	Delete(ctx context.Context, kid string) error

	// ListActive devuelve los records con use=sig y expires_at > now, tal como
	// están almacenados (pueden incluir D o estar mal formados).
	ListActive(ctx context.Context, now time.Time) ([]jwks.Record, error)

	Close() error
}

// CheckPut valida las invariantes de creación comunes a todos los drivers.
func CheckPut(rec jwks.Record, now time.Time) error {
	if rec.KID == "" {
		return fmt.Errorf("%w: kid required", ErrInvalid)
	}
	if !rec.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", ErrInvalid)
	}
	return nil
}
