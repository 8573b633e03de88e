// Package privkeys define el almacén de claves privadas de firma. Queda fuera
// del pipeline de rotación: solo lo usa el lado de emisión y el CLI para
// aprovisionar, retirar (borrado blando con ventana de recuperación) y
// restaurar secretos.
package privkeys

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrExists   = errors.New("privkeys: secret already exists")
	ErrNotFound = errors.New("privkeys: secret not found")
	// ErrNotRetired: Restore sobre un secreto que no está pendiente de borrado.
	ErrNotRetired = errors.New("privkeys: secret is not scheduled for deletion")
	ErrInvalid    = errors.New("privkeys: invalid argument")
)

// DefaultRecoveryWindow coincide con el default de Secrets Manager.
const DefaultRecoveryWindow = 30 * 24 * time.Hour

// Handle identifica un secreto aprovisionado.
type Handle struct {
	Name string
	ARN  string
	// VersionID puede venir vacío si el backend no versiona.
	VersionID string
}

// Store operaciones sobre el almacén de claves privadas.
type Store interface {
	Provision(ctx context.Context, name, description string) (Handle, error)
	Retire(ctx context.Context, name string) error
	Restore(ctx context.Context, name string) error
}

// SecretName arma "<prefix>-<name>"; sin prefix devuelve name.
func SecretName(prefix, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: empty name", ErrInvalid)
	}
	if prefix = strings.TrimSpace(prefix); prefix == "" {
		return name, nil
	}
	return prefix + "-" + name, nil
}

// RecoveryDays convierte la ventana a días enteros dentro de [7, 30], el rango
// que acepta Secrets Manager.
func RecoveryDays(window time.Duration) int64 {
	if window <= 0 {
		window = DefaultRecoveryWindow
	}
	days := int64(window / (24 * time.Hour))
	if days < 7 {
		days = 7
	}
	if days > 30 {
		days = 30
	}
	return days
}
