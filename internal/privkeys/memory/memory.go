// Package memory implementa privkeys.Store en proceso, con la misma semántica
// de retiro que Secrets Manager: el secreto queda recuperable durante la
// ventana y después desaparece.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/dropDatabas3/hellojohn-jwks/internal/privkeys"
)

type secret struct {
	handle      privkeys.Handle
	description string
	deleteAt    time.Time // cero = activo
}

// Store privkeys en memoria.
type Store struct {
	mu      sync.Mutex
	prefix  string
	window  time.Duration
	clock   clock.Clock
	secrets map[string]*secret
}

// New crea el store. window <= 0 usa privkeys.DefaultRecoveryWindow.
func New(prefix string, window time.Duration, clk clock.Clock) *Store {
	if window <= 0 {
		window = privkeys.DefaultRecoveryWindow
	}
	if clk == nil {
		clk = clock.WallClock
	}
	return &Store{prefix: prefix, window: window, clock: clk, secrets: make(map[string]*secret)}
}

func (s *Store) Provision(_ context.Context, name, description string) (privkeys.Handle, error) {
	full, err := privkeys.SecretName(s.prefix, name)
	if err != nil {
		return privkeys.Handle{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookupLocked(full); ok {
		return privkeys.Handle{}, fmt.Errorf("%w: %s", privkeys.ErrExists, full)
	}
	h := privkeys.Handle{
		Name:      full,
		ARN:       "arn:memory:secret:" + full,
		VersionID: uuid.NewString(),
	}
	s.secrets[full] = &secret{handle: h, description: description}
	return h, nil
}

func (s *Store) Retire(_ context.Context, name string) error {
	full, err := privkeys.SecretName(s.prefix, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.lookupLocked(full)
	if !ok {
		return fmt.Errorf("%w: %s", privkeys.ErrNotFound, full)
	}
	if sec.deleteAt.IsZero() {
		sec.deleteAt = s.clock.Now().Add(s.window)
	}
	return nil
}

func (s *Store) Restore(_ context.Context, name string) error {
	full, err := privkeys.SecretName(s.prefix, name)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.lookupLocked(full)
	if !ok {
		return fmt.Errorf("%w: %s", privkeys.ErrNotFound, full)
	}
	if sec.deleteAt.IsZero() {
		return fmt.Errorf("%w: %s", privkeys.ErrNotRetired, full)
	}
	sec.deleteAt = time.Time{}
	return nil
}

// Description devuelve la descripción de un secreto vigente o en recuperación.
func (s *Store) Description(name string) (string, bool) {
	full, err := privkeys.SecretName(s.prefix, name)
	if err != nil {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sec, ok := s.lookupLocked(full)
	if !ok {
		return "", false
	}
	return sec.description, true
}

// lookupLocked purga el secreto si su ventana ya pasó.
func (s *Store) lookupLocked(full string) (*secret, bool) {
	sec, ok := s.secrets[full]
	if !ok {
		return nil, false
	}
	if !sec.deleteAt.IsZero() && !s.clock.Now().Before(sec.deleteAt) {
		delete(s.secrets, full)
		return nil, false
	}
	return sec, true
}
