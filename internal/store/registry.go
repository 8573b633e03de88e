package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/juju/clock"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
)

// Driver abre un Store concreto. Cada driver se registra en init().
type Driver interface {
	Name() string
	Open(ctx context.Context, cfg Config) (Store, error)
}

// Config es la configuración común que reciben los drivers.
type Config struct {
	// Driver: "memory", "dynamodb", "postgres"
	Driver string

	// Table nombre de tabla (dynamodb / postgres).
	Table string

	// DSN connection string (postgres).
	DSN string

	// Pool settings (postgres).
	MaxConns int32
	MinConns int32

	// AWS configuración compartida del SDK (dynamodb).
	AWS aws.Config

	// Clock inyectable; default clock.WallClock.
	Clock clock.Clock

	// Notify recibe un evento por cada mutación (solo drivers que no tienen
	// feed nativo, ej. memory).
	Notify func(feed.Event)

	// OpTimeout acota cada operación contra el backend (0 = sin límite extra).
	OpTimeout time.Duration
}

// ClockOrWall devuelve el reloj configurado o el de pared.
func (c Config) ClockOrWall() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}
	return clock.WallClock
}

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register registra un driver. Panic si el nombre ya existe.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := drivers[d.Name()]; exists {
		panic(fmt.Sprintf("store: driver %q already registered", d.Name()))
	}
	drivers[d.Name()] = d
}

// Drivers lista los drivers registrados, ordenados.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(drivers))
	for n := range drivers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Open abre el store del driver configurado.
func Open(ctx context.Context, cfg Config) (Store, error) {
	registryMu.RLock()
	d, ok := drivers[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("store: driver %q not registered (have %v)", cfg.Driver, Drivers())
	}
	return d.Open(ctx, cfg)
}
