package feed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/juju/clock"
)

// Posiciones de arranque para la suscripción.
const (
	StartTrimHorizon = "trim_horizon" // desde lo más viejo retenido
	StartLatest      = "latest"       // solo eventos nuevos
)

// Driver abre un Feed concreto; se registra en init().
type Driver interface {
	Name() string
	Open(ctx context.Context, cfg Config) (Feed, error)
}

// Config común a los drivers de feed.
type Config struct {
	// Driver: "memory", "dynamodb-streams", "redis"
	Driver string

	BatchSize     int
	PollInterval  time.Duration
	StartPosition string

	// Partitions para el feed en memoria.
	Partitions int

	// DynamoDB Streams: ARN explícito o tabla para descubrirlo.
	StreamARN string
	Table     string
	AWS       aws.Config

	Redis RedisConfig

	Clock clock.Clock
}

// RedisConfig configura el feed sobre Redis Streams.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Stream    string
	Group     string
	Consumer  string
	ClaimIdle time.Duration
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

// Register registra un driver de feed.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := drivers[d.Name()]; exists {
		panic(fmt.Sprintf("feed: driver %q already registered", d.Name()))
	}
	drivers[d.Name()] = d
}

// Drivers lista los drivers registrados.
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

// Open abre el feed del driver configurado.
func Open(ctx context.Context, cfg Config) (Feed, error) {
	registryMu.RLock()
	d, ok := drivers[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("feed: driver %q not registered (have %v)", cfg.Driver, Drivers())
	}
	return d.Open(ctx, cfg)
}
