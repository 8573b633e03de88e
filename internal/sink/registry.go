package sink

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// Driver abre una Sink concreta; se registra en init().
type Driver interface {
	Name() string
	Open(ctx context.Context, cfg Config) (Sink, error)
}

// Config común a los drivers de sink.
type Config struct {
	// Driver: "memory", "fs", "s3"
	Driver string

	// Root directorio base (fs) y StateDir para metadata y temporales, fuera
	// de Root (vacío = hermano de Root).
	Root     string
	StateDir string

	// Bucket destino (s3).
	Bucket string
	AWS    aws.Config
	// UsePathStyle para endpoints compatibles (minio, localstack).
	UsePathStyle bool
}

var (
	registryMu sync.RWMutex
	drivers    = make(map[string]Driver)
)

// Register registra un driver de sink.
func Register(d Driver) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := drivers[d.Name()]; exists {
		panic(fmt.Sprintf("sink: driver %q already registered", d.Name()))
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

// Open abre la sink del driver configurado.
func Open(ctx context.Context, cfg Config) (Sink, error) {
	registryMu.RLock()
	d, ok := drivers[cfg.Driver]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("sink: driver %q not registered (have %v)", cfg.Driver, Drivers())
	}
	return d.Open(ctx, cfg)
}
