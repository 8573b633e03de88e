// Package rotation implementa el Rotation Processor: ante cada lote del change
// feed relee el store, reconstruye el JWKS completo y lo republica. El estado
// publicado nunca se cachea en proceso; cada invocación es un rebuild puro.
package rotation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
)

// Triggers para métricas y logs.
const (
	TriggerFeed   = "feed"
	TriggerManual = "manual"
)

// ErrClockSkew: la sink guarda un snapshot con stamp posterior al reloj
// local. El lote no se confirma para reintentar cuando el reloj lo alcance.
var ErrClockSkew = errors.New("rotation: published stamp is ahead of local clock")

// KeySetReader es el contrato del Key Set Reader que consume el procesador.
type KeySetReader interface {
	ListActiveSigningKeys(ctx context.Context, now time.Time) ([]jwks.PublicKey, error)
}

// Config del procesador.
type Config struct {
	// Path fijo del documento en la sink. Default jwks.DefaultPath.
	Path string
	// CacheControl opcional para el objeto publicado.
	CacheControl string
	// ReadTimeout / WriteTimeout acotan los dos puntos de suspensión.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// Conditional activa la escritura condicional por stamp si la sink la
	// soporta (sink.ConditionalSink). Los stamps salen de Clock, así que las
	// réplicas necesitan relojes sincronizados.
	Conditional bool
	Clock       clock.Clock
}

// Result resume una invocación exitosa.
type Result struct {
	ID        string
	Keys      int
	Bytes     int
	Stamp     int64
	Stale     bool // otro snapshot más nuevo ya estaba publicado
	Published bool
}

// Processor reconstruye y publica el JWKS.
type Processor struct {
	reader KeySetReader
	sink   sink.Sink
	cfg    Config
	clock  clock.Clock
	log    *zap.Logger
}

// NewProcessor crea el procesador con defaults razonables.
func NewProcessor(reader KeySetReader, s sink.Sink, cfg Config) *Processor {
	if cfg.Path == "" {
		cfg.Path = jwks.DefaultPath
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Processor{reader: reader, sink: s, cfg: cfg, clock: clk, log: logger.Named("rotation")}
}

// Path devuelve el path fijo de publicación.
func (p *Processor) Path() string { return p.cfg.Path }

// Handle procesa un lote del feed. El contenido de los eventos solo se
// registra; el documento sale siempre del store. Un error significa que el
// lote no debe confirmarse.
func (p *Processor) Handle(ctx context.Context, b *feed.Batch) (Result, error) {
	if b == nil || b.Len() == 0 {
		return Result{}, nil
	}
	log := p.log.With(logger.BatchID(b.ID), logger.Partition(b.Partition))
	for _, ev := range b.Events {
		metrics.FeedEvents.WithLabelValues(string(ev.Kind)).Inc()
		log.Debug("change event", logger.KID(ev.KeyID), logger.ChangeKind(string(ev.Kind)), logger.Sequence(ev.Sequence))
	}
	log.Info("rebuild triggered", logger.Count(b.Len()), zap.Strings("kids", b.KeyIDs()))
	return p.rebuild(logger.ToContext(ctx, log), b.ID, TriggerFeed)
}

// Rebuild fuerza un rebuild sin lote (CLI, endpoint admin).
func (p *Processor) Rebuild(ctx context.Context, reason string) (Result, error) {
	id := uuid.NewString()
	log := p.log.With(logger.BatchID(id), logger.Trigger(TriggerManual), logger.Reason(reason))
	log.Info("manual rebuild")
	return p.rebuild(logger.ToContext(ctx, log), id, TriggerManual)
}

func (p *Processor) rebuild(ctx context.Context, id, trigger string) (res Result, err error) {
	log := logger.From(ctx)
	start := p.clock.Now()
	defer func() {
		metrics.RebuildDuration.Observe(p.clock.Now().Sub(start).Seconds())
		switch {
		case err != nil:
			metrics.Rebuilds.WithLabelValues(trigger, "failed").Inc()
		case res.Stale:
			metrics.Rebuilds.WithLabelValues(trigger, "stale").Inc()
		default:
			metrics.Rebuilds.WithLabelValues(trigger, "published").Inc()
		}
	}()

	// Reading
	now := p.clock.Now()
	readCtx, cancelRead := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	keys, err := p.reader.ListActiveSigningKeys(readCtx, now)
	cancelRead()
	if err != nil {
		log.Error("read key set failed", logger.Err(err))
		return Result{ID: id}, fmt.Errorf("rotation: read: %w", err)
	}

	// Building
	body, err := jwks.Encode(keys)
	if err != nil {
		return Result{ID: id}, fmt.Errorf("rotation: build: %w", err)
	}
	obj := sink.Object{
		Path:         p.cfg.Path,
		Body:         body,
		ContentType:  jwks.ContentType,
		CacheControl: p.cfg.CacheControl,
		Stamp:        now.UnixNano(),
	}

	// Publishing
	writeCtx, cancelWrite := context.WithTimeout(ctx, p.cfg.WriteTimeout)
	defer cancelWrite()
	res = Result{ID: id, Keys: len(keys), Bytes: len(body), Stamp: obj.Stamp}

	if cs, ok := p.sink.(sink.ConditionalSink); ok && p.cfg.Conditional {
		err = cs.PutIfNewer(writeCtx, obj)
		if errors.Is(err, sink.ErrStale) {
			if ahead := p.storedAhead(writeCtx); ahead > 0 {
				log.Warn("published stamp is ahead of local clock", logger.Int64("stamp", obj.Stamp), logger.Duration(ahead))
				return Result{ID: id}, fmt.Errorf("%w by %s", ErrClockSkew, ahead)
			}
			log.Info("newer snapshot already published, skipping", logger.Int64("stamp", obj.Stamp))
			res.Stale = true
			return res, nil
		}
	} else {
		err = p.sink.Put(writeCtx, obj)
	}
	if err != nil {
		log.Error("publish failed", logger.Path(p.cfg.Path), logger.Err(err))
		return Result{ID: id}, fmt.Errorf("rotation: publish: %w", err)
	}

	res.Published = true
	metrics.PublishedKeys.Set(float64(len(keys)))
	log.Info("jwks published", logger.Path(p.cfg.Path), logger.Count(len(keys)), logger.Bytes(len(body)),
		logger.Duration(p.clock.Now().Sub(start)))
	return res, nil
}

// storedAhead cuánto adelanta el stamp publicado al reloj local (0 si no
// adelanta o no se puede leer).
func (p *Processor) storedAhead(ctx context.Context) time.Duration {
	cur, err := p.sink.Get(ctx, p.cfg.Path)
	if err != nil {
		return 0
	}
	if d := time.Duration(cur.Stamp - p.clock.Now().UnixNano()); d > 0 {
		return d
	}
	return 0
}
