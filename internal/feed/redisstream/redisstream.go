// Package redisstream implementa el Change Feed sobre Redis Streams con un
// consumer group. El escritor publica con Publish (XADD); el consumidor lee
// con XREADGROUP, confirma con XACK y recupera entradas huérfanas de otros
// consumidores con XAUTOCLAIM.
package redisstream

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
)

// Campos de cada entrada del stream.
const (
	FieldKID  = "kid"
	FieldKind = "kind"
)

const (
	DefaultStream = "jwks:changes"
	DefaultGroup  = "jwks-publisher"
)

func init() { feed.Register(driver{}) }

type driver struct{}

func (driver) Name() string { return "redis" }

func (driver) Open(ctx context.Context, cfg feed.Config) (feed.Feed, error) {
	rc := cfg.Redis
	if rc.Addr == "" {
		return nil, errors.New("feed/redisstream: redis addr required")
	}
	client := rdb.NewClient(&rdb.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("feed/redisstream: ping: %w", err)
	}
	f, err := New(ctx, client, Options{
		Stream:       rc.Stream,
		Group:        rc.Group,
		Consumer:     rc.Consumer,
		ClaimIdle:    rc.ClaimIdle,
		BatchSize:    cfg.BatchSize,
		Block:        cfg.PollInterval,
		StartLatest:  cfg.StartPosition == feed.StartLatest,
		CloseOnClose: true,
	})
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return f, nil
}

// Client es el subconjunto de *rdb.Client que usa el feed.
type Client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *rdb.StatusCmd
	XReadGroup(ctx context.Context, a *rdb.XReadGroupArgs) *rdb.XStreamSliceCmd
	XAutoClaim(ctx context.Context, a *rdb.XAutoClaimArgs) *rdb.XAutoClaimCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *rdb.IntCmd
	XAdd(ctx context.Context, a *rdb.XAddArgs) *rdb.StringCmd
	Close() error
}

// Options del feed.
type Options struct {
	Stream    string
	Group     string
	Consumer  string
	ClaimIdle time.Duration
	BatchSize int
	// Block es el tiempo máximo de XREADGROUP bloqueante.
	Block time.Duration
	// MaxLen recorta el stream en Publish (aproximado). 0 = sin recorte.
	MaxLen      int64
	StartLatest bool
	// CloseOnClose cierra el cliente en Close.
	CloseOnClose bool
}

// Feed consume un stream como una única partición: un lote en vuelo a la vez.
type Feed struct {
	c    Client
	opts Options
	log  *zap.Logger

	slot chan struct{} // semáforo del lote en vuelo

	mu     sync.Mutex
	replay bool // releer el PEL propio (arranque o después de un Nack)
	closed bool
}

// New crea el consumer group si no existe.
func New(ctx context.Context, c Client, opts Options) (*Feed, error) {
	if opts.Stream == "" {
		opts.Stream = DefaultStream
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if opts.ClaimIdle <= 0 {
		opts.ClaimIdle = time.Minute
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 100
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	start := "0"
	if opts.StartLatest {
		start = "$"
	}
	if err := c.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, start).Err(); err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("feed/redisstream: create group: %w", err)
	}
	f := &Feed{
		c:      c,
		opts:   opts,
		log:    logger.Named("feed.redisstream"),
		slot:   make(chan struct{}, 1),
		replay: true,
	}
	f.slot <- struct{}{}
	return f, nil
}

// Publish agrega un evento al stream.
func (f *Feed) Publish(ctx context.Context, ev feed.Event) error {
	args := &rdb.XAddArgs{
		Stream: f.opts.Stream,
		Values: map[string]any{FieldKID: ev.KeyID, FieldKind: string(ev.Kind)},
	}
	if f.opts.MaxLen > 0 {
		args.MaxLen = f.opts.MaxLen
		args.Approx = true
	}
	if err := f.c.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("feed/redisstream: xadd: %w", err)
	}
	return nil
}

// Next devuelve el próximo lote: primero el PEL propio si hay que releerlo,
// después entradas reclamadas a consumidores caídos y por último nuevas.
func (f *Feed) Next(ctx context.Context) (*feed.Batch, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.slot:
	}
	b, err := f.next(ctx)
	if b == nil {
		f.slot <- struct{}{}
	}
	return b, err
}

func (f *Feed) next(ctx context.Context) (*feed.Batch, error) {
	for {
		f.mu.Lock()
		closed, replay := f.closed, f.replay
		f.mu.Unlock()
		if closed {
			return nil, feed.ErrClosed
		}

		if replay {
			msgs, err := f.read(ctx, "0", -1)
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 {
				return f.batch(msgs), nil
			}
			f.mu.Lock()
			f.replay = false
			f.mu.Unlock()
		}

		claimed, _, err := f.c.XAutoClaim(ctx, &rdb.XAutoClaimArgs{
			Stream:   f.opts.Stream,
			Group:    f.opts.Group,
			Consumer: f.opts.Consumer,
			MinIdle:  f.opts.ClaimIdle,
			Start:    "0-0",
			Count:    int64(f.opts.BatchSize),
		}).Result()
		if err != nil && !errors.Is(err, rdb.Nil) {
			return nil, fmt.Errorf("feed/redisstream: xautoclaim: %w", err)
		}
		if len(claimed) > 0 {
			f.log.Info("claimed idle entries", logger.Count(len(claimed)))
			return f.batch(claimed), nil
		}

		msgs, err := f.read(ctx, ">", f.opts.Block)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 {
			return f.batch(msgs), nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// read hace XREADGROUP; block < 0 no bloquea.
func (f *Feed) read(ctx context.Context, id string, block time.Duration) ([]rdb.XMessage, error) {
	streams, err := f.c.XReadGroup(ctx, &rdb.XReadGroupArgs{
		Group:    f.opts.Group,
		Consumer: f.opts.Consumer,
		Streams:  []string{f.opts.Stream, id},
		Count:    int64(f.opts.BatchSize),
		Block:    block,
	}).Result()
	if err != nil {
		if errors.Is(err, rdb.Nil) {
			return nil, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("feed/redisstream: xreadgroup: %w", err)
	}
	var out []rdb.XMessage
	for _, s := range streams {
		out = append(out, s.Messages...)
	}
	return out, nil
}

// batch arma el lote; las entradas sin kid se confirman igual junto con el
// lote para que no queden en el PEL para siempre.
func (f *Feed) batch(msgs []rdb.XMessage) *feed.Batch {
	ids := make([]string, 0, len(msgs))
	events := make([]feed.Event, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
		ev, ok := toEvent(m)
		if !ok {
			f.log.Warn("stream entry without kid, dropping", logger.Sequence(m.ID))
			continue
		}
		ev.Partition = f.opts.Stream
		events = append(events, ev)
	}

	ack := func(ctx context.Context) error {
		defer func() { f.slot <- struct{}{} }()
		if err := f.c.XAck(ctx, f.opts.Stream, f.opts.Group, ids...).Err(); err != nil {
			// Sin XACK las entradas siguen en el PEL y se reentregan.
			f.mu.Lock()
			f.replay = true
			f.mu.Unlock()
			return fmt.Errorf("feed/redisstream: xack: %w", err)
		}
		return nil
	}
	nack := func(context.Context) error {
		f.mu.Lock()
		f.replay = true
		f.mu.Unlock()
		f.slot <- struct{}{}
		return nil
	}
	return feed.NewBatch(f.opts.Stream, events, ack, nack)
}

// Close marca el feed cerrado y, si corresponde, cierra el cliente.
func (f *Feed) Close() error {
	f.mu.Lock()
	already := f.closed
	f.closed = true
	f.mu.Unlock()
	if already || !f.opts.CloseOnClose {
		return nil
	}
	return f.c.Close()
}

func toEvent(m rdb.XMessage) (feed.Event, bool) {
	kid, _ := m.Values[FieldKID].(string)
	if kid == "" {
		return feed.Event{}, false
	}
	kind, _ := m.Values[FieldKind].(string)
	ev := feed.Event{KeyID: kid, Kind: feed.ChangeKind(kind), Sequence: m.ID}
	switch ev.Kind {
	case feed.Inserted, feed.Modified, feed.Removed:
	default:
		ev.Kind = feed.Modified
	}
	return ev, true
}
