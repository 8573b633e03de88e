package rotation

import (
	"context"
	"errors"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
)

// BatchHandler procesa un lote; error = no confirmar.
type BatchHandler interface {
	Handle(ctx context.Context, b *feed.Batch) (Result, error)
}

// RunnerConfig configura el consumo del feed.
type RunnerConfig struct {
	// Workers consumidores concurrentes (cada uno es una invocación
	// independiente). Default 1.
	Workers int
	// Backoff inicial ante errores del feed o lotes fallidos; se duplica
	// hasta MaxBackoff.
	Backoff    time.Duration
	MaxBackoff time.Duration
	// SettleTimeout acota Ack/Nack.
	SettleTimeout time.Duration
	Clock         clock.Clock
}

// Runner conecta el feed con el procesador: ack en éxito, nack en fallo.
type Runner struct {
	feed    feed.Feed
	handler BatchHandler
	cfg     RunnerConfig
	clock   clock.Clock
	log     *zap.Logger
}

// NewRunner crea el runner.
func NewRunner(f feed.Feed, h BatchHandler, cfg RunnerConfig) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff < cfg.Backoff {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 5 * time.Second
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.WallClock
	}
	return &Runner{feed: f, handler: h, cfg: cfg, clock: clk, log: logger.Named("runner")}
}

// Run bloquea hasta que ctx termine o el feed se cierre.
func (r *Runner) Run(ctx context.Context) error {
	r.log.Info("runner started", zap.Int("workers", r.cfg.Workers))
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < r.cfg.Workers; i++ {
		worker := i
		g.Go(func() error { return r.work(gctx, worker) })
	}
	err := g.Wait()
	r.log.Info("runner stopped")
	return err
}

func (r *Runner) work(ctx context.Context, worker int) error {
	log := r.log.With(zap.Int("worker", worker))
	backoff := r.cfg.Backoff
	for {
		b, err := r.feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, feed.ErrClosed) {
				return nil
			}
			log.Warn("feed next failed", logger.Err(err), logger.Duration(backoff))
			if !r.sleep(ctx, backoff) {
				return nil
			}
			backoff = r.grow(backoff)
			continue
		}

		if _, err := r.handler.Handle(ctx, b); err != nil {
			metrics.Batches.WithLabelValues("nacked").Inc()
			log.Warn("batch failed, leaving for redelivery", logger.BatchID(b.ID), logger.Err(err))
			r.settle(ctx, b.Nack, log)
			if !r.sleep(ctx, backoff) {
				return nil
			}
			backoff = r.grow(backoff)
			continue
		}

		metrics.Batches.WithLabelValues("acked").Inc()
		r.settle(ctx, b.Ack, log)
		backoff = r.cfg.Backoff
	}
}

// settle corre Ack/Nack aun si ctx ya fue cancelado.
func (r *Runner) settle(ctx context.Context, fn func(context.Context) error, log *zap.Logger) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.cfg.SettleTimeout)
	defer cancel()
	if err := fn(sctx); err != nil {
		log.Warn("settle batch failed", logger.Err(err))
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-r.clock.After(d):
		return true
	}
}

func (r *Runner) grow(d time.Duration) time.Duration {
	d *= 2
	if d > r.cfg.MaxBackoff {
		d = r.cfg.MaxBackoff
	}
	return d
}
