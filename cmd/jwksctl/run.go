package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rotation"
	"github.com/dropDatabas3/hellojohn-jwks/internal/server"
)

// purger lo implementan los stores sin TTL nativo (memory, postgres).
type purger interface {
	Purge(ctx context.Context, now time.Time) (int, error)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(getCfg func() *config.Config) *cobra.Command {
	var (
		serve          bool
		rebuildOnStart bool
		seedFiles      []string
		seedTTL        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Consume el change feed y republica el JWKS en cada lote",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getCfg()
			ctx, stop := signalContext()
			defer stop()

			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			d, err := open(ctx, cfg, openOpts{store: true, feed: true, sink: true})
			if err != nil {
				return err
			}
			defer d.close()

			if err := seed(ctx, d.store, seedFiles, seedTTL); err != nil {
				return err
			}

			proc := d.processor()
			log := logger.Named("run")
			if rebuildOnStart {
				// Converge aunque el feed arranque en LATEST o esté vacío.
				if _, err := proc.Rebuild(ctx, "startup"); err != nil {
					log.Warn("startup rebuild failed, waiting for feed", logger.Err(err))
				}
			}

			runner := rotation.NewRunner(d.feed, proc, rotation.RunnerConfig{
				Workers:    cfg.Rotation.Workers,
				Backoff:    cfg.Rotation.Backoff,
				MaxBackoff: cfg.Rotation.MaxBackoff,
			})

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return runner.Run(gctx) })
			if serve {
				srv := server.New(server.Options{
					Sink:        d.sink,
					Path:        cfg.Sink.Path,
					CacheTTL:    cfg.Server.CacheTTL,
					Rebuilder:   proc,
					AdminAPIKey: cfg.Server.AdminAPIKey,
					Limiter:     d.limiter(),
				})
				g.Go(func() error { return srv.ListenAndServe(gctx, cfg.Server.Addr) })
			}
			if p, ok := d.store.(purger); ok && cfg.Store.PurgeInterval > 0 {
				g.Go(func() error { return purgeLoop(gctx, p, cfg.Store.PurgeInterval) })
			}

			log.Info("pipeline started",
				logger.Driver(cfg.Store.Driver),
				zap.String("feed", cfg.Feed.Driver),
				zap.String("sink", cfg.Sink.Driver),
				logger.Path(cfg.Sink.Path),
			)
			if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "levantar también el server HTTP")
	cmd.Flags().BoolVar(&rebuildOnStart, "rebuild-on-start", true, "publicar una vez al arrancar")
	cmd.Flags().StringSliceVar(&seedFiles, "seed", nil, "JWK(s) a importar al arrancar")
	cmd.Flags().DurationVar(&seedTTL, "seed-ttl", 30*24*time.Hour, "vigencia de las claves importadas con --seed")
	return cmd
}

func purgeLoop(ctx context.Context, p purger, every time.Duration) error {
	log := logger.Named("purge")
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			n, err := p.Purge(ctx, now.UTC())
			if err != nil {
				log.Warn("purge failed", logger.Err(err))
				continue
			}
			if n > 0 {
				log.Info("expired keys purged", logger.Count(n))
			}
		}
	}
}

func newRebuildCmd(getCfg func() *config.Config, getOut func() string) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Reconstruye y publica el JWKS una vez",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			d, err := open(ctx, getCfg(), openOpts{store: true, sink: true})
			if err != nil {
				return err
			}
			defer d.close()

			res, err := d.processor().Rebuild(ctx, reason)
			if err != nil {
				return fmt.Errorf("rebuild: %w", err)
			}
			if getOut() == "json" {
				return printJSON(res)
			}
			fmt.Printf("published=%t stale=%t keys=%d bytes=%d id=%s\n", res.Published, res.Stale, res.Keys, res.Bytes, res.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "cli", "motivo (queda en el log)")
	return cmd
}

func newServeCmd(getCfg func() *config.Config) *cobra.Command {
	var seedFiles []string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sirve el documento publicado por HTTP (sinks fs/memory)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := getCfg()
			ctx, stop := signalContext()
			defer stop()
			if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
				return err
			}
			d, err := open(ctx, cfg, openOpts{store: true, sink: true})
			if err != nil {
				return err
			}
			defer d.close()

			proc := d.processor()
			if len(seedFiles) > 0 {
				if err := seed(ctx, d.store, seedFiles, 30*24*time.Hour); err != nil {
					return err
				}
				if _, err := proc.Rebuild(ctx, "seed"); err != nil {
					return err
				}
			}
			srv := server.New(server.Options{
				Sink:        d.sink,
				Path:        cfg.Sink.Path,
				CacheTTL:    cfg.Server.CacheTTL,
				Rebuilder:   proc,
				AdminAPIKey: cfg.Server.AdminAPIKey,
				Limiter:     d.limiter(),
			})
			return srv.ListenAndServe(ctx, cfg.Server.Addr)
		},
	}
	cmd.Flags().StringSliceVar(&seedFiles, "seed", nil, "JWK(s) a importar y publicar al arrancar")
	return cmd
}
