package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/prometheus/client_golang/prometheus"
	rdb "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dropDatabas3/hellojohn-jwks/internal/awsx"
	"github.com/dropDatabas3/hellojohn-jwks/internal/config"
	"github.com/dropDatabas3/hellojohn-jwks/internal/feed"
	"github.com/dropDatabas3/hellojohn-jwks/internal/jwks"
	"github.com/dropDatabas3/hellojohn-jwks/internal/keyset"
	"github.com/dropDatabas3/hellojohn-jwks/internal/metrics"
	"github.com/dropDatabas3/hellojohn-jwks/internal/observability/logger"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rate"
	"github.com/dropDatabas3/hellojohn-jwks/internal/rotation"
	"github.com/dropDatabas3/hellojohn-jwks/internal/sink"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store"
	"github.com/dropDatabas3/hellojohn-jwks/internal/store/pg"
)

// deps agrupa lo abierto para un comando; close libera en orden inverso.
type deps struct {
	cfg   *config.Config
	aws   aws.Config
	store store.Store
	feed  feed.Feed
	sink  sink.Sink
	redis *rdb.Client
}

type openOpts struct {
	store bool
	// feed abre el feed; con un store que no tiene stream propio y un feed
	// Publisher, las mutaciones del store se publican ahí.
	feed bool
	sink bool
}

func needsAWS(cfg *config.Config) bool {
	return cfg.Store.Driver == "dynamodb" || cfg.Feed.Driver == "dynamodb-streams" || cfg.Sink.Driver == "s3"
}

func loadAWS(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	return awsx.Load(ctx, awsx.Options{
		Region:   cfg.AWS.Region,
		Endpoint: cfg.AWS.Endpoint,
		Profile:  cfg.AWS.Profile,
	})
}

func open(ctx context.Context, cfg *config.Config, o openOpts) (*deps, error) {
	d := &deps{cfg: cfg}
	var err error
	if needsAWS(cfg) {
		if d.aws, err = loadAWS(ctx, cfg); err != nil {
			return nil, err
		}
	}

	var notify func(feed.Event)
	if o.feed || (o.store && cfg.Feed.Driver == "redis" && cfg.Store.Driver != "dynamodb") {
		d.feed, err = feed.Open(ctx, feed.Config{
			Driver:        cfg.Feed.Driver,
			BatchSize:     cfg.Feed.BatchSize,
			PollInterval:  cfg.Feed.PollInterval,
			StartPosition: cfg.Feed.StartPosition,
			Partitions:    cfg.Feed.Partitions,
			StreamARN:     cfg.Feed.StreamARN,
			Table:         cfg.Store.Table,
			AWS:           d.aws,
			Redis: feed.RedisConfig{
				Addr:      cfg.Feed.Redis.Addr,
				Password:  cfg.Feed.Redis.Password,
				DB:        cfg.Feed.Redis.DB,
				Stream:    cfg.Feed.Redis.Stream,
				Group:     cfg.Feed.Redis.Group,
				Consumer:  cfg.Feed.Redis.Consumer,
				ClaimIdle: cfg.Feed.Redis.ClaimIdle,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		if pub, ok := d.feed.(feed.Publisher); ok && cfg.Store.Driver != "dynamodb" {
			notify = publishNotifier(pub)
		}
	}

	if o.store {
		d.store, err = store.Open(ctx, store.Config{
			Driver:   cfg.Store.Driver,
			Table:    cfg.Store.Table,
			DSN:      cfg.Store.DSN,
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
			AWS:      d.aws,
			Notify:   notify,
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("store: %w", err)
		}
		if p, ok := d.store.(*pg.Store); ok {
			if err := metrics.RegisterPool(prometheus.DefaultRegisterer, p.Pool); err != nil {
				logger.L().Warn("register pool metrics failed", logger.Err(err))
			}
		}
	}

	if o.sink {
		d.sink, err = sink.Open(ctx, sink.Config{
			Driver:       cfg.Sink.Driver,
			Root:         cfg.Sink.FSRoot,
			StateDir:     cfg.Sink.FSStateDir,
			Bucket:       cfg.Sink.Bucket,
			AWS:          d.aws,
			UsePathStyle: cfg.Sink.UsePathStyle,
		})
		if err != nil {
			d.close()
			return nil, fmt.Errorf("sink: %w", err)
		}
	}
	return d, nil
}

// publishNotifier reenvía los cambios del store al feed. Un fallo acá solo
// demora la convergencia hasta el próximo evento o rebuild manual.
func publishNotifier(pub feed.Publisher) func(feed.Event) {
	log := logger.Named("notify")
	return func(ev feed.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := pub.Publish(ctx, ev); err != nil {
			log.Warn("publish change event failed", logger.KID(ev.KeyID), logger.ChangeKind(string(ev.Kind)), logger.Err(err))
		}
	}
}

func (d *deps) processor() *rotation.Processor {
	reader := keyset.NewReader(d.store, keyset.Options{RefuseUnprovisioned: d.cfg.Store.RefuseUnprovisioned})
	return rotation.NewProcessor(reader, d.sink, rotation.Config{
		Path:         d.cfg.Sink.Path,
		CacheControl: d.cfg.Sink.CacheControl,
		ReadTimeout:  d.cfg.Rotation.ReadTimeout,
		WriteTimeout: d.cfg.Rotation.WriteTimeout,
		Conditional:  d.cfg.Rotation.Conditional,
	})
}

// limiter arma el límite de POST /v1/rebuild; con feed redis la ventana se
// comparte entre réplicas.
func (d *deps) limiter() rate.Limiter {
	sc := d.cfg.Server
	if sc.RebuildLimit <= 0 {
		return nil
	}
	if d.cfg.Feed.Driver == "redis" {
		if d.redis == nil {
			d.redis = rdb.NewClient(&rdb.Options{
				Addr:     d.cfg.Feed.Redis.Addr,
				Password: d.cfg.Feed.Redis.Password,
				DB:       d.cfg.Feed.Redis.DB,
			})
		}
		return rate.NewRedisLimiter(d.redis, "", sc.RebuildLimit, sc.RebuildWindow, nil)
	}
	return rate.NewMemoryLimiter(sc.RebuildLimit, sc.RebuildWindow, nil)
}

func (d *deps) close() {
	var errs []error
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	if d.sink != nil {
		errs = append(errs, d.sink.Close())
	}
	if d.store != nil {
		errs = append(errs, d.store.Close())
	}
	if d.feed != nil {
		errs = append(errs, d.feed.Close())
	}
	if err := errors.Join(errs...); err != nil {
		logger.L().Warn("close failed", logger.Err(err))
	}
}

// seed importa JWKs desde archivos (útil con el store en memoria).
func seed(ctx context.Context, s store.Store, files []string, ttl time.Duration) error {
	now := time.Now().UTC()
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		rec, err := jwks.ParseJWK(b, now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		if err := s.Put(ctx, rec); err != nil {
			return fmt.Errorf("seed %s: %w", f, err)
		}
		logger.L().Info("seeded key", logger.KID(rec.KID), zap.String("file", f))
	}
	return nil
}
