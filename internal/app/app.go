// Package app builds and owns the long-lived services of a crawler process.
// Providers are chosen from configuration; the App closes them in reverse
// order of construction.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/JakeFAU/campus-crawler/internal/clock"
	"github.com/JakeFAU/campus-crawler/internal/config"
	"github.com/JakeFAU/campus-crawler/internal/coordinator"
	"github.com/JakeFAU/campus-crawler/internal/crawler"
	"github.com/JakeFAU/campus-crawler/internal/emitter"
	collyfetcher "github.com/JakeFAU/campus-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/campus-crawler/internal/fetcher/robots"
	"github.com/JakeFAU/campus-crawler/internal/frontier/memory"
	redisstore "github.com/JakeFAU/campus-crawler/internal/frontier/redis"
	"github.com/JakeFAU/campus-crawler/internal/hash/sha256"
	"github.com/JakeFAU/campus-crawler/internal/id/uuid"
	"github.com/JakeFAU/campus-crawler/internal/policy/ratelimit"
	"github.com/JakeFAU/campus-crawler/internal/sink"
	filesink "github.com/JakeFAU/campus-crawler/internal/sink/file"
	gcssink "github.com/JakeFAU/campus-crawler/internal/sink/gcs"
	graphsink "github.com/JakeFAU/campus-crawler/internal/sink/graph"
	kafkasink "github.com/JakeFAU/campus-crawler/internal/sink/kafka"
	logsink "github.com/JakeFAU/campus-crawler/internal/sink/log"
	memsink "github.com/JakeFAU/campus-crawler/internal/sink/memory"
	mongosink "github.com/JakeFAU/campus-crawler/internal/sink/mongo"
	pgsink "github.com/JakeFAU/campus-crawler/internal/sink/postgres"
	pubsubsink "github.com/JakeFAU/campus-crawler/internal/sink/pubsub"
	sqlitesink "github.com/JakeFAU/campus-crawler/internal/sink/sqlite"
)

// App holds the services shared by every command.
type App struct {
	Config      config.Config
	Logger      *zap.Logger
	Store       crawler.Store
	Sink        crawler.PageSink
	Emitter     *emitter.Emitter
	Coordinator *coordinator.Coordinator

	closers []func() error
}

// New initializes every service named by cfg. It fails fast: services
// already built are closed before the error is returned.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a = &App{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.closeAll())
			a = nil
		}
	}()

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	if a.Sink, err = a.openSinks(ctx); err != nil {
		return nil, err
	}
	a.Emitter = emitter.New(cfg.EmitterSettings(), a.Sink, a.Store, logger)

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.HTTP.UserAgent,
		Timeout:      cfg.Job.FetchTimeout,
		MaxBodyBytes: cfg.HTTP.MaxBodyBytes,
	})
	a.Coordinator, err = coordinator.New(coordinator.Deps{
		Store:   a.Store,
		Fetcher: fetcher,
		Robots:  robots.New(cfg.HTTP.RespectRobots, cfg.HTTP.UserAgent, cfg.Job.FetchTimeout, logger),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RateLimitRPS,
			DefaultBurst: cfg.HTTP.RateLimitBurst,
		}),
		Emitter: a.Emitter,
		Hasher:  sha256.New(),
		Clock:   clock.NewSystem(),
		IDs:     uuid.New(),
	}, cfg.WorkerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("init coordinator: %w", err)
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.Strings("sinks", cfg.Sink.Providers),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (crawler.Store, error) {
	switch a.Config.Store.Provider {
	case config.StoreRedis:
		r := a.Config.Store.Redis
		a.Logger.Info("connecting to redis", zap.String("addr", r.Addr), zap.Int("db", r.DB))
		store, err := redisstore.New(ctx, redisstore.Config{
			Addr:     r.Addr,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("init redis store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	case config.StoreMemory:
		a.Logger.Warn("using in-process store; state is not shared or persisted")
		store := memory.NewStore()
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("unknown store provider: %s", a.Config.Store.Provider)
	}
}

func (a *App) openSinks(ctx context.Context) (crawler.PageSink, error) {
	var sinks sink.Multi
	for _, provider := range a.Config.Sink.Providers {
		s, err := a.openSink(ctx, provider)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

func (a *App) openSink(ctx context.Context, provider string) (crawler.PageSink, error) {
	cfg := a.Config.Sink
	switch provider {
	case config.SinkLog:
		return logsink.New(a.Logger), nil
	case config.SinkMemory:
		return memsink.New(), nil
	case config.SinkFile:
		store, err := filesink.New(filesink.Config{BaseDir: cfg.File.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("init file sink: %w", err)
		}
		a.Logger.Info("writing pages to disk", zap.String("dir", cfg.File.BaseDir))
		return sink.NewBlobSink(store), nil
	case config.SinkGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		store, err := gcssink.New(client, gcssink.Config{Bucket: cfg.GCS.Bucket, Prefix: cfg.GCS.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs sink: %w", err)
		}
		a.Logger.Info("writing pages to gcs", zap.String("bucket", cfg.GCS.Bucket))
		return sink.NewBlobSink(store), nil
	case config.SinkPubSub:
		s, err := pubsubsink.New(ctx, pubsubsink.Config{
			ProjectID: cfg.PubSub.ProjectID,
			TopicID:   cfg.PubSub.TopicID,
		})
		if err != nil {
			return nil, fmt.Errorf("init pubsub sink: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("publishing pages", zap.String("topic", cfg.PubSub.TopicID))
		return s, nil
	case config.SinkPostgres:
		s, err := pgsink.New(ctx, pgsink.Config{
			DSN:      cfg.Postgres.DSN,
			Table:    cfg.Postgres.Table,
			MaxConns: cfg.Postgres.MaxConns,
		})
		if err != nil {
			return nil, fmt.Errorf("init postgres sink: %w", err)
		}
		a.closers = append(a.closers, func() error { s.Close(); return nil })
		return s, nil
	case config.SinkKafka:
		s, err := kafkasink.New(kafkasink.Config{Brokers: cfg.Kafka.Brokers, Topic: cfg.Kafka.Topic})
		if err != nil {
			return nil, fmt.Errorf("init kafka sink: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("writing pages to kafka", zap.String("topic", cfg.Kafka.Topic))
		return s, nil
	case config.SinkNeo4j:
		s, err := graphsink.New(ctx, graphsink.Config{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: cfg.Neo4j.Database,
		})
		if err != nil {
			return nil, fmt.Errorf("init neo4j sink: %w", err)
		}
		a.closers = append(a.closers, func() error { return s.Close(context.WithoutCancel(ctx)) })
		return s, nil
	case config.SinkMongo:
		s, err := mongosink.New(ctx, mongosink.Config{
			URI:        cfg.Mongo.URI,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return nil, fmt.Errorf("init mongo sink: %w", err)
		}
		a.closers = append(a.closers, func() error { return s.Close(context.WithoutCancel(ctx)) })
		return s, nil
	case config.SinkSQLite:
		s, err := sqlitesink.Open(ctx, sqlitesink.Config{Path: cfg.SQLite.Path})
		if err != nil {
			return nil, fmt.Errorf("init sqlite sink: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.Logger.Info("indexing pages in sqlite", zap.String("path", cfg.SQLite.Path))
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink provider: %s", provider)
	}
}

// Close drains the emitter within the configured drain timeout, then closes
// sinks and the store.
func (a *App) Close(ctx context.Context) error {
	var err error
	if a.Emitter != nil {
		drainCtx := ctx
		if d := a.Config.Emitter.DrainTimeout; d > 0 {
			var cancel context.CancelFunc
			drainCtx, cancel = context.WithTimeout(ctx, d)
			defer cancel()
		}
		if derr := a.Emitter.Close(drainCtx); derr != nil {
			a.Logger.Warn("emitter did not drain", zap.Error(derr))
			err = multierr.Append(err, derr)
		}
	}
	err = multierr.Append(err, a.closeAll())
	_ = a.Logger.Sync()
	return err
}

func (a *App) closeAll() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i]())
	}
	a.closers = nil
	return err
}
