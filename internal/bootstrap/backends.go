// Package bootstrap builds the stores and runtime selected by the configuration.
// Both the API server and the standalone worker start from it.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"coderunner/internal/config"
	"coderunner/internal/store"
	"coderunner/internal/store/memory"
	"coderunner/internal/store/postgres"
	"coderunner/internal/store/redis"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backends are the opened stores plus what is needed to close them.
type Backends struct {
	Jobs  store.JobStore
	Logs  store.LogStore
	Queue store.Queue

	// Pingers are the networked backends, keyed by name, for readiness checks.
	Pingers map[string]store.Pinger

	closers []func() error
}

// Close releases every connection opened by Open.
func (b *Backends) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

type redisPinger struct {
	rdb *goredis.Client
}

func (p redisPinger) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}

// Open connects the job store, log store and queue named by cfg.
// With migrate set, Postgres migrations run before the store is used.
func Open(ctx context.Context, cfg *config.Config, migrate bool, log *zap.Logger) (*Backends, error) {
	if log == nil {
		log = zap.NewNop()
	}
	b := &Backends{Pingers: map[string]store.Pinger{}}

	var rdb *goredis.Client
	if cfg.UsesRedis() {
		var err error
		rdb, err = redis.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, rdb.Close)
		b.Pingers["redis"] = redisPinger{rdb: rdb}
	}
	keys := redis.Keys{Prefix: cfg.RedisKeyPrefix}

	var pg *postgres.Store
	if cfg.UsesPostgres() {
		var err error
		pg, err = postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, pg.Close)
		if migrate {
			log.Info("running database migrations")
			if err := postgres.Migrate(pg.DB()); err != nil {
				b.Close()
				return nil, fmt.Errorf("migration failed: %w", err)
			}
		}
		b.Pingers["postgres"] = pg
	}

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		b.Jobs = pg
	case config.BackendRedis:
		b.Jobs = redis.NewJobStore(rdb, keys)
	default:
		b.Jobs = memory.NewJobStore()
	}

	switch cfg.LogBackend {
	case config.BackendRedis:
		b.Logs = redis.NewLogStore(rdb, keys)
	default:
		var opts []memory.LogOption
		if cfg.LogMirror {
			opts = append(opts, memory.WithMirrorDir(cfg.DataDir))
		}
		b.Logs = memory.NewLogStore(opts...)
	}

	switch cfg.QueueBackend {
	case config.BackendPostgres:
		b.Queue = postgres.NewQueue(pg, 0)
	case config.BackendRedis:
		b.Queue = redis.NewQueue(rdb, keys.Queue(cfg.QueueKey), cfg.QueueBlockTimeout)
	default:
		b.Queue = memory.NewQueue(cfg.QueueSize)
	}

	log.Info("backends ready",
		zap.String("store", cfg.StoreBackend),
		zap.String("logs", cfg.LogBackend),
		zap.String("queue", cfg.QueueBackend),
	)
	return b, nil
}
