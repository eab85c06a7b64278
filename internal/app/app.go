// Package app assembles stores, queue, services and worker pools from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sameanonim/imageboard/internal/cache"
	"github.com/sameanonim/imageboard/internal/config"
	"github.com/sameanonim/imageboard/internal/database"
	"github.com/sameanonim/imageboard/internal/handlers"
	"github.com/sameanonim/imageboard/internal/models"
	"github.com/sameanonim/imageboard/internal/notify"
	"github.com/sameanonim/imageboard/internal/queue"
	"github.com/sameanonim/imageboard/internal/reaper"
	"github.com/sameanonim/imageboard/internal/repository"
	"github.com/sameanonim/imageboard/internal/retry"
	"github.com/sameanonim/imageboard/internal/service"
	"github.com/sameanonim/imageboard/internal/storage"
	"github.com/sameanonim/imageboard/internal/tasks"
	"github.com/sameanonim/imageboard/internal/transform"
)

const driverMemory = "memory"

// App holds every long-lived dependency of a process.
type App struct {
	Config  *config.AppConfig
	Files   repository.FileStore
	Content storage.ContentStore
	Queue   queue.Queue
	Hook    notify.Hook
	Retry   *retry.Controller
	Ingest  *service.IngestService
	Status  *service.StatusService
	Checks  map[string]handlers.HealthCheck

	db          *pgxpool.Pool
	redis       *redis.Client
	redisQueue  *queue.RedisQueue
	memoryQueue *queue.MemoryQueue
	nats        *notify.NATSPublisher
	log         zerolog.Logger
}

// New connects to the configured backends. Memory drivers need no external services.
func New(ctx context.Context, cfg *config.AppConfig, log zerolog.Logger) (*App, error) {
	a := &App{
		Config: cfg,
		Retry:  retry.NewController(retry.PolicyFromConfig(cfg.Pipeline)),
		Checks: make(map[string]handlers.HealthCheck),
		log:    log,
	}
	if err := a.open(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.Ingest = service.NewIngestService(a.Files, a.Content, a.Queue, cfg.Ingest, log)
	a.Status = service.NewStatusService(a.Files, a.Content, service.StatusOptions{
		ResourceSecret: cfg.Security.ResourceSecret,
		CacheSize:      cfg.Cache.StatusMax,
		CacheTTL:       cfg.Cache.StatusTTL,
		OnAttach:       a.Hook,
	}, log)
	return a, nil
}

func (a *App) open(ctx context.Context) error {
	cfg := a.Config

	switch strings.ToLower(cfg.Database.Driver) {
	case driverMemory:
		a.Files = repository.NewMemoryFileRepository()
	case "postgres", "":
		if cfg.Database.Migrate {
			if err := database.Migrate(cfg.Postgres.DSN, a.log); err != nil {
				return err
			}
		}
		pool, err := database.NewPostgresPool(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		a.db = pool
		a.Files = repository.NewFileRepository(pool)
		a.Checks["database"] = pool.Ping
	default:
		return fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case driverMemory:
		a.Content = storage.NewMemoryStore()
	case "minio", "s3", "":
		store, err := storage.NewObjectStore(cfg.Storage)
		if err != nil {
			return fmt.Errorf("init object store: %w", err)
		}
		if err := store.EnsureBuckets(ctx); err != nil {
			a.log.Warn().Err(err).Msg("ensure buckets failed")
		}
		a.Content = store
		a.Checks["storage"] = store.Ping
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	queueDriver := strings.ToLower(cfg.Queue.Driver)
	if queueDriver == "redis" || queueDriver == "" {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		a.redis = client
	} else if cfg.Redis.Addr != "" && len(cfg.Cache.PostKeys) > 0 {
		// Without a Redis queue the client only serves cache invalidation.
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.log.Warn().Err(err).Msg("redis unavailable, post cache invalidation disabled")
		} else {
			a.redis = client
		}
	}
	if a.redis != nil {
		client := a.redis
		a.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	}

	switch queueDriver {
	case driverMemory:
		a.memoryQueue = queue.NewMemoryQueue(0)
		a.Queue = a.memoryQueue
	case "redis", "":
		a.redisQueue = queue.NewRedisQueue(a.redis, cfg.Queue, a.log)
		a.Queue = a.redisQueue
	default:
		return fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}

	var hooks notify.Fanout
	if a.redis != nil && len(cfg.Cache.PostKeys) > 0 {
		hooks = append(hooks, cache.NewPostInvalidator(a.redis, cfg.Cache.PostKeys))
	}
	if cfg.Notify.NATSURL != "" {
		pub, err := notify.ConnectNATS(cfg.Notify.NATSURL, cfg.Notify.Subject)
		if err != nil {
			return err
		}
		a.nats = pub
		hooks = append(hooks, pub)
	}
	a.Hook = hooks
	return nil
}

// EnsureGroups prepares the lane streams. It is a no-op for the memory queue.
func (a *App) EnsureGroups(ctx context.Context) error {
	if a.redisQueue == nil {
		return nil
	}
	return a.redisQueue.EnsureGroups(ctx, models.Lanes...)
}

func (a *App) Handlers() handlers.HandlerSet {
	return handlers.NewHandlerSet(a.log, a.Config, a.Ingest, a.Status, a.Content, a.Checks)
}

func (a *App) Reaper() *reaper.Reaper {
	return reaper.New(a.Files, a.Content, a.Queue, a.Retry, reaper.OptionsFromConfig(a.Config.Reaper), a.log)
}

// Pools builds one worker pool per lane. The default lane also runs sweeps.
func (a *App) Pools() []*tasks.Pool {
	cfg := a.Config
	processor := tasks.NewProcessor(
		a.Files,
		a.Content,
		transform.FromConfig(cfg.Transform),
		a.Retry,
		tasks.Limits{Soft: cfg.Pipeline.SoftTimeLimit, Hard: cfg.Pipeline.HardTimeLimit},
		a.Hook,
		a.log,
	)
	maintenance := tasks.NewMaintenance(a.Reaper(), a.log)

	pools := make([]*tasks.Pool, 0, len(models.Lanes))
	for _, lane := range models.Lanes {
		var handler tasks.Handler = processor
		if lane == models.LaneDefault {
			handler = defaultLane(processor, maintenance)
		}
		pools = append(pools, tasks.NewPool(a.Queue, lane, cfg.Lanes.Workers(lane), handler, a.log))
	}
	return pools
}

// defaultLane sends sweeps to maintenance and media of unknown kind to the processor.
func defaultLane(processor, maintenance tasks.Handler) tasks.Handler {
	return tasks.HandlerFunc(func(ctx context.Context, job models.Job) tasks.Outcome {
		if job.TransformKind == models.TransformSweep {
			return maintenance.Handle(ctx, job)
		}
		return processor.Handle(ctx, job)
	})
}

// RunPools blocks until ctx is done and every pool has drained.
func RunPools(ctx context.Context, pools []*tasks.Pool) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, pool := range pools {
		g.Go(func() error {
			if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("lane %s: %w", pool.Lane(), err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *App) Close() {
	if a.nats != nil {
		a.nats.Close()
	}
	if a.memoryQueue != nil {
		a.memoryQueue.Close()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.Error().Err(err).Msg("redis close error")
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
