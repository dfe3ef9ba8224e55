package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/jobengine/internal/client"
	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/events"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/metadata"
	"github.com/makeasinger/jobengine/internal/pipeline"
	"github.com/makeasinger/jobengine/internal/progress"
	"github.com/makeasinger/jobengine/internal/queue"
	"github.com/makeasinger/jobengine/internal/store"
	"github.com/makeasinger/jobengine/internal/upload"
	"github.com/makeasinger/jobengine/internal/worker"
)

// components are the process-wide dependencies shared by every command
type components struct {
	cfg      *config.Config
	origin   string
	redis    *redis.Client
	asynq    *asynq.Client
	jobs     *store.RedisStore
	queue    *queue.RedisQueue
	tracker  *progress.Tracker
	metadata *metadata.Manager
	// bus is nil when NATS is not configured
	bus *events.Client
}

func newComponents(ctx context.Context, cfg *config.Config) (*components, error) {
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, fmt.Errorf("redis not available at %s: %w", cfg.Redis.Addr, err)
	}

	host, _ := os.Hostname()
	c := &components{
		cfg:    cfg,
		origin: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		redis:  redisClient,
		asynq:  asynq.NewClient(redisOpt(cfg)),
		jobs:   store.NewRedisStore(redisClient, cfg.Queue.Retention, cfg.Progress.CASAttempts),
		queue:  queue.NewRedisQueue(redisClient, cfg.Queue.Name),
	}

	opts := progress.DefaultOptions()
	opts.StageOrder = cfg.Worker.StageOrder
	opts.WriteAttempts = cfg.Progress.WriteAttempts
	opts.TerminalAttempts = cfg.Progress.TerminalAttempts
	c.tracker = progress.NewTracker(c.jobs, opts)
	c.tracker.SetFinalizer(worker.NewFinalizer(c.asynq, cfg.Finalize.Queue, cfg.Finalize.MaxRetry))

	metaStore, err := newMetadataStore(cfg, redisClient)
	if err != nil {
		c.close()
		return nil, err
	}
	c.metadata = metadata.NewManager(metadata.NewFFprobeExtractor(cfg.Metadata.FFprobePath), metaStore, cfg.Upload.SignedURLTTL)

	if cfg.NATS.URL != "" {
		bus, err := events.Connect(cfg.NATS.URL)
		if err != nil {
			c.close()
			return nil, err
		}
		c.bus = bus
		c.tracker.AddNotifier(events.NewPublisher(bus, cfg.NATS.SubjectPrefix, c.origin))
	}

	return c, nil
}

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

func newMetadataStore(cfg *config.Config, redisClient *redis.Client) (metadata.Store, error) {
	switch cfg.Metadata.Backend {
	case config.MetadataPostgres:
		return metadata.OpenPostgresStore(cfg.Postgres.DSN)
	case config.MetadataRedis, "":
		return metadata.NewRedisStore(redisClient, cfg.Queue.Retention), nil
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", cfg.Metadata.Backend)
	}
}

func (c *components) newStorage(ctx context.Context) (client.StorageClient, error) {
	switch c.cfg.Storage.Backend {
	case config.StorageR2:
		return client.NewR2Client(&c.cfg.R2)
	case config.StorageMinio:
		mc, err := client.NewMinioClient(&c.cfg.Minio)
		if err != nil {
			return nil, err
		}
		if err := mc.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return mc, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", c.cfg.Storage.Backend)
	}
}

func (c *components) newRunner() (pipeline.Runner, error) {
	switch c.cfg.Pipeline.Mode {
	case config.PipelineMock:
		return pipeline.NewMockRunner(c.cfg.Pipeline.MockStepDelay), nil
	case config.PipelineHTTP:
		if c.cfg.Pipeline.ServiceURL == "" {
			return nil, fmt.Errorf("pipeline.service_url is required in http mode")
		}
		gen := client.NewGenerationClient(&c.cfg.Pipeline)
		return pipeline.NewHTTPRunner(gen, c.cfg.Pipeline.ServiceURL, c.cfg.Pipeline.PollInterval), nil
	default:
		return nil, fmt.Errorf("unknown pipeline mode %q", c.cfg.Pipeline.Mode)
	}
}

func (c *components) newWorker(ctx context.Context) (*worker.Worker, error) {
	storage, err := c.newStorage(ctx)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	runner, err := c.newRunner()
	if err != nil {
		return nil, err
	}

	uploads := upload.NewManager(storage, upload.Options{
		MaxAttempts:  c.cfg.Upload.MaxAttempts,
		BaseDelay:    c.cfg.Upload.BaseDelay,
		MaxDelay:     c.cfg.Upload.MaxDelay,
		SignedURLTTL: c.cfg.Upload.SignedURLTTL,
		QualityTag:   c.cfg.Upload.QualityTag,
	})
	integrator := pipeline.NewIntegrator(runner, c.tracker, c.cfg.Worker.WorkDir, c.cfg.Pipeline.Timeout)

	opts := worker.OptionsFromConfig(c.cfg.Worker)
	opts.ID = c.origin
	return worker.NewWorker(c.queue, c.tracker, integrator, uploads, c.metadata, opts), nil
}

// runFinalizer serves deferred terminal writes until ctx is done
func (c *components) runFinalizer(ctx context.Context, g *errgroup.Group) {
	srv := asynq.NewServer(redisOpt(c.cfg), asynq.Config{
		Concurrency: 2,
		Queues:      map[string]int{c.cfg.Finalize.Queue: 1},
		Logger:      log.AsynqLogger{},
		LogLevel:    log.AsynqLevel(c.cfg.Server.LogLevel),
	})

	mux := asynq.NewServeMux()
	mux.Handle(worker.TaskTypeFinalize, worker.NewFinalizeHandler(c.tracker))

	g.Go(func() error {
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("finalizer: %w", err)
		}
		<-ctx.Done()
		srv.Shutdown()
		return nil
	})
}

func (c *components) close() {
	if c.bus != nil {
		c.bus.Close()
	}
	if c.asynq != nil {
		c.asynq.Close()
	}
	c.redis.Close()
}
