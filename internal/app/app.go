// Package app builds the long-lived services of a flowcrawler process from
// configuration and hands out ready-to-run stage workers.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gcsstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/JakeFAU/flowcrawler/internal/api"
	"github.com/JakeFAU/flowcrawler/internal/clock/system"
	"github.com/JakeFAU/flowcrawler/internal/config"
	"github.com/JakeFAU/flowcrawler/internal/crawler"
	"github.com/JakeFAU/flowcrawler/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/flowcrawler/internal/fetcher/colly"
	"github.com/JakeFAU/flowcrawler/internal/id/uuid"
	"github.com/JakeFAU/flowcrawler/internal/logging"
	"github.com/JakeFAU/flowcrawler/internal/persist"
	"github.com/JakeFAU/flowcrawler/internal/policy/ratelimit"
	"github.com/JakeFAU/flowcrawler/internal/producer"
	memorypublisher "github.com/JakeFAU/flowcrawler/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/flowcrawler/internal/publisher/pubsub"
	"github.com/JakeFAU/flowcrawler/internal/queue/amqp"
	queueMemory "github.com/JakeFAU/flowcrawler/internal/queue/memory"
	"github.com/JakeFAU/flowcrawler/internal/queue/redis"
	"github.com/JakeFAU/flowcrawler/internal/storage"
	"github.com/JakeFAU/flowcrawler/internal/storage/gcs"
	"github.com/JakeFAU/flowcrawler/internal/storage/local"
	memoryStorage "github.com/JakeFAU/flowcrawler/internal/storage/memory"
	"github.com/JakeFAU/flowcrawler/internal/storage/mongo"
	"github.com/JakeFAU/flowcrawler/internal/storage/mysql"
	"github.com/JakeFAU/flowcrawler/internal/storage/postgres"
	"github.com/JakeFAU/flowcrawler/internal/worker"
	"github.com/JakeFAU/flowcrawler/internal/workflow"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// App holds the shared services of one process. Services a stage does not
// need are never built: the queue is opened eagerly, everything else on
// first use.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	queue  crawler.Queue
	clock  crawler.Clock
	ids    crawler.IDGenerator
	keys   worker.Keys

	mu        sync.Mutex
	workflow  *workflow.Config
	router    *persist.Router
	archiver  *storage.Archiver
	archived  bool
	publisher crawler.Publisher
	limiter   *ratelimit.Limiter
	checks    map[string]api.Check
	closers   []func() error
}

// New opens the configured queue. Fail fast: an unreachable broker is an error.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
		ids:    uuid.New(),
		keys: worker.Keys{
			Start:   cfg.Queue.StartKey,
			Success: cfg.Queue.SuccessKey,
			Data:    cfg.Queue.DataKey,
			Error:   cfg.Queue.ErrorKey,
		},
		checks: make(map[string]api.Check),
	}
	q, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	a.queue = q
	a.closers = append(a.closers, q.Close)
	if p, ok := q.(pinger); ok {
		a.checks["queue"] = p.Ping
	}
	logger.Info("queue ready", zap.String("backend", cfg.Queue.Backend))
	return a, nil
}

func (a *App) openQueue(ctx context.Context) (crawler.Queue, error) {
	switch a.cfg.Queue.Backend {
	case "", "memory":
		return queueMemory.NewQueue(), nil
	case "redis":
		q, err := redis.New(ctx, a.cfg.Queue.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis queue: %w", err)
		}
		return q, nil
	case "amqp":
		q, err := amqp.New(a.cfg.Queue.AMQPURL, a.cfg.Queue.AMQPPollInterval)
		if err != nil {
			return nil, fmt.Errorf("open amqp queue: %w", err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unknown queue backend %q", a.cfg.Queue.Backend)
	}
}

// Queue returns the shared queue.
func (a *App) Queue() crawler.Queue {
	return a.queue
}

// Config returns the process configuration.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the process logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Workflow loads the workflow document named by workflow.path once.
func (a *App) Workflow() (*workflow.Config, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.workflow != nil {
		return a.workflow, nil
	}
	if a.cfg.Workflow.Path == "" {
		return nil, &workflow.ConfigError{Field: "workflow.path", Reason: "is required"}
	}
	wf, err := workflow.Load(a.cfg.Workflow.Path)
	if err != nil {
		return nil, err
	}
	a.workflow = wf
	a.logger.Info("workflow loaded",
		zap.String("task_id", wf.Task.ID),
		zap.String("task_name", wf.Task.Name),
		zap.Int("steps", len(wf.Steps)),
	)
	return wf, nil
}

// Router builds the persistence router from storage.backends. With no
// backends the router is disabled but usable.
func (a *App) Router(ctx context.Context) (*persist.Router, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.router != nil {
		return a.router, nil
	}
	stores := make([]crawler.ArticleStore, 0, len(a.cfg.Storage.Backends))
	for _, name := range a.cfg.Storage.Backends {
		if !knownBackend(name) {
			for _, s := range stores {
				_ = s.Close()
			}
			return nil, fmt.Errorf("unknown storage backend %q", name)
		}
		store, err := a.openStore(ctx, name)
		if err != nil {
			a.logger.Warn("article backend unavailable, skipping",
				zap.String("backend", name),
				zap.Error(err),
			)
			continue
		}
		stores = append(stores, store)
	}
	if len(stores) == 0 && len(a.cfg.Storage.Backends) > 0 {
		a.logger.Warn("no article backend available, records go to the data queue",
			zap.Strings("backends", a.cfg.Storage.Backends),
		)
	}
	publisher, err := a.openPublisher(ctx)
	if err != nil {
		for _, s := range stores {
			_ = s.Close()
		}
		return nil, err
	}
	opts := []persist.Option{persist.WithLogger(a.logger.Named("persist"))}
	if publisher != nil {
		opts = append(opts, persist.WithPublisher(publisher))
	}
	a.router = persist.NewRouter(stores, a.clock, opts...)
	a.closers = append(a.closers, a.router.Close)
	return a.router, nil
}

func knownBackend(name string) bool {
	switch name {
	case "memory", "postgres", "mysql", "mongo":
		return true
	}
	return false
}

func (a *App) openStore(ctx context.Context, name string) (crawler.ArticleStore, error) {
	var (
		store crawler.ArticleStore
		err   error
	)
	switch name {
	case "memory":
		store = memoryStorage.NewArticleStore(a.ids)
	case "postgres":
		store, err = postgres.New(ctx, postgres.Config{
			DSN:      a.cfg.Storage.Postgres.DSN,
			MaxConns: a.cfg.Storage.Postgres.MaxConns,
		})
	case "mysql":
		store, err = mysql.New(ctx, mysql.Config{
			DSN:          a.cfg.Storage.MySQL.DSN,
			MaxOpenConns: a.cfg.Storage.MySQL.MaxOpenConns,
		})
	case "mongo":
		store, err = mongo.New(ctx, mongo.Config{
			URI:        a.cfg.Storage.Mongo.URI,
			Database:   a.cfg.Storage.Mongo.Database,
			Collection: a.cfg.Storage.Mongo.Collection,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", name, err)
	}
	if ensurer, ok := store.(schemaEnsurer); ok && a.cfg.Storage.EnsureSchema {
		if err := ensurer.EnsureSchema(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("ensure %s schema: %w", name, err)
		}
	}
	a.logger.Info("article backend ready", zap.String("backend", name))
	return store, nil
}

func (a *App) openPublisher(ctx context.Context) (crawler.Publisher, error) {
	if a.publisher != nil {
		return a.publisher, nil
	}
	switch a.cfg.Publisher.Backend {
	case "", "none":
		return nil, nil
	case "memory":
		a.publisher = memorypublisher.New()
	case "pubsub":
		p, err := pubsubpublisher.Dial(ctx, a.cfg.Publisher.ProjectID, a.cfg.Publisher.Topic)
		if err != nil {
			return nil, fmt.Errorf("open pubsub publisher: %w", err)
		}
		a.publisher = p
		a.closers = append(a.closers, p.Close)
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", a.cfg.Publisher.Backend)
	}
	return a.publisher, nil
}

// Archiver builds the raw page archive; nil when archive.backend is none.
func (a *App) Archiver(ctx context.Context) (*storage.Archiver, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.archived {
		return a.archiver, nil
	}
	var blobs crawler.BlobStore
	switch a.cfg.Archive.Backend {
	case "", "none":
	case "memory":
		blobs = memoryStorage.NewBlobStore()
	case "local":
		store, err := local.New(local.Config{BaseDir: a.cfg.Archive.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		blobs = store
	case "gcs":
		client, err := gcsstorage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		store, err := gcs.New(client, a.cfg.Archive.GCSBucket)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		blobs = store
		a.closers = append(a.closers, store.Close)
	default:
		return nil, fmt.Errorf("unknown archive backend %q", a.cfg.Archive.Backend)
	}
	a.archiver = storage.NewArchiver(blobs, a.cfg.Archive.Prefix)
	a.archived = true
	return a.archiver, nil
}

// Producer returns a producer writing to the start queue.
func (a *App) Producer() *producer.Producer {
	return producer.New(a.queue, a.keys.Start, a.logger.Named("producer"))
}

func (a *App) polling() worker.Polling {
	return worker.Polling{PopTimeout: a.cfg.Queue.PopTimeout, IdleSleep: a.cfg.Queue.IdleSleep}
}

// fetchSettings applies taskInfo overrides when the process config keeps
// its defaults and a workflow document is available.
func (a *App) fetchSettings() (concurrency int, interval ratelimit.Config) {
	concurrency = a.cfg.Fetch.Concurrency
	interval = ratelimit.Config{Interval: a.cfg.Fetch.RequestInterval, Burst: 1}
	if a.cfg.Workflow.Path == "" {
		return concurrency, interval
	}
	wf, err := a.Workflow()
	if err != nil {
		a.logger.Warn("workflow unavailable; taskInfo limits ignored", zap.Error(err))
		return concurrency, interval
	}
	if concurrency <= 1 && wf.Task.Concurrency > 1 {
		concurrency = wf.Task.Concurrency
	}
	if interval.Interval == 0 && wf.Task.RequestInterval > 0 {
		interval.Interval = wf.Task.RequestInterval
	}
	return concurrency, interval
}

// FetchRunners builds the fetch stage workers. They share one rate limiter.
func (a *App) FetchRunners(ctx context.Context) ([]dispatcher.Runner, error) {
	archiver, err := a.Archiver(ctx)
	if err != nil {
		return nil, err
	}
	concurrency, limits := a.fetchSettings()
	a.mu.Lock()
	if a.limiter == nil {
		a.limiter = ratelimit.New(limits)
	}
	limiter := a.limiter
	a.mu.Unlock()

	fetcher, err := collyfetcher.New(collyfetcher.Config{
		UserAgent:   a.cfg.Fetch.UserAgent,
		Timeout:     a.cfg.Fetch.Timeout,
		MaxBodySize: a.cfg.Fetch.MaxBodyBytes,
		HTTPProxy:   a.cfg.Fetch.Proxy.HTTP,
		HTTPSProxy:  a.cfg.Fetch.Proxy.HTTPS,
	})
	if err != nil {
		return nil, fmt.Errorf("build fetcher: %w", err)
	}
	deps := worker.FetchDeps{
		Queue:    a.queue,
		Fetcher:  fetcher,
		Retry:    crawler.NewFixedRetryPolicy(a.cfg.Fetch.MaxRetries, a.cfg.Fetch.RetryDelay),
		Limiter:  limiter,
		Archiver: archiver,
		Clock:    a.clock,
	}
	cfg := worker.FetchConfig{
		Keys:             a.keys,
		Polling:          a.polling(),
		EncodingOverride: a.cfg.Process.EncodingOverride,
	}
	runners := make([]dispatcher.Runner, 0, concurrency)
	for i := range concurrency {
		runners = append(runners, worker.NewFetchWorker(deps, cfg, logging.ForWorker(a.logger, "fetch", i)))
	}
	return runners, nil
}

// ProcessRunners builds the processing stage workers.
func (a *App) ProcessRunners(ctx context.Context) ([]dispatcher.Runner, error) {
	wf, err := a.Workflow()
	if err != nil {
		return nil, err
	}
	routing, err := worker.ParseRouting(a.cfg.Process.Routing)
	if err != nil {
		return nil, err
	}
	router, err := a.Router(ctx)
	if err != nil {
		return nil, err
	}
	machine := workflow.NewMachine(wf, a.logger.Named("workflow"))
	cfg := worker.ProcessConfig{Keys: a.keys, Polling: a.polling(), Routing: routing}
	runners := make([]dispatcher.Runner, 0, a.cfg.Process.Concurrency)
	for i := range a.cfg.Process.Concurrency {
		runners = append(runners, worker.NewProcessWorker(a.queue, machine, router, cfg, logging.ForWorker(a.logger, "process", i)))
	}
	return runners, nil
}

// SinkRunners builds the data-queue sink workers.
func (a *App) SinkRunners(ctx context.Context) ([]dispatcher.Runner, error) {
	router, err := a.Router(ctx)
	if err != nil {
		return nil, err
	}
	if !router.Enabled() {
		return nil, persist.ErrNoBackend
	}
	cfg := worker.SinkConfig{Keys: a.keys, Polling: a.polling()}
	runners := make([]dispatcher.Runner, 0, a.cfg.Sink.Concurrency)
	for i := range a.cfg.Sink.Concurrency {
		runners = append(runners, worker.NewSinkWorker(a.queue, router, cfg, logging.ForWorker(a.logger, "sink", i)))
	}
	return runners, nil
}

// AdminRunner returns the admin HTTP server, or nil when server.port is 0.
func (a *App) AdminRunner() dispatcher.Runner {
	if a.cfg.Server.Port <= 0 {
		return nil
	}
	a.mu.Lock()
	checks := make(map[string]api.Check, len(a.checks))
	for name, check := range a.checks {
		checks[name] = check
	}
	a.mu.Unlock()
	server := api.NewServer(a.queue, api.Config{
		StartKey: a.keys.Start,
		APIKey:   a.cfg.Server.APIKey,
		Checks:   checks,
	}, a.logger.Named("api"))
	addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
	return dispatcher.RunnerFunc(func(ctx context.Context) error {
		return server.Serve(ctx, addr)
	})
}

// Close releases every service in reverse order of creation.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			a.logger.Warn("error closing service", zap.Error(err))
			errs = append(errs, err)
		}
	}
	_ = a.logger.Sync()
	return errors.Join(errs...)
}
