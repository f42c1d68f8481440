// Package app builds the long-lived service graph from configuration and
// runs the worker pool and HTTP server until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/company-research/internal/api"
	"github.com/JakeFAU/company-research/internal/clock/system"
	"github.com/JakeFAU/company-research/internal/config"
	"github.com/JakeFAU/company-research/internal/dispatcher"
	"github.com/JakeFAU/company-research/internal/fetcher"
	"github.com/JakeFAU/company-research/internal/hash/sha256"
	"github.com/JakeFAU/company-research/internal/id/uuid"
	"github.com/JakeFAU/company-research/internal/orchestrator"
	"github.com/JakeFAU/company-research/internal/policy/backoff"
	"github.com/JakeFAU/company-research/internal/policy/ratelimit"
	"github.com/JakeFAU/company-research/internal/policy/robots"
	pubMemory "github.com/JakeFAU/company-research/internal/publisher/memory"
	pubPubSub "github.com/JakeFAU/company-research/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/company-research/internal/queue/memory"
	queuePubSub "github.com/JakeFAU/company-research/internal/queue/pubsub"
	queueRedis "github.com/JakeFAU/company-research/internal/queue/redis"
	"github.com/JakeFAU/company-research/internal/research"
	"github.com/JakeFAU/company-research/internal/scraper/registry"
	"github.com/JakeFAU/company-research/internal/scraper/website"
	"github.com/JakeFAU/company-research/internal/storage/gcs"
	"github.com/JakeFAU/company-research/internal/storage/local"
	storeMemory "github.com/JakeFAU/company-research/internal/storage/memory"
	"github.com/JakeFAU/company-research/internal/storage/postgres"
	"github.com/JakeFAU/company-research/internal/storage/sqlite"
	"github.com/JakeFAU/company-research/internal/worker"
)

// Scrapers is the fetch chain shared by the service and the one-shot CLI
// commands.
type Scrapers struct {
	Fetcher  *fetcher.Fetcher
	Website  *website.Scraper
	Registry *registry.Client

	checks  map[string]api.Check
	closers []func() error
}

// Close releases archive clients.
func (s *Scrapers) Close() error {
	return closeAll(s.closers)
}

// NewScrapers builds the rate limiter, robots gate, fetcher, page archive
// and both scrapers from cfg.
func NewScrapers(ctx context.Context, cfg config.Config, logger *zap.Logger) (*Scrapers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scrapers{checks: map[string]api.Check{}}

	limiter := ratelimit.New(ratelimit.Config{
		Enabled:  cfg.RateLimit.Enabled,
		MinDelay: cfg.RateLimit.MinDelay,
		MaxDelay: cfg.RateLimit.MaxDelay,
	})
	gate := robots.New(robots.Config{
		Enabled:   cfg.Robots.Enabled,
		TTL:       cfg.Robots.TTL,
		Timeout:   cfg.Robots.Timeout,
		UserAgent: cfg.Fetch.RobotsAgent,
	}, nil, logger.Named("robots"))
	s.Fetcher = fetcher.New(fetcher.Config{
		Timeout:     cfg.Fetch.Timeout,
		MaxAttempts: cfg.Fetch.MaxAttempts,
		Backoff: backoff.Policy{
			Base:       cfg.Fetch.BackoffBase,
			Multiplier: cfg.Fetch.BackoffMultiplier,
			Jitter:     cfg.Fetch.BackoffJitter,
			Max:        cfg.Fetch.BackoffMax,
		},
		UserAgents:   cfg.Fetch.UserAgents,
		RobotsAgent:  cfg.Fetch.RobotsAgent,
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
	}, nil, limiter, gate, logger.Named("fetcher"))

	blobs, err := s.newArchive(ctx, cfg.Archive)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	var hasher research.Hasher
	if blobs != nil {
		hasher = sha256.New()
	}
	s.Website = website.New(s.Fetcher, blobs, hasher, website.Config{
		MaxPagesPerSection: cfg.Website.MaxPagesPerSection,
		MaxSecondaryPages:  cfg.Website.MaxSecondaryPages,
		ArchivePrefix:      cfg.Archive.Prefix,
	}, logger.Named("website"))

	s.Registry, err = registry.New(s.Fetcher, registry.Config{
		BaseURL:      cfg.Registry.BaseURL,
		APIToken:     cfg.Registry.APIToken,
		MaxPages:     cfg.Registry.MaxPages,
		RPS:          cfg.Registry.RPS,
		AnonymousRPS: cfg.Registry.AnonymousRPS,
		Burst:        cfg.Registry.Burst,
	}, logger.Named("registry"))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("build registry client: %w", err)
	}
	return s, nil
}

func (s *Scrapers) newArchive(ctx context.Context, cfg config.ArchiveConfig) (research.BlobStore, error) {
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "memory":
		return storeMemory.NewBlobStore(), nil
	case "local":
		store, err := local.New(local.Config{BaseDir: cfg.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("open local archive: %w", err)
		}
		s.closers = append(s.closers, store.Close)
		return store, nil
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("create storage client: %w", err)
		}
		s.closers = append(s.closers, client.Close)
		store, err := gcs.New(client, gcs.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("open gcs archive: %w", err)
		}
		s.checks["archive"] = store.Check
		return store, nil
	default:
		return nil, fmt.Errorf("unknown archive provider %q", cfg.Provider)
	}
}

// App holds the shared, long-lived services of the research service.
type App struct {
	cfg     config.Config
	logger  *zap.Logger
	store   research.TaskStore
	queue   research.Queue
	orch    *orchestrator.Orchestrator
	pool    *dispatcher.Dispatcher
	server  *http.Server
	closers []func() error
}

// New builds every service described by cfg. It fails fast when a backend
// cannot be reached.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	checks := map[string]api.Check{}

	scrapers, err := NewScrapers(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, scrapers.Close)
	for name, check := range scrapers.checks {
		checks[name] = check
	}

	if err := a.openStore(ctx, checks); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := a.openQueue(ctx, checks); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.orch = orchestrator.New(
		a.store,
		a.queue,
		scrapers.Website,
		scrapers.Registry,
		uuid.New(),
		system.New(),
		orchestrator.Config{
			MaxAttempts: cfg.Tasks.MaxAttempts,
			RetryBackoff: backoff.Policy{
				Base:       cfg.Tasks.RetryBase,
				Multiplier: 2,
				Jitter:     0.2,
				Max:        cfg.Tasks.RetryMax,
			},
			StaleAfter:   cfg.Tasks.StaleAfter,
			RequeueAfter: cfg.Tasks.RequeueAfter,
		},
		logger.Named("orchestrator"),
	)
	if err := a.openPublisher(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}
	a.pool = dispatcher.NewPool(cfg.Workers.Count, a.queue, a.orch, worker.Config{
		JobTimeout: cfg.Workers.JobTimeout,
	}, logger)

	srv := api.NewServer(a.orch, scrapers.Registry, checks, api.Config{
		AuthEnabled:    cfg.Server.Auth.Enabled,
		APIKey:         cfg.Server.Auth.APIKey,
		RequestTimeout: cfg.Server.WriteTimeout,
	}, logger)
	a.server = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	logger.Info("application services initialized",
		zap.String("store", cfg.Store.Provider),
		zap.String("queue", cfg.Queue.Provider),
		zap.String("archive", cfg.Archive.Provider),
		zap.String("notify", cfg.Notify.Provider),
		zap.Int("workers", a.pool.Size()),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context, checks map[string]api.Check) error {
	switch a.cfg.Store.Provider {
	case "memory":
		a.store = storeMemory.NewTaskStore()
	case "postgres":
		pg := a.cfg.Store.Postgres
		store, err := postgres.New(ctx, postgres.Config{
			DSN:             pg.DSN,
			Table:           pg.Table,
			MaxConns:        pg.MaxConns,
			MinConns:        pg.MinConns,
			MaxConnLifetime: pg.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("open postgres store: %w", err)
		}
		a.closers = append(a.closers, func() error { store.Close(); return nil })
		if pg.Migrate {
			if err := store.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate postgres store: %w", err)
			}
		}
		a.store = store
	case "sqlite":
		store, err := sqlite.Open(ctx, a.cfg.Store.SQLite.Path)
		if err != nil {
			return fmt.Errorf("open sqlite store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.store = store
	default:
		return fmt.Errorf("unknown store provider %q", a.cfg.Store.Provider)
	}
	store := a.store
	checks["store"] = func(ctx context.Context) error {
		_, err := store.ListTasks(ctx, research.TaskFilter{Limit: 1})
		return err
	}
	return nil
}

func (a *App) openQueue(ctx context.Context, checks map[string]api.Check) error {
	qc := a.cfg.Queue
	switch qc.Provider {
	case "memory":
		a.queue = queueMemory.NewQueue(qc.Capacity)
	case "redis":
		client := goredis.NewClient(&goredis.Options{
			Addr:     qc.Redis.Addr,
			Password: qc.Redis.Password,
			DB:       qc.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		checks["queue"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
		a.queue = queueRedis.New(client, queueRedis.Config{Key: qc.Redis.Key}, a.logger.Named("queue"))
	case "pubsub":
		client, err := pubsub.NewClient(ctx, qc.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		q, err := queuePubSub.New(client, queuePubSub.Config{
			TopicID:        qc.PubSub.TopicID,
			SubscriptionID: qc.PubSub.SubscriptionID,
			MaxOutstanding: qc.PubSub.MaxOutstanding,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("open pubsub queue: %w", err)
		}
		a.queue = q
	default:
		return fmt.Errorf("unknown queue provider %q", qc.Provider)
	}
	return nil
}

func (a *App) openPublisher(ctx context.Context) error {
	nc := a.cfg.Notify
	switch nc.Provider {
	case "", "none":
		return nil
	case "memory":
		a.orch.SetPublisher(pubMemory.New(), nc.TopicID)
	case "pubsub":
		client, err := pubsub.NewClient(ctx, nc.ProjectID)
		if err != nil {
			return fmt.Errorf("create pubsub client for notifications: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		pub, err := pubPubSub.New(client)
		if err != nil {
			return fmt.Errorf("open outcome publisher: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.orch.SetPublisher(pub, nc.TopicID)
	default:
		return fmt.Errorf("unknown notify provider %q", nc.Provider)
	}
	return nil
}

// Handler exposes the HTTP API.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Orchestrator exposes the task orchestrator.
func (a *App) Orchestrator() *orchestrator.Orchestrator {
	return a.orch
}

// Run serves HTTP and drains the queue until ctx is canceled or the
// listener fails. Interrupted tasks are recovered once the workers are
// consuming, and a sweeper re-enqueues stranded tasks every
// tasks.sweep_interval. In-flight jobs finish before Run returns.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", a.server.Addr, err)
	}
	a.logger.Info("starting service", zap.String("addr", ln.Addr().String()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.sweep(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.shutdownTimeout())
		defer cancel()
		if err := a.server.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http shutdown", zap.Error(err))
		}
		a.orch.Close()
		return nil
	})
	return g.Wait()
}

// sweep runs Recover once and then Sweep on every tick. Enqueues may block
// on a full queue until the workers make room.
func (a *App) sweep(ctx context.Context) {
	recovered, err := a.orch.Recover(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil:
		a.logger.Error("recover tasks", zap.Error(err))
	default:
		a.logger.Info("startup recovery finished", zap.Int("recovered", recovered))
	}

	interval := a.cfg.Tasks.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.orch.Sweep(ctx); err != nil && ctx.Err() == nil {
				a.logger.Warn("sweep tasks", zap.Error(err))
			}
		}
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.cfg.Server.ShutdownTimeout > 0 {
		return a.cfg.Server.ShutdownTimeout
	}
	return 30 * time.Second
}

// Close stops retry timers, closes the queue and releases every backend.
func (a *App) Close() error {
	if a.orch != nil {
		a.orch.Close()
	}
	if a.queue != nil {
		a.queue.Close()
	}
	return closeAll(a.closers)
}

func closeAll(closers []func() error) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
