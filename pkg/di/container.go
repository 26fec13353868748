package di

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/config"
	"github.com/goliatone/go-repository-sync/coordinator"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/httpapi"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/reconcile"
	"github.com/goliatone/go-repository-sync/repositorycache"
	"github.com/goliatone/go-repository-sync/search"
	"github.com/goliatone/go-repository-sync/store"
)

// Container wires the record store, cache, search index and the components
// that keep them consistent. Construction is explicit; background workers
// only run between Start and Close.
type Container struct {
	config  *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics

	records     store.RecordStore
	cache       cache.CacheService
	index       search.SearchIndex
	syncer      *coordinator.Syncer
	invalidator *coordinator.Invalidator
	coordinator *coordinator.Coordinator
	reader      *repositorycache.ReadRouter
	sweeper     *reconcile.Sweeper
	api         *httpapi.Server

	mu      sync.Mutex
	cancel  context.CancelFunc
	group   *errgroup.Group
	stopped bool
}

// NewContainer builds every component from cfg. On error, anything already
// opened is closed again.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	logger = telemetry.OrDiscard(logger)

	c := &Container{config: cfg, logger: logger}
	if cfg.Metrics.Enabled {
		c.metrics = telemetry.NewMetrics()
	}

	records, err := store.NewRecordStore(ctx, store.Config{
		DSN:             cfg.Store.DSN,
		MaxOpenConns:    cfg.Store.MaxOpenConns,
		MaxIdleConns:    cfg.Store.MaxIdleConns,
		ConnMaxLifetime: config.ParseDuration(cfg.Store.ConnMaxLifetime, 0, logger),
	}, logger.With("component", "store"))
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	c.records = records

	cacheDefaults := cache.DefaultConfig()
	c.cache, err = cache.NewCacheService(cache.Config{
		Capacity:           cfg.Cache.Capacity,
		NumShards:          cfg.Cache.NumShards,
		TTL:                config.ParseDuration(cfg.Cache.TTL, cacheDefaults.TTL, logger),
		EvictionPercentage: cfg.Cache.EvictionPercentage,
		EvictionInterval:   config.ParseDuration(cfg.Cache.EvictionInterval, 0, logger),
		Namespace:          cfg.Cache.Namespace,
	})
	if err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("create cache: %w", err)
	}

	c.index, err = search.NewSearchIndex(search.Config{Path: cfg.Search.Path}, logger.With("component", "search"))
	if err != nil {
		_ = records.Close()
		return nil, fmt.Errorf("open search index: %w", err)
	}

	syncDefaults := coordinator.DefaultSyncerConfig()
	syncCfg := coordinator.SyncerConfig{
		Workers:        cfg.Sync.Workers,
		QueueSize:      cfg.Sync.QueueSize,
		MaxAttempts:    cfg.Sync.MaxAttempts,
		InitialBackoff: config.ParseDuration(cfg.Sync.InitialBackoff, syncDefaults.InitialBackoff, logger),
		MaxBackoff:     config.ParseDuration(cfg.Sync.MaxBackoff, syncDefaults.MaxBackoff, logger),
	}
	optDefaults := coordinator.DefaultOptions()
	invalidateTimeout := config.ParseDuration(cfg.Sync.InvalidateTimeout, optDefaults.InvalidateTimeout, logger)

	c.syncer = coordinator.NewSyncer(records, c.index, syncCfg, logger.With("component", "syncer"), c.metrics)
	c.invalidator = coordinator.NewInvalidator(c.cache, syncCfg, invalidateTimeout, logger.With("component", "invalidator"), c.metrics)
	c.coordinator = coordinator.New(records, c.cache, c.syncer, c.invalidator, coordinator.Options{
		Rules: entity.PayloadRules{
			RequiredFields: cfg.Payload.RequiredFields,
			MaxFields:      cfg.Payload.MaxFields,
			MaxKeyLength:   cfg.Payload.MaxKeyLength,
		},
		InvalidateTimeout: invalidateTimeout,
		EnqueueTimeout:    config.ParseDuration(cfg.Sync.EnqueueTimeout, optDefaults.EnqueueTimeout, logger),
		Logger:            logger.With("component", "coordinator"),
		Metrics:           c.metrics,
	})

	c.reader = repositorycache.New(records, c.cache,
		repositorycache.WithReadTimeout(config.ParseDuration(cfg.Cache.ReadTimeout, repositorycache.DefaultReadTimeout, logger)),
		repositorycache.WithLogger(logger.With("component", "reader")),
		repositorycache.WithMetrics(c.metrics),
	)

	sweepDefaults := reconcile.DefaultConfig()
	c.sweeper = reconcile.New(records, c.index, c.syncer, reconcile.Config{
		Interval:       config.ParseDuration(cfg.Sweep.Interval, sweepDefaults.Interval, logger),
		BatchSize:      cfg.Sweep.BatchSize,
		RatePerSecond:  cfg.Sweep.RatePerSecond,
		EnqueueTimeout: config.ParseDuration(cfg.Sweep.EnqueueTimeout, sweepDefaults.EnqueueTimeout, logger),
	}, logger.With("component", "sweeper"), c.metrics)

	opts := []httpapi.Option{httpapi.WithLogger(logger.With("component", "http"))}
	if c.metrics != nil {
		opts = append(opts, httpapi.WithMetricsHandler(cfg.Metrics.Path, c.metrics.Handler()))
	}
	c.api = httpapi.New(c.coordinator, c.reader, records, c.index, opts...)

	logger.Info("container ready",
		"search_path", cfg.Search.Path,
		"sync_workers", syncCfg.Workers,
		"sweep_enabled", cfg.Sweep.Enabled,
		"metrics_enabled", cfg.Metrics.Enabled,
	)
	return c, nil
}

// Start launches the syncer, the invalidator and, when enabled, the sweep.
// It returns immediately; Wait or Close end the workers.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		return errors.New("container closed")
	}
	if c.group != nil {
		return errors.New("container already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.group, ctx = errgroup.WithContext(ctx)

	c.group.Go(func() error { return c.syncer.Run(ctx) })
	c.group.Go(func() error { return c.invalidator.Run(ctx) })
	if c.config.Sweep.Enabled {
		c.group.Go(func() error { return c.sweeper.Run(ctx) })
	}
	return nil
}

// Wait blocks until the background workers exit.
func (c *Container) Wait() error {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()

	if group == nil {
		return nil
	}
	return group.Wait()
}

// Close stops the workers, then closes the index and the record store.
// Intents still queued are left for the next sweep.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	cancel, group := c.cancel, c.group
	c.mu.Unlock()

	var errs []error
	if cancel != nil {
		cancel()
		if err := group.Wait(); err != nil {
			errs = append(errs, err)
		}
	}
	if pending := c.syncer.Pending(); pending > 0 {
		c.logger.Warn("closing with unsynced intents", "pending", pending)
	}
	if err := c.index.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close search index: %w", err))
	}
	if err := c.records.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close record store: %w", err))
	}
	return errors.Join(errs...)
}

// Config returns the configuration the container was built from.
func (c *Container) Config() *config.Config {
	return c.config
}

// Metrics returns the collectors, or nil when metrics are disabled.
func (c *Container) Metrics() *telemetry.Metrics {
	return c.metrics
}

func (c *Container) Records() store.RecordStore {
	return c.records
}

func (c *Container) CacheService() cache.CacheService {
	return c.cache
}

func (c *Container) SearchIndex() search.SearchIndex {
	return c.index
}

func (c *Container) Syncer() *coordinator.Syncer {
	return c.syncer
}

func (c *Container) Invalidator() *coordinator.Invalidator {
	return c.invalidator
}

// Coordinator returns the write path.
func (c *Container) Coordinator() *coordinator.Coordinator {
	return c.coordinator
}

// Reader returns the cache-first read path.
func (c *Container) Reader() *repositorycache.ReadRouter {
	return c.reader
}

func (c *Container) Sweeper() *reconcile.Sweeper {
	return c.sweeper
}

// Handler returns the HTTP API.
func (c *Container) Handler() http.Handler {
	return c.api.Handler()
}
