package coordinator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/store"
)

// IntentQueue accepts search synchronization work.
type IntentQueue interface {
	Enqueue(ctx context.Context, intent entity.MutationIntent) error
}

// InvalidationQueue accepts cache deletes that failed on the request path.
type InvalidationQueue interface {
	Defer(id string, version int64) bool
}

// Options tunes the coordinator. Zero values fall back to DefaultOptions.
type Options struct {
	Rules             entity.PayloadRules
	InvalidateTimeout time.Duration
	EnqueueTimeout    time.Duration
	Logger            *slog.Logger
	Metrics           *telemetry.Metrics
	Tracer            trace.Tracer
}

// DefaultOptions returns the options used for unset fields.
func DefaultOptions() Options {
	return Options{
		Rules:             entity.DefaultPayloadRules(),
		InvalidateTimeout: 100 * time.Millisecond,
		EnqueueTimeout:    50 * time.Millisecond,
	}
}

// Coordinator applies mutations to the record store and then brings the cache
// and the search index along: store, then cache invalidation, then index
// intent. Only the store step can fail a call.
type Coordinator struct {
	records     store.RecordStore
	cache       cache.CacheService
	intents     IntentQueue
	invalidator InvalidationQueue

	rules             entity.PayloadRules
	invalidateTimeout time.Duration
	enqueueTimeout    time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// New wires a coordinator. invalidator may be nil, in which case failed cache
// deletes are left to expire.
func New(records store.RecordStore, cacheSvc cache.CacheService, intents IntentQueue, invalidator InvalidationQueue, opts Options) *Coordinator {
	defaults := DefaultOptions()
	if opts.InvalidateTimeout <= 0 {
		opts.InvalidateTimeout = defaults.InvalidateTimeout
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = defaults.EnqueueTimeout
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.Tracer()
	}

	return &Coordinator{
		records:           records,
		cache:             cacheSvc,
		intents:           intents,
		invalidator:       invalidator,
		rules:             opts.Rules,
		invalidateTimeout: opts.InvalidateTimeout,
		enqueueTimeout:    opts.EnqueueTimeout,
		logger:            telemetry.OrDiscard(opts.Logger),
		metrics:           opts.Metrics,
		tracer:            opts.Tracer,
	}
}

// Create stores a new entity. An empty id is replaced by a generated one.
func (c *Coordinator) Create(ctx context.Context, id string, payload entity.Payload) (entity.Entity, error) {
	return c.Mutate(ctx, entity.Mutation{Op: entity.OpCreate, ID: id, Payload: payload})
}

// Update replaces the payload of id if its current version is expected.
func (c *Coordinator) Update(ctx context.Context, id string, expected int64, payload entity.Payload) (entity.Entity, error) {
	return c.Mutate(ctx, entity.Mutation{Op: entity.OpUpdate, ID: id, Payload: payload, ExpectedVersion: expected})
}

// Delete tombstones id if its current version is expected.
func (c *Coordinator) Delete(ctx context.Context, id string, expected int64) (entity.Entity, error) {
	return c.Mutate(ctx, entity.Mutation{Op: entity.OpDelete, ID: id, ExpectedVersion: expected})
}

// Mutate validates m, commits it to the record store and schedules the
// derived updates. The returned error is always from validation or the store;
// cache and index trouble is logged as entity.SyncDeferred and repaired in
// the background.
func (c *Coordinator) Mutate(ctx context.Context, m entity.Mutation) (entity.Entity, error) {
	start := time.Now()

	m.ID = entity.NormalizeID(m.ID)
	if m.Op == entity.OpCreate && m.ID == "" {
		m.ID = entity.NewID()
	}

	ctx, span := c.tracer.Start(ctx, "coordinator.Mutate", trace.WithAttributes(
		attribute.String("entity.op", m.Op.String()),
		attribute.String("entity.id", m.ID),
	))
	defer span.End()

	committed, err := c.commit(ctx, m)
	c.metrics.ObserveMutation(m.Op, time.Since(start), err)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return entity.Entity{}, err
	}
	span.SetAttributes(attribute.Int64("entity.version", committed.Version))

	// the commit is durable; downstream effects must not follow the caller away
	c.propagate(context.WithoutCancel(ctx), m.Op, committed)
	return committed, nil
}

func (c *Coordinator) commit(ctx context.Context, m entity.Mutation) (entity.Entity, error) {
	if err := c.rules.Validate(m); err != nil {
		return entity.Entity{}, err
	}

	txn, err := c.records.Begin(ctx, m.ID)
	if err != nil {
		return entity.Entity{}, entity.Unavailable("begin", err)
	}
	defer txn.Rollback()

	switch m.Op {
	case entity.OpCreate:
		err = txn.Create(m.Payload)
	case entity.OpUpdate:
		err = txn.Update(m.ExpectedVersion, m.Payload)
	case entity.OpDelete:
		err = txn.Delete(m.ExpectedVersion)
	}
	if err != nil {
		return entity.Entity{}, err
	}

	committed, err := txn.Commit(ctx)
	if err != nil {
		c.logger.Debug("mutation rejected", "op", m.Op, "id", m.ID, "error", err)
		return entity.Entity{}, err
	}
	return committed, nil
}

func (c *Coordinator) propagate(ctx context.Context, op entity.Op, e entity.Entity) {
	ictx, cancel := context.WithTimeout(ctx, c.invalidateTimeout)
	err := c.cache.Delete(ictx, e.ID)
	cancel()
	if err != nil {
		c.deferred(&entity.SyncDeferred{Stage: entity.StageCache, ID: e.ID, Version: e.Version, Err: err})
		if c.invalidator != nil && !c.invalidator.Defer(e.ID, e.Version) {
			c.logger.Warn("cache invalidation retry queue full", "id", e.ID, "version", e.Version)
		}
	}

	intent := entity.NewIntent(op, e)
	ectx, cancel := context.WithTimeout(ctx, c.enqueueTimeout)
	err = c.intents.Enqueue(ectx, intent)
	cancel()
	if err != nil {
		c.deferred(&entity.SyncDeferred{Stage: entity.StageIndex, ID: e.ID, Version: e.Version, Err: err})
	}
}

func (c *Coordinator) deferred(d *entity.SyncDeferred) {
	c.metrics.SyncDeferred(d.Stage)
	c.logger.Warn("sync deferred",
		"stage", d.Stage,
		"id", d.ID,
		"version", d.Version,
		"error", d.Err,
	)
}
