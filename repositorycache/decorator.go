package repositorycache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
)

// Reader is the read side of the record store.
type Reader interface {
	Get(ctx context.Context, id string) (entity.Entity, error)
}

// Read sources reported to metrics.
const (
	SourceCache = "cache"
	SourceStore = "store"
	SourceMiss  = "miss"
)

// DefaultReadTimeout bounds store reads shared between concurrent misses.
const DefaultReadTimeout = 5 * time.Second

// ReadRouter serves entity reads cache first and falls back to the record
// store, repopulating the cache on the way out. Absent entities are never
// cached.
type ReadRouter struct {
	base        Reader
	cache       cache.CacheService
	ttl         time.Duration
	readTimeout time.Duration
	group       singleflight.Group

	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
}

// Option configures a ReadRouter.
type Option func(*ReadRouter)

// WithTTL sets the expiration used when repopulating the cache. Zero uses the
// cache default.
func WithTTL(ttl time.Duration) Option {
	return func(r *ReadRouter) { r.ttl = ttl }
}

// WithReadTimeout bounds a shared store read. The read outlives any single
// caller, so it never runs on a caller's context.
func WithReadTimeout(d time.Duration) Option {
	return func(r *ReadRouter) {
		if d > 0 {
			r.readTimeout = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *ReadRouter) { r.logger = telemetry.OrDiscard(logger) }
}

func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(r *ReadRouter) { r.metrics = metrics }
}

func WithTracer(tracer trace.Tracer) Option {
	return func(r *ReadRouter) { r.tracer = tracer }
}

// New creates a ReadRouter over base and cacheService.
func New(base Reader, cacheService cache.CacheService, opts ...Option) *ReadRouter {
	r := &ReadRouter{
		base:        base,
		cache:       cacheService,
		readTimeout: DefaultReadTimeout,
		logger:      telemetry.OrDiscard(nil),
		tracer:      telemetry.Tracer(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ReadTimeout returns the bound applied to shared store reads.
func (r *ReadRouter) ReadTimeout() time.Duration {
	return r.readTimeout
}

// Read returns the entity with id, or entity.ErrNotFound. A cache hit may be
// stale by at most the cache TTL.
func (r *ReadRouter) Read(ctx context.Context, id string) (entity.Entity, error) {
	id = entity.NormalizeID(id)
	if id == "" {
		return entity.Entity{}, &entity.ValidationError{Err: errors.New("id: cannot be blank")}
	}

	ctx, span := r.tracer.Start(ctx, "repositorycache.Read", trace.WithAttributes(attribute.String("entity.id", id)))
	defer span.End()

	snapshot, ok, err := r.cache.Get(ctx, id)
	switch {
	case err != nil:
		r.logger.Warn("cache read failed, falling back to store", "id", id, "error", err)
	case ok:
		span.SetAttributes(attribute.String("read.source", SourceCache))
		r.metrics.ObserveRead(SourceCache)
		return snapshot, nil
	}

	// concurrent misses for one id share a single store read; each caller
	// still stops waiting when its own context ends
	ch := r.group.DoChan(id, func() (any, error) {
		readCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.readTimeout)
		defer cancel()

		e, err := r.base.Get(readCtx, id)
		if err != nil {
			return entity.Entity{}, err
		}
		if err := r.cache.Set(readCtx, e, r.ttl); err != nil {
			r.logger.Warn("cache repopulation failed", "id", id, "version", e.Version, "error", err)
		}
		return e, nil
	})

	var res singleflight.Result
	select {
	case <-ctx.Done():
		return entity.Entity{}, ctx.Err()
	case res = <-ch:
	}
	if res.Err != nil {
		if errors.Is(res.Err, entity.ErrNotFound) {
			r.metrics.ObserveRead(SourceMiss)
			return entity.Entity{}, res.Err
		}
		span.RecordError(res.Err)
		return entity.Entity{}, entity.Unavailable("read", res.Err)
	}

	span.SetAttributes(attribute.String("read.source", SourceStore))
	r.metrics.ObserveRead(SourceStore)
	return res.Val.(entity.Entity).Clone(), nil
}

// ReadMany reads each id in order, skipping ids that no longer exist. It is
// used to hydrate search hits so callers only ever see store data.
func (r *ReadRouter) ReadMany(ctx context.Context, ids []string) ([]entity.Entity, error) {
	out := make([]entity.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := r.Read(ctx, id)
		if errors.Is(err, entity.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Invalidate drops the cached snapshot for id.
func (r *ReadRouter) Invalidate(ctx context.Context, id string) error {
	return r.cache.Delete(ctx, entity.NormalizeID(id))
}
