package coordinator

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
)

// Invalidator retries cache deletes that failed on the request path. An entry
// it cannot delete still disappears when its TTL runs out.
type Invalidator struct {
	cache   cache.CacheService
	queue   chan string
	pending *xsync.MapOf[string, int64]

	attempts       int
	initialBackoff time.Duration
	maxBackoff     time.Duration
	timeout        time.Duration

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewInvalidator builds a retrier sharing the syncer's queue and backoff settings.
func NewInvalidator(cacheSvc cache.CacheService, cfg SyncerConfig, timeout time.Duration, logger *slog.Logger, metrics *telemetry.Metrics) *Invalidator {
	cfg = cfg.withDefaults()
	if timeout <= 0 {
		timeout = DefaultOptions().InvalidateTimeout
	}
	return &Invalidator{
		cache:          cacheSvc,
		queue:          make(chan string, cfg.QueueSize),
		pending:        xsync.NewMapOf[string, int64](),
		attempts:       cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
		timeout:        timeout,
		logger:         telemetry.OrDiscard(logger),
		metrics:        metrics,
	}
}

// Defer queues a delete for id without blocking. It reports false when the
// queue is full.
func (v *Invalidator) Defer(id string, version int64) bool {
	if _, loaded := v.pending.LoadOrStore(id, version); loaded {
		return true
	}
	select {
	case v.queue <- id:
		return true
	default:
		v.pending.Delete(id)
		return false
	}
}

// Pending reports queued deletes.
func (v *Invalidator) Pending() int {
	return v.pending.Size()
}

// Run processes deferred deletes until ctx is canceled.
func (v *Invalidator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case id := <-v.queue:
			version, _ := v.pending.LoadAndDelete(id)
			v.invalidate(ctx, id, version)
		}
	}
}

func (v *Invalidator) invalidate(ctx context.Context, id string, version int64) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = v.initialBackoff
	b.MaxInterval = v.maxBackoff

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		dctx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		return struct{}{}, v.cache.Delete(dctx, id)
	}, backoff.WithBackOff(b), backoff.WithMaxTries(uint(v.attempts)))

	if err != nil {
		v.metrics.InvalidationRetry("failed")
		v.logger.Error("cache invalidation abandoned; entry will expire", "id", id, "version", version, "error", err)
		return
	}
	v.metrics.InvalidationRetry("ok")
	v.logger.Debug("deferred cache invalidation applied", "id", id, "version", version)
}
