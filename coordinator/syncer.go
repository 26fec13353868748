package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/search"
)

var (
	// ErrQueueFull is returned when an intent could not be queued in time.
	ErrQueueFull = errors.New("sync queue full")
	// ErrSyncerStopped is returned by Enqueue after Run has returned.
	ErrSyncerStopped = errors.New("syncer stopped")
)

// SyncRecords is the slice of the record store the syncer reads from.
type SyncRecords interface {
	Lookup(ctx context.Context, id string) (entity.Entity, error)
	RecordSyncFailure(ctx context.Context, f entity.SyncFailure) error
}

// SyncerConfig tunes the search synchronizer.
type SyncerConfig struct {
	Workers        int
	QueueSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultSyncerConfig returns the synchronizer defaults.
func DefaultSyncerConfig() SyncerConfig {
	return SyncerConfig{
		Workers:        4,
		QueueSize:      1024,
		MaxAttempts:    5,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}
}

func (c SyncerConfig) withDefaults() SyncerConfig {
	d := DefaultSyncerConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff < c.InitialBackoff {
		c.MaxBackoff = c.InitialBackoff
	}
	return c
}

// Syncer converges the search index toward the record store.
//
// Intents are sharded by identifier so one worker owns each entity. While an
// intent waits in its shard, later intents for the same identifier collapse
// into it, keeping only the highest version. Workers read the authoritative
// row when they apply, so a stale intent can never push old content.
type Syncer struct {
	records SyncRecords
	index   search.SearchIndex
	cfg     SyncerConfig

	shards   []chan string
	pending  *xsync.MapOf[string, entity.MutationIntent]
	inflight atomic.Int64
	stopped  atomic.Bool

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// NewSyncer builds a syncer. Intents can be enqueued before Run starts.
func NewSyncer(records SyncRecords, index search.SearchIndex, cfg SyncerConfig, logger *slog.Logger, metrics *telemetry.Metrics) *Syncer {
	cfg = cfg.withDefaults()

	perShard := cfg.QueueSize / cfg.Workers
	if perShard < 1 {
		perShard = 1
	}
	shards := make([]chan string, cfg.Workers)
	for i := range shards {
		shards[i] = make(chan string, perShard)
	}

	return &Syncer{
		records: records,
		index:   index,
		cfg:     cfg,
		shards:  shards,
		pending: xsync.NewMapOf[string, entity.MutationIntent](),
		logger:  telemetry.OrDiscard(logger),
		metrics: metrics,
	}
}

// Enqueue schedules intent. It waits for shard capacity until ctx is done.
func (s *Syncer) Enqueue(ctx context.Context, intent entity.MutationIntent) error {
	if s.stopped.Load() {
		return ErrSyncerStopped
	}

	fresh := false
	s.pending.Compute(intent.ID, func(old entity.MutationIntent, loaded bool) (entity.MutationIntent, bool) {
		if !loaded {
			fresh = true
			return intent, false
		}
		if intent.Version > old.Version {
			return intent, false
		}
		return old, false
	})
	if !fresh {
		s.metrics.IndexIntent("coalesced")
		return nil
	}

	select {
	case s.shard(intent.ID) <- intent.ID:
		s.metrics.QueueDepth(1)
		return nil
	case <-ctx.Done():
		// a higher version may have merged into this entry while it waited;
		// its caller already returned, so the drop is reported here
		var merged int64
		s.pending.Compute(intent.ID, func(cur entity.MutationIntent, loaded bool) (entity.MutationIntent, bool) {
			if loaded && cur.Version > intent.Version {
				merged = cur.Version
			}
			return cur, true
		})
		if merged > 0 {
			s.metrics.SyncDeferred(entity.StageIndex)
			s.logger.Warn("sync deferred",
				"stage", entity.StageIndex,
				"id", intent.ID,
				"version", merged,
				"error", ctx.Err(),
			)
		}
		return fmt.Errorf("%w: %s: %v", ErrQueueFull, intent, ctx.Err())
	}
}

// Pending reports intents that are queued or being applied.
func (s *Syncer) Pending() int {
	return s.pending.Size() + int(s.inflight.Load())
}

// Run starts the workers and blocks until ctx is canceled.
func (s *Syncer) Run(ctx context.Context) error {
	s.logger.Info("search syncer started", "workers", len(s.shards))

	var wg sync.WaitGroup
	for i, ch := range s.shards {
		wg.Add(1)
		go func(worker int, ch <-chan string) {
			defer wg.Done()
			s.work(ctx, ch)
		}(i, ch)
	}
	wg.Wait()

	s.stopped.Store(true)
	s.logger.Info("search syncer stopped", "pending", s.pending.Size())
	return nil
}

func (s *Syncer) work(ctx context.Context, ch <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-ch:
			s.metrics.QueueDepth(-1)
			s.inflight.Add(1)
			intent, ok := s.pending.LoadAndDelete(id)
			if ok {
				_ = s.Apply(ctx, intent)
			}
			s.inflight.Add(-1)
		}
	}
}

// Apply converges the index document for intent.ID, retrying with
// exponential backoff. Exhausted intents are recorded in the store's failure
// ledger for the sweep.
func (s *Syncer) Apply(ctx context.Context, intent entity.MutationIntent) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		return struct{}{}, s.applyOnce(ctx, intent)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(s.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Debug("index sync retry", "intent", intent.String(), "attempt", attempts, "next", next, "error", err)
		}),
	)
	if err == nil {
		s.metrics.IndexIntent("applied")
		return nil
	}

	s.metrics.IndexIntent("failed")
	if ctx.Err() != nil {
		// shutting down; the sweep picks this up on the next start
		return err
	}

	failure := entity.SyncFailure{
		EntityID:  intent.ID,
		Op:        intent.Op,
		Version:   intent.Version,
		Attempts:  attempts,
		LastError: err.Error(),
		FailedAt:  time.Now().UTC(),
	}
	s.logger.Error("index sync failed permanently", "intent", intent.String(), "attempts", attempts, "error", err)
	if rerr := s.records.RecordSyncFailure(context.WithoutCancel(ctx), failure); rerr != nil {
		s.logger.Error("failed to record sync failure", "intent", intent.String(), "error", rerr)
	}
	return err
}

func (s *Syncer) applyOnce(ctx context.Context, intent entity.MutationIntent) error {
	current, err := s.records.Lookup(ctx, intent.ID)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		return s.index.Remove(ctx, intent.ID, intent.Version)
	case err != nil:
		return err
	case current.Deleted():
		return s.index.Remove(ctx, current.ID, current.Version)
	default:
		return s.index.Upsert(ctx, entity.Project(current))
	}
}

func (s *Syncer) shard(id string) chan string {
	return s.shards[xxhash.Sum64String(id)%uint64(len(s.shards))]
}
