package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/search"
)

// Repair reasons, also used as metric labels.
const (
	ReasonStale   = "stale"
	ReasonMissing = "missing"
	ReasonDeleted = "deleted"
	ReasonOrphan  = "orphan"
	ReasonFailure = "failure"
)

// Records is the part of the record store the sweep reads.
type Records interface {
	Scan(ctx context.Context, afterID string, limit int) ([]entity.VersionInfo, error)
	Known(ctx context.Context, ids []string) (map[string]entity.VersionInfo, error)
	PendingSyncFailures(ctx context.Context, limit int) ([]entity.SyncFailure, error)
	ResolveSyncFailures(ctx context.Context, ids []int64) error
}

// Index is the part of the search index the sweep reads.
type Index interface {
	Versions(ctx context.Context, ids []string) (map[string]search.DocState, error)
	Documents(ctx context.Context, afterID string, limit int) ([]search.DocState, error)
}

// Queue accepts repair intents; coordinator.Syncer satisfies it.
type Queue interface {
	Enqueue(ctx context.Context, intent entity.MutationIntent) error
}

// Config tunes the sweep.
type Config struct {
	Interval  time.Duration
	BatchSize int
	// RatePerSecond caps re-enqueued intents. Zero disables pacing.
	RatePerSecond float64
	// EnqueueTimeout bounds the wait for queue capacity per repair.
	EnqueueTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:       time.Minute,
		BatchSize:      500,
		RatePerSecond:  200,
		EnqueueTimeout: time.Second,
	}
}

// Report summarizes one pass.
type Report struct {
	Scanned   int
	Documents int
	Repairs   map[string]int
	Enqueued  int
	Dropped   int
	Duration  time.Duration
}

// Total returns the number of repairs found.
func (r Report) Total() int {
	n := 0
	for _, v := range r.Repairs {
		n += v
	}
	return n
}

// Sweeper compares the record store against the search index and re-enqueues
// intents for every divergence. It shares no state with the coordinator; the
// version gate on the index makes overlapping passes and live traffic safe.
type Sweeper struct {
	records Records
	index   Index
	queue   Queue
	cfg     Config
	limiter *rate.Limiter

	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// Config returns the effective settings after defaults were applied.
func (s *Sweeper) Config() Config {
	return s.cfg
}

// New builds a sweeper.
func New(records Records, index Index, queue Queue, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics) *Sweeper {
	d := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = d.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = d.BatchSize
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = d.EnqueueTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Sweeper{
		records: records,
		index:   index,
		queue:   queue,
		cfg:     cfg,
		limiter: limiter,
		logger:  telemetry.OrDiscard(logger),
		metrics: metrics,
	}
}

// Run sweeps once immediately and then every Interval until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("reconciliation sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single pass: store rows against the index ledger,
// index documents against store rows, then recorded sync failures.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	report := Report{Repairs: make(map[string]int)}

	err := s.sweepRecords(ctx, &report)
	if err == nil {
		err = s.sweepDocuments(ctx, &report)
	}
	if err == nil {
		err = s.retryFailures(ctx, &report)
	}

	report.Duration = time.Since(start)
	for reason, n := range report.Repairs {
		s.metrics.SweepRepair(reason, n)
	}
	s.metrics.SweepRun(err)

	s.logger.Info("reconciliation sweep finished",
		"scanned", report.Scanned,
		"documents", report.Documents,
		"repairs", report.Total(),
		"enqueued", report.Enqueued,
		"dropped", report.Dropped,
		"duration", report.Duration,
	)
	return report, err
}

func (s *Sweeper) sweepRecords(ctx context.Context, report *Report) error {
	after := ""
	for {
		page, err := s.records.Scan(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("scan records after %q: %w", after, err)
		}
		if len(page) == 0 {
			return nil
		}
		report.Scanned += len(page)

		ids := make([]string, len(page))
		for i, info := range page {
			ids[i] = info.ID
		}
		states, err := s.index.Versions(ctx, ids)
		if err != nil {
			return fmt.Errorf("read index versions: %w", err)
		}

		for _, info := range page {
			state, indexed := states[info.ID]
			reason, op := diverged(info, state, indexed)
			if reason == "" {
				continue
			}
			if _, err := s.repair(ctx, report, reason, entity.MutationIntent{Op: op, ID: info.ID, Version: info.Version}); err != nil {
				return err
			}
		}

		after = page[len(page)-1].ID
		if len(page) < s.cfg.BatchSize {
			return nil
		}
	}
}

// diverged decides whether a stored row needs an index repair. A tombstone
// with no live document is left alone so a delete is never turned back into
// a document.
func diverged(info entity.VersionInfo, state search.DocState, indexed bool) (string, entity.Op) {
	switch {
	case info.Deleted:
		if indexed && !state.Deleted && state.Version < info.Version {
			return ReasonDeleted, entity.OpDelete
		}
		return "", ""
	case !indexed:
		return ReasonMissing, entity.OpCreate
	case state.Version < info.Version:
		return ReasonStale, entity.OpUpdate
	}
	return "", ""
}

func (s *Sweeper) sweepDocuments(ctx context.Context, report *Report) error {
	after := ""
	for {
		docs, err := s.index.Documents(ctx, after, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list index documents after %q: %w", after, err)
		}
		if len(docs) == 0 {
			return nil
		}
		report.Documents += len(docs)

		ids := make([]string, len(docs))
		for i, d := range docs {
			ids[i] = d.ID
		}
		known, err := s.records.Known(ctx, ids)
		if err != nil {
			return fmt.Errorf("check known records: %w", err)
		}

		for _, d := range docs {
			if _, ok := known[d.ID]; ok {
				continue
			}
			// no row at all: remove just above what the index holds
			intent := entity.MutationIntent{Op: entity.OpDelete, ID: d.ID, Version: d.Version + 1}
			if _, err := s.repair(ctx, report, ReasonOrphan, intent); err != nil {
				return err
			}
		}

		after = docs[len(docs)-1].ID
		if len(docs) < s.cfg.BatchSize {
			return nil
		}
	}
}

func (s *Sweeper) retryFailures(ctx context.Context, report *Report) error {
	failures, err := s.records.PendingSyncFailures(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("load sync failures: %w", err)
	}

	resolved := make([]int64, 0, len(failures))
	for _, f := range failures {
		intent := entity.MutationIntent{Op: f.Op, ID: f.EntityID, Version: f.Version}
		queued, err := s.repair(ctx, report, ReasonFailure, intent)
		if err != nil {
			return err
		}
		if queued {
			resolved = append(resolved, f.ID)
		}
	}
	if len(resolved) == 0 {
		return nil
	}
	if err := s.records.ResolveSyncFailures(ctx, resolved); err != nil {
		return fmt.Errorf("resolve sync failures: %w", err)
	}
	return nil
}

func (s *Sweeper) repair(ctx context.Context, report *Report, reason string, intent entity.MutationIntent) (bool, error) {
	report.Repairs[reason]++
	if err := s.limiter.Wait(ctx); err != nil {
		return false, err
	}

	intent.EnqueuedAt = time.Now().UTC()
	ectx, cancel := context.WithTimeout(ctx, s.cfg.EnqueueTimeout)
	err := s.queue.Enqueue(ectx, intent)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		report.Dropped++
		s.logger.Warn("sweep could not enqueue repair", "reason", reason, "intent", intent.String(), "error", err)
		return false, nil
	}

	report.Enqueued++
	s.logger.Debug("sweep enqueued repair", "reason", reason, "intent", intent.String())
	return true, nil
}
