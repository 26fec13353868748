package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/storeinfra"
)

// Txn is a mutation scope for a single entity. Exactly one of Create, Update
// or Delete may be staged before Commit.
type Txn interface {
	ID() string
	Create(payload entity.Payload) error
	Update(expected int64, payload entity.Payload) error
	Delete(expected int64) error
	// Commit applies the staged mutation and returns the committed entity,
	// a *entity.ConflictError on version mismatch, entity.ErrNotFound when
	// there is nothing live to change, or a *entity.StoreUnavailableError.
	Commit(ctx context.Context) (entity.Entity, error)
	Rollback() error
}

// RecordStore is the authoritative, transactional entity store.
type RecordStore interface {
	Begin(ctx context.Context, id string) (Txn, error)

	// Get returns the live entity or entity.ErrNotFound.
	Get(ctx context.Context, id string) (entity.Entity, error)
	// Lookup is Get including tombstones.
	Lookup(ctx context.Context, id string) (entity.Entity, error)
	List(ctx context.Context, offset, limit int) ([]entity.Entity, int, error)

	// Scan and Known back the reconciliation sweep.
	Scan(ctx context.Context, afterID string, limit int) ([]entity.VersionInfo, error)
	Known(ctx context.Context, ids []string) (map[string]entity.VersionInfo, error)

	RecordSyncFailure(ctx context.Context, f entity.SyncFailure) error
	PendingSyncFailures(ctx context.Context, limit int) ([]entity.SyncFailure, error)
	ResolveSyncFailures(ctx context.Context, ids []int64) error

	Ping(ctx context.Context) error
	Close() error
}

// Config exposes the record store connection options.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultConfig returns an in-memory SQLite configuration.
func DefaultConfig() Config {
	cfg := storeinfra.DefaultConfig()
	return Config{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	}
}

func (c Config) Validate() error {
	return c.toInternal().Validate()
}

func (c Config) toInternal() storeinfra.Config {
	return storeinfra.Config{
		DSN:             c.DSN,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

// NewRecordStore opens the bun backed store described by cfg.
func NewRecordStore(ctx context.Context, cfg Config, logger *slog.Logger) (RecordStore, error) {
	s, err := storeinfra.Open(ctx, cfg.toInternal(), logger)
	if err != nil {
		return nil, err
	}
	return &bunRecordStore{BunStore: s}, nil
}

type bunRecordStore struct {
	*storeinfra.BunStore
}

func (s *bunRecordStore) Begin(ctx context.Context, id string) (Txn, error) {
	tx, err := s.BunStore.Begin(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
