package storeinfra

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-repository-sync/entity"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
)

// BunStore is the relational record store. Rows are read and written through
// go-repository-bun repositories; every mutation is an optimistic versioned
// statement executed in its own transaction.
type BunStore struct {
	db       *bun.DB
	entities repository.Repository[*entityRow]
	failures repository.Repository[*syncFailureRow]
	lockRows bool
	logger   *slog.Logger
	now      func() time.Time
}

// Open connects to cfg.DSN, applies the pool settings and creates the tables
// when they are missing.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*BunStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid store config: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	kind, dsn := parseDSN(cfg.DSN)

	var db *bun.DB
	switch kind {
	case backendPostgres:
		sqldb, err := sql.Open("postgres", dsn)
		if err != nil {
			return nil, entity.Unavailable("open", err)
		}
		sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
		sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
		sqldb.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		db = bun.NewDB(sqldb, pgdialect.New())
	default:
		sqldb, err := sql.Open("sqlite3", dsn)
		if err != nil {
			return nil, entity.Unavailable("open", err)
		}
		// sqlite has a single writer and in-memory databases live only as long
		// as one connection does
		sqldb.SetMaxOpenConns(1)
		sqldb.SetMaxIdleConns(1)
		sqldb.SetConnMaxLifetime(0)
		db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	s := &BunStore{
		db:       db,
		entities: repository.NewRepository[*entityRow](db, entityHandlers()),
		failures: repository.NewRepository[*syncFailureRow](db, syncFailureHandlers()),
		// sqlite serializes writers on its single connection
		lockRows: kind == backendPostgres,
		logger:   logger,
		now:      time.Now,
	}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Debug("record store opened", "backend", kind.String())
	return s, nil
}

func (s *BunStore) migrate(ctx context.Context) error {
	models := []any{(*entityRow)(nil), (*syncFailureRow)(nil)}
	for _, model := range models {
		if _, err := s.db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return entity.Unavailable("migrate", err)
		}
	}
	return nil
}

// DB exposes the underlying bun handle.
func (s *BunStore) DB() *bun.DB {
	return s.db
}

// Begin opens a mutation scope for a single entity. No connection is held
// until Commit.
func (s *BunStore) Begin(ctx context.Context, id string) (*Tx, error) {
	if id == "" {
		return nil, &entity.ValidationError{Err: errors.New("id: cannot be blank")}
	}
	return &Tx{store: s, id: id}, nil
}

// Get returns the live entity with id.
func (s *BunStore) Get(ctx context.Context, id string) (entity.Entity, error) {
	rows, _, err := s.entities.ListTx(ctx, s.db, byID(id), live(), limit(1))
	if err != nil {
		return entity.Entity{}, entity.Unavailable("get", err)
	}
	if len(rows) == 0 {
		return entity.Entity{}, entity.ErrNotFound
	}
	return rows[0].toEntity(), nil
}

// Lookup returns the row for id including tombstones.
func (s *BunStore) Lookup(ctx context.Context, id string) (entity.Entity, error) {
	rows, _, err := s.entities.ListTx(ctx, s.db, byID(id), limit(1))
	if err != nil {
		return entity.Entity{}, entity.Unavailable("lookup", err)
	}
	if len(rows) == 0 {
		return entity.Entity{}, entity.ErrNotFound
	}
	return rows[0].toEntity(), nil
}

// lookupTx reads the row for id inside a mutation, holding its row lock on
// backends that support it until the transaction ends.
func (s *BunStore) lookupTx(ctx context.Context, tx bun.IDB, id string) (entity.Entity, error) {
	query := "SELECT * FROM entities WHERE id = ?"
	if s.lockRows {
		query += " FOR UPDATE"
	}
	rows, err := s.entities.RawTx(ctx, tx, query, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if len(rows) == 0 {
		return entity.Entity{}, entity.ErrNotFound
	}
	return rows[0].toEntity(), nil
}

// List returns a page of live entities ordered by creation time and the total
// number of live entities.
func (s *BunStore) List(ctx context.Context, offset, limit int) ([]entity.Entity, int, error) {
	rows, total, err := s.entities.ListTx(ctx, s.db, live(), page(offset, limit))
	if err != nil {
		return nil, 0, entity.Unavailable("list", err)
	}

	out := make([]entity.Entity, len(rows))
	for i, r := range rows {
		out[i] = r.toEntity()
	}
	return out, total, nil
}

// Scan pages every row, tombstones included, in identifier order starting
// after afterID.
func (s *BunStore) Scan(ctx context.Context, afterID string, n int) ([]entity.VersionInfo, error) {
	rows, _, err := s.entities.ListTx(ctx, s.db, versionColumns(), after(afterID), limit(n))
	if err != nil {
		return nil, entity.Unavailable("scan", err)
	}
	return versionInfos(rows), nil
}

// Known returns version info for the ids that have a row, tombstones included.
func (s *BunStore) Known(ctx context.Context, ids []string) (map[string]entity.VersionInfo, error) {
	out := make(map[string]entity.VersionInfo, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, _, err := s.entities.ListTx(ctx, s.db, versionColumns(), byIDs(ids))
	if err != nil {
		return nil, entity.Unavailable("known", err)
	}
	for _, info := range versionInfos(rows) {
		out[info.ID] = info
	}
	return out, nil
}

func versionInfos(rows []*entityRow) []entity.VersionInfo {
	out := make([]entity.VersionInfo, len(rows))
	for i, r := range rows {
		out[i] = entity.VersionInfo{ID: r.ID, Version: r.Version, Deleted: r.DeletedAt != nil}
	}
	return out
}

// RecordSyncFailure stores an intent that exhausted its retries.
func (s *BunStore) RecordSyncFailure(ctx context.Context, f entity.SyncFailure) error {
	row := &syncFailureRow{
		EntityID:  f.EntityID,
		Op:        f.Op.String(),
		Version:   f.Version,
		Attempts:  f.Attempts,
		LastError: f.LastError,
		FailedAt:  f.FailedAt,
	}
	if row.FailedAt.IsZero() {
		row.FailedAt = s.now().UTC()
	}
	if _, err := s.failures.CreateTx(ctx, s.db, row); err != nil {
		return entity.Unavailable("record sync failure", err)
	}
	return nil
}

// PendingSyncFailures returns unresolved failures, oldest first.
func (s *BunStore) PendingSyncFailures(ctx context.Context, n int) ([]entity.SyncFailure, error) {
	rows, _, err := s.failures.ListTx(ctx, s.db, unresolved(), limit(n))
	if err != nil {
		return nil, entity.Unavailable("pending sync failures", err)
	}

	out := make([]entity.SyncFailure, len(rows))
	for i, r := range rows {
		out[i] = r.toFailure()
	}
	return out, nil
}

// ResolveSyncFailures marks failures as handled. It is a set-based update,
// which the single-record repository API does not express.
func (s *BunStore) ResolveSyncFailures(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.NewUpdate().Table("sync_failures").
		Set("resolved_at = ?", s.now().UTC()).
		Where("id IN (?)", bun.In(ids)).
		Where("resolved_at IS NULL").
		Exec(ctx)
	return entity.Unavailable("resolve sync failures", err)
}

// Ping checks connectivity.
func (s *BunStore) Ping(ctx context.Context) error {
	return entity.Unavailable("ping", s.db.PingContext(ctx))
}

// Close releases the pool.
func (s *BunStore) Close() error {
	return s.db.Close()
}

func (s *BunStore) commit(ctx context.Context, t *Tx) (entity.Entity, error) {
	var out entity.Entity
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		switch t.op {
		case entity.OpCreate:
			out, err = s.create(ctx, tx, t.id, t.payload)
		case entity.OpUpdate:
			out, err = s.update(ctx, tx, t.id, t.expected, t.payload)
		case entity.OpDelete:
			out, err = s.delete(ctx, tx, t.id, t.expected)
		default:
			err = ErrTxEmpty
		}
		return err
	})
	if err == nil {
		return out, nil
	}

	if isUniqueViolation(err) {
		// lost an insert race; report the winner's version
		actual, lookupErr := s.Lookup(ctx, t.id)
		if lookupErr != nil {
			return entity.Entity{}, entity.Unavailable("commit", lookupErr)
		}
		return entity.Entity{}, &entity.ConflictError{ID: t.id, Actual: actual.Version}
	}
	if errors.Is(err, ErrTxEmpty) {
		return entity.Entity{}, err
	}
	return entity.Entity{}, entity.Unavailable("commit "+t.op.String(), err)
}

func (s *BunStore) create(ctx context.Context, tx bun.Tx, id string, payload entity.Payload) (entity.Entity, error) {
	now := s.now().UTC()

	existing, err := s.lookupTx(ctx, tx, id)
	switch {
	case errors.Is(err, entity.ErrNotFound):
		row := &entityRow{
			ID:        id,
			Payload:   payload,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := s.entities.CreateTx(ctx, tx, row); err != nil {
			return entity.Entity{}, err
		}
		return row.toEntity(), nil
	case err != nil:
		return entity.Entity{}, err
	case !existing.Deleted():
		return entity.Entity{}, &entity.ConflictError{ID: id, Actual: existing.Version}
	}

	// revive the tombstone so the version keeps increasing
	raw, err := json.Marshal(payload)
	if err != nil {
		return entity.Entity{}, &entity.ValidationError{Err: err}
	}
	return s.bump(ctx, tx, id, existing.Version, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("payload = ?", string(raw)).
			Set("created_at = ?", now).
			Set("updated_at = ?", now).
			Set("deleted_at = NULL").
			Where("deleted_at IS NOT NULL")
	})
}

func (s *BunStore) update(ctx context.Context, tx bun.Tx, id string, expected int64, payload entity.Payload) (entity.Entity, error) {
	if err := s.checkVersion(ctx, tx, id, expected); err != nil {
		return entity.Entity{}, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return entity.Entity{}, &entity.ValidationError{Err: err}
	}
	return s.bump(ctx, tx, id, expected, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("payload = ?", string(raw)).
			Set("updated_at = ?", s.now().UTC()).
			Where("deleted_at IS NULL")
	})
}

func (s *BunStore) delete(ctx context.Context, tx bun.Tx, id string, expected int64) (entity.Entity, error) {
	if err := s.checkVersion(ctx, tx, id, expected); err != nil {
		return entity.Entity{}, err
	}

	now := s.now().UTC()
	return s.bump(ctx, tx, id, expected, func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return q.Set("updated_at = ?", now).
			Set("deleted_at = ?", now).
			Where("deleted_at IS NULL")
	})
}

// checkVersion turns a mismatched or deleted row into Conflict or NotFound
// before anything is written.
func (s *BunStore) checkVersion(ctx context.Context, tx bun.Tx, id string, expected int64) error {
	current, err := s.lookupTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if current.Deleted() {
		return entity.ErrNotFound
	}
	if current.Version != expected {
		return &entity.ConflictError{ID: id, Expected: expected, Actual: current.Version}
	}
	return nil
}

// bump applies set to the row still at expected and increments its version.
// The version guard stays in the statement; the read back confirms it matched.
func (s *BunStore) bump(ctx context.Context, tx bun.Tx, id string, expected int64, set repository.UpdateCriteria) (entity.Entity, error) {
	guarded := func(q *bun.UpdateQuery) *bun.UpdateQuery {
		return set(q).
			Set("version = version + 1").
			Where("id = ?", id).
			Where("version = ?", expected)
	}
	if _, err := s.entities.UpdateTx(ctx, tx, &entityRow{ID: id, Version: expected}, guarded); err != nil {
		return entity.Entity{}, err
	}

	current, err := s.lookupTx(ctx, tx, id)
	if err != nil {
		return entity.Entity{}, err
	}
	if current.Version != expected+1 {
		return entity.Entity{}, &entity.ConflictError{ID: id, Expected: expected, Actual: current.Version}
	}
	return current, nil
}
