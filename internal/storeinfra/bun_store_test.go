package storeinfra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/pkg/testsupport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *BunStore {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DSN = testsupport.SQLiteDSN(t)

	s, err := Open(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func commit(t *testing.T, s *BunStore, id string, stage func(*Tx) error) (entity.Entity, error) {
	t.Helper()

	tx, err := s.Begin(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, stage(tx))
	return tx.Commit(context.Background())
}

func create(t *testing.T, s *BunStore, id, title string) entity.Entity {
	t.Helper()

	e, err := commit(t, s, id, func(tx *Tx) error {
		return tx.Create(entity.Payload{"title": title})
	})
	require.NoError(t, err)
	return e
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "postgres url", mutate: func(c *Config) { c.DSN = "postgres://user:pw@localhost:5432/notes?sslmode=disable" }},
		{name: "sqlite url", mutate: func(c *Config) { c.DSN = "sqlite://notes.db" }},
		{name: "missing dsn", mutate: func(c *Config) { c.DSN = "" }, wantErr: true},
		{name: "unsupported scheme", mutate: func(c *Config) { c.DSN = "mysql://root@localhost/notes" }, wantErr: true},
		{name: "zero pool", mutate: func(c *Config) { c.MaxOpenConns = 0 }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseDSN(t *testing.T) {
	kind, dsn := parseDSN("sqlite://file:notes.db?_busy_timeout=5000")
	assert.Equal(t, backendSQLite, kind)
	assert.Equal(t, "file:notes.db?_busy_timeout=5000", dsn)

	kind, dsn = parseDSN("postgresql://localhost/notes")
	assert.Equal(t, backendPostgres, kind)
	assert.Equal(t, "postgresql://localhost/notes", dsn)
}

func TestBunStore_CreateGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	created := create(t, s, "n1", "Hello")
	assert.Equal(t, int64(1), created.Version)
	assert.False(t, created.CreatedAt.IsZero())

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Hello", got.Payload.String("title"))
	assert.Equal(t, int64(1), got.Version)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestBunStore_CreateExistingConflicts(t *testing.T) {
	s := openTestStore(t)
	create(t, s, "n1", "Hello")

	_, err := commit(t, s, "n1", func(tx *Tx) error {
		return tx.Create(entity.Payload{"title": "again"})
	})

	var conflict *entity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Actual)
	assert.ErrorIs(t, err, entity.ErrConflict)
}

func TestBunStore_UpdateVersioning(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create(t, s, "n1", "Hello")

	updated, err := commit(t, s, "n1", func(tx *Tx) error {
		return tx.Update(1, entity.Payload{"title": "Hello2"})
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "Hello2", updated.Payload.String("title"))

	_, err = commit(t, s, "n1", func(tx *Tx) error {
		return tx.Update(1, entity.Payload{"title": "stale"})
	})
	var conflict *entity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Hello2", got.Payload.String("title"))

	_, err = commit(t, s, "ghost", func(tx *Tx) error {
		return tx.Update(1, entity.Payload{"title": "x"})
	})
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestBunStore_ConcurrentUpdatesHaveOneWinner(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create(t, s, "n1", "Hello")

	const writers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      int
		conflicts int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tx, err := s.Begin(ctx, "n1")
			if err != nil {
				return
			}
			if err := tx.Update(1, entity.Payload{"title": "writer", "n": float64(i)}); err != nil {
				return
			}
			_, err = tx.Commit(ctx)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, entity.ErrConflict):
				conflicts++
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Equal(t, writers-1, conflicts)

	got, err := s.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestBunStore_DeleteLeavesTombstone(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create(t, s, "n1", "Hello")

	deleted, err := commit(t, s, "n1", func(tx *Tx) error { return tx.Delete(1) })
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted.Version)
	assert.True(t, deleted.Deleted())

	_, err = s.Get(ctx, "n1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	tomb, err := s.Lookup(ctx, "n1")
	require.NoError(t, err)
	assert.True(t, tomb.Deleted())
	assert.Equal(t, int64(2), tomb.Version)

	_, err = commit(t, s, "n1", func(tx *Tx) error { return tx.Delete(2) })
	assert.ErrorIs(t, err, entity.ErrNotFound)

	revived := create(t, s, "n1", "Back")
	assert.Equal(t, int64(3), revived.Version)
	assert.False(t, revived.Deleted())
}

func TestTx_Staging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tx, err := s.Begin(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", tx.ID())
	require.NoError(t, tx.Create(entity.Payload{"title": "a"}))
	assert.ErrorIs(t, tx.Delete(1), ErrTxStaged)

	_, err = tx.Commit(ctx)
	require.NoError(t, err)
	_, err = tx.Commit(ctx)
	assert.ErrorIs(t, err, ErrTxDone)

	empty, err := s.Begin(ctx, "n2")
	require.NoError(t, err)
	_, err = empty.Commit(ctx)
	assert.ErrorIs(t, err, ErrTxEmpty)

	rolled, err := s.Begin(ctx, "n3")
	require.NoError(t, err)
	require.NoError(t, rolled.Create(entity.Payload{"title": "never"}))
	require.NoError(t, rolled.Rollback())
	_, err = s.Lookup(ctx, "n3")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	_, err = s.Begin(ctx, "")
	assert.ErrorIs(t, err, entity.ErrValidation)
}

func TestBunStore_ListScanKnown(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for _, note := range testsupport.LoadNotes(t, "notes.json") {
		_, err := commit(t, s, note.ID, func(tx *Tx) error { return tx.Create(note.Payload) })
		require.NoError(t, err)
	}
	_, err := commit(t, s, "n2", func(tx *Tx) error { return tx.Delete(1) })
	require.NoError(t, err)

	page, total, err := s.List(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 2)
	assert.Equal(t, "n1", page[0].ID)
	assert.Equal(t, "n3", page[1].ID)

	scanned, err := s.Scan(ctx, "", 2)
	require.NoError(t, err)
	assert.Equal(t, []entity.VersionInfo{
		{ID: "n1", Version: 1},
		{ID: "n2", Version: 2, Deleted: true},
	}, scanned)

	rest, err := s.Scan(ctx, "n2", 2)
	require.NoError(t, err)
	assert.Equal(t, []entity.VersionInfo{{ID: "n3", Version: 1}}, rest)

	known, err := s.Known(ctx, []string{"n2", "n3", "zzz"})
	require.NoError(t, err)
	assert.Len(t, known, 2)
	assert.True(t, known["n2"].Deleted)
	_, ok := known["zzz"]
	assert.False(t, ok)
}

func TestBunStore_SyncFailureLedger(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.RecordSyncFailure(ctx, entity.SyncFailure{
		EntityID: "n1", Op: entity.OpUpdate, Version: 2, Attempts: 5, LastError: "index unreachable",
	}))
	require.NoError(t, s.RecordSyncFailure(ctx, entity.SyncFailure{
		EntityID: "n2", Op: entity.OpDelete, Version: 3, Attempts: 5, LastError: "index unreachable",
	}))

	pending, err := s.PendingSyncFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "n1", pending[0].EntityID)
	assert.Equal(t, entity.OpUpdate, pending[0].Op)
	assert.False(t, pending[0].FailedAt.IsZero())

	require.NoError(t, s.ResolveSyncFailures(ctx, []int64{pending[0].ID}))

	pending, err = s.PendingSyncFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "n2", pending[0].EntityID)

	require.NoError(t, s.ResolveSyncFailures(ctx, nil))
	require.NoError(t, s.Ping(ctx))
}

func TestIsUniqueViolation(t *testing.T) {
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
	assert.True(t, isUniqueViolation(fmt.Errorf("create record: %s", "UNIQUE constraint failed: entities.id")))
	assert.True(t, isUniqueViolation(errors.New(`pq: duplicate key value violates unique constraint "entities_pkey"`)))
}

func TestBunStore_RepositoryView(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create(t, s, "n1", "Hello")
	create(t, s, "n2", "World")
	_, err := commit(t, s, "n2", func(tx *Tx) error { return tx.Delete(1) })
	require.NoError(t, err)

	total, err := s.entities.CountTx(ctx, s.DB())
	require.NoError(t, err)
	assert.Equal(t, 2, total, "tombstones stay in the table")

	alive, err := s.entities.CountTx(ctx, s.DB(), live())
	require.NoError(t, err)
	assert.Equal(t, 1, alive)

	rows, _, err := s.entities.ListTx(ctx, s.DB(), byID("n1"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Hello", rows[0].Payload.String("title"))
	assert.Equal(t, int64(1), rows[0].Version)
}

func TestBunStore_GuardedUpdateLeavesOtherRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	create(t, s, "n1", "Hello")
	create(t, s, "n2", "World")

	_, err := commit(t, s, "n1", func(tx *Tx) error {
		return tx.Update(1, entity.Payload{"title": "Hello2"})
	})
	require.NoError(t, err)

	other, err := s.Get(ctx, "n2")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other.Version)
	assert.Equal(t, "World", other.Payload.String("title"))
}
