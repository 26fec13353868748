package coordinator

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/telemetry"
	"github.com/goliatone/go-repository-sync/pkg/testsupport"
	"github.com/goliatone/go-repository-sync/repositorycache"
	"github.com/goliatone/go-repository-sync/search"
	"github.com/goliatone/go-repository-sync/store"
)

var errDown = errors.New("backend down")

// flakyIndex fails writes while down is set.
type flakyIndex struct {
	search.SearchIndex
	down   atomic.Bool
	writes atomic.Int64
}

func (f *flakyIndex) Upsert(ctx context.Context, doc entity.IndexDocument) error {
	f.writes.Add(1)
	if f.down.Load() {
		return errDown
	}
	return f.SearchIndex.Upsert(ctx, doc)
}

func (f *flakyIndex) Remove(ctx context.Context, id string, version int64) error {
	f.writes.Add(1)
	if f.down.Load() {
		return errDown
	}
	return f.SearchIndex.Remove(ctx, id, version)
}

// flakyCache fails the next failDeletes deletes.
type flakyCache struct {
	cache.CacheService
	failDeletes atomic.Int32
	deletes     atomic.Int32
}

func (f *flakyCache) Delete(ctx context.Context, id string) error {
	f.deletes.Add(1)
	if f.failDeletes.Add(-1) >= 0 {
		return errDown
	}
	return f.CacheService.Delete(ctx, id)
}

type downStore struct {
	store.RecordStore
}

func (downStore) Begin(ctx context.Context, id string) (store.Txn, error) {
	return nil, errDown
}

type failingQueue struct{}

func (failingQueue) Enqueue(ctx context.Context, intent entity.MutationIntent) error {
	return ErrQueueFull
}

type harness struct {
	records store.RecordStore
	cache   *flakyCache
	index   *flakyIndex
	syncer  *Syncer
	inval   *Invalidator
	coord   *Coordinator
	router  *repositorycache.ReadRouter
	metrics *telemetry.Metrics
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()

	cfg := store.DefaultConfig()
	cfg.DSN = testsupport.SQLiteDSN(t)
	records, err := store.NewRecordStore(ctx, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	cacheCfg := cache.DefaultConfig()
	cacheCfg.Capacity = 100
	cacheCfg.NumShards = 4
	cacheSvc, err := cache.NewCacheService(cacheCfg)
	require.NoError(t, err)

	index, err := search.NewSearchIndex(search.DefaultConfig(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })

	h := &harness{
		records: records,
		cache:   &flakyCache{CacheService: cacheSvc},
		index:   &flakyIndex{SearchIndex: index},
		metrics: telemetry.NewMetrics(),
	}

	syncCfg := SyncerConfig{
		Workers:        2,
		QueueSize:      64,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
	h.syncer = NewSyncer(records, h.index, syncCfg, nil, h.metrics)
	h.inval = NewInvalidator(h.cache, syncCfg, 0, nil, h.metrics)

	opts := DefaultOptions()
	opts.Rules.RequiredFields = []string{"title"}
	opts.Metrics = h.metrics
	h.coord = New(records, h.cache, h.syncer, h.inval, opts)
	h.router = repositorycache.New(records, h.cache, repositorycache.WithMetrics(h.metrics))
	return h
}

// start runs the background workers until the test ends.
func (h *harness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); _ = h.syncer.Run(ctx) }()
	go func() { defer wg.Done(); _ = h.inval.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
}

func (h *harness) waitIndexed(t *testing.T, id string, version int64) search.DocState {
	t.Helper()
	var state search.DocState
	require.Eventually(t, func() bool {
		states, err := h.index.Versions(context.Background(), []string{id})
		if err != nil {
			return false
		}
		var ok bool
		state, ok = states[id]
		return ok && state.Version >= version
	}, 2*time.Second, 5*time.Millisecond, "index never reached %s@%d", id, version)
	return state
}

func (h *harness) metricsText(t *testing.T) string {
	t.Helper()
	rec := httptest.NewRecorder()
	h.metrics.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func note(title string) entity.Payload {
	return entity.Payload{"title": title, "body": "text for " + title}
}

func TestCoordinator_CreateThenRead(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	created, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)
	assert.Equal(t, "n1", created.ID)
	assert.Equal(t, int64(1), created.Version)

	got, err := h.router.Read(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, "Hello", got.Payload.String("title"))

	h.waitIndexed(t, "n1", 1)
	hits, err := h.index.Search(ctx, "hello", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "n1", hits[0].ID)
}

func TestCoordinator_CreateGeneratesID(t *testing.T) {
	h := newHarness(t)

	created, err := h.coord.Create(context.Background(), "", note("Untitled"))
	require.NoError(t, err)
	assert.Len(t, created.ID, 36)
	assert.Equal(t, 1, h.syncer.Pending())
}

func TestCoordinator_UpdateInvalidatesCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)

	// warm the cache
	_, err = h.router.Read(ctx, "n1")
	require.NoError(t, err)
	_, ok, err := h.cache.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)

	updated, err := h.coord.Update(ctx, "n1", 1, note("Hello again"))
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	_, ok, err = h.cache.Get(ctx, "n1")
	require.NoError(t, err)
	assert.False(t, ok, "update must drop the cached snapshot")

	got, err := h.router.Read(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, "Hello again", got.Payload.String("title"))
}

func TestCoordinator_StaleUpdateConflicts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)
	_, err = h.coord.Update(ctx, "n1", 1, note("Second"))
	require.NoError(t, err)

	_, err = h.coord.Update(ctx, "n1", 1, note("Lost"))
	var conflict *entity.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	got, err := h.records.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Second", got.Payload.String("title"))
}

func TestCoordinator_ConcurrentUpdatesOneWinner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	var wins, conflicts atomic.Int32
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.coord.Update(ctx, "n1", 1, note("writer"))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, entity.ErrConflict):
				conflicts.Add(1)
			default:
				t.Errorf("writer %d: unexpected error %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(writers-1), conflicts.Load())

	got, err := h.records.Get(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestCoordinator_DeleteIsNotResurrected(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("Doomed"))
	require.NoError(t, err)
	_, err = h.router.Read(ctx, "n1")
	require.NoError(t, err)

	deleted, err := h.coord.Delete(ctx, "n1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted.Version)
	assert.True(t, deleted.Deleted())

	_, err = h.router.Read(ctx, "n1")
	assert.ErrorIs(t, err, entity.ErrNotFound)

	state := h.waitIndexed(t, "n1", 2)
	assert.True(t, state.Deleted)

	// a late replay of the create must not bring the document back
	require.NoError(t, h.syncer.Apply(ctx, entity.MutationIntent{Op: entity.OpCreate, ID: "n1", Version: 1}))
	hits, err := h.index.Search(ctx, "doomed", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = h.coord.Update(ctx, "n1", 2, note("Back"))
	assert.ErrorIs(t, err, entity.ErrNotFound)
}

func TestCoordinator_RecreateAfterDelete(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("First"))
	require.NoError(t, err)
	_, err = h.coord.Delete(ctx, "n1", 1)
	require.NoError(t, err)

	revived, err := h.coord.Create(ctx, "n1", note("Second"))
	require.NoError(t, err)
	assert.Equal(t, int64(3), revived.Version)

	state := h.waitIndexed(t, "n1", 3)
	assert.False(t, state.Deleted)
}

func TestCoordinator_ValidationTouchesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		m    entity.Mutation
	}{
		{name: "missing title", m: entity.Mutation{Op: entity.OpCreate, ID: "n1", Payload: entity.Payload{"body": "x"}}},
		{name: "empty payload", m: entity.Mutation{Op: entity.OpCreate, ID: "n1"}},
		{name: "update without version", m: entity.Mutation{Op: entity.OpUpdate, ID: "n1", Payload: note("x")}},
		{name: "delete with payload", m: entity.Mutation{Op: entity.OpDelete, ID: "n1", ExpectedVersion: 1, Payload: note("x")}},
		{name: "unknown op", m: entity.Mutation{Op: entity.Op("merge"), ID: "n1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.coord.Mutate(ctx, tt.m)
			assert.ErrorIs(t, err, entity.ErrValidation)
		})
	}

	_, err := h.records.Lookup(ctx, "n1")
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Zero(t, h.cache.deletes.Load())
	assert.Zero(t, h.syncer.Pending())
}

func TestCoordinator_MissingEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Update(ctx, "ghost", 1, note("x"))
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = h.coord.Delete(ctx, "ghost", 1)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	assert.Zero(t, h.syncer.Pending())
}

func TestCoordinator_StoreUnavailable(t *testing.T) {
	h := newHarness(t)
	coord := New(downStore{RecordStore: h.records}, h.cache, h.syncer, h.inval, DefaultOptions())

	_, err := coord.Create(context.Background(), "n1", note("Hello"))
	assert.ErrorIs(t, err, entity.ErrStoreUnavailable)
	assert.Zero(t, h.cache.deletes.Load())
	assert.Zero(t, h.syncer.Pending())
}

func TestCoordinator_IndexDownStillCommits(t *testing.T) {
	h := newHarness(t)
	h.index.down.Store(true)
	h.start(t)
	ctx := context.Background()

	created, err := h.coord.Create(ctx, "n1", note("Offline"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), created.Version)

	got, err := h.router.Read(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, "Offline", got.Payload.String("title"))

	var failures []entity.SyncFailure
	require.Eventually(t, func() bool {
		failures, err = h.records.PendingSyncFailures(ctx, 10)
		return err == nil && len(failures) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, "n1", failures[0].EntityID)
	assert.Equal(t, 3, failures[0].Attempts)
	assert.Contains(t, failures[0].LastError, "backend down")

	// replaying the recorded failure once the index is back converges it
	h.index.down.Store(false)
	f := failures[0]
	require.NoError(t, h.syncer.Apply(ctx, entity.MutationIntent{Op: f.Op, ID: f.EntityID, Version: f.Version}))
	state := h.waitIndexed(t, "n1", 1)
	assert.False(t, state.Deleted)
}

func TestCoordinator_EnqueueFailureIsDeferred(t *testing.T) {
	h := newHarness(t)
	opts := DefaultOptions()
	opts.Metrics = h.metrics
	coord := New(h.records, h.cache, failingQueue{}, h.inval, opts)

	_, err := coord.Create(context.Background(), "n1", note("Hello"))
	require.NoError(t, err)

	assert.Contains(t, h.metricsText(t), `notes_sync_deferred_total{stage="index"} 1`)
}

func TestCoordinator_CacheDeleteFailureIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)
	_, err = h.router.Read(ctx, "n1")
	require.NoError(t, err)

	h.cache.failDeletes.Store(2)
	_, err = h.coord.Update(ctx, "n1", 1, note("Changed"))
	require.NoError(t, err, "cache trouble must not fail a committed write")
	assert.Equal(t, 1, h.inval.Pending())

	// still stale until the invalidator runs
	cached, ok, err := h.cache.Get(ctx, "n1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(1), cached.Version)

	h.start(t)
	require.Eventually(t, func() bool {
		_, ok, _ := h.cache.Get(ctx, "n1")
		return !ok
	}, 2*time.Second, 5*time.Millisecond)

	got, err := h.router.Read(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Contains(t, h.metricsText(t), `notes_sync_deferred_total{stage="cache"} 1`)
}

func TestCoordinator_IntentsCoalescePerEntity(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.coord.Create(ctx, "n1", note("Hello"))
	require.NoError(t, err)
	_, err = h.coord.Update(ctx, "n1", created.Version, note("Later"))
	require.NoError(t, err)

	assert.Equal(t, 1, h.syncer.Pending())
}

func TestSyncer_CoalescesToHighestVersion(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	for v := int64(1); v <= 3; v++ {
		require.NoError(t, h.syncer.Enqueue(ctx, entity.MutationIntent{Op: entity.OpUpdate, ID: "n1", Version: v}))
	}
	require.NoError(t, h.syncer.Enqueue(ctx, entity.MutationIntent{Op: entity.OpUpdate, ID: "n1", Version: 2}))

	assert.Equal(t, 1, h.syncer.Pending())
	intent, ok := h.syncer.pending.Load("n1")
	require.True(t, ok)
	assert.Equal(t, int64(3), intent.Version)
	assert.Equal(t, "update:n1@3", intent.String())
}

func TestSyncer_QueueFull(t *testing.T) {
	h := newHarness(t)
	s := NewSyncer(h.records, h.index, SyncerConfig{Workers: 1, QueueSize: 1}, nil, nil)

	require.NoError(t, s.Enqueue(context.Background(), entity.MutationIntent{ID: "a", Version: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := s.Enqueue(ctx, entity.MutationIntent{ID: "b", Version: 1})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1, s.Pending())
}

func TestSyncer_QueueFullReportsMergedVersion(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	s := NewSyncer(h.records, h.index, SyncerConfig{Workers: 1, QueueSize: 1}, testsupport.Logger(&logs), h.metrics)

	require.NoError(t, s.Enqueue(context.Background(), entity.MutationIntent{ID: "a", Version: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	blocked := make(chan error, 1)
	go func() {
		blocked <- s.Enqueue(ctx, entity.MutationIntent{ID: "b", Version: 1})
	}()
	require.Eventually(t, func() bool { return s.Pending() == 2 }, time.Second, time.Millisecond)

	// merges into the waiting entry and returns immediately
	require.NoError(t, s.Enqueue(context.Background(), entity.MutationIntent{ID: "b", Version: 3}))

	select {
	case err := <-blocked:
		assert.ErrorIs(t, err, ErrQueueFull)
	case <-time.After(time.Second):
		t.Fatal("blocked enqueue never timed out")
	}

	assert.Equal(t, 1, s.Pending(), "the dropped entry must not linger")
	assert.Contains(t, h.metricsText(t), `notes_sync_deferred_total{stage="index"} 1`)
	assert.Contains(t, logs.String(), "sync deferred")
	assert.Contains(t, logs.String(), "version=3")
}

func TestSyncer_QueueFullOwnVersionIsNotReported(t *testing.T) {
	h := newHarness(t)
	var logs bytes.Buffer
	s := NewSyncer(h.records, h.index, SyncerConfig{Workers: 1, QueueSize: 1}, testsupport.Logger(&logs), h.metrics)

	require.NoError(t, s.Enqueue(context.Background(), entity.MutationIntent{ID: "a", Version: 1}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.Enqueue(ctx, entity.MutationIntent{ID: "b", Version: 2}), ErrQueueFull)

	assert.NotContains(t, logs.String(), "sync deferred", "the caller reports its own version")
	assert.Equal(t, 1, s.Pending())
}

func TestSyncer_ApplyUsesAuthoritativeState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.coord.Create(ctx, "n1", note("One"))
	require.NoError(t, err)
	_, err = h.coord.Update(ctx, "n1", 1, note("Two"))
	require.NoError(t, err)

	// an old intent still indexes the current row
	require.NoError(t, h.syncer.Apply(ctx, entity.MutationIntent{Op: entity.OpCreate, ID: "n1", Version: 1}))
	states, err := h.index.Versions(ctx, []string{"n1"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), states["n1"].Version)

	// reapplying is a no-op
	writes := h.index.writes.Load()
	require.NoError(t, h.syncer.Apply(ctx, entity.MutationIntent{Op: entity.OpUpdate, ID: "n1", Version: 2}))
	assert.Equal(t, writes+1, h.index.writes.Load())
	hits, err := h.index.Search(ctx, "two", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
}

func TestSyncer_StopsAcceptingAfterRun(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.syncer.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	err := h.syncer.Enqueue(context.Background(), entity.MutationIntent{ID: "n1", Version: 1})
	assert.ErrorIs(t, err, ErrSyncerStopped)
}

func TestInvalidator_DeferIsBounded(t *testing.T) {
	h := newHarness(t)
	inv := NewInvalidator(h.cache, SyncerConfig{QueueSize: 1}, 0, nil, nil)

	assert.True(t, inv.Defer("a", 1))
	assert.True(t, inv.Defer("a", 2), "repeat ids share the queued slot")
	assert.False(t, inv.Defer("b", 1))
	assert.Equal(t, 1, inv.Pending())
}
