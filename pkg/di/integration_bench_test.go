package di

import (
	"context"
	"fmt"
	"testing"

	"github.com/goliatone/go-repository-sync/cache"
	"github.com/goliatone/go-repository-sync/entity"
)

func newBenchContainer(b *testing.B, notes int) *Container {
	b.Helper()

	cfg := testConfig(b)
	cfg.Sweep.Enabled = false
	cfg.Metrics.Enabled = false

	container, err := NewContainer(context.Background(), cfg, nil)
	if err != nil {
		b.Fatalf("NewContainer() failed: %v", err)
	}
	b.Cleanup(func() { _ = container.Close() })

	ctx := context.Background()
	for i := 0; i < notes; i++ {
		payload := entity.Payload{"title": fmt.Sprintf("Benchmark note %d", i), "body": "lorem ipsum"}
		if _, err := container.Coordinator().Create(ctx, fmt.Sprintf("bench-%d", i), payload); err != nil {
			b.Fatalf("seed: %v", err)
		}
	}
	return container
}

// BenchmarkKeySerializationPerformance benchmarks cache key building
func BenchmarkKeySerializationPerformance(b *testing.B) {
	serializer := cache.NewKeySerializer("notes")

	testCases := []struct {
		name string
		args []any
	}{
		{name: "simple_id", args: []any{"bench-42"}},
		{name: "id_and_version", args: []any{"bench-42", int64(7)}},
		{name: "map_args", args: []any{map[string]any{"title": "x", "limit": 10}}},
	}

	for _, tc := range testCases {
		b.Run(tc.name, func(b *testing.B) {
			b.ReportAllocs()
			for i := 0; i < b.N; i++ {
				_ = serializer.SerializeKey("entity", tc.args...)
			}
		})
	}
}

// BenchmarkReadPaths compares store reads with cache-first reads
func BenchmarkReadPaths(b *testing.B) {
	container := newBenchContainer(b, 100)
	ctx := context.Background()

	b.Run("record_store_Get", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = container.Records().Get(ctx, fmt.Sprintf("bench-%d", i%100))
		}
	})

	for i := 0; i < 100; i++ {
		_, _ = container.Reader().Read(ctx, fmt.Sprintf("bench-%d", i))
	}

	b.Run("read_router_cache_hit", func(b *testing.B) {
		b.ReportAllocs()
		for i := 0; i < b.N; i++ {
			_, _ = container.Reader().Read(ctx, fmt.Sprintf("bench-%d", i%100))
		}
	})

	b.Run("read_router_concurrent_hits", func(b *testing.B) {
		b.ReportAllocs()
		b.RunParallel(func(pb *testing.PB) {
			i := 0
			for pb.Next() {
				_, _ = container.Reader().Read(ctx, fmt.Sprintf("bench-%d", i%100))
				i++
			}
		})
	})
}

// BenchmarkCoordinatedUpdate measures the write path with the syncer running
func BenchmarkCoordinatedUpdate(b *testing.B) {
	container := newBenchContainer(b, 1)
	ctx := context.Background()
	if err := container.Start(ctx); err != nil {
		b.Fatal(err)
	}

	version := int64(1)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		e, err := container.Coordinator().Update(ctx, "bench-0", version, entity.Payload{"title": fmt.Sprintf("rev %d", i)})
		if err != nil {
			b.Fatal(err)
		}
		version = e.Version
	}
}
