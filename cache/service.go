package cache

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-sync/entity"
)

// KeySerializer builds a cache key from a key kind + arbitrary args.
// It is responsible for producing stable keys across calls.
type KeySerializer interface {
	SerializeKey(kind string, args ...any) string
	Prefix(kind string) string
}

// CacheService is the cache layer contract consumed by the write coordinator
// and the read router. It holds disposable entity snapshots only.
//
// Implementations must make Delete eventually visible to Get and must honor a
// bounded TTL on Set. A zero ttl means the implementation default.
type CacheService interface {
	Get(ctx context.Context, id string) (entity.Entity, bool, error)
	Set(ctx context.Context, e entity.Entity, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}
