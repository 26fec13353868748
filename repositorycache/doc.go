// Package repositorycache provides the read router: a cache-aside decorator
// over the record store's read path.
//
// # Overview
//
// Reads never consult the search index. The router checks the cache layer
// first and returns the snapshot on a hit. On a miss it reads the record
// store, writes the result back to the cache with a bounded TTL and returns
// it:
//
//	router := repositorycache.New(records, cacheService, repositorycache.WithTTL(time.Minute))
//	note, err := router.Read(ctx, "n1")
//	if errors.Is(err, entity.ErrNotFound) {
//		// absent in the store; nothing was cached
//	}
//
// # Staleness
//
// Writers invalidate rather than overwrite cache entries, so a hit is stale
// by at most the TTL. A reader that loaded a row just before a concurrent
// commit may still write the older snapshot back after the writer's delete;
// that entry is bounded by the same TTL.
//
// # Negative Results
//
// entity.ErrNotFound is returned as is and never cached, so a create that
// follows a miss is visible on the next read.
//
// # Error Handling
//
// Cache failures degrade to a store read and are logged. Store failures
// other than ErrNotFound surface as *entity.StoreUnavailableError.
//
// # Concurrency
//
// Concurrent misses for the same identifier are collapsed with singleflight
// so a burst of reads costs one store query.
package repositorycache
