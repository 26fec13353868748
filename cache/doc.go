// Package cache provides the cache layer contract and key serialization used by
// the write coordinator and the read router.
//
// # Overview
//
// The package exports two interfaces and their default implementations:
//
//   - CacheService: Get/Set/Delete of entity snapshots with explicit expiration
//   - KeySerializer: builds stable, namespaced cache keys
//
// The cache is never authoritative. Entries may be absent, stale within their
// TTL, or evicted at any time without affecting the record store.
//
// # Basic Usage
//
//	svc, err := cache.NewCacheService(cache.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	_ = svc.Set(ctx, note, 0) // 0 uses the configured TTL
//	snapshot, ok, err := svc.Get(ctx, note.ID)
//
// # Key Layout
//
// Keys are joined with KeySeparator and scoped under a normalized namespace:
//
//	serializer := cache.NewKeySerializer("NoteRecord")
//	serializer.SerializeKey("entity", "n1") // "note_record::entity::n1"
//
// Basic values are rendered with %v, fmt.Stringer values with String, and
// anything else falls back to JSON.
//
// # Invalidation
//
// Writers delete entries rather than overwrite them. A delete can never cache a
// value from a concurrently superseded write, and a stale entry left behind by
// a failed delete is bounded by its expiration.
//
// # Negative Results
//
// Absent entities are never cached. The sturdyc adapter keeps missing record
// storage disabled so a fast-following create is visible immediately.
package cache
