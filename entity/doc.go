// Package entity defines the domain types shared by the record store, the cache
// layer, the search index and the write coordinator.
//
// The record store owns Entity exclusively. Cache entries and index documents
// are derived, disposable copies that can be rebuilt from the store at any time.
// Every successful mutation bumps Entity.Version by exactly one, which is what
// makes search synchronization idempotent: a document is only replaced by an
// equal-or-newer version.
//
// Errors follow a small taxonomy that the HTTP façade maps to status codes:
//
//   - ErrNotFound: the entity is absent (or a tombstone)
//   - ErrConflict: optimistic version mismatch (*ConflictError)
//   - ErrValidation: malformed mutation, rejected before any store is touched (*ValidationError)
//   - ErrStoreUnavailable: transient record store failure (*StoreUnavailableError)
//
// SyncDeferred is internal only. It describes a cache or index write that is
// retried in the background and is never surfaced to callers.
package entity
