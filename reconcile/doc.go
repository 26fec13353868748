// Package reconcile runs the background sweep that converges the search index
// with the record store.
//
// A pass has three phases. Stored rows are paged by id and compared against
// the index ledger; live rows that are missing or behind are re-enqueued, and
// tombstones whose document is still live are re-enqueued as deletes.
// Indexed documents are then paged and checked for a backing row; documents
// with none are removed. Finally, intents the synchronizer gave up on are
// re-enqueued and marked resolved.
//
// The sweep only enqueues intents. The synchronizer reads authoritative state
// when it applies them, so a sweep that races live writes cannot regress the
// index.
package reconcile
