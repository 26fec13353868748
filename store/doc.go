// Package store defines the record store contract: the only authoritative
// copy of every entity.
//
// Mutations are optimistic. Each successful create, update or delete bumps
// the entity version by one, and update and delete carry the version the
// caller last saw:
//
//	txn, _ := records.Begin(ctx, "n1")
//	_ = txn.Update(1, entity.Payload{"title": "Hello2"})
//	note, err := txn.Commit(ctx) // note.Version == 2, or *entity.ConflictError
//
// Deletes leave a tombstone row so a later create of the same identifier
// continues the version sequence instead of restarting it.
//
// The default implementation uses bun over SQLite (mattn/go-sqlite3) or
// Postgres (lib/pq), chosen by the DSN scheme.
package store
