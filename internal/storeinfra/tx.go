package storeinfra

import (
	"context"

	"github.com/goliatone/go-repository-sync/entity"
)

// Tx stages exactly one mutation for a single entity and applies it on Commit.
type Tx struct {
	store    *BunStore
	id       string
	op       entity.Op
	payload  entity.Payload
	expected int64
	done     bool
}

func (t *Tx) ID() string {
	return t.id
}

// Create stages an insert, or the revival of a tombstone.
func (t *Tx) Create(payload entity.Payload) error {
	return t.stage(entity.OpCreate, 0, payload)
}

// Update stages a payload replacement guarded by expected.
func (t *Tx) Update(expected int64, payload entity.Payload) error {
	return t.stage(entity.OpUpdate, expected, payload)
}

// Delete stages a tombstone guarded by expected.
func (t *Tx) Delete(expected int64) error {
	return t.stage(entity.OpDelete, expected, nil)
}

func (t *Tx) stage(op entity.Op, expected int64, payload entity.Payload) error {
	if t.done {
		return ErrTxDone
	}
	if t.op != "" {
		return ErrTxStaged
	}
	t.op = op
	t.expected = expected
	t.payload = payload.Clone()
	return nil
}

// Commit applies the staged mutation and returns the committed entity.
func (t *Tx) Commit(ctx context.Context) (entity.Entity, error) {
	if t.done {
		return entity.Entity{}, ErrTxDone
	}
	t.done = true
	if t.op == "" {
		return entity.Entity{}, ErrTxEmpty
	}
	return t.store.commit(ctx, t)
}

// Rollback discards the staged mutation. It is safe to call after Commit.
func (t *Tx) Rollback() error {
	t.done = true
	return nil
}
