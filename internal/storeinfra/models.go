package storeinfra

import (
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// entityRow is the relational shape of an entity. Deletes keep the row as a
// tombstone so versions never go backwards for a reused identifier.
type entityRow struct {
	bun.BaseModel `bun:"table:entities,alias:e"`

	ID        string         `bun:"id,pk"`
	Payload   entity.Payload `bun:"payload"`
	Version   int64          `bun:"version,notnull"`
	CreatedAt time.Time      `bun:"created_at,notnull"`
	UpdatedAt time.Time      `bun:"updated_at,notnull"`
	DeletedAt *time.Time     `bun:"deleted_at"`
}

// entityHandlers keeps caller-chosen ids. Only rows created without one get a
// generated UUID.
func entityHandlers() repository.ModelHandlers[*entityRow] {
	return repository.ModelHandlers[*entityRow]{
		NewRecord: func() *entityRow {
			return new(entityRow)
		},
		GetID: func(r *entityRow) uuid.UUID {
			if r == nil {
				return uuid.Nil
			}
			id, err := uuid.Parse(r.ID)
			if err != nil {
				return uuid.Nil
			}
			return id
		},
		SetID: func(r *entityRow, id uuid.UUID) {
			if r != nil && r.ID == "" {
				r.ID = id.String()
			}
		},
		GetIdentifier: func() string {
			return "id"
		},
	}
}

func (r entityRow) toEntity() entity.Entity {
	e := entity.Entity{
		ID:        r.ID,
		Payload:   r.Payload,
		Version:   r.Version,
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
	if r.DeletedAt != nil {
		ts := r.DeletedAt.UTC()
		e.DeletedAt = &ts
	}
	return e
}

type syncFailureRow struct {
	bun.BaseModel `bun:"table:sync_failures,alias:sf"`

	ID         int64      `bun:"id,pk,autoincrement"`
	EntityID   string     `bun:"entity_id,notnull"`
	Op         string     `bun:"op,notnull"`
	Version    int64      `bun:"version,notnull"`
	Attempts   int        `bun:"attempts,notnull"`
	LastError  string     `bun:"last_error"`
	FailedAt   time.Time  `bun:"failed_at,notnull"`
	ResolvedAt *time.Time `bun:"resolved_at"`
}

// syncFailureHandlers leaves ids to the database sequence.
func syncFailureHandlers() repository.ModelHandlers[*syncFailureRow] {
	return repository.ModelHandlers[*syncFailureRow]{
		NewRecord: func() *syncFailureRow {
			return new(syncFailureRow)
		},
		GetID: func(*syncFailureRow) uuid.UUID {
			return uuid.Nil
		},
		SetID: func(*syncFailureRow, uuid.UUID) {},
		GetIdentifier: func() string {
			return "entity_id"
		},
	}
}

func (r syncFailureRow) toFailure() entity.SyncFailure {
	return entity.SyncFailure{
		ID:         r.ID,
		EntityID:   r.EntityID,
		Op:         entity.Op(r.Op),
		Version:    r.Version,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		FailedAt:   r.FailedAt.UTC(),
		ResolvedAt: r.ResolvedAt,
	}
}
