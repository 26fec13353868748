package entity

import (
	"fmt"
	"strings"
	"time"
)

// Op is the kind of mutation applied to an entity.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

func (o Op) String() string {
	return string(o)
}

// Valid reports whether o is a recognized operation.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// ParseOp converts a case-insensitive operation name into an Op.
func ParseOp(s string) (Op, error) {
	op := Op(strings.ToLower(strings.TrimSpace(s)))
	if !op.Valid() {
		return "", fmt.Errorf("unknown operation %q", s)
	}
	return op, nil
}

// Mutation is a request to change a single entity.
type Mutation struct {
	Op              Op
	ID              string
	Payload         Payload
	ExpectedVersion int64
}

// MutationIntent asks the search synchronizer to converge the index document for ID
// to at least Version.
type MutationIntent struct {
	Op         Op
	ID         string
	Version    int64
	EnqueuedAt time.Time
}

// NewIntent derives the intent for a committed entity.
func NewIntent(op Op, e Entity) MutationIntent {
	return MutationIntent{
		Op:         op,
		ID:         e.ID,
		Version:    e.Version,
		EnqueuedAt: time.Now().UTC(),
	}
}

func (i MutationIntent) String() string {
	return fmt.Sprintf("%s:%s@%d", i.Op, i.ID, i.Version)
}
