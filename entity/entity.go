package entity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload holds the structured fields of an entity.
type Payload map[string]any

// Clone returns a deep copy of the payload so callers cannot mutate shared snapshots.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return map[string]any(Payload(t).Clone())
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = cloneValue(t[i])
		}
		return out
	default:
		return v
	}
}

// String returns the string value stored under key, or "" when absent or not a string.
func (p Payload) String(key string) string {
	if s, ok := p[key].(string); ok {
		return s
	}
	return ""
}

// Keys returns the payload keys in sorted order.
func (p Payload) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Entity is the authoritative record owned by the record store.
type Entity struct {
	ID        string     `json:"id" msgpack:"id"`
	Payload   Payload    `json:"payload" msgpack:"payload"`
	Version   int64      `json:"version" msgpack:"version"`
	CreatedAt time.Time  `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" msgpack:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" msgpack:"deleted_at,omitempty"`
}

// Deleted reports whether the entity is a tombstone.
func (e Entity) Deleted() bool {
	return e.DeletedAt != nil
}

// Clone returns a copy of the entity that shares no mutable state with the receiver.
func (e Entity) Clone() Entity {
	out := e
	out.Payload = e.Payload.Clone()
	if e.DeletedAt != nil {
		ts := *e.DeletedAt
		out.DeletedAt = &ts
	}
	return out
}

// VersionInfo is the minimal view of a stored entity used by reconciliation.
type VersionInfo struct {
	ID      string
	Version int64
	Deleted bool
}

// NewID returns a fresh opaque entity identifier.
func NewID() string {
	return uuid.NewString()
}

// NormalizeID trims the identifier and canonicalizes it when it parses as a UUID.
// Non-UUID tokens are accepted as-is, so callers can use natural keys such as "n1".
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if parsed, err := uuid.Parse(id); err == nil {
		return parsed.String()
	}
	return id
}

// SyncFailure records an intent that exhausted its retries.
type SyncFailure struct {
	ID         int64
	EntityID   string
	Op         Op
	Version    int64
	Attempts   int
	LastError  string
	FailedAt   time.Time
	ResolvedAt *time.Time
}

func (f SyncFailure) String() string {
	return fmt.Sprintf("%s %s@%d (%d attempts): %s", f.Op, f.EntityID, f.Version, f.Attempts, f.LastError)
}
