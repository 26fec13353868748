package cacheinfra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/viccon/sturdyc"
	"github.com/vmihailenco/msgpack/v5"
)

// Config holds the configuration for the sturdyc cache adapter.
type Config struct {
	// Capacity defines the maximum number of entries that the cache can store.
	// Must be greater than 0.
	Capacity int

	// NumShards determines the number of cache shards for concurrent access.
	// Must be greater than 0. Default: 256
	NumShards int

	// TTL is the default time-to-live for entity snapshots and the upper bound
	// for any per-entry ttl passed to Set. Must be greater than 0.
	TTL time.Duration

	// EvictionPercentage specifies what percentage of entries to evict
	// when the cache reaches its capacity. Must be between 1-100.
	EvictionPercentage int

	// EvictionInterval sets how often the cache checks for expired entries.
	// Zero value uses the sturdyc default.
	EvictionInterval time.Duration

	// Namespace scopes every key written by this adapter.
	Namespace string
}

// DefaultConfig returns a Config with sensible defaults for most use cases.
func DefaultConfig() Config {
	return Config{
		Capacity:           10000,
		NumShards:          256,
		TTL:                5 * time.Minute,
		EvictionPercentage: 10,
		Namespace:          "entities",
	}
}

// ToSturdycOptions converts the Config to sturdyc.Option slice.
// Capacity, NumShards, TTL, and EvictionPercentage are passed directly to
// sturdyc.New. Missing record storage and early refreshes are never enabled:
// absent entities must not be cached and the cache must not refresh itself
// behind the coordinator's back.
func (c Config) ToSturdycOptions() []sturdyc.Option {
	var options []sturdyc.Option
	if c.EvictionInterval > 0 {
		options = append(options, sturdyc.WithEvictionInterval(c.EvictionInterval))
	}
	return options
}

// Validate checks if the configuration values are valid.
func (c Config) Validate() error {
	if c.Capacity <= 0 {
		return &ConfigError{Field: "Capacity", Message: "must be greater than 0"}
	}
	if c.NumShards <= 0 {
		return &ConfigError{Field: "NumShards", Message: "must be greater than 0"}
	}
	if c.TTL <= 0 {
		return &ConfigError{Field: "TTL", Message: "must be greater than 0"}
	}
	if c.EvictionPercentage < 1 || c.EvictionPercentage > 100 {
		return &ConfigError{Field: "EvictionPercentage", Message: "must be between 1 and 100"}
	}
	if c.EvictionInterval < 0 {
		return &ConfigError{Field: "EvictionInterval", Message: "must be non-negative"}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// keyer is satisfied by cache.KeySerializer.
type keyer interface {
	SerializeKey(kind string, args ...any) string
	Prefix(kind string) string
}

const entityKind = "entity"

// entry is the msgpack-encoded snapshot stored per entity. Encoding on Set
// detaches the cached value from the caller's maps.
type entry struct {
	Entity    entity.Entity `msgpack:"entity"`
	ExpiresAt time.Time     `msgpack:"expires_at"`
}

func (e entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// SturdycService adapts a sturdyc client to the cache.CacheService contract.
type SturdycService struct {
	client *sturdyc.Client[[]byte]
	keys   keyer
	ttl    time.Duration
	now    func() time.Time
}

// NewSturdycService creates a new sturdyc cache service adapter.
// It validates the configuration and initializes a sturdyc client with the provided settings.
func NewSturdycService(cfg Config, keys keyer) (*SturdycService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, &ConfigError{Field: "keys", Message: "cannot be nil"}
	}

	client := sturdyc.New[[]byte](
		cfg.Capacity,
		cfg.NumShards,
		cfg.TTL,
		cfg.EvictionPercentage,
		cfg.ToSturdycOptions()...,
	)

	return &SturdycService{
		client: client,
		keys:   keys,
		ttl:    cfg.TTL,
		now:    time.Now,
	}, nil
}

// Get returns the cached snapshot for id. Expired or undecodable entries are
// dropped and reported as misses.
func (s *SturdycService) Get(ctx context.Context, id string) (entity.Entity, bool, error) {
	key := s.key(id)
	raw, ok := s.client.Get(key)
	if !ok {
		return entity.Entity{}, false, nil
	}

	var e entry
	if err := msgpack.Unmarshal(raw, &e); err != nil {
		s.client.Delete(key)
		return entity.Entity{}, false, fmt.Errorf("decode cache entry %s: %w", key, err)
	}
	if e.expired(s.now()) {
		s.client.Delete(key)
		return entity.Entity{}, false, nil
	}
	return inUTC(e.Entity), true, nil
}

// inUTC undoes msgpack decoding timestamps into the local zone, so a hit
// matches what the store returns.
func inUTC(e entity.Entity) entity.Entity {
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	if e.DeletedAt != nil {
		ts := e.DeletedAt.UTC()
		e.DeletedAt = &ts
	}
	return e
}

// Set stores a snapshot of e. ttl is clamped to the configured TTL; zero uses it.
func (s *SturdycService) Set(ctx context.Context, e entity.Entity, ttl time.Duration) error {
	if ttl <= 0 || ttl > s.ttl {
		ttl = s.ttl
	}

	raw, err := msgpack.Marshal(entry{Entity: e, ExpiresAt: s.now().Add(ttl)})
	if err != nil {
		return fmt.Errorf("encode cache entry %s: %w", e.ID, err)
	}
	s.client.Set(s.key(e.ID), raw)
	return nil
}

// Delete removes the snapshot for id.
func (s *SturdycService) Delete(ctx context.Context, id string) error {
	s.client.Delete(s.key(id))
	return nil
}

// DeleteByPrefix removes every entity snapshot under this adapter's namespace.
func (s *SturdycService) DeleteByPrefix(ctx context.Context, prefix string) error {
	for _, key := range s.client.ScanKeys() {
		if strings.HasPrefix(key, prefix) {
			s.client.Delete(key)
		}
	}
	return nil
}

// Purge drops every entity snapshot written by this adapter.
func (s *SturdycService) Purge(ctx context.Context) error {
	return s.DeleteByPrefix(ctx, s.keys.Prefix(entityKind))
}

// Len returns the number of keys currently held by the client.
func (s *SturdycService) Len() int {
	return s.client.Size()
}

func (s *SturdycService) key(id string) string {
	return s.keys.SerializeKey(entityKind, id)
}
