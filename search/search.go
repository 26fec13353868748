package search

import (
	"context"
	"log/slog"

	"github.com/goliatone/go-repository-sync/entity"
	"github.com/goliatone/go-repository-sync/internal/searchinfra"
)

type (
	// DocState is the version an index recorded for an identifier. Deleted
	// marks a recorded removal.
	DocState = searchinfra.DocState
	// Hit is a single search result. Hits are advisory and must be hydrated
	// from the record store before being shown.
	Hit = searchinfra.Hit
)

// SearchIndex is the eventually consistent, version-gated text index.
//
// Upsert and Remove are accepted but ignored when an equal or newer version
// is already recorded for the identifier, so intents may be retried,
// duplicated or reordered freely.
type SearchIndex interface {
	Upsert(ctx context.Context, doc entity.IndexDocument) error
	Remove(ctx context.Context, id string, version int64) error

	Search(ctx context.Context, query string, limit int) ([]Hit, error)
	Versions(ctx context.Context, ids []string) (map[string]DocState, error)
	Documents(ctx context.Context, afterID string, limit int) ([]DocState, error)

	Close() error
}

// Config exposes the search index options.
type Config struct {
	// Path of the on-disk index; empty keeps it in memory.
	Path string
}

func DefaultConfig() Config {
	return Config{Path: searchinfra.DefaultConfig().Path}
}

// NewSearchIndex opens the bleve backed index.
func NewSearchIndex(cfg Config, logger *slog.Logger) (SearchIndex, error) {
	idx, err := searchinfra.Open(searchinfra.Config{Path: cfg.Path}, logger)
	if err != nil {
		return nil, err
	}
	return idx, nil
}
