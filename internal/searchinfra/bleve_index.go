package searchinfra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/cespare/xxhash/v2"
	"github.com/goliatone/go-repository-sync/entity"
	"github.com/vmihailenco/msgpack/v5"
)

const lockStripes = 256

var ledgerPrefix = []byte("ledger:")

// Config holds the bleve index settings.
type Config struct {
	// Path of the on-disk index. Empty keeps the index in memory.
	Path string
}

// DefaultConfig returns an in-memory index configuration.
func DefaultConfig() Config {
	return Config{}
}

// DocState is the last version the index applied for an identifier.
type DocState struct {
	ID      string `msgpack:"-"`
	Version int64  `msgpack:"v"`
	Deleted bool   `msgpack:"d"`
}

// Hit is a single search result.
type Hit struct {
	ID      string
	Title   string
	Score   float64
	Version int64
}

// BleveIndex is a version-gated bleve index. Alongside each document it keeps
// a ledger entry in bleve's internal storage, written in the same batch, so
// removals are remembered and never undone by an older upsert.
type BleveIndex struct {
	idx    bleve.Index
	logger *slog.Logger
	locks  [lockStripes]sync.Mutex
}

// Open opens the index at cfg.Path, creating it when missing, or builds an
// in-memory index when no path is set.
func Open(cfg Config, logger *slog.Logger) (*BleveIndex, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	var (
		idx bleve.Index
		err error
	)
	switch {
	case cfg.Path == "":
		idx, err = bleve.NewMemOnly(newMapping())
	default:
		idx, err = bleve.Open(cfg.Path)
		if errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
			idx, err = bleve.New(cfg.Path, newMapping())
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open search index: %w", err)
	}

	logger.Debug("search index opened", "path", cfg.Path)
	return &BleveIndex{idx: idx, logger: logger}, nil
}

func newMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	version := bleve.NewNumericFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("title", text)
	doc.AddFieldMappingsAt("text", text)
	doc.AddFieldMappingsAt("version", version)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	return im
}

// Upsert writes doc unless an equal or newer version, live or removed, is
// already recorded. Ignored writes return nil.
func (b *BleveIndex) Upsert(ctx context.Context, doc entity.IndexDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := b.lock(doc.ID)
	mu.Lock()
	defer mu.Unlock()

	state, ok, err := b.state(doc.ID)
	if err != nil {
		return err
	}
	if ok && state.Version >= doc.Version {
		b.logger.Debug("index upsert ignored", "id", doc.ID, "version", doc.Version, "indexed", state.Version)
		return nil
	}

	batch := b.idx.NewBatch()
	if err := batch.Index(doc.ID, map[string]any{
		"title":   doc.Title,
		"text":    doc.Text,
		"version": float64(doc.Version),
	}); err != nil {
		return fmt.Errorf("index %s: %w", doc.ID, err)
	}
	if err := setState(batch, DocState{ID: doc.ID, Version: doc.Version}); err != nil {
		return err
	}
	return b.idx.Batch(batch)
}

// Remove deletes the document for id and records version as removed, unless
// an equal or newer version is already recorded.
func (b *BleveIndex) Remove(ctx context.Context, id string, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mu := b.lock(id)
	mu.Lock()
	defer mu.Unlock()

	state, ok, err := b.state(id)
	if err != nil {
		return err
	}
	if ok && state.Version >= version {
		b.logger.Debug("index remove ignored", "id", id, "version", version, "indexed", state.Version)
		return nil
	}

	batch := b.idx.NewBatch()
	batch.Delete(id)
	if err := setState(batch, DocState{ID: id, Version: version, Deleted: true}); err != nil {
		return err
	}
	return b.idx.Batch(batch)
}

// Search runs a match query against title and text.
func (b *BleveIndex) Search(ctx context.Context, q string, limit int) ([]Hit, error) {
	title := bleve.NewMatchQuery(q)
	title.SetField("title")
	title.SetBoost(2)
	text := bleve.NewMatchQuery(q)
	text.SetField("text")

	req := bleve.NewSearchRequestOptions(bleve.NewDisjunctionQuery(title, text), limit, 0, false)
	req.Fields = []string{"title", "version"}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q, err)
	}

	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		hit := Hit{ID: h.ID, Score: h.Score}
		if s, ok := h.Fields["title"].(string); ok {
			hit.Title = s
		}
		if v, ok := h.Fields["version"].(float64); ok {
			hit.Version = int64(v)
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// Versions returns the recorded state for each id that has one.
func (b *BleveIndex) Versions(ctx context.Context, ids []string) (map[string]DocState, error) {
	out := make(map[string]DocState, len(ids))
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		state, ok, err := b.state(id)
		if err != nil {
			return nil, err
		}
		if ok {
			out[id] = state
		}
	}
	return out, nil
}

// Documents pages the live documents in identifier order, starting after afterID.
func (b *BleveIndex) Documents(ctx context.Context, afterID string, limit int) ([]DocState, error) {
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), limit, 0, false)
	req.Fields = []string{"version"}
	req.SortBy([]string{"_id"})
	if afterID != "" {
		req.SearchAfter = []string{afterID}
	}

	res, err := b.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	out := make([]DocState, 0, len(res.Hits))
	for _, h := range res.Hits {
		state := DocState{ID: h.ID}
		if v, ok := h.Fields["version"].(float64); ok {
			state.Version = int64(v)
		}
		out = append(out, state)
	}
	return out, nil
}

// Count returns the number of live documents.
func (b *BleveIndex) Count() (uint64, error) {
	return b.idx.DocCount()
}

func (b *BleveIndex) Close() error {
	return b.idx.Close()
}

func (b *BleveIndex) lock(id string) *sync.Mutex {
	return &b.locks[xxhash.Sum64String(id)%lockStripes]
}

func (b *BleveIndex) state(id string) (DocState, bool, error) {
	raw, err := b.idx.GetInternal(ledgerKey(id))
	if err != nil {
		return DocState{}, false, fmt.Errorf("read ledger %s: %w", id, err)
	}
	if raw == nil {
		return DocState{}, false, nil
	}

	var state DocState
	if err := msgpack.Unmarshal(raw, &state); err != nil {
		return DocState{}, false, fmt.Errorf("decode ledger %s: %w", id, err)
	}
	state.ID = id
	return state, true, nil
}

func setState(batch *bleve.Batch, state DocState) error {
	raw, err := msgpack.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", state.ID, err)
	}
	batch.SetInternal(ledgerKey(state.ID), raw)
	return nil
}

func ledgerKey(id string) []byte {
	return append(append([]byte{}, ledgerPrefix...), id...)
}
