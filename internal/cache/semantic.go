package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/senken/internal/search"
	"github.com/ashita-ai/senken/internal/service/embedding"
	"github.com/ashita-ai/senken/internal/storage"
)

// semanticStore is the subset of storage.DB the semantic tier uses.
type semanticStore interface {
	PutSemanticEntry(ctx context.Context, entry storage.SemanticEntry) error
	GetSemanticEntry(ctx context.Context, id uuid.UUID) (storage.SemanticEntry, error)
	InvalidateSemanticEntries(ctx context.Context, prefix string) (int, error)
}

// Semantic is the shared similarity tier. Writes land in Postgres (and reach
// Qdrant through the outbox); reads are a nearest-neighbor query over task
// description embeddings, hydrated from Postgres. A request phrased
// differently from the one that populated the cache can still hit.
type Semantic struct {
	store     semanticStore
	index     search.Index
	embedder  embedding.Provider
	threshold float32
	ttl       time.Duration
	logger    *slog.Logger
}

// NewSemantic creates the semantic tier. threshold is the minimum cosine
// similarity for a match.
func NewSemantic(store semanticStore, index search.Index, embedder embedding.Provider, threshold float32, ttl time.Duration, logger *slog.Logger) *Semantic {
	return &Semantic{
		store:     store,
		index:     index,
		embedder:  embedder,
		threshold: threshold,
		ttl:       ttl,
		logger:    logger,
	}
}

// Get embeds description and returns the best cached value above the
// similarity threshold. Matches whose Postgres row has expired or been
// invalidated since indexing are skipped.
func (s *Semantic) Get(ctx context.Context, description string) ([]byte, bool, error) {
	vec, err := s.embedder.Embed(ctx, description)
	if err != nil {
		return nil, false, fmt.Errorf("cache: embed description: %w", err)
	}

	matches, err := s.index.Query(ctx, vec.Slice(), s.threshold, 3)
	if err != nil {
		return nil, false, err
	}

	for _, m := range matches {
		entry, err := s.store.GetSemanticEntry(ctx, m.EntryID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		s.logger.Debug("semantic cache hit", "entry_id", m.EntryID, "score", m.Score)
		return entry.Value, true, nil
	}
	return nil, false, nil
}

// Put stores value keyed by the embedding of description. The Qdrant point
// is written asynchronously by the outbox worker, so a just-written entry
// may not be matchable for a poll interval or two.
func (s *Semantic) Put(ctx context.Context, key, description string, value []byte) error {
	vec, err := s.embedder.Embed(ctx, description)
	if err != nil {
		return fmt.Errorf("cache: embed description: %w", err)
	}

	now := time.Now()
	return s.store.PutSemanticEntry(ctx, storage.SemanticEntry{
		ID:          uuid.New(),
		CacheKey:    key,
		Description: description,
		Embedding:   vec,
		Value:       value,
		ExpiresAt:   now.Add(s.ttl),
		CreatedAt:   now,
	})
}

// InvalidatePrefix removes entries whose cache key starts with prefix.
// Index deletions ride the outbox.
func (s *Semantic) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	return s.store.InvalidateSemanticEntries(ctx, prefix)
}
