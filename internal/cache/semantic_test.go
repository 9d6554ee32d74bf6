package cache

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/senken/internal/search"
	"github.com/ashita-ai/senken/internal/service/embedding"
	"github.com/ashita-ai/senken/internal/storage"
)

type fakeStore struct {
	entries map[uuid.UUID]storage.SemanticEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[uuid.UUID]storage.SemanticEntry)}
}

func (s *fakeStore) PutSemanticEntry(_ context.Context, entry storage.SemanticEntry) error {
	s.entries[entry.ID] = entry
	return nil
}

func (s *fakeStore) GetSemanticEntry(_ context.Context, id uuid.UUID) (storage.SemanticEntry, error) {
	entry, ok := s.entries[id]
	if !ok || time.Now().After(entry.ExpiresAt) {
		return storage.SemanticEntry{}, storage.ErrNotFound
	}
	return entry, nil
}

func (s *fakeStore) InvalidateSemanticEntries(_ context.Context, prefix string) (int, error) {
	removed := 0
	for id, entry := range s.entries {
		if len(entry.CacheKey) >= len(prefix) && entry.CacheKey[:len(prefix)] == prefix {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}

type fakeIndex struct {
	matches []search.Match
}

func (i *fakeIndex) Query(context.Context, []float32, float32, int) ([]search.Match, error) {
	return i.matches, nil
}

func (i *fakeIndex) Upsert(context.Context, []search.Point) error   { return nil }
func (i *fakeIndex) DeleteByIDs(context.Context, []uuid.UUID) error { return nil }
func (i *fakeIndex) Healthy(context.Context) error                  { return nil }

func TestSemanticGetHydratesBestMatch(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	index := &fakeIndex{}
	tier := NewSemantic(store, index, embedding.NewNoopProvider(4), 0.9, time.Minute, testLogger())

	require.NoError(t, tier.Put(ctx, "task:abc", "earnings outlook for acme", []byte("cached")))

	var id uuid.UUID
	for entryID := range store.entries {
		id = entryID
	}
	index.matches = []search.Match{{EntryID: id, Score: 0.95}}

	got, ok, err := tier.Get(ctx, "acme earnings forecast")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("cached"), got)
}

func TestSemanticGetSkipsStaleMatches(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	// The index still holds a point whose Postgres row is gone.
	index := &fakeIndex{matches: []search.Match{{EntryID: uuid.New(), Score: 0.99}}}
	tier := NewSemantic(store, index, embedding.NewNoopProvider(4), 0.9, time.Minute, testLogger())

	_, ok, err := tier.Get(ctx, "anything")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSemanticGetMissWithoutMatches(t *testing.T) {
	tier := NewSemantic(newFakeStore(), &fakeIndex{}, embedding.NewNoopProvider(4), 0.9, time.Minute, testLogger())

	_, ok, err := tier.Get(context.Background(), "novel request")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSemanticInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	tier := NewSemantic(store, &fakeIndex{}, embedding.NewNoopProvider(4), 0.9, time.Minute, testLogger())

	require.NoError(t, tier.Put(ctx, "task:aa:web", "one", []byte("1")))
	require.NoError(t, tier.Put(ctx, "task:aa:fin", "two", []byte("2")))
	require.NoError(t, tier.Put(ctx, "task:bb:web", "three", []byte("3")))

	removed, err := tier.InvalidatePrefix(ctx, "task:aa")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.Len(t, store.entries, 1)
}
