// Package search maintains the Qdrant vector index over semantic cache
// entries. Postgres stays the source of truth; an outbox worker replays
// writes into Qdrant so the index can lag without losing data.
package search

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Point is the data needed to upsert a single cache entry into Qdrant.
type Point struct {
	ID        uuid.UUID
	CacheKey  string
	ExpiresAt time.Time
	Embedding []float32
}

// Match holds a semantic entry ID and its raw cosine similarity. The caller
// hydrates the cached value from Postgres.
type Match struct {
	EntryID uuid.UUID
	Score   float32
}

// Index is the interface for the vector index backing semantic lookups.
// Implementations must be safe for concurrent use.
type Index interface {
	// Query returns entry IDs whose embeddings score at or above threshold
	// against the query vector, best first. Expired points are excluded.
	Query(ctx context.Context, embedding []float32, threshold float32, limit int) ([]Match, error)

	// Upsert inserts or replaces points in the index.
	Upsert(ctx context.Context, points []Point) error

	// DeleteByIDs removes specific points by entry ID.
	DeleteByIDs(ctx context.Context, ids []uuid.UUID) error

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}
