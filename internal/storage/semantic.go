package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// SemanticEntry is one cached result plus the embedding of the task
// description that produced it. Postgres is the source of truth; the
// outbox syncs embeddings into Qdrant for nearest-neighbor reads.
type SemanticEntry struct {
	ID          uuid.UUID
	CacheKey    string
	Description string
	Embedding   pgvector.Vector
	Value       []byte
	ExpiresAt   time.Time
	CreatedAt   time.Time
}

// OutboxEntry is a pending Qdrant sync operation.
type OutboxEntry struct {
	ID       int64
	EntryID  uuid.UUID
	Op       string // "upsert" or "delete"
	Attempts int
}

// PutSemanticEntry stores a semantic cache entry and enqueues its Qdrant
// sync in the same transaction, so a crash between the two cannot lose the
// index update. An existing entry for the same cache key is replaced.
func (db *DB) PutSemanticEntry(ctx context.Context, entry SemanticEntry) error {
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		tx, err := db.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("storage: begin semantic put: %w", err)
		}
		defer func() { _ = tx.Rollback(ctx) }()

		_, err = tx.Exec(ctx,
			`INSERT INTO semantic_entries (id, cache_key, description, embedding, value, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (cache_key) DO UPDATE
			 SET id = EXCLUDED.id, description = EXCLUDED.description,
			     embedding = EXCLUDED.embedding, value = EXCLUDED.value,
			     expires_at = EXCLUDED.expires_at, created_at = EXCLUDED.created_at`,
			entry.ID, entry.CacheKey, entry.Description, entry.Embedding,
			entry.Value, entry.ExpiresAt, entry.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: upsert semantic entry: %w", err)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO semantic_outbox (entry_id, op) VALUES ($1, 'upsert')`,
			entry.ID,
		)
		if err != nil {
			return fmt.Errorf("storage: enqueue semantic outbox: %w", err)
		}

		return tx.Commit(ctx)
	})
}

// GetSemanticEntry hydrates an entry by ID after a Qdrant match. Expired
// entries behave as misses and are removed lazily.
func (db *DB) GetSemanticEntry(ctx context.Context, id uuid.UUID) (SemanticEntry, error) {
	var entry SemanticEntry
	err := db.pool.QueryRow(ctx,
		`SELECT id, cache_key, description, value, expires_at, created_at
		 FROM semantic_entries WHERE id = $1`, id,
	).Scan(&entry.ID, &entry.CacheKey, &entry.Description, &entry.Value, &entry.ExpiresAt, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SemanticEntry{}, ErrNotFound
		}
		return SemanticEntry{}, fmt.Errorf("storage: get semantic entry: %w", err)
	}
	if time.Now().After(entry.ExpiresAt) {
		_, _ = db.pool.Exec(ctx, `DELETE FROM semantic_entries WHERE id = $1`, id)
		return SemanticEntry{}, ErrNotFound
	}
	return entry, nil
}

// InvalidateSemanticEntries deletes entries whose cache key starts with
// prefix and enqueues Qdrant deletions for them. Returns how many entries
// were removed.
func (db *DB) InvalidateSemanticEntries(ctx context.Context, prefix string) (int, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("storage: begin semantic invalidate: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx,
		`DELETE FROM semantic_entries WHERE cache_key LIKE $1 || '%' RETURNING id`, prefix)
	if err != nil {
		return 0, fmt.Errorf("storage: delete semantic entries: %w", err)
	}
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage: scan deleted entry: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage: delete semantic entries: %w", err)
	}

	for _, id := range ids {
		if _, err := tx.Exec(ctx,
			`INSERT INTO semantic_outbox (entry_id, op) VALUES ($1, 'delete')`, id,
		); err != nil {
			return 0, fmt.Errorf("storage: enqueue semantic delete: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("storage: commit semantic invalidate: %w", err)
	}
	return len(ids), nil
}

// ClaimOutboxBatch locks and returns up to limit pending outbox entries
// inside tx. SKIP LOCKED lets concurrent sync workers drain disjoint
// batches.
func (db *DB) ClaimOutboxBatch(ctx context.Context, tx pgx.Tx, limit int) ([]OutboxEntry, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, entry_id, op, attempts FROM semantic_outbox
		 ORDER BY id
		 FOR UPDATE SKIP LOCKED
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: claim outbox batch: %w", err)
	}
	defer rows.Close()

	var entries []OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		if err := rows.Scan(&e.ID, &e.EntryID, &e.Op, &e.Attempts); err != nil {
			return nil, fmt.Errorf("storage: scan outbox entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EmbeddingForEntry loads the stored embedding for one semantic entry.
func (db *DB) EmbeddingForEntry(ctx context.Context, id uuid.UUID) (pgvector.Vector, SemanticEntry, error) {
	var (
		entry SemanticEntry
		vec   pgvector.Vector
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, cache_key, description, embedding, expires_at, created_at
		 FROM semantic_entries WHERE id = $1`, id,
	).Scan(&entry.ID, &entry.CacheKey, &entry.Description, &vec, &entry.ExpiresAt, &entry.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pgvector.Vector{}, SemanticEntry{}, ErrNotFound
		}
		return pgvector.Vector{}, SemanticEntry{}, fmt.Errorf("storage: embedding for entry: %w", err)
	}
	return vec, entry, nil
}

// DeleteOutboxEntries removes successfully synced outbox rows inside tx.
func (db *DB) DeleteOutboxEntries(ctx context.Context, tx pgx.Tx, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM semantic_outbox WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: delete outbox entries: %w", err)
	}
	return nil
}

// BumpOutboxAttempts increments the attempt counter for failed syncs and
// drops entries that exceeded maxAttempts, inside tx.
func (db *DB) BumpOutboxAttempts(ctx context.Context, tx pgx.Tx, ids []int64, maxAttempts int) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.Exec(ctx,
		`UPDATE semantic_outbox SET attempts = attempts + 1 WHERE id = ANY($1)`, ids,
	); err != nil {
		return fmt.Errorf("storage: bump outbox attempts: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM semantic_outbox WHERE id = ANY($1) AND attempts >= $2`, ids, maxAttempts,
	); err != nil {
		return fmt.Errorf("storage: drop exhausted outbox entries: %w", err)
	}
	return nil
}

// PurgeExpiredSemanticEntries removes entries past their TTL. Called
// periodically by the outbox worker; Qdrant points for expired entries are
// filtered out at read time by the expiry payload check.
func (db *DB) PurgeExpiredSemanticEntries(ctx context.Context) (int, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM semantic_entries WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: purge expired semantic entries: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// ErrEntryGone distinguishes a missing source row during outbox sync.
var ErrEntryGone = errors.New("storage: semantic entry removed before sync")
