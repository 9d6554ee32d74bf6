package search

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/senken/internal/storage"
	"github.com/ashita-ai/senken/internal/telemetry"
)

const maxOutboxAttempts = 10

// OutboxWorker polls the semantic_outbox table and syncs changes to the
// vector index. It also purges expired semantic entries on a slow cadence.
type OutboxWorker struct {
	db           *storage.DB
	index        Index
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int

	started    atomic.Bool
	cancelLoop context.CancelFunc
	done       chan struct{}
	once       sync.Once
	lastPurge  time.Time
	drainCh    chan context.Context // carries the drain context to pollLoop for the final poll
}

// NewOutboxWorker creates a new outbox worker.
func NewOutboxWorker(db *storage.DB, index Index, logger *slog.Logger, pollInterval time.Duration, batchSize int) *OutboxWorker {
	return &OutboxWorker{
		db:           db,
		index:        index,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		done:         make(chan struct{}),
		drainCh:      make(chan context.Context, 1),
	}
}

// Start begins the background poll loop. It is safe to call only once;
// subsequent calls are no-ops and log a warning.
func (w *OutboxWorker) Start(ctx context.Context) {
	if !w.started.CompareAndSwap(false, true) {
		w.logger.Warn("semantic outbox: Start called more than once, ignoring")
		return
	}
	w.registerMetrics()
	loopCtx, cancel := context.WithCancel(ctx)
	w.cancelLoop = cancel
	go w.pollLoop(loopCtx)
}

// Drain signals the poll loop to stop, processes remaining entries, and blocks
// until done or the context expires. The ctx parameter is passed to the final
// poll so it respects the caller's deadline.
func (w *OutboxWorker) Drain(ctx context.Context) {
	// Send the drain context to pollLoop via channel (race-free).
	// Must be sent before cancelLoop so pollLoop can receive it on ctx.Done().
	select {
	case w.drainCh <- ctx:
	default:
	}
	if w.cancelLoop != nil {
		w.cancelLoop()
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		w.logger.Warn("semantic outbox: drain timed out")
	}
}

func (w *OutboxWorker) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain: prefer the drain context (sent by Drain via channel)
			// so the final poll respects the caller's deadline.
			var drainCtx context.Context
			select {
			case drainCtx = <-w.drainCh:
			default:
			}
			if drainCtx != nil {
				w.processBatch(drainCtx)
			} else {
				// Fallback for direct cancellation without Drain (e.g., tests).
				fallbackCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				w.processBatch(fallbackCtx)
				cancel()
			}
			w.once.Do(func() { close(w.done) })
			return
		case <-ticker.C:
			batchCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			w.processBatch(batchCtx)
			cancel()

			if time.Since(w.lastPurge) > time.Hour {
				w.purgeExpired(ctx)
				w.lastPurge = time.Now()
			}
		}
	}
}

// processBatch claims a batch of outbox entries, replays them into the index,
// and resolves them in the same transaction. The row locks from the claim are
// held across the index calls, which keeps concurrent workers on disjoint
// batches without a separate lease column.
func (w *OutboxWorker) processBatch(ctx context.Context) {
	tx, err := w.db.Pool().Begin(ctx)
	if err != nil {
		w.logger.Error("semantic outbox: begin tx", "error", err)
		return
	}
	defer func() { _ = tx.Rollback(ctx) }()

	entries, err := w.db.ClaimOutboxBatch(ctx, tx, w.batchSize)
	if err != nil {
		w.logger.Error("semantic outbox: claim batch", "error", err)
		return
	}
	if len(entries) == 0 {
		return
	}

	var upserts, deletes []storage.OutboxEntry
	for _, e := range entries {
		switch e.Op {
		case "upsert":
			upserts = append(upserts, e)
		case "delete":
			deletes = append(deletes, e)
		}
	}

	var synced, failed []int64
	if len(upserts) > 0 {
		s, f := w.processUpserts(ctx, upserts)
		synced = append(synced, s...)
		failed = append(failed, f...)
	}
	if len(deletes) > 0 {
		s, f := w.processDeletes(ctx, deletes)
		synced = append(synced, s...)
		failed = append(failed, f...)
	}

	if err := w.db.DeleteOutboxEntries(ctx, tx, synced); err != nil {
		w.logger.Error("semantic outbox: resolve synced entries", "error", err)
		return
	}
	if err := w.db.BumpOutboxAttempts(ctx, tx, failed, maxOutboxAttempts); err != nil {
		w.logger.Error("semantic outbox: bump failed entries", "error", err)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		w.logger.Error("semantic outbox: commit batch", "error", err)
	}
}

// processUpserts hydrates embeddings from Postgres and pushes them into the
// index. An entry whose source row has vanished (invalidated or expired
// between enqueue and sync) counts as synced so it drains instead of retrying.
func (w *OutboxWorker) processUpserts(ctx context.Context, entries []storage.OutboxEntry) (synced, failed []int64) {
	var points []Point
	pointOwners := make(map[uuid.UUID][]int64)

	for _, e := range entries {
		vec, entry, err := w.db.EmbeddingForEntry(ctx, e.EntryID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				synced = append(synced, e.ID)
				continue
			}
			w.logger.Error("semantic outbox: load embedding", "error", err, "entry_id", e.EntryID)
			failed = append(failed, e.ID)
			continue
		}
		points = append(points, Point{
			ID:        entry.ID,
			CacheKey:  entry.CacheKey,
			ExpiresAt: entry.ExpiresAt,
			Embedding: vec.Slice(),
		})
		pointOwners[entry.ID] = append(pointOwners[entry.ID], e.ID)
	}

	if len(points) == 0 {
		return synced, failed
	}

	if err := w.index.Upsert(ctx, points); err != nil {
		w.logger.Error("semantic outbox: index upsert", "error", err, "count", len(points))
		for _, ids := range pointOwners {
			failed = append(failed, ids...)
		}
		return synced, failed
	}

	for _, ids := range pointOwners {
		synced = append(synced, ids...)
	}
	w.logger.Info("semantic outbox: upserted", "count", len(points))
	return synced, failed
}

func (w *OutboxWorker) processDeletes(ctx context.Context, entries []storage.OutboxEntry) (synced, failed []int64) {
	ids := make([]uuid.UUID, len(entries))
	outboxIDs := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.EntryID
		outboxIDs[i] = e.ID
	}

	if err := w.index.DeleteByIDs(ctx, ids); err != nil {
		w.logger.Error("semantic outbox: index delete", "error", err, "count", len(ids))
		return nil, outboxIDs
	}

	w.logger.Info("semantic outbox: deleted", "count", len(ids))
	return outboxIDs, nil
}

func (w *OutboxWorker) purgeExpired(ctx context.Context) {
	removed, err := w.db.PurgeExpiredSemanticEntries(ctx)
	if err != nil {
		w.logger.Error("semantic outbox: purge expired entries", "error", err)
		return
	}
	if removed > 0 {
		w.logger.Info("semantic outbox: purged expired entries", "removed", removed)
	}
}

// registerMetrics registers an observable OTEL gauge for outbox depth.
func (w *OutboxWorker) registerMetrics() {
	meter := telemetry.Meter("senken/outbox")

	_, _ = meter.Int64ObservableGauge("senken.outbox.depth",
		metric.WithDescription("Number of pending entries in the semantic outbox"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			var count int64
			err := w.db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM semantic_outbox`).Scan(&count)
			if err != nil {
				return nil // Non-fatal: just skip this observation.
			}
			o.Observe(count)
			return nil
		}),
	)
}
