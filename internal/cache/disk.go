package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Disk is the local persistence tier: a SQLite file that survives restarts.
// It sits between the memory tier and the shared semantic tier, so a
// restarted instance warms up without touching Postgres or the embedder.
type Disk struct {
	db  *sql.DB
	ttl time.Duration
}

// NewDisk opens (or creates) the SQLite cache file at path.
func NewDisk(path string, ttl time.Duration) (*Disk, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("cache: open sqlite at %s: %w", path, err)
	}
	// modernc.org/sqlite is not safe for concurrent writers on one
	// connection pool without WAL; serialize through a single connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: enable WAL: %w", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS cache_entries (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			expires_at INTEGER NOT NULL
		)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create cache_entries: %w", err)
	}
	if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_cache_expiry ON cache_entries (expires_at)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("cache: create expiry index: %w", err)
	}

	return &Disk{db: db, ttl: ttl}, nil
}

// Get returns the cached value for key, or false on a miss. Expired rows
// are deleted and reported as misses.
func (d *Disk) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var (
		value   []byte
		expires int64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT value, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("cache: disk get: %w", err)
	}
	if time.Now().UnixMilli() >= expires {
		_, _ = d.db.ExecContext(ctx, `DELETE FROM cache_entries WHERE key = ?`, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put stores value under key with the tier TTL, replacing any previous row.
func (d *Disk) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache_entries (key, value, expires_at) VALUES (?, ?, ?)`,
		key, value, time.Now().Add(d.ttl).UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("cache: disk put: %w", err)
	}
	return nil
}

// InvalidatePrefix removes every row whose key starts with prefix and
// returns how many were removed.
func (d *Disk) InvalidatePrefix(ctx context.Context, prefix string) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE key LIKE ? || '%'`, prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("cache: disk invalidate: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// PurgeExpired drops all rows past their expiry.
func (d *Disk) PurgeExpired(ctx context.Context) (int, error) {
	res, err := d.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at <= ?`, time.Now().UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("cache: disk purge: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Close closes the SQLite handle.
func (d *Disk) Close() error {
	return d.db.Close()
}
