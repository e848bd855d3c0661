package dedupe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Cache persists content fingerprints keyed by (path, size, mtime) so that
// retroactive scans over large exports do not re-hash unchanged files.
type Cache struct {
	db   *sql.DB
	path string
}

// OpenCache initializes or connects to the fingerprint database under dir.
func OpenCache(dir string) (*Cache, error) {
	dbPath := filepath.Join(dir, "fingerprints.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	const schema = `CREATE TABLE IF NOT EXISTS fingerprints (
        path TEXT PRIMARY KEY,
        size INTEGER NOT NULL,
        mtime INTEGER NOT NULL,
        sha256 TEXT NOT NULL
    )`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create fingerprints table: %w", err)
	}

	return &Cache{db: db, path: dbPath}, nil
}

// Close closes the underlying database connection.
func (c *Cache) Close() error {
	if c == nil || c.db == nil {
		return nil
	}
	return c.db.Close()
}

// Path returns the database file location.
func (c *Cache) Path() string {
	return c.path
}

// Lookup returns the cached hash for path when size and mtime still match.
func (c *Cache) Lookup(ctx context.Context, path string, size, mtime int64) (string, bool, error) {
	var (
		cachedSize  int64
		cachedMtime int64
		hash        string
	)
	err := c.db.QueryRowContext(
		ctx,
		`SELECT size, mtime, sha256 FROM fingerprints WHERE path = ?`,
		path,
	).Scan(&cachedSize, &cachedMtime, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup fingerprint: %w", err)
	}
	if cachedSize != size || cachedMtime != mtime {
		return "", false, nil
	}
	return hash, true, nil
}

// Store records the hash for path, replacing any stale entry.
func (c *Cache) Store(ctx context.Context, path string, size, mtime int64, hash string) error {
	_, err := c.db.ExecContext(
		ctx,
		`INSERT INTO fingerprints (path, size, mtime, sha256) VALUES (?, ?, ?, ?)
         ON CONFLICT(path) DO UPDATE SET size = excluded.size, mtime = excluded.mtime, sha256 = excluded.sha256`,
		path, size, mtime, hash,
	)
	if err != nil {
		return fmt.Errorf("store fingerprint: %w", err)
	}
	return nil
}
