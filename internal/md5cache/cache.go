// Package md5cache persists the MD5 digests of remotely stored objects in
// a local sqlite database, so metadata reads against backends without
// native MD5 support can still answer with S3-shaped ETags.
package md5cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// Entry is one cached digest record.
type Entry struct {
	WorkspaceID int64
	Bucket      string
	Key         string
	MD5         string
	Size        int64
	RemoteID    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Stats summarizes the cache contents, optionally scoped to a workspace.
type Stats struct {
	Entries   int64
	Buckets   int64
	TotalSize int64
}

// Cache wraps the sqlite handle. Safe for concurrent use; sqlite
// serializes writers internally.
type Cache struct {
	db   *sql.DB
	path string
}

// initSchema initializes the cache database schema by applying all SQL
// files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Info("Running migration", "path", path)
		_, execError := db.ExecContext(ctx, string(content))
		return execError
	})
}

// Open creates (0600) or opens the cache database at path and applies the
// schema.
func Open(ctx context.Context, path string) (*Cache, error) {
	if path == "" {
		return nil, errors.New("cache path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := os.Chmod(path, 0o600); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("chmod cache db: %w", err)
	}
	return &Cache{db: db, path: path}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Upsert inserts or replaces the digest record for one object. The write
// commits synchronously before Upsert returns.
func (c *Cache) Upsert(ctx context.Context, e Entry) error {
	now := time.Now().UnixMilli()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO entries (workspace_id, bucket, key, md5, size, remote_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace_id, bucket, key) DO UPDATE SET
			md5        = excluded.md5,
			size       = excluded.size,
			remote_id  = excluded.remote_id,
			updated_at = excluded.updated_at`,
		e.WorkspaceID, e.Bucket, e.Key, e.MD5, e.Size, e.RemoteID, now, now)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Get looks up one record; ok is false when the key has no entry.
func (c *Cache) Get(ctx context.Context, workspaceID int64, bucket, key string) (Entry, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT md5, size, remote_id, created_at, updated_at
		FROM entries
		WHERE workspace_id = ? AND bucket = ? AND key = ?`,
		workspaceID, bucket, key)

	var (
		e       Entry
		created int64
		updated int64
	)
	err := row.Scan(&e.MD5, &e.Size, &e.RemoteID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("query cache entry: %w", err)
	}

	e.WorkspaceID = workspaceID
	e.Bucket = bucket
	e.Key = key
	e.CreatedAt = time.UnixMilli(created)
	e.UpdatedAt = time.UnixMilli(updated)
	return e, true, nil
}

// Delete removes one record. Deleting an absent record is not an error.
func (c *Cache) Delete(ctx context.Context, workspaceID int64, bucket, key string) error {
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM entries WHERE workspace_id = ? AND bucket = ? AND key = ?`,
		workspaceID, bucket, key)
	if err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Rename moves a record to a new bucket/key, preserving the digest.
func (c *Cache) Rename(ctx context.Context, workspaceID int64, srcBucket, srcKey, dstBucket, dstKey string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE OR REPLACE entries
		SET bucket = ?, key = ?, updated_at = ?
		WHERE workspace_id = ? AND bucket = ? AND key = ?`,
		dstBucket, dstKey, time.Now().UnixMilli(), workspaceID, srcBucket, srcKey)
	if err != nil {
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

// Stats reports entry counts and payload volume. A workspaceID of zero
// covers every workspace.
func (c *Cache) Stats(ctx context.Context, workspaceID int64) (Stats, error) {
	query := `
		SELECT COUNT(*), COUNT(DISTINCT bucket), COALESCE(SUM(size), 0)
		FROM entries`
	args := []any{}
	if workspaceID != 0 {
		query += ` WHERE workspace_id = ?`
		args = append(args, workspaceID)
	}

	var stats Stats
	err := c.db.QueryRowContext(ctx, query, args...).
		Scan(&stats.Entries, &stats.Buckets, &stats.TotalSize)
	if err != nil {
		return Stats{}, fmt.Errorf("query cache stats: %w", err)
	}
	return stats, nil
}

// Cleanup removes the records of one bucket, or of the whole workspace
// when bucket is empty. It returns the number of removed records.
func (c *Cache) Cleanup(ctx context.Context, workspaceID int64, bucket string) (int64, error) {
	var (
		result sql.Result
		err    error
	)
	if bucket == "" {
		result, err = c.db.ExecContext(ctx,
			`DELETE FROM entries WHERE workspace_id = ?`, workspaceID)
	} else {
		result, err = c.db.ExecContext(ctx,
			`DELETE FROM entries WHERE workspace_id = ? AND bucket = ?`, workspaceID, bucket)
	}
	if err != nil {
		return 0, fmt.Errorf("cleanup cache entries: %w", err)
	}
	return result.RowsAffected()
}

// Vacuum compacts the database file and reports its size before and
// after.
func (c *Cache) Vacuum(ctx context.Context) (before, after int64, err error) {
	before = c.fileSize()
	if _, err = c.db.ExecContext(ctx, `VACUUM`); err != nil {
		return 0, 0, fmt.Errorf("vacuum cache db: %w", err)
	}
	return before, c.fileSize(), nil
}

func (c *Cache) fileSize() int64 {
	info, err := os.Stat(c.path)
	if err != nil {
		return 0
	}
	return info.Size()
}
