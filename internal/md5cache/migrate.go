package md5cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/holgern/s3local/internal/provider"
)

// MigrateOptions scope a cache backfill run.
type MigrateOptions struct {
	WorkspaceID int64
	// Bucket restricts the walk to one bucket; empty walks all of them.
	Bucket string
	// DryRun reports what would be inserted without writing.
	DryRun bool
	// Workers bounds the concurrent downloads. Zero means 4.
	Workers int
}

// MigrateReport summarizes a backfill run.
type MigrateReport struct {
	Scanned  int64
	Inserted int64
	Skipped  int64
}

// Migrate walks the backend, computes the MD5 of every object missing
// from the cache by streaming its payload, and records it. Objects whose
// cached size already matches are skipped without a download.
func (c *Cache) Migrate(ctx context.Context, store provider.Provider, opts MigrateOptions) (MigrateReport, error) {
	var buckets []string
	if opts.Bucket != "" {
		buckets = []string{opts.Bucket}
	} else {
		infos, err := store.ListBuckets(ctx)
		if err != nil {
			return MigrateReport{}, fmt.Errorf("list buckets: %w", err)
		}
		for _, info := range infos {
			buckets = append(buckets, info.Name)
		}
	}

	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	var scanned, inserted, skipped atomic.Int64

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(workers)

	for _, bucket := range buckets {
		marker := ""
		for {
			page, err := store.ListObjects(ctx, bucket, provider.ListOptions{
				Marker:  marker,
				MaxKeys: 1000,
			})
			if err != nil {
				return MigrateReport{}, fmt.Errorf("list objects in %s: %w", bucket, err)
			}

			for _, obj := range page.Objects {
				obj := obj
				group.Go(func() error {
					scanned.Add(1)

					entry, ok, err := c.Get(ctx, opts.WorkspaceID, obj.Bucket, obj.Key)
					if err != nil {
						return err
					}
					if ok && entry.Size == obj.Size {
						skipped.Add(1)
						return nil
					}

					if opts.DryRun {
						slog.Info("would migrate", "bucket", obj.Bucket, "key", obj.Key, "size", obj.Size)
						inserted.Add(1)
						return nil
					}

					digest, size, err := streamMD5(ctx, store, obj.Bucket, obj.Key)
					if err != nil {
						return fmt.Errorf("hash %s/%s: %w", obj.Bucket, obj.Key, err)
					}
					// The provider contract exposes no remote file id, so
					// backfilled entries carry an empty RemoteID.
					if err := c.Upsert(ctx, Entry{
						WorkspaceID: opts.WorkspaceID,
						Bucket:      obj.Bucket,
						Key:         obj.Key,
						MD5:         digest,
						Size:        size,
					}); err != nil {
						return err
					}
					inserted.Add(1)
					return nil
				})
			}

			if !page.IsTruncated {
				break
			}
			marker = page.NextMarker
		}
	}

	if err := group.Wait(); err != nil {
		return MigrateReport{}, err
	}
	return MigrateReport{
		Scanned:  scanned.Load(),
		Inserted: inserted.Load(),
		Skipped:  skipped.Load(),
	}, nil
}

func streamMD5(ctx context.Context, store provider.Provider, bucket, key string) (string, int64, error) {
	result, err := store.GetObject(ctx, bucket, key, nil)
	if err != nil {
		return "", 0, err
	}
	defer result.Body.Close()

	sum := md5.New()
	size, err := io.Copy(sum, result.Body)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(sum.Sum(nil)), size, nil
}
