// Package drime bridges the storage provider contract onto the Drime
// Cloud API. Buckets are top-level workspace folders, nested keys are
// nested folders, and the sqlite MD5 cache supplies the S3-shaped ETags
// the backend's native hash cannot.
package drime

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/holgern/s3local/internal/drime"
	"github.com/holgern/s3local/internal/md5cache"
	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/s3err"
)

const folderCreateAttempts = 3

// Provider implements provider.Provider against a Drime workspace.
type Provider struct {
	client *drime.Client
	cache  *md5cache.Cache

	// warnedKeys tracks bucket/key pairs that already logged a native-hash
	// fallback, one warning per key per process lifetime.
	warnedKeys sync.Map
}

var _ provider.Provider = (*Provider)(nil)

// New wires the API client and the digest cache into a provider.
func New(client *drime.Client, cache *md5cache.Cache) *Provider {
	return &Provider{client: client, cache: cache}
}

// mapErr translates API failures into the S3 taxonomy.
func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case drime.IsNotFound(err):
		return s3err.ErrNoSuchKey
	case drime.IsTransient(err):
		return s3err.ErrServiceUnavailable
	}
	return fmt.Errorf("drime backend: %w", err)
}

func (p *Provider) ListBuckets(ctx context.Context) ([]provider.BucketInfo, error) {
	var buckets []provider.BucketInfo
	token := ""
	for {
		entries, err := p.client.ListEntries(ctx, 0, token)
		if err != nil {
			return nil, mapErr(err)
		}
		for _, folder := range entries.Folders {
			buckets = append(buckets, provider.BucketInfo{Name: folder.Name})
		}
		if entries.NextPageToken == "" {
			return buckets, nil
		}
		token = entries.NextPageToken
	}
}

// bucketFolder resolves the top-level folder of a bucket.
func (p *Provider) bucketFolder(ctx context.Context, bucket string) (drime.Folder, error) {
	folder, err := p.client.FindFolder(ctx, 0, bucket)
	if drime.IsNotFound(err) {
		return drime.Folder{}, s3err.ErrNoSuchBucket
	}
	if err != nil {
		return drime.Folder{}, mapErr(err)
	}
	return folder, nil
}

func (p *Provider) CreateBucket(ctx context.Context, name string) (provider.BucketInfo, error) {
	if _, err := p.client.FindFolder(ctx, 0, name); err == nil {
		return provider.BucketInfo{}, s3err.ErrBucketAlreadyOwnedByYou
	}
	folder, err := p.client.CreateFolder(ctx, 0, name)
	if err != nil {
		return provider.BucketInfo{}, mapErr(err)
	}
	return provider.BucketInfo{Name: folder.Name, CreatedAt: time.Now()}, nil
}

func (p *Provider) DeleteBucket(ctx context.Context, name string) error {
	folder, err := p.bucketFolder(ctx, name)
	if err != nil {
		return err
	}

	entries, err := p.client.ListEntries(ctx, folder.ID, "")
	if err != nil {
		return mapErr(err)
	}
	if len(entries.Files) > 0 || len(entries.Folders) > 0 {
		return s3err.ErrBucketNotEmpty
	}

	if err := p.client.DeleteFolder(ctx, folder.ID); err != nil {
		return mapErr(err)
	}
	if _, err := p.cache.Cleanup(ctx, p.client.WorkspaceID(), name); err != nil {
		slog.Warn("cache cleanup after bucket delete failed", "bucket", name, "error", err)
	}
	return nil
}

func (p *Provider) HeadBucket(ctx context.Context, name string) error {
	_, err := p.bucketFolder(ctx, name)
	return err
}

// splitKey separates the folder path of a nested key from its file name.
func splitKey(key string) (dirs []string, name string) {
	segments := strings.Split(key, "/")
	return segments[:len(segments)-1], segments[len(segments)-1]
}

// resolveKeyFolder walks (and optionally creates) the folder chain of a
// nested key. Creation races are resolved by retry-with-lookup.
func (p *Provider) resolveKeyFolder(ctx context.Context, bucket string, dirs []string, create bool) (int64, error) {
	folder, err := p.bucketFolder(ctx, bucket)
	if err != nil {
		return 0, err
	}

	current := folder.ID
	for _, dir := range dirs {
		next, err := p.stepFolder(ctx, current, dir, create)
		if err != nil {
			return 0, err
		}
		current = next
	}
	return current, nil
}

func (p *Provider) stepFolder(ctx context.Context, parentID int64, name string, create bool) (int64, error) {
	var lastErr error
	for attempt := 0; attempt < folderCreateAttempts; attempt++ {
		folder, err := p.client.FindFolder(ctx, parentID, name)
		if err == nil {
			return folder.ID, nil
		}
		if !drime.IsNotFound(err) {
			return 0, mapErr(err)
		}
		if !create {
			return 0, s3err.ErrNoSuchKey
		}

		folder, err = p.client.CreateFolder(ctx, parentID, name)
		if err == nil {
			return folder.ID, nil
		}
		lastErr = err
	}
	slog.Warn("folder creation kept racing", "name", name, "error", lastErr)
	return 0, s3err.ErrServiceUnavailable
}

// findFile resolves the remote file behind a key.
func (p *Provider) findFile(ctx context.Context, bucket, key string) (drime.File, error) {
	dirs, name := splitKey(key)
	folderID, err := p.resolveKeyFolder(ctx, bucket, dirs, false)
	if err != nil {
		return drime.File{}, err
	}
	file, err := p.client.FindFile(ctx, folderID, name)
	if drime.IsNotFound(err) {
		return drime.File{}, s3err.ErrNoSuchKey
	}
	if err != nil {
		return drime.File{}, mapErr(err)
	}
	return file, nil
}

// objectInfo combines remote file state with the cached digest. A missing
// or stale cache entry falls back to the native hash, flagged and logged
// once per key.
func (p *Provider) objectInfo(ctx context.Context, bucket, key string, file drime.File) provider.ObjectInfo {
	info := provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         file.Size,
		LastModified: file.UpdatedAt,
	}

	entry, ok, err := p.cache.Get(ctx, p.client.WorkspaceID(), bucket, key)
	if err != nil {
		slog.Warn("cache lookup failed", "bucket", bucket, "key", key, "error", err)
		ok = false
	}
	if ok && entry.Size == file.Size {
		info.ETag = entry.MD5
		return info
	}
	if ok {
		// Size drifted; the cached digest no longer describes the content.
		if err := p.cache.Delete(ctx, p.client.WorkspaceID(), bucket, key); err != nil {
			slog.Warn("cache evict failed", "bucket", bucket, "key", key, "error", err)
		}
	}

	info.ETag = file.Hash
	info.NativeETag = true
	if _, loaded := p.warnedKeys.LoadOrStore(bucket+"/"+key, struct{}{}); !loaded {
		slog.Warn("no cached MD5, answering with native hash", "bucket", bucket, "key", key)
	}
	return info
}

func (p *Provider) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts provider.PutOptions) (provider.ObjectInfo, error) {
	dirs, name := splitKey(key)
	folderID, err := p.resolveKeyFolder(ctx, bucket, dirs, true)
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	sum := md5.New()
	file, err := p.client.Upload(ctx, folderID, name, io.TeeReader(body, sum))
	if err != nil {
		return provider.ObjectInfo{}, mapErr(err)
	}

	etag := hex.EncodeToString(sum.Sum(nil))
	if opts.ExpectedMD5 != "" && !strings.EqualFold(opts.ExpectedMD5, etag) {
		// The remote write already happened; undo it before failing.
		if err := p.client.DeleteFile(ctx, file.ID); err != nil {
			slog.Warn("rollback of digest-mismatched upload failed", "bucket", bucket, "key", key, "error", err)
		}
		return provider.ObjectInfo{}, s3err.ErrBadDigest
	}

	if err := p.cache.Upsert(ctx, md5cache.Entry{
		WorkspaceID: p.client.WorkspaceID(),
		Bucket:      bucket,
		Key:         key,
		MD5:         etag,
		Size:        file.Size,
		RemoteID:    fmt.Sprintf("%d", file.ID),
	}); err != nil {
		// The upload stands; only the digest is lost until re-derived.
		slog.Warn("cache write after upload failed", "bucket", bucket, "key", key, "error", err)
	}

	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         file.Size,
		ETag:         etag,
		ContentType:  opts.ContentType,
		LastModified: file.UpdatedAt,
		UserMetadata: opts.UserMetadata,
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, bucket, key string, rng *provider.RangeSpec) (provider.GetResult, error) {
	file, err := p.findFile(ctx, bucket, key)
	if err != nil {
		return provider.GetResult{}, err
	}
	info := p.objectInfo(ctx, bucket, key, file)

	body, err := p.client.Download(ctx, file.ID)
	if err != nil {
		return provider.GetResult{}, mapErr(err)
	}

	if rng == nil {
		return provider.GetResult{Info: info, Body: body}, nil
	}

	start, end, ok := rng.Resolve(info.Size)
	if !ok {
		_ = body.Close()
		return provider.GetResult{}, s3err.ErrInvalidRange
	}
	// The download endpoint has no range support; skip and truncate.
	if _, err := io.CopyN(io.Discard, body, start); err != nil {
		_ = body.Close()
		return provider.GetResult{}, mapErr(err)
	}
	return provider.GetResult{
		Info:  info,
		Body:  &limitedReadCloser{r: io.LimitReader(body, end-start+1), c: body},
		Range: &provider.ResolvedRange{Start: start, End: end, Total: info.Size},
	}, nil
}

type limitedReadCloser struct {
	r io.Reader
	c io.Closer
}

func (l *limitedReadCloser) Read(p []byte) (int, error) { return l.r.Read(p) }
func (l *limitedReadCloser) Close() error               { return l.c.Close() }

func (p *Provider) HeadObject(ctx context.Context, bucket, key string) (provider.ObjectInfo, error) {
	file, err := p.findFile(ctx, bucket, key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	return p.objectInfo(ctx, bucket, key, file), nil
}

func (p *Provider) DeleteObject(ctx context.Context, bucket, key string) error {
	file, err := p.findFile(ctx, bucket, key)
	if err != nil {
		return err
	}
	if err := p.client.DeleteFile(ctx, file.ID); err != nil {
		return mapErr(err)
	}
	// Remote delete first; a leftover cache entry for a gone file is
	// harmless and self-heals on the next size check.
	if err := p.cache.Delete(ctx, p.client.WorkspaceID(), bucket, key); err != nil {
		slog.Warn("cache delete failed", "bucket", bucket, "key", key, "error", err)
	}
	return nil
}

func (p *Provider) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]provider.DeleteOutcome, error) {
	if err := p.HeadBucket(ctx, bucket); err != nil {
		return nil, err
	}

	outcomes := make([]provider.DeleteOutcome, 0, len(keys))
	for _, key := range keys {
		err := p.DeleteObject(ctx, bucket, key)
		if errors.Is(err, s3err.ErrNoSuchKey) {
			err = nil
		}
		outcomes = append(outcomes, provider.DeleteOutcome{Key: key, Err: err})
	}
	return outcomes, nil
}

func (p *Provider) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (provider.ObjectInfo, error) {
	srcFile, err := p.findFile(ctx, srcBucket, srcKey)
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	dirs, name := splitKey(dstKey)
	dstFolderID, err := p.resolveKeyFolder(ctx, dstBucket, dirs, true)
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	// Server-side copy keeps the bytes remote. The source digest carries
	// over because the content is unchanged; without one, fall back to
	// streaming the object through an MD5.
	entry, cached, err := p.cache.Get(ctx, p.client.WorkspaceID(), srcBucket, srcKey)
	if err != nil {
		slog.Warn("cache lookup failed", "bucket", srcBucket, "key", srcKey, "error", err)
		cached = false
	}
	if cached && entry.Size == srcFile.Size {
		dstFile, err := p.client.Copy(ctx, srcFile.ID, dstFolderID, name)
		if err != nil {
			return provider.ObjectInfo{}, mapErr(err)
		}
		if err := p.cache.Upsert(ctx, md5cache.Entry{
			WorkspaceID: p.client.WorkspaceID(),
			Bucket:      dstBucket,
			Key:         dstKey,
			MD5:         entry.MD5,
			Size:        dstFile.Size,
			RemoteID:    fmt.Sprintf("%d", dstFile.ID),
		}); err != nil {
			slog.Warn("cache write after copy failed", "bucket", dstBucket, "key", dstKey, "error", err)
		}
		return provider.ObjectInfo{
			Bucket:       dstBucket,
			Key:          dstKey,
			Size:         dstFile.Size,
			ETag:         entry.MD5,
			LastModified: dstFile.UpdatedAt,
		}, nil
	}

	body, err := p.client.Download(ctx, srcFile.ID)
	if err != nil {
		return provider.ObjectInfo{}, mapErr(err)
	}
	defer body.Close()

	return p.PutObject(ctx, dstBucket, dstKey, body, provider.PutOptions{})
}

func (p *Provider) ListObjects(ctx context.Context, bucket string, opts provider.ListOptions) (provider.ListPage, error) {
	folder, err := p.bucketFolder(ctx, bucket)
	if err != nil {
		return provider.ListPage{}, err
	}

	var objects []provider.ObjectInfo
	if err := p.walkFolder(ctx, folder.ID, "", func(prefix string, file drime.File) {
		objects = append(objects, p.objectInfo(ctx, bucket, prefix+file.Name, file))
	}); err != nil {
		return provider.ListPage{}, err
	}

	return provider.Paginate(objects, opts), nil
}

// walkFolder visits every file below folderID depth-first, handing each
// one to fn with its accumulated key prefix.
func (p *Provider) walkFolder(ctx context.Context, folderID int64, prefix string, fn func(prefix string, file drime.File)) error {
	token := ""
	for {
		entries, err := p.client.ListEntries(ctx, folderID, token)
		if err != nil {
			return mapErr(err)
		}
		for _, file := range entries.Files {
			fn(prefix, file)
		}
		for _, sub := range entries.Folders {
			if err := p.walkFolder(ctx, sub.ID, prefix+sub.Name+"/", fn); err != nil {
				return err
			}
		}
		if entries.NextPageToken == "" {
			return nil
		}
		token = entries.NextPageToken
	}
}
