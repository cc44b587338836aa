// Package localfs stores buckets and objects on the local filesystem.
// Payloads live under <root>/<bucket>/objects/<key>; each object carries a
// JSON sidecar under <root>/<bucket>/.metadata/<key>.json with the
// attributes the filesystem cannot represent.
package localfs

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/s3err"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	objectsDir  = "objects"
	metadataDir = ".metadata"

	dirMode  = 0o700
	fileMode = 0o600
)

// sidecar is the on-disk metadata record kept next to every payload.
type sidecar struct {
	ContentType    string            `json:"content_type,omitempty"`
	MD5            string            `json:"md5"`
	Size           int64             `json:"size"`
	LastModifiedMS int64             `json:"last_modified_ms"`
	UserMetadata   map[string]string `json:"user_metadata,omitempty"`
}

// Provider implements provider.Provider on a local directory tree.
type Provider struct {
	root string
}

var _ provider.Provider = (*Provider)(nil)

// New creates the root directory if needed and returns the provider.
func New(root string) (*Provider, error) {
	if root == "" {
		return nil, errors.New("root must not be empty")
	}
	if err := os.MkdirAll(root, dirMode); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &Provider{root: root}, nil
}

// safeKeyPath converts a key into a relative filesystem path, rejecting
// anything that could escape the bucket root.
func safeKeyPath(key string) (string, error) {
	if key == "" {
		return "", s3err.ErrInvalidArgument.WithMessage("empty object key")
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return "", s3err.ErrInvalidArgument.WithMessage("invalid object key")
		}
	}
	return filepath.FromSlash(key), nil
}

func (p *Provider) bucketDir(bucket string) string {
	return filepath.Join(p.root, bucket)
}

func (p *Provider) objectPath(bucket, keyPath string) string {
	return filepath.Join(p.bucketDir(bucket), objectsDir, keyPath)
}

func (p *Provider) sidecarPath(bucket, keyPath string) string {
	return filepath.Join(p.bucketDir(bucket), metadataDir, keyPath+".json")
}

func (p *Provider) requireBucket(bucket string) error {
	info, err := os.Stat(p.bucketDir(bucket))
	if err != nil || !info.IsDir() {
		return s3err.ErrNoSuchBucket
	}
	return nil
}

func (p *Provider) ListBuckets(ctx context.Context) ([]provider.BucketInfo, error) {
	entries, err := os.ReadDir(p.root)
	if err != nil {
		return nil, fmt.Errorf("read data dir: %w", err)
	}

	var buckets []provider.BucketInfo
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		buckets = append(buckets, provider.BucketInfo{
			Name:      entry.Name(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

func (p *Provider) CreateBucket(ctx context.Context, name string) (provider.BucketInfo, error) {
	dir := p.bucketDir(name)
	if _, err := os.Stat(dir); err == nil {
		return provider.BucketInfo{}, s3err.ErrBucketAlreadyOwnedByYou
	}
	if err := os.MkdirAll(filepath.Join(dir, objectsDir), dirMode); err != nil {
		return provider.BucketInfo{}, fmt.Errorf("create bucket dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, metadataDir), dirMode); err != nil {
		return provider.BucketInfo{}, fmt.Errorf("create metadata dir: %w", err)
	}
	return provider.BucketInfo{Name: name, CreatedAt: time.Now()}, nil
}

func (p *Provider) DeleteBucket(ctx context.Context, name string) error {
	if err := p.requireBucket(name); err != nil {
		return err
	}

	empty, err := dirIsEmpty(filepath.Join(p.bucketDir(name), objectsDir))
	if err != nil {
		return err
	}
	if !empty {
		return s3err.ErrBucketNotEmpty
	}
	return os.RemoveAll(p.bucketDir(name))
}

func (p *Provider) HeadBucket(ctx context.Context, name string) error {
	return p.requireBucket(name)
}

func (p *Provider) PutObject(ctx context.Context, bucket, key string, body io.Reader, opts provider.PutOptions) (provider.ObjectInfo, error) {
	if err := p.requireBucket(bucket); err != nil {
		return provider.ObjectInfo{}, err
	}
	keyPath, err := safeKeyPath(key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}

	objPath := p.objectPath(bucket, keyPath)
	if err := os.MkdirAll(filepath.Dir(objPath), dirMode); err != nil {
		return provider.ObjectInfo{}, fmt.Errorf("create object dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(objPath), ".upload-*")
	if err != nil {
		return provider.ObjectInfo{}, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
	}

	sum := md5.New()
	size, err := io.Copy(io.MultiWriter(tmp, sum), body)
	if err != nil {
		cleanup()
		return provider.ObjectInfo{}, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return provider.ObjectInfo{}, fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return provider.ObjectInfo{}, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		_ = os.Remove(tmpPath)
		return provider.ObjectInfo{}, fmt.Errorf("chmod temp file: %w", err)
	}

	etag := hex.EncodeToString(sum.Sum(nil))
	if opts.ExpectedMD5 != "" && !strings.EqualFold(opts.ExpectedMD5, etag) {
		_ = os.Remove(tmpPath)
		return provider.ObjectInfo{}, s3err.ErrBadDigest
	}

	now := time.Now()
	meta := sidecar{
		ContentType:    opts.ContentType,
		MD5:            etag,
		Size:           size,
		LastModifiedMS: now.UnixMilli(),
		UserMetadata:   opts.UserMetadata,
	}
	if err := p.writeSidecar(bucket, keyPath, meta); err != nil {
		_ = os.Remove(tmpPath)
		return provider.ObjectInfo{}, err
	}
	if err := os.Rename(tmpPath, objPath); err != nil {
		_ = os.Remove(tmpPath)
		return provider.ObjectInfo{}, fmt.Errorf("rename object into place: %w", err)
	}

	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         size,
		ETag:         etag,
		ContentType:  opts.ContentType,
		LastModified: now,
		UserMetadata: opts.UserMetadata,
	}, nil
}

// writeSidecar persists meta atomically next to the payload tree.
func (p *Provider) writeSidecar(bucket, keyPath string, meta sidecar) error {
	scPath := p.sidecarPath(bucket, keyPath)
	if err := os.MkdirAll(filepath.Dir(scPath), dirMode); err != nil {
		return fmt.Errorf("create sidecar dir: %w", err)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(scPath), ".sidecar-*")
	if err != nil {
		return fmt.Errorf("create sidecar temp: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write sidecar: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync sidecar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close sidecar: %w", err)
	}
	if err := os.Chmod(tmpPath, fileMode); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod sidecar: %w", err)
	}
	if err := os.Rename(tmpPath, scPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename sidecar into place: %w", err)
	}
	return nil
}

func (p *Provider) readSidecar(bucket, keyPath string) (sidecar, error) {
	data, err := os.ReadFile(p.sidecarPath(bucket, keyPath))
	if err != nil {
		return sidecar{}, err
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return sidecar{}, err
	}
	return meta, nil
}

// stat assembles the ObjectInfo for a stored object. A payload without a
// readable sidecar is a store inconsistency and surfaces as InternalError.
func (p *Provider) stat(bucket, key, keyPath string) (provider.ObjectInfo, error) {
	fi, err := os.Stat(p.objectPath(bucket, keyPath))
	if err != nil || fi.IsDir() {
		return provider.ObjectInfo{}, s3err.ErrNoSuchKey
	}

	meta, err := p.readSidecar(bucket, keyPath)
	if err != nil {
		slog.Error("object sidecar missing or unreadable",
			"bucket", bucket, "key", key, "error", err)
		return provider.ObjectInfo{}, s3err.ErrInternalError.WithMessage("object metadata is missing")
	}

	return provider.ObjectInfo{
		Bucket:       bucket,
		Key:          key,
		Size:         fi.Size(),
		ETag:         meta.MD5,
		ContentType:  meta.ContentType,
		LastModified: time.UnixMilli(meta.LastModifiedMS),
		UserMetadata: meta.UserMetadata,
	}, nil
}

func (p *Provider) GetObject(ctx context.Context, bucket, key string, rng *provider.RangeSpec) (provider.GetResult, error) {
	if err := p.requireBucket(bucket); err != nil {
		return provider.GetResult{}, err
	}
	keyPath, err := safeKeyPath(key)
	if err != nil {
		return provider.GetResult{}, err
	}

	info, err := p.stat(bucket, key, keyPath)
	if err != nil {
		return provider.GetResult{}, err
	}

	f, err := os.Open(p.objectPath(bucket, keyPath))
	if err != nil {
		return provider.GetResult{}, s3err.ErrNoSuchKey
	}

	if rng == nil {
		return provider.GetResult{Info: info, Body: f}, nil
	}

	start, end, ok := rng.Resolve(info.Size)
	if !ok {
		_ = f.Close()
		return provider.GetResult{}, s3err.ErrInvalidRange
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		_ = f.Close()
		return provider.GetResult{}, fmt.Errorf("seek to range start: %w", err)
	}

	return provider.GetResult{
		Info: info,
		Body: &rangeReadCloser{r: io.LimitReader(f, end-start+1), f: f},
		Range: &provider.ResolvedRange{
			Start: start,
			End:   end,
			Total: info.Size,
		},
	}, nil
}

type rangeReadCloser struct {
	r io.Reader
	f *os.File
}

func (rc *rangeReadCloser) Read(p []byte) (int, error) { return rc.r.Read(p) }
func (rc *rangeReadCloser) Close() error               { return rc.f.Close() }

func (p *Provider) HeadObject(ctx context.Context, bucket, key string) (provider.ObjectInfo, error) {
	if err := p.requireBucket(bucket); err != nil {
		return provider.ObjectInfo{}, err
	}
	keyPath, err := safeKeyPath(key)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	return p.stat(bucket, key, keyPath)
}

func (p *Provider) DeleteObject(ctx context.Context, bucket, key string) error {
	if err := p.requireBucket(bucket); err != nil {
		return err
	}
	keyPath, err := safeKeyPath(key)
	if err != nil {
		return err
	}

	objPath := p.objectPath(bucket, keyPath)
	if _, err := os.Stat(objPath); err != nil {
		return s3err.ErrNoSuchKey
	}
	if err := os.Remove(objPath); err != nil {
		return fmt.Errorf("remove object: %w", err)
	}
	_ = os.Remove(p.sidecarPath(bucket, keyPath))

	p.pruneEmptyDirs(filepath.Dir(objPath), filepath.Join(p.bucketDir(bucket), objectsDir))
	p.pruneEmptyDirs(filepath.Dir(p.sidecarPath(bucket, keyPath)), filepath.Join(p.bucketDir(bucket), metadataDir))
	return nil
}

// pruneEmptyDirs removes now-empty intermediate directories up to stop.
func (p *Provider) pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (p *Provider) DeleteObjects(ctx context.Context, bucket string, keys []string) ([]provider.DeleteOutcome, error) {
	if err := p.requireBucket(bucket); err != nil {
		return nil, err
	}

	outcomes := make([]provider.DeleteOutcome, 0, len(keys))
	for _, key := range keys {
		err := p.DeleteObject(ctx, bucket, key)
		if errors.Is(err, s3err.ErrNoSuchKey) {
			// Deleting an absent key reports success, matching S3.
			err = nil
		}
		outcomes = append(outcomes, provider.DeleteOutcome{Key: key, Err: err})
	}
	return outcomes, nil
}

func (p *Provider) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (provider.ObjectInfo, error) {
	if err := p.requireBucket(dstBucket); err != nil {
		return provider.ObjectInfo{}, err
	}

	src, err := p.GetObject(ctx, srcBucket, srcKey, nil)
	if err != nil {
		return provider.ObjectInfo{}, err
	}
	defer src.Body.Close()

	return p.PutObject(ctx, dstBucket, dstKey, src.Body, provider.PutOptions{
		ContentType:  src.Info.ContentType,
		UserMetadata: src.Info.UserMetadata,
	})
}

func (p *Provider) ListObjects(ctx context.Context, bucket string, opts provider.ListOptions) (provider.ListPage, error) {
	if err := p.requireBucket(bucket); err != nil {
		return provider.ListPage{}, err
	}

	root := filepath.Join(p.bucketDir(bucket), objectsDir)
	var objects []provider.ObjectInfo
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		// Size and modification time come from the payload; the sidecar is
		// consulted only for the keys that make it onto the page.
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		objects = append(objects, provider.ObjectInfo{
			Bucket:       bucket,
			Key:          key,
			Size:         fi.Size(),
			LastModified: fi.ModTime(),
		})
		return nil
	})
	if err != nil {
		return provider.ListPage{}, fmt.Errorf("walk bucket: %w", err)
	}

	page := provider.Paginate(objects, opts)
	for i := range page.Objects {
		keyPath, err := safeKeyPath(page.Objects[i].Key)
		if err != nil {
			continue
		}
		if meta, err := p.readSidecar(bucket, keyPath); err == nil {
			page.Objects[i].ETag = meta.MD5
			page.Objects[i].ContentType = meta.ContentType
			page.Objects[i].LastModified = time.UnixMilli(meta.LastModifiedMS)
			page.Objects[i].UserMetadata = meta.UserMetadata
		}
	}
	return page, nil
}

func dirIsEmpty(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, fmt.Errorf("read bucket dir: %w", err)
	}
	return len(entries) == 0, nil
}
