package drime_test

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	drimeapi "github.com/holgern/s3local/internal/drime"
	"github.com/holgern/s3local/internal/drime/drimetest"
	"github.com/holgern/s3local/internal/md5cache"
	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/provider/drime"
	"github.com/holgern/s3local/internal/s3err"
)

const (
	testAPIKey      = "test-api-key"
	testWorkspaceID = int64(42)
)

func newTestProvider(t *testing.T) (*drime.Provider, *drimetest.Server, *md5cache.Cache) {
	t.Helper()

	server := drimetest.New(testAPIKey, testWorkspaceID)
	t.Cleanup(server.Close)

	cache, err := md5cache.Open(context.Background(), filepath.Join(t.TempDir(), "md5cache.sqlite"))
	require.NoError(t, err, "cache must open")
	t.Cleanup(func() { _ = cache.Close() })

	client := drimeapi.NewClient(testAPIKey, testWorkspaceID, drimeapi.WithBaseURL(server.URL))
	return drime.New(client, cache), server, cache
}

func md5Hex(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func mustPut(t *testing.T, p *drime.Provider, bucket, key, content string) provider.ObjectInfo {
	t.Helper()

	info, err := p.PutObject(context.Background(), bucket, key, strings.NewReader(content), provider.PutOptions{})
	require.NoError(t, err, "put must succeed")
	return info
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	require.Equal(t, "NoSuchBucket", s3err.From(p.HeadBucket(ctx, "photos")).Code, "a missing bucket must report NoSuchBucket")

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	require.NoError(t, p.HeadBucket(ctx, "photos"), "the bucket must exist after creation")

	_, err = p.CreateBucket(ctx, "photos")
	require.Equal(t, "BucketAlreadyOwnedByYou", s3err.From(err).Code, "recreation must conflict")

	buckets, err := p.ListBuckets(ctx)
	require.NoError(t, err, "listing must succeed")
	require.Len(t, buckets, 1, "the bucket must list")
	require.Equal(t, "photos", buckets[0].Name, "wrong bucket name")

	mustPut(t, p, "photos", "cat.jpg", "meow")
	require.Equal(t, "BucketNotEmpty", s3err.From(p.DeleteBucket(ctx, "photos")).Code, "a non-empty bucket must refuse deletion")

	require.NoError(t, p.DeleteObject(ctx, "photos", "cat.jpg"), "delete must succeed")
	require.NoError(t, p.DeleteBucket(ctx, "photos"), "the emptied bucket must delete")
	require.Equal(t, "NoSuchBucket", s3err.From(p.HeadBucket(ctx, "photos")).Code, "the deleted bucket must be gone")
}

func TestPutObjectComputesAndCachesDigest(t *testing.T) {
	t.Parallel()

	p, _, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")

	info := mustPut(t, p, "photos", "dir/cat.jpg", "meow")
	require.Equal(t, md5Hex("meow"), info.ETag, "the ETag must be the MD5 of the content")
	require.Equal(t, int64(4), info.Size, "wrong size")

	entry, ok, err := cache.Get(ctx, testWorkspaceID, "photos", "dir/cat.jpg")
	require.NoError(t, err, "cache lookup must succeed")
	require.True(t, ok, "the digest must be cached")
	require.Equal(t, info.ETag, entry.MD5, "the cached digest must match the ETag")
	require.Equal(t, int64(4), entry.Size, "the cached size must match")
}

func TestPutObjectBadDigestRollsBack(t *testing.T) {
	t.Parallel()

	p, server, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")

	_, err = p.PutObject(ctx, "photos", "cat.jpg", strings.NewReader("meow"), provider.PutOptions{
		ExpectedMD5: strings.Repeat("0", 32),
	})
	require.Equal(t, "BadDigest", s3err.From(err).Code, "a digest mismatch must fail the write")

	require.Equal(t, 0, server.NumFiles(), "the mismatched upload must be rolled back")
	_, err = p.HeadObject(ctx, "photos", "cat.jpg")
	require.Equal(t, "NoSuchKey", s3err.From(err).Code, "the failed write must leave no object")

	_, ok, err := cache.Get(ctx, testWorkspaceID, "photos", "cat.jpg")
	require.NoError(t, err, "cache lookup must succeed")
	require.False(t, ok, "the failed write must not cache a digest")
}

func TestHeadObjectFallsBackToNativeHash(t *testing.T) {
	t.Parallel()

	p, _, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "cat.jpg", "meow")

	info, err := p.HeadObject(ctx, "photos", "cat.jpg")
	require.NoError(t, err, "head must succeed")
	require.Equal(t, md5Hex("meow"), info.ETag, "the cached digest must answer")
	require.False(t, info.NativeETag, "a cached digest is not a fallback")

	require.NoError(t, cache.Delete(ctx, testWorkspaceID, "photos", "cat.jpg"), "cache delete must succeed")

	info, err = p.HeadObject(ctx, "photos", "cat.jpg")
	require.NoError(t, err, "head must succeed without a cache entry")
	require.True(t, info.NativeETag, "a missing digest must fall back to the native hash")
	require.NotEqual(t, md5Hex("meow"), info.ETag, "the native hash is not an MD5")
}

func TestHeadObjectEvictsStaleDigest(t *testing.T) {
	t.Parallel()

	p, _, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "cat.jpg", "meow")

	// A digest recorded for a different size no longer describes the
	// content and must not be served.
	require.NoError(t, cache.Upsert(ctx, md5cache.Entry{
		WorkspaceID: testWorkspaceID,
		Bucket:      "photos",
		Key:         "cat.jpg",
		MD5:         strings.Repeat("ab", 16),
		Size:        999,
	}), "cache upsert must succeed")

	info, err := p.HeadObject(ctx, "photos", "cat.jpg")
	require.NoError(t, err, "head must succeed")
	require.True(t, info.NativeETag, "a stale digest must fall back to the native hash")

	_, ok, err := cache.Get(ctx, testWorkspaceID, "photos", "cat.jpg")
	require.NoError(t, err, "cache lookup must succeed")
	require.False(t, ok, "the stale entry must be evicted")
}

func TestGetObjectStreamsContent(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "digits.txt", "0123456789")

	result, err := p.GetObject(ctx, "photos", "digits.txt", nil)
	require.NoError(t, err, "get must succeed")
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err, "body must read")
	require.Equal(t, "0123456789", string(data), "content must round-trip")
	require.Nil(t, result.Range, "an unranged get must not report a range")
}

func TestGetObjectRange(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "digits.txt", "0123456789")

	result, err := p.GetObject(ctx, "photos", "digits.txt", &provider.RangeSpec{Start: 2, End: 5})
	require.NoError(t, err, "ranged get must succeed")
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err, "body must read")
	require.Equal(t, "2345", string(data), "the requested window must be served")
	require.NotNil(t, result.Range, "the range must resolve")
	require.Equal(t, int64(2), result.Range.Start, "wrong range start")
	require.Equal(t, int64(5), result.Range.End, "wrong range end")
	require.Equal(t, int64(10), result.Range.Total, "wrong range total")

	_, err = p.GetObject(ctx, "photos", "digits.txt", &provider.RangeSpec{Start: 10, End: -1})
	require.Equal(t, "InvalidRange", s3err.From(err).Code, "an unsatisfiable range must be rejected")
}

func TestDeleteObjectClearsCache(t *testing.T) {
	t.Parallel()

	p, _, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "cat.jpg", "meow")

	require.NoError(t, p.DeleteObject(ctx, "photos", "cat.jpg"), "delete must succeed")

	_, err = p.HeadObject(ctx, "photos", "cat.jpg")
	require.Equal(t, "NoSuchKey", s3err.From(err).Code, "the deleted object must be gone")

	_, ok, err := cache.Get(ctx, testWorkspaceID, "photos", "cat.jpg")
	require.NoError(t, err, "cache lookup must succeed")
	require.False(t, ok, "the cached digest must go with the object")
}

func TestDeleteObjectsReportsPerKey(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.DeleteObjects(ctx, "missing", []string{"a.txt"})
	require.Equal(t, "NoSuchBucket", s3err.From(err).Code, "a missing bucket must fail the batch")

	_, err = p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "a.txt", "x")

	outcomes, err := p.DeleteObjects(ctx, "photos", []string{"a.txt", "missing.txt"})
	require.NoError(t, err, "the batch must run")
	require.Len(t, outcomes, 2, "every key must report an outcome")
	require.NoError(t, outcomes[0].Err, "the present key must delete")
	require.NoError(t, outcomes[1].Err, "the absent key still reports success")
}

func TestCopyObjectServerSide(t *testing.T) {
	t.Parallel()

	p, _, _ := newTestProvider(t)
	ctx := context.Background()

	for _, bucket := range []string{"src", "dst"} {
		_, err := p.CreateBucket(ctx, bucket)
		require.NoError(t, err, "bucket creation must succeed")
	}
	original := mustPut(t, p, "src", "cat.jpg", "meow")

	copied, err := p.CopyObject(ctx, "src", "cat.jpg", "dst", "dir/copy.jpg")
	require.NoError(t, err, "copy must succeed")
	require.Equal(t, original.ETag, copied.ETag, "the cached digest must carry over")

	result, err := p.GetObject(ctx, "dst", "dir/copy.jpg", nil)
	require.NoError(t, err, "get of the copy must succeed")
	defer result.Body.Close()
	data, err := io.ReadAll(result.Body)
	require.NoError(t, err, "body must read")
	require.Equal(t, "meow", string(data), "the copied content must match")
}

func TestCopyObjectStreamsWithoutCachedDigest(t *testing.T) {
	t.Parallel()

	p, _, cache := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	mustPut(t, p, "photos", "cat.jpg", "meow")
	require.NoError(t, cache.Delete(ctx, testWorkspaceID, "photos", "cat.jpg"), "cache delete must succeed")

	copied, err := p.CopyObject(ctx, "photos", "cat.jpg", "photos", "copy.jpg")
	require.NoError(t, err, "copy must succeed")
	require.Equal(t, md5Hex("meow"), copied.ETag, "the streamed copy must re-derive the MD5")

	entry, ok, err := cache.Get(ctx, testWorkspaceID, "photos", "copy.jpg")
	require.NoError(t, err, "cache lookup must succeed")
	require.True(t, ok, "the re-derived digest must be cached")
	require.Equal(t, md5Hex("meow"), entry.MD5, "wrong cached digest")
}

func TestListObjectsNestedKeys(t *testing.T) {
	t.Parallel()

	p, server, _ := newTestProvider(t)
	ctx := context.Background()

	_, err := p.CreateBucket(ctx, "photos")
	require.NoError(t, err, "bucket creation must succeed")
	for _, key := range []string{"a.txt", "dir/b.txt", "dir/sub/c.txt"} {
		mustPut(t, p, "photos", key, "x")
	}
	// A small page size forces the walk through the pagination path.
	server.SetPageSize(1)

	page, err := p.ListObjects(ctx, "photos", provider.ListOptions{MaxKeys: 1000})
	require.NoError(t, err, "listing must succeed")
	keys := make([]string, 0, len(page.Objects))
	for _, obj := range page.Objects {
		keys = append(keys, obj.Key)
	}
	require.Equal(t, []string{"a.txt", "dir/b.txt", "dir/sub/c.txt"}, keys, "nested folders must flatten to prefixed keys")

	page, err = p.ListObjects(ctx, "photos", provider.ListOptions{Delimiter: "/", MaxKeys: 1000})
	require.NoError(t, err, "delimited listing must succeed")
	require.Len(t, page.Objects, 1, "only the top-level object may list")
	require.Equal(t, "a.txt", page.Objects[0].Key, "wrong key")
	require.Equal(t, []string{"dir/"}, page.CommonPrefixes, "the folder must roll up")
}
