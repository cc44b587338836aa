// Package provider defines the storage contract the S3 request layer is
// dispatched against. Each backend implements Provider once; the HTTP
// layer holds a single injected instance.
package provider

import (
	"context"
	"io"
	"time"
)

// BucketInfo describes a bucket as reported by ListBuckets/HeadBucket.
type BucketInfo struct {
	Name      string
	CreatedAt time.Time
}

// ObjectInfo is the metadata view of a stored object.
type ObjectInfo struct {
	Bucket       string
	Key          string
	Size         int64
	// ETag is the lowercase hex MD5 of the payload, unquoted. The HTTP
	// layer adds the surrounding quotes on the wire.
	ETag         string
	ContentType  string
	LastModified time.Time
	UserMetadata map[string]string

	// NativeETag is set when ETag could not be derived from an MD5 and
	// instead carries the backend's native content hash.
	NativeETag bool
}

// PutOptions carries the optional inputs of PutObject.
type PutOptions struct {
	ContentType  string
	UserMetadata map[string]string
	// ExpectedMD5 is the lowercase hex MD5 the client declared via
	// Content-MD5. A mismatch with the streamed body fails the write with
	// BadDigest and leaves nothing visible.
	ExpectedMD5 string
}

// RangeSpec is a parsed, unresolved HTTP byte range. Exactly one of the
// three S3 forms is represented:
//
//	bytes=start-end  -> Start set, End set
//	bytes=start-     -> Start set, End == -1
//	bytes=-suffix    -> Suffix true, End holds the suffix length
type RangeSpec struct {
	Start  int64
	End    int64
	Suffix bool
}

// Resolve maps the spec onto an object of the given size. It reports the
// inclusive start/end offsets, or ok == false when the range cannot be
// satisfied.
func (r RangeSpec) Resolve(size int64) (start, end int64, ok bool) {
	if r.Suffix {
		if r.End <= 0 {
			return 0, 0, false
		}
		start = size - r.End
		if start < 0 {
			start = 0
		}
		return start, size - 1, size > 0
	}
	if r.Start >= size {
		return 0, 0, false
	}
	end = r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.Start, end, r.Start <= end
}

// GetResult is the outcome of GetObject. Body streams the payload (or the
// requested range of it) and must be closed by the caller. Range is nil
// for whole-object reads.
type GetResult struct {
	Info  ObjectInfo
	Body  io.ReadCloser
	Range *ResolvedRange
}

// ResolvedRange describes the byte window Body covers.
type ResolvedRange struct {
	Start int64
	End   int64
	Total int64
}

// ListOptions are the pagination inputs of ListObjects.
type ListOptions struct {
	Prefix    string
	Delimiter string
	// Marker is the key (exclusive) to resume after. Both the V1 marker
	// and the decoded V2 continuation token arrive here.
	Marker  string
	MaxKeys int
}

// ListPage is one page of a listing.
type ListPage struct {
	Objects        []ObjectInfo
	CommonPrefixes []string
	IsTruncated    bool
	// NextMarker is the last returned key or common prefix when
	// IsTruncated is set.
	NextMarker string
}

// DeleteOutcome reports the fate of one key in a DeleteObjects batch.
type DeleteOutcome struct {
	Key string
	Err error
}

// Provider is the capability set every storage backend satisfies. All
// operations return errors from the s3err taxonomy (wrapped or direct);
// bodies are streamed in both directions.
type Provider interface {
	ListBuckets(ctx context.Context) ([]BucketInfo, error)
	CreateBucket(ctx context.Context, name string) (BucketInfo, error)
	DeleteBucket(ctx context.Context, name string) error
	HeadBucket(ctx context.Context, name string) error

	PutObject(ctx context.Context, bucket, key string, body io.Reader, opts PutOptions) (ObjectInfo, error)
	GetObject(ctx context.Context, bucket, key string, rng *RangeSpec) (GetResult, error)
	HeadObject(ctx context.Context, bucket, key string) (ObjectInfo, error)
	DeleteObject(ctx context.Context, bucket, key string) error
	DeleteObjects(ctx context.Context, bucket string, keys []string) ([]DeleteOutcome, error)
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error)
	ListObjects(ctx context.Context, bucket string, opts ListOptions) (ListPage, error)
}
