// Package s3api implements the HTTP surface of the gateway: request
// canonicalization, S3 signature enforcement, operation dispatch, and XML
// response rendering.
package s3api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/holgern/s3local/internal/s3err"
)

const maxKeyLength = 1024

// Request is the canonical view of an incoming S3 request: the addressed
// bucket and key, the deduplicated query map, and case-insensitive header
// access via the embedded http.Request.
type Request struct {
	Bucket string
	Key    string
	Query  url.Values
	HTTP   *http.Request
}

// ParseRequest normalizes r. Virtual-host style addressing is recognized
// when baseHost is configured and the Host header carries a bucket prefix;
// otherwise the bucket is the leading path segment. The key is
// percent-decoded with '/' preserved.
func ParseRequest(r *http.Request, baseHost string) (Request, error) {
	req := Request{Query: r.URL.Query(), HTTP: r}

	path := strings.TrimPrefix(r.URL.EscapedPath(), "/")

	if bucket, ok := virtualHostBucket(r.Host, baseHost); ok {
		req.Bucket = bucket
		key, err := decodeKey(path)
		if err != nil {
			return Request{}, err
		}
		req.Key = key
		return req, nil
	}

	bucket, rest, _ := strings.Cut(path, "/")
	decodedBucket, err := url.PathUnescape(bucket)
	if err != nil {
		return Request{}, s3err.ErrInvalidArgument.WithMessage("malformed request path")
	}
	req.Bucket = decodedBucket

	key, err := decodeKey(rest)
	if err != nil {
		return Request{}, err
	}
	req.Key = key
	return req, nil
}

// virtualHostBucket extracts the bucket from a "<bucket>.<baseHost>" Host
// header.
func virtualHostBucket(host, baseHost string) (string, bool) {
	if baseHost == "" {
		return "", false
	}
	if h, _, ok := strings.Cut(host, ":"); ok {
		host = h
	}
	bucket, ok := strings.CutSuffix(host, "."+baseHost)
	if !ok || bucket == "" || strings.Contains(bucket, ".") {
		return "", false
	}
	return bucket, true
}

// decodeKey percent-decodes an escaped key path segment-wise so '/'
// separators survive, then enforces the S3 key constraints.
func decodeKey(escaped string) (string, error) {
	if escaped == "" {
		return "", nil
	}
	segments := strings.Split(escaped, "/")
	for i, seg := range segments {
		decoded, err := url.PathUnescape(seg)
		if err != nil {
			return "", s3err.ErrInvalidArgument.WithMessage("malformed key encoding")
		}
		segments[i] = decoded
	}
	key := strings.Join(segments, "/")

	if len(key) > maxKeyLength {
		return "", s3err.ErrKeyTooLong
	}
	if strings.ContainsRune(key, 0) {
		return "", s3err.ErrInvalidArgument.WithMessage("key contains a NUL byte")
	}
	return key, nil
}
