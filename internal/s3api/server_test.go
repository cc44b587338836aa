package s3api_test

import (
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/holgern/s3local/internal/auth"
	"github.com/holgern/s3local/internal/provider/localfs"
	"github.com/holgern/s3local/internal/s3api"
)

// newTestServer starts a gateway over a throwaway local directory with
// authentication disabled.
func newTestServer(t *testing.T, cfg s3api.Config) *httptest.Server {
	t.Helper()

	store, err := localfs.New(t.TempDir())
	require.NoError(t, err, "local provider must initialize")

	verifier := auth.NewVerifier(auth.Credentials{}, true)
	ts := httptest.NewServer(s3api.NewServer(cfg, store, verifier).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func doRequest(t *testing.T, method, url string, body io.Reader, headers map[string]string) *http.Response {
	t.Helper()

	r, err := http.NewRequest(method, url, body)
	require.NoError(t, err, "request must build")
	for name, value := range headers {
		r.Header.Set(name, value)
	}
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err, "request must complete")
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()

	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "response body must read")
	return string(data)
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	KeyCount    int      `xml:"KeyCount"`
	NextMarker  string   `xml:"NextMarker"`
	NextToken   string   `xml:"NextContinuationToken"`
	Contents    []struct {
		Key  string `xml:"Key"`
		Size int64  `xml:"Size"`
		ETag string `xml:"ETag"`
	} `xml:"Contents"`
	CommonPrefixes []struct {
		Prefix string `xml:"Prefix"`
	} `xml:"CommonPrefixes"`
}

func listObjects(t *testing.T, base, bucket, query string) listResult {
	t.Helper()

	resp := doRequest(t, http.MethodGet, base+"/"+bucket+"?"+query, nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "listing must succeed: %s", body)

	var out listResult
	require.NoError(t, xml.Unmarshal([]byte(body), &out), "listing must parse")
	return out
}

func putObject(t *testing.T, base, bucket, key, content string, headers map[string]string) {
	t.Helper()

	resp := doRequest(t, http.MethodPut, base+"/"+bucket+"/"+key, strings.NewReader(content), headers)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "put must succeed: %s", body)
}

func TestCreateAndListBuckets(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	for _, name := range []string{"alpha", "beta"} {
		resp := doRequest(t, http.MethodPut, ts.URL+"/"+name, nil, nil)
		readBody(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")
	}

	resp := doRequest(t, http.MethodGet, ts.URL+"/", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "service listing must succeed")

	var out struct {
		Buckets []struct {
			Name string `xml:"Name"`
		} `xml:"Buckets>Bucket"`
	}
	require.NoError(t, xml.Unmarshal([]byte(body), &out), "service listing must parse")
	require.Len(t, out.Buckets, 2, "both buckets must be listed")
	require.Equal(t, "alpha", out.Buckets[0].Name, "buckets must be sorted")
	require.Equal(t, "beta", out.Buckets[1].Name, "buckets must be sorted")
}

func TestInvalidBucketNames(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	tests := []struct {
		name   string
		bucket string
	}{
		{name: "too short", bucket: "ab"},
		{name: "too long", bucket: strings.Repeat("a", 64)},
		{name: "uppercase", bucket: "MyBucket"},
		{name: "leading hyphen", bucket: "-bucket"},
		{name: "trailing hyphen", bucket: "bucket-"},
		{name: "underscore", bucket: "my_bucket"},
		{name: "dot before hyphen", bucket: "ab.-cd"},
		{name: "hyphen before dot", bucket: "ab-.cd"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := doRequest(t, http.MethodPut, ts.URL+"/"+tc.bucket, nil, nil)
			body := readBody(t, resp)
			require.Equal(t, http.StatusBadRequest, resp.StatusCode, "invalid name must be rejected")
			require.Contains(t, body, "<Code>InvalidBucketName</Code>", "wrong error code")
		})
	}
}

func TestBucketLifecycle(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodHead, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "a missing bucket must 404")

	resp = doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")
	require.Equal(t, "/photos", resp.Header.Get("Location"), "creation must return a Location header")

	resp = doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "recreating a bucket must conflict")
	require.Contains(t, body, "<Code>BucketAlreadyOwnedByYou</Code>", "wrong error code")

	resp = doRequest(t, http.MethodHead, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "an existing bucket must HEAD ok")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos?location", nil, nil)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket location must succeed")
	require.Contains(t, body, "LocationConstraint", "the location document must render")
	require.NotContains(t, body, "us-east-1", "us-east-1 renders as an empty constraint")

	resp = doRequest(t, http.MethodDelete, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "bucket deletion must succeed")

	resp = doRequest(t, http.MethodHead, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "a deleted bucket must 404")
}

func TestDeleteNonEmptyBucket(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "cat.jpg", "meow", nil)

	resp = doRequest(t, http.MethodDelete, ts.URL+"/photos", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusConflict, resp.StatusCode, "deleting a non-empty bucket must conflict")
	require.Contains(t, body, "<Code>BucketNotEmpty</Code>", "wrong error code")
}

func TestPutGetObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	content := "hello, gateway"
	sum := md5.Sum([]byte(content))
	wantETag := `"` + hex.EncodeToString(sum[:]) + `"`

	resp = doRequest(t, http.MethodPut, ts.URL+"/photos/greeting.txt", strings.NewReader(content), map[string]string{
		"Content-Type":      "text/plain",
		"X-Amz-Meta-Author": "tester",
	})
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "put must succeed")
	require.Equal(t, wantETag, resp.Header.Get("ETag"), "the ETag must be the content MD5")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/greeting.txt", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "get must succeed")
	require.Equal(t, content, body, "content must round-trip")
	require.Equal(t, wantETag, resp.Header.Get("ETag"), "the stored ETag must be served")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "the content type must survive")
	require.Equal(t, "tester", resp.Header.Get("X-Amz-Meta-Author"), "user metadata must survive")
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"), "range support must be advertised")
	require.NotEmpty(t, resp.Header.Get("Last-Modified"), "Last-Modified must be set")

	resp = doRequest(t, http.MethodHead, ts.URL+"/photos/greeting.txt", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "head must succeed")
	require.Equal(t, fmt.Sprint(len(content)), resp.Header.Get("Content-Length"), "head must report the size")
}

func TestGetMissingObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/nope.txt", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "a missing key must 404")
	require.Contains(t, body, "<Code>NoSuchKey</Code>", "wrong error code")

	resp = doRequest(t, http.MethodGet, ts.URL+"/missing/nope.txt", nil, nil)
	body = readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "a missing bucket must 404")
	require.Contains(t, body, "<Code>NoSuchBucket</Code>", "wrong error code")
}

func TestPutObjectContentMD5(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	content := "checked payload"
	sum := md5.Sum([]byte(content))

	resp = doRequest(t, http.MethodPut, ts.URL+"/photos/ok.txt", strings.NewReader(content), map[string]string{
		"Content-MD5": base64.StdEncoding.EncodeToString(sum[:]),
	})
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "a matching Content-MD5 must pass")

	wrong := md5.Sum([]byte("something else"))
	resp = doRequest(t, http.MethodPut, ts.URL+"/photos/bad.txt", strings.NewReader(content), map[string]string{
		"Content-MD5": base64.StdEncoding.EncodeToString(wrong[:]),
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "a mismatched Content-MD5 must fail")
	require.Contains(t, body, "<Code>BadDigest</Code>", "wrong error code")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/bad.txt", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "a rejected upload must leave nothing behind")
}

func TestGetObjectRanges(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "digits.txt", "0123456789", nil)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantBody   string
		wantRange  string
	}{
		{name: "bounded", header: "bytes=0-3", wantStatus: http.StatusPartialContent, wantBody: "0123", wantRange: "bytes 0-3/10"},
		{name: "open ended", header: "bytes=4-", wantStatus: http.StatusPartialContent, wantBody: "456789", wantRange: "bytes 4-9/10"},
		{name: "suffix", header: "bytes=-4", wantStatus: http.StatusPartialContent, wantBody: "6789", wantRange: "bytes 6-9/10"},
		{name: "end clamped to size", header: "bytes=8-100", wantStatus: http.StatusPartialContent, wantBody: "89", wantRange: "bytes 8-9/10"},
		{name: "empty suffix", header: "bytes=-0", wantStatus: http.StatusRequestedRangeNotSatisfiable},
		{name: "start beyond size", header: "bytes=20-", wantStatus: http.StatusRequestedRangeNotSatisfiable},
		{name: "unparseable ignored", header: "bytes=abc", wantStatus: http.StatusOK, wantBody: "0123456789"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := doRequest(t, http.MethodGet, ts.URL+"/photos/digits.txt", nil, map[string]string{"Range": tc.header})
			body := readBody(t, resp)
			require.Equal(t, tc.wantStatus, resp.StatusCode, "wrong status for %q", tc.header)
			if tc.wantBody != "" {
				require.Equal(t, tc.wantBody, body, "wrong body for %q", tc.header)
			}
			if tc.wantRange != "" {
				require.Equal(t, tc.wantRange, resp.Header.Get("Content-Range"), "wrong Content-Range for %q", tc.header)
			}
		})
	}
}

func TestConditionalRequests(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "cat.jpg", "meow", nil)

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/cat.jpg", nil, nil)
	readBody(t, resp)
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag, "the object must carry an ETag")

	t.Run("if-none-match hit", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/photos/cat.jpg", nil, map[string]string{"If-None-Match": etag})
		readBody(t, resp)
		require.Equal(t, http.StatusNotModified, resp.StatusCode, "a matching If-None-Match must 304")
	})

	t.Run("if-none-match star", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/photos/cat.jpg", nil, map[string]string{"If-None-Match": "*"})
		readBody(t, resp)
		require.Equal(t, http.StatusNotModified, resp.StatusCode, "a wildcard If-None-Match must 304")
	})

	t.Run("if-match hit", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/photos/cat.jpg", nil, map[string]string{"If-Match": etag})
		body := readBody(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "a matching If-Match must serve the object")
		require.Equal(t, "meow", body, "wrong body")
	})

	t.Run("if-match miss", func(t *testing.T) {
		resp := doRequest(t, http.MethodGet, ts.URL+"/photos/cat.jpg", nil, map[string]string{"If-Match": `"0000"`})
		readBody(t, resp)
		require.Equal(t, http.StatusPreconditionFailed, resp.StatusCode, "a mismatched If-Match must 412")
	})
}

func TestListObjectsDelimiter(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	for _, key := range []string{"a.txt", "dir/b.txt", "dir/c.txt", "e.txt"} {
		putObject(t, ts.URL, "photos", key, "x", nil)
	}

	out := listObjects(t, ts.URL, "photos", "delimiter=/")
	require.Len(t, out.Contents, 2, "only root keys must list directly")
	require.Equal(t, "a.txt", out.Contents[0].Key, "wrong first key")
	require.Equal(t, "e.txt", out.Contents[1].Key, "wrong second key")
	require.Len(t, out.CommonPrefixes, 1, "the folder must roll up")
	require.Equal(t, "dir/", out.CommonPrefixes[0].Prefix, "wrong common prefix")

	out = listObjects(t, ts.URL, "photos", "prefix=dir/")
	require.Len(t, out.Contents, 2, "the prefix must select the folder keys")
	require.Equal(t, "dir/b.txt", out.Contents[0].Key, "wrong first key")
	require.Equal(t, "dir/c.txt", out.Contents[1].Key, "wrong second key")
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	keys := []string{"k1", "k2", "k3", "k4", "k5"}
	for _, key := range keys {
		putObject(t, ts.URL, "photos", key, "x", nil)
	}

	var got []string
	query := "list-type=2&max-keys=2"
	for {
		out := listObjects(t, ts.URL, "photos", query)
		require.LessOrEqual(t, len(out.Contents), 2, "pages must honor max-keys")
		require.Equal(t, len(out.Contents), out.KeyCount, "KeyCount must match the page")
		for _, c := range out.Contents {
			got = append(got, c.Key)
		}
		if !out.IsTruncated {
			break
		}
		require.NotEmpty(t, out.NextToken, "a truncated page must carry a continuation token")
		query = "list-type=2&max-keys=2&continuation-token=" + out.NextToken
	}
	require.Equal(t, keys, got, "pagination must walk every key in order")
}

func TestListObjectsV1Marker(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	for _, key := range []string{"k1", "k2", "k3"} {
		putObject(t, ts.URL, "photos", key, "x", nil)
	}

	out := listObjects(t, ts.URL, "photos", "marker=k1")
	require.Len(t, out.Contents, 2, "the marker must exclude preceding keys")
	require.Equal(t, "k2", out.Contents[0].Key, "wrong first key after the marker")
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "src.txt", "copy me", map[string]string{"Content-Type": "text/plain"})

	resp = doRequest(t, http.MethodPut, ts.URL+"/photos/dst.txt", nil, map[string]string{
		"X-Amz-Copy-Source": "/photos/src.txt",
	})
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "copy must succeed: %s", body)
	require.Contains(t, body, "CopyObjectResult", "the copy result document must render")
	require.Contains(t, body, "<ETag>", "the copy result must carry an ETag")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/dst.txt", nil, nil)
	body = readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "the copy must be readable")
	require.Equal(t, "copy me", body, "content must match the source")
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"), "the content type must follow the source")
}

func TestDeleteObjects(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "a.txt", "x", nil)
	putObject(t, ts.URL, "photos", "b.txt", "x", nil)

	payload := `<Delete><Object><Key>a.txt</Key></Object><Object><Key>b.txt</Key></Object><Object><Key>missing.txt</Key></Object></Delete>`
	resp = doRequest(t, http.MethodPost, ts.URL+"/photos?delete", strings.NewReader(payload), nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "batch delete must succeed: %s", body)

	var out struct {
		Deleted []struct {
			Key string `xml:"Key"`
		} `xml:"Deleted"`
		Errors []struct {
			Key string `xml:"Key"`
		} `xml:"Error"`
	}
	require.NoError(t, xml.Unmarshal([]byte(body), &out), "the delete result must parse")
	require.Len(t, out.Deleted, 3, "absent keys still report as deleted")
	require.Empty(t, out.Errors, "no errors expected")

	resp = doRequest(t, http.MethodGet, ts.URL+"/photos/a.txt", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNotFound, resp.StatusCode, "deleted objects must be gone")

	t.Run("quiet mode", func(t *testing.T) {
		putObject(t, ts.URL, "photos", "c.txt", "x", nil)

		payload := `<Delete><Quiet>true</Quiet><Object><Key>c.txt</Key></Object></Delete>`
		resp := doRequest(t, http.MethodPost, ts.URL+"/photos?delete", strings.NewReader(payload), nil)
		body := readBody(t, resp)
		require.Equal(t, http.StatusOK, resp.StatusCode, "quiet delete must succeed")
		require.NotContains(t, body, "<Deleted>", "quiet mode suppresses success entries")
	})

	t.Run("empty request", func(t *testing.T) {
		resp := doRequest(t, http.MethodPost, ts.URL+"/photos?delete", strings.NewReader("<Delete></Delete>"), nil)
		body := readBody(t, resp)
		require.Equal(t, http.StatusBadRequest, resp.StatusCode, "an empty delete set must be rejected")
		require.Contains(t, body, "<Code>MalformedXML</Code>", "wrong error code")
	})
}

func TestDeleteMissingObject(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	resp = doRequest(t, http.MethodDelete, ts.URL+"/photos/nope.txt", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, "deleting an absent key must succeed")
}

func TestNotImplementedSubresources(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	for _, query := range []string{"acl", "versioning", "lifecycle", "tagging"} {
		resp := doRequest(t, http.MethodGet, ts.URL+"/photos?"+query, nil, nil)
		body := readBody(t, resp)
		require.Equal(t, http.StatusNotImplemented, resp.StatusCode, "the %s subresource is not implemented", query)
		require.Contains(t, body, "<Code>NotImplemented</Code>", "wrong error code")
	}
}

func TestReadOnlyMode(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{ReadOnly: true})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	body := readBody(t, resp)
	require.Equal(t, http.StatusForbidden, resp.StatusCode, "writes must be rejected in read-only mode")
	require.Contains(t, body, "<Code>AccessDenied</Code>", "wrong error code")

	resp = doRequest(t, http.MethodGet, ts.URL+"/", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "reads must still pass in read-only mode")
}

func TestVirtualHostAddressing(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{BaseHost: "s3.example.com"})

	resp := doRequest(t, http.MethodPut, ts.URL+"/photos", nil, nil)
	readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "bucket creation must succeed")

	putObject(t, ts.URL, "photos", "cat.jpg", "meow", nil)

	r, err := http.NewRequest(http.MethodGet, ts.URL+"/cat.jpg", nil)
	require.NoError(t, err, "request must build")
	r.Host = "photos.s3.example.com"
	resp, err = http.DefaultClient.Do(r)
	require.NoError(t, err, "request must complete")
	body := readBody(t, resp)
	require.Equal(t, http.StatusOK, resp.StatusCode, "virtual-host addressing must resolve the bucket")
	require.Equal(t, "meow", body, "wrong body")
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	ts := newTestServer(t, s3api.Config{})

	resp := doRequest(t, http.MethodGet, ts.URL+"/", nil, nil)
	readBody(t, resp)
	require.Len(t, resp.Header.Get("X-Amz-Request-Id"), 16, "every response must carry a request id")
}
