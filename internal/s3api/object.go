package s3api

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/s3err"
)

const metadataHeaderPrefix = "X-Amz-Meta-"

// parseRangeHeader parses a "bytes=..." header into a RangeSpec. A header
// the gateway cannot parse is ignored, matching S3, so nil with no error
// means serve the whole object.
func parseRangeHeader(value string) (*provider.RangeSpec, error) {
	if value == "" {
		return nil, nil
	}
	spec, ok := strings.CutPrefix(value, "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, nil
	}

	startStr, endStr, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, nil
	}

	if startStr == "" {
		// Suffix form: bytes=-N
		suffix, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil {
			return nil, nil
		}
		if suffix == 0 {
			return nil, s3err.ErrInvalidRange
		}
		return &provider.RangeSpec{Suffix: true, End: suffix}, nil
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 {
		return nil, nil
	}
	end := int64(-1)
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, nil
		}
	}
	return &provider.RangeSpec{Start: start, End: end}, nil
}

// checkPreconditions evaluates If-Match/If-None-Match against the stored
// ETag. It returns the status the response should short-circuit with, or
// zero to proceed.
func checkPreconditions(r *http.Request, etag string) int {
	if match := r.Header.Get("If-Match"); match != "" {
		if !etagMatches(match, etag) {
			return http.StatusPreconditionFailed
		}
	}
	if noneMatch := r.Header.Get("If-None-Match"); noneMatch != "" {
		if etagMatches(noneMatch, etag) {
			if r.Method == http.MethodGet || r.Method == http.MethodHead {
				return http.StatusNotModified
			}
			return http.StatusPreconditionFailed
		}
	}
	return 0
}

func etagMatches(header, etag string) bool {
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.Trim(strings.TrimSpace(candidate), `"`)
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

// writeObjectHeaders renders the shared metadata headers of GET and HEAD.
func writeObjectHeaders(w http.ResponseWriter, info provider.ObjectInfo) {
	w.Header().Set("ETag", quoteETag(info.ETag))
	w.Header().Set("Last-Modified", info.LastModified.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	for name, value := range info.UserMetadata {
		w.Header().Set(metadataHeaderPrefix+name, value)
	}
}

func (s *Server) handleGetObject(w http.ResponseWriter, req Request) error {
	rng, err := parseRangeHeader(req.HTTP.Header.Get("Range"))
	if err != nil {
		return err
	}

	result, err := s.store.GetObject(req.HTTP.Context(), req.Bucket, req.Key, rng)
	if err != nil {
		return err
	}
	defer result.Body.Close()

	if status := checkPreconditions(req.HTTP, result.Info.ETag); status != 0 {
		w.Header().Set("ETag", quoteETag(result.Info.ETag))
		w.WriteHeader(status)
		return nil
	}

	writeObjectHeaders(w, result.Info)
	if result.Range != nil {
		w.Header().Set("Content-Length", strconv.FormatInt(result.Range.End-result.Range.Start+1, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d",
			result.Range.Start, result.Range.End, result.Range.Total))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.Header().Set("Content-Length", strconv.FormatInt(result.Info.Size, 10))
		w.WriteHeader(http.StatusOK)
	}

	_, err = io.Copy(w, result.Body)
	if err != nil {
		// Headers are gone; the copy failure only aborts the stream.
		return nil
	}
	return nil
}

func (s *Server) handleHeadObject(w http.ResponseWriter, req Request) error {
	info, err := s.store.HeadObject(req.HTTP.Context(), req.Bucket, req.Key)
	if err != nil {
		// HEAD responses carry no body; surface only the status.
		w.WriteHeader(s3err.From(err).Status)
		return nil
	}

	if status := checkPreconditions(req.HTTP, info.ETag); status != 0 {
		w.Header().Set("ETag", quoteETag(info.ETag))
		w.WriteHeader(status)
		return nil
	}

	writeObjectHeaders(w, info)
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handlePutObject(w http.ResponseWriter, req Request) error {
	opts := provider.PutOptions{
		ContentType:  req.HTTP.Header.Get("Content-Type"),
		UserMetadata: collectUserMetadata(req.HTTP.Header),
	}

	if contentMD5 := req.HTTP.Header.Get("Content-MD5"); contentMD5 != "" {
		raw, err := base64.StdEncoding.DecodeString(contentMD5)
		if err != nil || len(raw) != 16 {
			return s3err.ErrInvalidArgument.WithMessage("invalid Content-MD5 header")
		}
		opts.ExpectedMD5 = hex.EncodeToString(raw)
	}

	info, err := s.store.PutObject(req.HTTP.Context(), req.Bucket, req.Key, req.HTTP.Body, opts)
	if err != nil {
		return err
	}

	w.Header().Set("ETag", quoteETag(info.ETag))
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleDeleteObject(w http.ResponseWriter, req Request) error {
	err := s.store.DeleteObject(req.HTTP.Context(), req.Bucket, req.Key)
	if err != nil && !errors.Is(err, s3err.ErrNoSuchKey) {
		return err
	}
	// Deleting an absent key succeeds, matching S3.
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleCopyObject(w http.ResponseWriter, req Request) error {
	srcBucket, srcKey, err := parseCopySource(req.HTTP.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		return err
	}

	info, err := s.store.CopyObject(req.HTTP.Context(), srcBucket, srcKey, req.Bucket, req.Key)
	if err != nil {
		return err
	}

	return writeXML(w, http.StatusOK, copyObjectResult{
		Xmlns:        s3XMLNamespace,
		LastModified: formatS3Time(info.LastModified),
		ETag:         quoteETag(info.ETag),
	})
}

// parseCopySource splits an x-amz-copy-source value into bucket and key.
// Both "/bucket/key" and "bucket/key" forms appear in the wild, possibly
// percent-encoded.
func parseCopySource(source string) (bucket, key string, err error) {
	decoded, decodeErr := url.PathUnescape(source)
	if decodeErr != nil {
		return "", "", s3err.ErrInvalidArgument.WithMessage("invalid x-amz-copy-source")
	}
	decoded = strings.TrimPrefix(decoded, "/")
	bucket, key, ok := strings.Cut(decoded, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", s3err.ErrInvalidArgument.WithMessage("invalid x-amz-copy-source")
	}
	return bucket, key, nil
}

// collectUserMetadata extracts the x-amz-meta-* headers with the prefix
// stripped.
func collectUserMetadata(headers http.Header) map[string]string {
	var meta map[string]string
	for name, values := range headers {
		if !strings.HasPrefix(name, metadataHeaderPrefix) || len(values) == 0 {
			continue
		}
		if meta == nil {
			meta = map[string]string{}
		}
		meta[strings.TrimPrefix(name, metadataHeaderPrefix)] = values[0]
	}
	return meta
}
