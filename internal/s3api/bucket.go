package s3api

import (
	"encoding/base64"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/s3err"
)

const (
	defaultMaxKeys = 1000
	ownerID        = "s3local"
)

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]*[a-z0-9]$`)

// validBucketName enforces the S3 naming rules the gateway cares about:
// 3..63 characters, lowercase letters, digits, dots and hyphens, starting
// and ending alphanumeric, no dot adjacent to a hyphen.
func validBucketName(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, ".-") || strings.Contains(name, "-.") {
		return false
	}
	return bucketNamePattern.MatchString(name)
}

func (s *Server) handleListBuckets(w http.ResponseWriter, req Request) error {
	buckets, err := s.store.ListBuckets(req.HTTP.Context())
	if err != nil {
		return err
	}

	out := listAllMyBucketsResult{
		Xmlns: s3XMLNamespace,
		Owner: owner{ID: ownerID, DisplayName: ownerID},
	}
	for _, b := range buckets {
		out.Buckets = append(out.Buckets, bucketEntry{
			Name:         b.Name,
			CreationDate: formatS3Time(b.CreatedAt),
		})
	}
	return writeXML(w, http.StatusOK, out)
}

func (s *Server) handleCreateBucket(w http.ResponseWriter, req Request) error {
	if !validBucketName(req.Bucket) {
		return s3err.ErrInvalidBucketName
	}
	if _, err := s.store.CreateBucket(req.HTTP.Context(), req.Bucket); err != nil {
		return err
	}
	w.Header().Set("Location", "/"+req.Bucket)
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleHeadBucket(w http.ResponseWriter, req Request) error {
	if err := s.store.HeadBucket(req.HTTP.Context(), req.Bucket); err != nil {
		// HEAD responses carry no body; surface only the status.
		w.WriteHeader(s3err.From(err).Status)
		return nil
	}
	w.WriteHeader(http.StatusOK)
	return nil
}

func (s *Server) handleDeleteBucket(w http.ResponseWriter, req Request) error {
	if err := s.store.DeleteBucket(req.HTTP.Context(), req.Bucket); err != nil {
		return err
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func (s *Server) handleBucketLocation(w http.ResponseWriter, req Request) error {
	if err := s.store.HeadBucket(req.HTTP.Context(), req.Bucket); err != nil {
		return err
	}
	// us-east-1 renders as the empty constraint, matching S3.
	value := s.cfg.Region
	if value == "us-east-1" {
		value = ""
	}
	return writeXML(w, http.StatusOK, locationConstraint{Xmlns: s3XMLNamespace, Value: value})
}

// handleListObjects serves both listing generations; list-type=2 selects
// the V2 rendition.
func (s *Server) handleListObjects(w http.ResponseWriter, req Request) error {
	v2 := req.Query.Get("list-type") == "2"

	opts := provider.ListOptions{
		Prefix:    req.Query.Get("prefix"),
		Delimiter: req.Query.Get("delimiter"),
		MaxKeys:   defaultMaxKeys,
	}
	if raw := req.Query.Get("max-keys"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return s3err.ErrInvalidArgument.WithMessage("invalid max-keys value")
		}
		if n < opts.MaxKeys {
			opts.MaxKeys = n
		}
	}

	var token string
	if v2 {
		token = req.Query.Get("continuation-token")
		if token != "" {
			decoded, err := base64.StdEncoding.DecodeString(token)
			if err != nil {
				return s3err.ErrInvalidArgument.WithMessage("invalid continuation token")
			}
			opts.Marker = string(decoded)
		}
		if after := req.Query.Get("start-after"); after != "" && after > opts.Marker {
			opts.Marker = after
		}
	} else {
		opts.Marker = req.Query.Get("marker")
	}

	page, err := s.store.ListObjects(req.HTTP.Context(), req.Bucket, opts)
	if err != nil {
		return err
	}

	out := listBucketResult{
		Xmlns:       s3XMLNamespace,
		Name:        req.Bucket,
		Prefix:      opts.Prefix,
		Delimiter:   opts.Delimiter,
		MaxKeys:     opts.MaxKeys,
		IsTruncated: page.IsTruncated,
	}
	for _, obj := range page.Objects {
		out.Contents = append(out.Contents, objectEntry{
			Key:          obj.Key,
			LastModified: formatS3Time(obj.LastModified),
			ETag:         quoteETag(obj.ETag),
			Size:         obj.Size,
			StorageClass: "STANDARD",
		})
	}
	for _, cp := range page.CommonPrefixes {
		out.CommonPrefixes = append(out.CommonPrefixes, commonPrefix{Prefix: cp})
	}

	if v2 {
		count := len(page.Objects) + len(page.CommonPrefixes)
		out.KeyCount = &count
		out.ContinuationToken = token
		out.StartAfter = req.Query.Get("start-after")
		if page.IsTruncated {
			out.NextContinuationToken = base64.StdEncoding.EncodeToString([]byte(page.NextMarker))
		}
	} else {
		marker := req.Query.Get("marker")
		out.Marker = &marker
		// NextMarker is only defined for delimiter listings in V1.
		if page.IsTruncated && opts.Delimiter != "" {
			out.NextMarker = page.NextMarker
		}
	}
	return writeXML(w, http.StatusOK, out)
}

func (s *Server) handleDeleteObjects(w http.ResponseWriter, req Request) error {
	parsed, err := parseDeleteRequest(req.HTTP.Body)
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(parsed.Objects))
	for _, obj := range parsed.Objects {
		keys = append(keys, obj.Key)
	}

	outcomes, err := s.store.DeleteObjects(req.HTTP.Context(), req.Bucket, keys)
	if err != nil {
		return err
	}

	out := deleteResult{Xmlns: s3XMLNamespace}
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			s3e := s3err.From(outcome.Err)
			out.Errors = append(out.Errors, deleteError{
				Key:     outcome.Key,
				Code:    s3e.Code,
				Message: s3e.Message,
			})
			continue
		}
		if !parsed.Quiet {
			out.Deleted = append(out.Deleted, deletedEntry{Key: outcome.Key})
		}
	}
	return writeXML(w, http.StatusOK, out)
}
