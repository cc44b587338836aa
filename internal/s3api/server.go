package s3api

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/holgern/s3local/internal/auth"
	"github.com/holgern/s3local/internal/provider"
	"github.com/holgern/s3local/internal/s3err"
)

// Config carries the immutable server settings.
type Config struct {
	// BaseHost enables virtual-host style addressing when set; requests
	// whose Host is "<bucket>.<BaseHost>" are routed to that bucket.
	BaseHost string
	Region   string
	// ReadOnly rejects every mutating operation with AccessDenied.
	ReadOnly bool
}

// Server translates the S3 REST surface onto a storage provider.
type Server struct {
	cfg      Config
	store    provider.Provider
	verifier *auth.Verifier
}

// NewServer wires the provider and verifier into an S3 front end.
func NewServer(cfg Config, store provider.Provider, verifier *auth.Verifier) *Server {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &Server{cfg: cfg, store: store, verifier: verifier}
}

// statusRecorder remembers the status code a handler writes so the
// request log can report it. An unset status at first Write means the
// implicit 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// logRequests emits one line per request: remote address, method, URL,
// status, latency. Headers never reach the log, so the Authorization
// value cannot leak.
func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		emit := slog.Info
		switch {
		case rec.status >= 500:
			emit = slog.Error
		case rec.status >= 400:
			emit = slog.Warn
		}
		emit("request",
			"remote", r.RemoteAddr,
			"method", r.Method,
			"url", r.URL.String(),
			"status", rec.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// recoverPanics turns a handler panic into a bare 500.
// http.ErrAbortHandler keeps its contract and propagates untouched.
func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			switch {
			case rvr == nil:
			case rvr == http.ErrAbortHandler:
				panic(rvr)
			default:
				slog.Error("panic while serving request", "url", r.URL.String(), "error", rvr)
				w.WriteHeader(http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// collapseSlashes folds duplicate slashes so path routing sees one
// segment separator per boundary.
func collapseSlashes(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for strings.Contains(r.URL.Path, "//") {
			r.URL.Path = strings.ReplaceAll(r.URL.Path, "//", "/")
		}
		next.ServeHTTP(w, r)
	})
}

// Handler returns the complete middleware-wrapped S3 handler.
func (s *Server) Handler() http.Handler {
	return logRequests(recoverPanics(collapseSlashes(http.HandlerFunc(s.dispatch))))
}

// dispatch is the single entry point. Virtual-host addressing means the
// bucket may live in the Host header, so routing happens after
// canonicalization rather than through mux patterns.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	requestID := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:16]
	w.Header().Set("X-Amz-Request-Id", requestID)

	req, err := ParseRequest(r, s.cfg.BaseHost)
	if err != nil {
		writeS3Error(w, err, r.URL.Path, requestID)
		return
	}

	res, err := s.verifier.Verify(r)
	if err != nil {
		writeS3Error(w, err, r.URL.Path, requestID)
		return
	}
	if err := s.wrapBody(r, res); err != nil {
		writeS3Error(w, err, r.URL.Path, requestID)
		return
	}

	if s.cfg.ReadOnly && isMutating(r.Method) {
		writeS3Error(w, s3err.ErrAccessDenied.WithMessage("server is read-only"), r.URL.Path, requestID)
		return
	}

	if err := s.route(w, req); err != nil {
		writeS3Error(w, err, r.URL.Path, requestID)
	}
}

func isMutating(method string) bool {
	switch method {
	case http.MethodPut, http.MethodPost, http.MethodDelete:
		return true
	}
	return false
}

// wrapBody installs the payload integrity readers the authentication
// result calls for: the chunk-signature decoder for streaming uploads,
// or a SHA-256 check for header-signed payloads.
func (s *Server) wrapBody(r *http.Request, res *auth.Result) error {
	if r.Body == nil {
		return nil
	}
	if res.Streaming {
		r.Body = io.NopCloser(auth.NewChunkedReader(r.Body, res))
		return nil
	}
	if isHexSHA256(res.PayloadHash) {
		r.Body = io.NopCloser(&sha256Reader{src: r.Body, want: res.PayloadHash, sum: sha256.New()})
	}
	return nil
}

func isHexSHA256(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// sha256Reader verifies the declared x-amz-content-sha256 as the body
// streams through. The mismatch surfaces at EOF, before any consumer
// commits the data.
type sha256Reader struct {
	src  io.Reader
	want string
	sum  hash.Hash
	done bool
}

func (h *sha256Reader) Read(p []byte) (int, error) {
	n, err := h.src.Read(p)
	if n > 0 {
		h.sum.Write(p[:n])
	}
	if err == io.EOF && !h.done {
		h.done = true
		if !strings.EqualFold(hex.EncodeToString(h.sum.Sum(nil)), h.want) {
			return n, s3err.ErrContentSHA256Mismatch
		}
	}
	return n, err
}

// route selects the operation from method, addressing, and query
// markers.
func (s *Server) route(w http.ResponseWriter, req Request) error {
	if req.Bucket == "" {
		if req.HTTP.Method == http.MethodGet {
			return s.handleListBuckets(w, req)
		}
		return s3err.ErrNotImplemented
	}

	if req.Key == "" {
		return s.routeBucket(w, req)
	}
	return s.routeObject(w, req)
}

func (s *Server) routeBucket(w http.ResponseWriter, req Request) error {
	switch req.HTTP.Method {
	case http.MethodGet:
		switch {
		case req.Query.Has("location"):
			return s.handleBucketLocation(w, req)
		case req.Query.Has("uploads"), req.Query.Has("versioning"),
			req.Query.Has("acl"), req.Query.Has("policy"),
			req.Query.Has("lifecycle"), req.Query.Has("cors"),
			req.Query.Has("tagging"), req.Query.Has("versions"):
			return s3err.ErrNotImplemented
		default:
			return s.handleListObjects(w, req)
		}
	case http.MethodPut:
		if req.Query.Has("acl") || req.Query.Has("versioning") || req.Query.Has("lifecycle") ||
			req.Query.Has("tagging") || req.Query.Has("policy") || req.Query.Has("cors") {
			return s3err.ErrNotImplemented
		}
		return s.handleCreateBucket(w, req)
	case http.MethodHead:
		return s.handleHeadBucket(w, req)
	case http.MethodDelete:
		if req.Query.Has("acl") || req.Query.Has("versioning") || req.Query.Has("lifecycle") ||
			req.Query.Has("tagging") || req.Query.Has("policy") || req.Query.Has("cors") {
			return s3err.ErrNotImplemented
		}
		return s.handleDeleteBucket(w, req)
	case http.MethodPost:
		if req.Query.Has("delete") {
			return s.handleDeleteObjects(w, req)
		}
		return s3err.ErrNotImplemented
	}
	return s3err.ErrNotImplemented
}

func (s *Server) routeObject(w http.ResponseWriter, req Request) error {
	if req.Query.Has("acl") || req.Query.Has("tagging") ||
		req.Query.Has("uploads") || req.Query.Has("uploadId") {
		return s3err.ErrNotImplemented
	}

	switch req.HTTP.Method {
	case http.MethodGet:
		return s.handleGetObject(w, req)
	case http.MethodHead:
		return s.handleHeadObject(w, req)
	case http.MethodPut:
		if req.HTTP.Header.Get("X-Amz-Copy-Source") != "" {
			return s.handleCopyObject(w, req)
		}
		return s.handlePutObject(w, req)
	case http.MethodDelete:
		return s.handleDeleteObject(w, req)
	}
	return s3err.ErrNotImplemented
}
