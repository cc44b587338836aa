package auth

import (
	"crypto/hmac"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/holgern/s3local/internal/s3err"
)

// v4Authorization is the parsed form of a SigV4 Authorization header or
// the equivalent presigned query parameters.
type v4Authorization struct {
	accessKey     string
	dateStamp     string
	region        string
	service       string
	terminator    string
	signedHeaders []string
	signature     string
}

func parseV4Authorization(header string) (v4Authorization, error) {
	rest := strings.TrimPrefix(header, sigV4Algorithm+" ")

	parts := map[string]string{}
	for _, field := range strings.Split(rest, ",") {
		kv := strings.SplitN(strings.TrimSpace(field), "=", 2)
		if len(kv) != 2 {
			return v4Authorization{}, s3err.ErrSignatureDoesNotMatch.WithMessage("malformed Authorization header")
		}
		parts[kv[0]] = kv[1]
	}

	authz, err := parseV4Credential(parts["Credential"])
	if err != nil {
		return v4Authorization{}, err
	}
	authz.signedHeaders = strings.Split(strings.ToLower(strings.TrimSpace(parts["SignedHeaders"])), ";")
	authz.signature = strings.TrimSpace(parts["Signature"])
	if len(authz.signedHeaders) == 0 || authz.signature == "" {
		return v4Authorization{}, s3err.ErrSignatureDoesNotMatch.WithMessage("malformed Authorization header")
	}
	return authz, nil
}

func parseV4Credential(credential string) (v4Authorization, error) {
	parts := strings.Split(strings.TrimSpace(credential), "/")
	if len(parts) != 5 || parts[4] != requestTerminator {
		return v4Authorization{}, s3err.ErrSignatureDoesNotMatch.WithMessage("malformed credential scope")
	}
	return v4Authorization{
		accessKey:  parts[0],
		dateStamp:  parts[1],
		region:     parts[2],
		service:    parts[3],
		terminator: parts[4],
	}, nil
}

func (a v4Authorization) scope() string {
	return strings.Join([]string{a.dateStamp, a.region, a.service, a.terminator}, "/")
}

// verifyV4Header checks a SigV4 header-signed request.
func (v *Verifier) verifyV4Header(r *http.Request) (*Result, error) {
	authz, err := parseV4Authorization(r.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}
	if authz.accessKey != v.creds.AccessKeyID {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("access key does not match")
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		amzDate = r.Header.Get("Date")
	}
	reqTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("invalid x-amz-date")
	}
	if err := v.checkSkew(reqTime); err != nil {
		return nil, err
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = unsignedPayload
	}

	canonical := buildCanonicalRequest(r, authz.signedHeaders, payloadHash, false)
	stringToSign := buildStringToSign(canonical, amzDate, authz.scope())

	key := v.signingKey(authz.dateStamp, authz.region)
	want := hex.EncodeToString(hmacSHA256(key, stringToSign))
	if !hmac.Equal([]byte(want), []byte(authz.signature)) {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	return &Result{
		AccessKeyID:   authz.accessKey,
		Streaming:     payloadHash == streamingPayload,
		PayloadHash:   payloadHash,
		signingKey:    key,
		seedSignature: authz.signature,
		amzDate:       amzDate,
		scope:         authz.scope(),
	}, nil
}

// verifyV4Presigned checks a presigned-URL request carrying X-Amz-* query
// parameters. The signature parameter itself is excluded from the
// canonical query string; the payload is always unsigned.
func (v *Verifier) verifyV4Presigned(r *http.Request) (*Result, error) {
	query := r.URL.Query()

	authz, err := parseV4Credential(query.Get("X-Amz-Credential"))
	if err != nil {
		return nil, err
	}
	if authz.accessKey != v.creds.AccessKeyID {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("access key does not match")
	}
	authz.signedHeaders = strings.Split(strings.ToLower(query.Get("X-Amz-SignedHeaders")), ";")
	authz.signature = query.Get("X-Amz-Signature")
	if authz.signature == "" {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("missing X-Amz-Signature")
	}

	amzDate := query.Get("X-Amz-Date")
	reqTime, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("invalid X-Amz-Date")
	}

	expires, err := strconv.ParseInt(query.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expires < 1 || expires > 604800 {
		return nil, s3err.ErrAccessDenied.WithMessage("invalid X-Amz-Expires")
	}
	if v.now().After(reqTime.Add(time.Duration(expires) * time.Second)) {
		return nil, s3err.ErrAccessDenied.WithMessage("Request has expired")
	}

	canonical := buildCanonicalRequest(r, authz.signedHeaders, unsignedPayload, true)
	stringToSign := buildStringToSign(canonical, amzDate, authz.scope())

	key := v.signingKey(authz.dateStamp, authz.region)
	want := hex.EncodeToString(hmacSHA256(key, stringToSign))
	if !hmac.Equal([]byte(want), []byte(authz.signature)) {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	return &Result{AccessKeyID: authz.accessKey, PayloadHash: unsignedPayload}, nil
}

// buildCanonicalRequest assembles the SigV4 canonical request. For S3 the
// canonical URI keeps each path segment encoded exactly once.
func buildCanonicalRequest(r *http.Request, signedHeaders []string, payloadHash string, presigned bool) string {
	return strings.Join([]string{
		r.Method,
		canonicalURI(r.URL),
		canonicalQuery(r.URL.Query(), presigned),
		canonicalHeaders(r, signedHeaders),
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n")
}

func buildStringToSign(canonicalRequest, amzDate, scope string) string {
	return strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")
}

// canonicalURI re-encodes each decoded path segment once, per the S3
// variant of SigV4.
func canonicalURI(u *url.URL) string {
	rawPath := u.EscapedPath()
	if rawPath == "" {
		return "/"
	}
	parts := strings.Split(rawPath, "/")
	for i, part := range parts {
		decoded := part
		if unescaped, err := url.PathUnescape(part); err == nil {
			decoded = unescaped
		}
		parts[i] = awsURIEncode(decoded, true)
	}
	joined := strings.Join(parts, "/")
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

// canonicalQuery sorts parameters by name then value. For presigned URLs
// X-Amz-Signature is excluded from the calculation.
func canonicalQuery(values url.Values, presigned bool) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if presigned && key == "X-Amz-Signature" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		vals := append([]string(nil), values[key]...)
		sort.Strings(vals)
		for _, val := range vals {
			pairs = append(pairs, awsURIEncode(key, true)+"="+awsURIEncode(val, true))
		}
	}
	return strings.Join(pairs, "&")
}

// canonicalHeaders renders the SignedHeaders subset: names lowercased,
// values trimmed with internal whitespace collapsed, multi-values joined
// by commas.
func canonicalHeaders(r *http.Request, signedHeaders []string) string {
	var b strings.Builder
	for _, name := range signedHeaders {
		name = strings.ToLower(strings.TrimSpace(name))
		var value string
		if name == "host" {
			value = r.Host
			if value == "" {
				value = r.URL.Host
			}
		} else {
			vals := r.Header.Values(http.CanonicalHeaderKey(name))
			collapsed := make([]string, 0, len(vals))
			for _, v := range vals {
				collapsed = append(collapsed, strings.Join(strings.Fields(v), " "))
			}
			value = strings.Join(collapsed, ",")
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(strings.Fields(value), " "))
		b.WriteString("\n")
	}
	return b.String()
}

// awsURIEncode implements the RFC 3986 encoding SigV4 prescribes:
// unreserved characters pass through, '/' passes only when encodeSlash is
// false, everything else becomes %XX with uppercase hex.
func awsURIEncode(s string, encodeSlash bool) string {
	const upperhex = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s) * 3)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') ||
			c == '-' || c == '_' || c == '.' || c == '~':
			b.WriteByte(c)
		case c == '/' && !encodeSlash:
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&0x0F])
		}
	}
	return b.String()
}
