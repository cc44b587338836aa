package auth

import (
	"crypto/hmac"
	"encoding/base64"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/holgern/s3local/internal/s3err"
)

// v2SubResources is the ordered subresource set that participates in the
// V2 canonicalized resource, per the Signature Version 2 specification.
var v2SubResources = []string{
	"acl", "delete", "location", "logging", "notification", "partNumber",
	"policy", "requestPayment", "torrent", "uploadId", "uploads",
	"versionId", "versioning", "versions", "website",
}

// verifyV2Header checks an "AWS access:signature" header-signed request.
func (v *Verifier) verifyV2Header(r *http.Request) (*Result, error) {
	rest := strings.TrimPrefix(r.Header.Get("Authorization"), "AWS ")
	accessKey, signature, ok := strings.Cut(rest, ":")
	if !ok || accessKey == "" || signature == "" {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("malformed Authorization header")
	}
	if accessKey != v.creds.AccessKeyID {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("access key does not match")
	}

	dateValue := r.Header.Get("X-Amz-Date")
	if dateValue == "" {
		dateValue = r.Header.Get("Date")
	}
	reqTime, err := parseV2Date(dateValue)
	if err != nil {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("invalid Date header")
	}
	if err := v.checkSkew(reqTime); err != nil {
		return nil, err
	}

	stringToSign := buildV2StringToSign(r, dateValue)
	want := base64.StdEncoding.EncodeToString(hmacSHA1([]byte(v.creds.SecretAccessKey), stringToSign))
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	return &Result{AccessKeyID: accessKey, PayloadHash: unsignedPayload}, nil
}

// verifyV2Presigned checks the AWSAccessKeyId/Expires/Signature presigned
// URL form. Expires is an absolute epoch-seconds deadline.
func (v *Verifier) verifyV2Presigned(r *http.Request) (*Result, error) {
	query := r.URL.Query()

	accessKey := query.Get("AWSAccessKeyId")
	if accessKey != v.creds.AccessKeyID {
		return nil, s3err.ErrSignatureDoesNotMatch.WithMessage("access key does not match")
	}

	expires, err := strconv.ParseInt(query.Get("Expires"), 10, 64)
	if err != nil {
		return nil, s3err.ErrAccessDenied.WithMessage("invalid Expires parameter")
	}
	if v.now().After(time.Unix(expires, 0)) {
		return nil, s3err.ErrAccessDenied.WithMessage("Request has expired")
	}

	// The Expires value takes the place of the Date line.
	stringToSign := buildV2StringToSign(r, query.Get("Expires"))
	want := base64.StdEncoding.EncodeToString(hmacSHA1([]byte(v.creds.SecretAccessKey), stringToSign))
	if !hmac.Equal([]byte(want), []byte(query.Get("Signature"))) {
		return nil, s3err.ErrSignatureDoesNotMatch
	}

	return &Result{AccessKeyID: accessKey, PayloadHash: unsignedPayload}, nil
}

// buildV2StringToSign assembles the V2 string-to-sign: verb, Content-MD5,
// Content-Type, date line, canonicalized x-amz headers, canonicalized
// resource. An x-amz-date header supersedes the Date line with an empty
// string per the V2 rules.
func buildV2StringToSign(r *http.Request, dateLine string) string {
	if r.Header.Get("X-Amz-Date") != "" {
		dateLine = ""
	}

	var b strings.Builder
	b.WriteString(r.Method)
	b.WriteString("\n")
	b.WriteString(r.Header.Get("Content-MD5"))
	b.WriteString("\n")
	b.WriteString(r.Header.Get("Content-Type"))
	b.WriteString("\n")
	b.WriteString(dateLine)
	b.WriteString("\n")
	b.WriteString(canonicalAmzHeaders(r.Header))
	b.WriteString(canonicalV2Resource(r.URL))
	return b.String()
}

// canonicalAmzHeaders renders the x-amz-* headers sorted by lowercased
// name, one per line, multi-values comma-joined.
func canonicalAmzHeaders(headers http.Header) string {
	byName := map[string][]string{}
	names := []string{}
	for name, values := range headers {
		lower := strings.ToLower(name)
		if !strings.HasPrefix(lower, "x-amz-") {
			continue
		}
		if _, seen := byName[lower]; !seen {
			names = append(names, lower)
		}
		byName[lower] = append(byName[lower], values...)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		trimmed := make([]string, 0, len(byName[name]))
		for _, v := range byName[name] {
			trimmed = append(trimmed, strings.TrimSpace(v))
		}
		b.WriteString(name)
		b.WriteString(":")
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteString("\n")
	}
	return b.String()
}

// canonicalV2Resource is the request path plus the recognized subresources
// in their prescribed order.
func canonicalV2Resource(u *url.URL) string {
	resource := u.EscapedPath()
	if resource == "" {
		resource = "/"
	}

	query := u.Query()
	var sub []string
	for _, name := range v2SubResources {
		if !query.Has(name) {
			continue
		}
		if v := query.Get(name); v != "" {
			sub = append(sub, name+"="+v)
		} else {
			sub = append(sub, name)
		}
	}
	if len(sub) > 0 {
		resource += "?" + strings.Join(sub, "&")
	}
	return resource
}

// parseV2Date accepts the header date formats V2 clients emit.
func parseV2Date(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range []string{http.TimeFormat, time.RFC1123Z, time.RFC850, time.ANSIC, amzDateFormat} {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
