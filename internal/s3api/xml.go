package s3api

import (
	"encoding/xml"
	"io"
	"net/http"
	"time"

	"github.com/holgern/s3local/internal/s3err"
)

const (
	s3XMLNamespace = "http://s3.amazonaws.com/doc/2006-03-01/"
	s3TimeFormat   = "2006-01-02T15:04:05.000Z"

	maxDeleteObjects = 1000
)

// listAllMyBucketsResult renders GET / (ListBuckets).
type listAllMyBucketsResult struct {
	XMLName xml.Name      `xml:"ListAllMyBucketsResult"`
	Xmlns   string        `xml:"xmlns,attr"`
	Owner   owner         `xml:"Owner"`
	Buckets []bucketEntry `xml:"Buckets>Bucket"`
}

type owner struct {
	ID          string `xml:"ID"`
	DisplayName string `xml:"DisplayName"`
}

type bucketEntry struct {
	Name         string `xml:"Name"`
	CreationDate string `xml:"CreationDate"`
}

// listBucketResult renders both ListObjects V1 and V2. Version-specific
// fields carry omitempty so each rendition only emits its own markers.
type listBucketResult struct {
	XMLName        xml.Name       `xml:"ListBucketResult"`
	Xmlns          string         `xml:"xmlns,attr"`
	Name           string         `xml:"Name"`
	Prefix         string         `xml:"Prefix"`
	Delimiter      string         `xml:"Delimiter,omitempty"`
	MaxKeys        int            `xml:"MaxKeys"`
	IsTruncated    bool           `xml:"IsTruncated"`
	Contents       []objectEntry  `xml:"Contents"`
	CommonPrefixes []commonPrefix `xml:"CommonPrefixes"`

	// V1 only.
	Marker     *string `xml:"Marker,omitempty"`
	NextMarker string  `xml:"NextMarker,omitempty"`

	// V2 only.
	KeyCount              *int   `xml:"KeyCount,omitempty"`
	ContinuationToken     string `xml:"ContinuationToken,omitempty"`
	NextContinuationToken string `xml:"NextContinuationToken,omitempty"`
	StartAfter            string `xml:"StartAfter,omitempty"`
}

type objectEntry struct {
	Key          string `xml:"Key"`
	LastModified string `xml:"LastModified"`
	ETag         string `xml:"ETag"`
	Size         int64  `xml:"Size"`
	StorageClass string `xml:"StorageClass"`
}

type commonPrefix struct {
	Prefix string `xml:"Prefix"`
}

type copyObjectResult struct {
	XMLName      xml.Name `xml:"CopyObjectResult"`
	Xmlns        string   `xml:"xmlns,attr"`
	LastModified string   `xml:"LastModified"`
	ETag         string   `xml:"ETag"`
}

type locationConstraint struct {
	XMLName xml.Name `xml:"LocationConstraint"`
	Xmlns   string   `xml:"xmlns,attr"`
	Value   string   `xml:",chardata"`
}

// deleteRequest is the parsed POST ?delete body.
type deleteRequest struct {
	XMLName xml.Name           `xml:"Delete"`
	Quiet   bool               `xml:"Quiet"`
	Objects []deleteRequestKey `xml:"Object"`
}

type deleteRequestKey struct {
	Key string `xml:"Key"`
}

// deleteResult renders the DeleteObjects response.
type deleteResult struct {
	XMLName xml.Name       `xml:"DeleteResult"`
	Xmlns   string         `xml:"xmlns,attr"`
	Deleted []deletedEntry `xml:"Deleted"`
	Errors  []deleteError  `xml:"Error"`
}

type deletedEntry struct {
	Key string `xml:"Key"`
}

type deleteError struct {
	Key     string `xml:"Key"`
	Code    string `xml:"Code"`
	Message string `xml:"Message"`
}

// errorResponse is the S3 error document.
type errorResponse struct {
	XMLName   xml.Name `xml:"Error"`
	Code      string   `xml:"Code"`
	Message   string   `xml:"Message"`
	Resource  string   `xml:"Resource"`
	RequestID string   `xml:"RequestId"`
}

func formatS3Time(t time.Time) string {
	return t.UTC().Format(s3TimeFormat)
}

// quoteETag renders the hex digest in the quoted form S3 responses use.
func quoteETag(etag string) string {
	if etag == "" {
		return ""
	}
	return `"` + etag + `"`
}

// writeXML serializes v with the XML declaration prepended. The status
// must be written before the body.
func writeXML(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Flush()
}

// writeS3Error maps err onto the S3 error document. Non-taxonomy errors
// surface as InternalError without leaking their text.
func writeS3Error(w http.ResponseWriter, err error, resource, requestID string) {
	s3e := s3err.From(err)
	_ = writeXML(w, s3e.Status, errorResponse{
		Code:      s3e.Code,
		Message:   s3e.Message,
		Resource:  resource,
		RequestID: requestID,
	})
}

// parseDeleteRequest decodes a POST ?delete body, rejecting documents
// beyond the thousand-key limit.
func parseDeleteRequest(body io.Reader) (deleteRequest, error) {
	var req deleteRequest
	dec := xml.NewDecoder(io.LimitReader(body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		return deleteRequest{}, s3err.ErrMalformedXML
	}
	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		return deleteRequest{}, s3err.ErrMalformedXML
	}
	return req, nil
}
