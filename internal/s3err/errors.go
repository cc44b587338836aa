// Package s3err defines the error taxonomy the gateway exposes to S3
// clients. Provider and auth code return these errors; the HTTP layer
// renders them as S3 error XML documents.
package s3err

import (
	"errors"
	"fmt"
	"net/http"
)

// Error is an S3-visible error. Code and Message are rendered verbatim in
// the XML error document; Status is the HTTP status of the response.
type Error struct {
	Code    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithMessage returns a copy of e carrying a different message.
func (e *Error) WithMessage(format string, args ...any) *Error {
	return &Error{Code: e.Code, Message: fmt.Sprintf(format, args...), Status: e.Status}
}

var (
	ErrNoSuchBucket = &Error{
		Code:    "NoSuchBucket",
		Message: "The specified bucket does not exist.",
		Status:  http.StatusNotFound,
	}
	ErrNoSuchKey = &Error{
		Code:    "NoSuchKey",
		Message: "The specified key does not exist.",
		Status:  http.StatusNotFound,
	}
	ErrBucketNotEmpty = &Error{
		Code:    "BucketNotEmpty",
		Message: "The bucket you tried to delete is not empty.",
		Status:  http.StatusConflict,
	}
	ErrBucketAlreadyOwnedByYou = &Error{
		Code:    "BucketAlreadyOwnedByYou",
		Message: "Your previous request to create the named bucket succeeded and you already own it.",
		Status:  http.StatusConflict,
	}
	ErrInvalidBucketName = &Error{
		Code:    "InvalidBucketName",
		Message: "The specified bucket is not valid.",
		Status:  http.StatusBadRequest,
	}
	ErrSignatureDoesNotMatch = &Error{
		Code:    "SignatureDoesNotMatch",
		Message: "The request signature we calculated does not match the signature you provided.",
		Status:  http.StatusForbidden,
	}
	ErrRequestTimeTooSkewed = &Error{
		Code:    "RequestTimeTooSkewed",
		Message: "The difference between the request time and the server's time is too large.",
		Status:  http.StatusForbidden,
	}
	ErrMissingSecurityHeader = &Error{
		Code:    "MissingSecurityHeader",
		Message: "Your request was missing a required header.",
		Status:  http.StatusForbidden,
	}
	ErrAccessDenied = &Error{
		Code:    "AccessDenied",
		Message: "Access Denied.",
		Status:  http.StatusForbidden,
	}
	ErrBadDigest = &Error{
		Code:    "BadDigest",
		Message: "The Content-MD5 you specified did not match what we received.",
		Status:  http.StatusBadRequest,
	}
	ErrContentSHA256Mismatch = &Error{
		Code:    "XAmzContentSHA256Mismatch",
		Message: "The provided 'x-amz-content-sha256' header does not match what was computed.",
		Status:  http.StatusBadRequest,
	}
	ErrPreconditionFailed = &Error{
		Code:    "PreconditionFailed",
		Message: "At least one of the preconditions you specified did not hold.",
		Status:  http.StatusPreconditionFailed,
	}
	ErrInvalidRange = &Error{
		Code:    "InvalidRange",
		Message: "The requested range is not satisfiable.",
		Status:  http.StatusRequestedRangeNotSatisfiable,
	}
	ErrServiceUnavailable = &Error{
		Code:    "ServiceUnavailable",
		Message: "Please reduce your request rate.",
		Status:  http.StatusServiceUnavailable,
	}
	ErrInternalError = &Error{
		Code:    "InternalError",
		Message: "We encountered an internal error. Please try again.",
		Status:  http.StatusInternalServerError,
	}
	ErrNotImplemented = &Error{
		Code:    "NotImplemented",
		Message: "A header or query you provided implies functionality that is not implemented.",
		Status:  http.StatusNotImplemented,
	}
	ErrInvalidArgument = &Error{
		Code:    "InvalidArgument",
		Message: "Invalid argument.",
		Status:  http.StatusBadRequest,
	}
	ErrMalformedXML = &Error{
		Code:    "MalformedXML",
		Message: "The XML you provided was not well-formed or did not validate against our published schema.",
		Status:  http.StatusBadRequest,
	}
	ErrKeyTooLong = &Error{
		Code:    "KeyTooLongError",
		Message: "Your key is too long.",
		Status:  http.StatusBadRequest,
	}
)

// From classifies err as an *Error. Anything that is not already part of
// the taxonomy maps to InternalError.
func From(err error) *Error {
	var s3e *Error
	if errors.As(err, &s3e) {
		return s3e
	}
	return ErrInternalError
}
