package delivery

import (
	"errors"
	"fmt"
	"net/http"
)

// Class is the retry classification of one delivery attempt.
type Class int

// Attempt classes.
const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// ErrorKind names the failure taxonomy of delivery errors.
type ErrorKind string

// Failure kinds reported on delivery errors.
const (
	KindTransport          ErrorKind = "transport_error"
	KindRateLimitOrTimeout ErrorKind = "rate_limit_or_timeout"
	KindServerError        ErrorKind = "server_error"
	KindClientError        ErrorKind = "client_error"
)

// TransportError wraps a failure to get any HTTP response.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError is a non 2xx response of the Logs API.
type StatusError struct {
	Code int
	// Body is the beginning of the response body, for diagnostics.
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("logs API returned status %d (%s)", e.Code, e.Kind())
}

// Kind classifies the status code.
func (e *StatusError) Kind() ErrorKind {
	switch {
	case e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests:
		return KindRateLimitOrTimeout
	case e.Code >= 500 && e.Code <= 599:
		return KindServerError
	default:
		return KindClientError
	}
}

// ClassifyStatus maps an HTTP status code onto an attempt class.
func ClassifyStatus(code int) Class {
	switch {
	case code >= 200 && code <= 299:
		return ClassSuccess
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassRetryable
	case code >= 500 && code <= 599:
		return ClassRetryable
	default:
		return ClassFatal
	}
}

// Classify maps the error returned by one attempt onto an attempt class.
// A nil error is a success and errors that are neither a StatusError nor a
// TransportError are treated as transport failures.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return ClassifyStatus(statusErr.Code)
	}
	return ClassRetryable
}

// Kind reports the taxonomy entry of an attempt error.
func Kind(err error) ErrorKind {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Kind()
	}
	return KindTransport
}
