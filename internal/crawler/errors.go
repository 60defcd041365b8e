package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind classifies fetch and processing failures.
type ErrorKind string

// Error kinds. Only network timeouts, server errors, and rate limiting are
// retried.
const (
	KindNetworkTimeout ErrorKind = "network_timeout"
	KindNotFound       ErrorKind = "not_found"
	KindForbidden      ErrorKind = "forbidden"
	KindClientError    ErrorKind = "client_error"
	KindServerError    ErrorKind = "server_error"
	KindRateLimited    ErrorKind = "rate_limited"
	KindParse          ErrorKind = "parse_error"
	KindValidation     ErrorKind = "validation_error"
	KindStorage        ErrorKind = "storage_error"
	KindInterrupted    ErrorKind = "interrupted"
)

// Retryable reports whether another attempt may succeed.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetworkTimeout, KindServerError, KindRateLimited:
		return true
	default:
		return false
	}
}

// Sentinel errors. The run-level ones each map to a distinct exit status.
var (
	ErrSitemapUnavailable = errors.New("sitemap unavailable: server error")
	ErrSitemapNoFallback  = errors.New("sitemap unreachable and no valid cache")
	ErrThresholdNotMet    = errors.New("sitemap url count below threshold")
	ErrBudgetExceeded     = errors.New("global scraping budget exceeded")
	ErrEmptyResultBlocked = errors.New("category produced no accepted records")
	ErrInterrupted        = errors.New("run interrupted")
	ErrObjectNotFound     = errors.New("object not found")
	ErrQueueClosed        = errors.New("queue closed")
)

// FetchError is a classified HTTP or transport failure.
type FetchError struct {
	Kind       ErrorKind
	StatusCode int
	URL        string
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: HTTP %d for %s", e.Kind, e.StatusCode, e.URL)
	}
	return fmt.Sprintf("fetch %s: %v for %s", e.Kind, e.Cause, e.URL)
}

func (e *FetchError) Unwrap() error { return e.Cause }

// ClassifyStatus maps an HTTP status to an error kind. ok is false for 2xx.
func ClassifyStatus(status int) (kind ErrorKind, ok bool) {
	switch {
	case status >= http.StatusOK && status < http.StatusMultipleChoices:
		return "", false
	case status == http.StatusTooManyRequests:
		return KindRateLimited, true
	case status == http.StatusForbidden:
		return KindForbidden, true
	case status == http.StatusNotFound, status == http.StatusGone:
		return KindNotFound, true
	case status >= http.StatusInternalServerError:
		return KindServerError, true
	default:
		return KindClientError, true
	}
}

// StatusError builds a FetchError for a non-2xx response.
func StatusError(status int, url string) *FetchError {
	kind, ok := ClassifyStatus(status)
	if !ok {
		return nil
	}
	return &FetchError{Kind: kind, StatusCode: status, URL: url, Cause: fmt.Errorf("HTTP %d", status)}
}

// KindOf extracts the error kind from err, defaulting to a network timeout
// for unclassified transport failures.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindNetworkTimeout
}
