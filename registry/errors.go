package registry

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrUnsupported is returned for operations the registry protocol does
	// not have, e.g. deleting a repository through the v2 API.
	ErrUnsupported = errors.New("operation not supported by registry")

	// ErrNoDigest is returned when deleting a tag and the registry does not
	// return a valid Docker-Content-Digest header for it.
	ErrNoDigest = errors.New("registry did not return a content digest")

	// ErrTooLarge is returned for a response body larger than the configured
	// maximum.
	ErrTooLarge = errors.New("response too large")
)

// ConnectionError is a failure to get a response from the registry: the
// registry is unreachable, the connection failed, a timeout expired or the
// registry stopped sending the response body. For
// idempotent requests, it is returned after retries are exhausted.
type ConnectionError struct {
	Method string
	URL    string
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UnexpectedStatusError is a response with a non-2xx status code, after
// retries for transient errors are exhausted.
type UnexpectedStatusError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *UnexpectedStatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Method, e.URL, e.StatusCode, http.StatusText(e.StatusCode))
}

// CatalogUnavailableError is returned when the repository listing fails with
// an unexpected status, or cannot be parsed.
type CatalogUnavailableError struct {
	Err error
}

func (e *CatalogUnavailableError) Error() string {
	return fmt.Sprintf("catalog unavailable: %v", e.Err)
}

func (e *CatalogUnavailableError) Unwrap() error {
	return e.Err
}

// IsNotFound returns whether err is an unexpected status 404.
func IsNotFound(err error) bool {
	var serr *UnexpectedStatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}
