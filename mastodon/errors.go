package mastodon

import (
	"errors"
	"fmt"
)

// Input could not be used as a post URL: not a base URL, or no trailing path segment.
var ErrInvalidURL = errors.New("invalid post URL")

// Request to the Mastodon server failed: network error, non-2xx response, or a body that did not
// decode to the expected JSON shape.
var ErrUpstream = errors.New("upstream request failed")

// Reserved for callers which need to distinguish a missing post. Not returned by this package.
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the Mastodon API. Always wrapped under [ErrUpstream].
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("API %s %s returned %d", e.Method, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("API %s %s returned %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// PayloadError is a 2xx response whose body did not decode. The raw body is kept for diagnosis.
// Always wrapped under [ErrUpstream].
type PayloadError struct {
	URL  string
	Body []byte
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decoding response from %s: %v", e.URL, e.Err)
}

func (e *PayloadError) Unwrap() error {
	return e.Err
}
