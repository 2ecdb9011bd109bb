package mastodon

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/purell"
)

// String type which represents an absolute, hierarchical URL of a single post on a Mastodon-compatible
// server, eg "https://mastodon.social/@alice/111". The last non-empty path segment is the status ID.
//
// Always use [ParsePostURL] instead of wrapping strings directly, especially when working with input.
type PostURL string

// Parses and normalizes a post URL. Relative references, opaque URIs ("mailto:..."), and URLs
// without a host can't be used as a base for API paths, and fail with [ErrInvalidURL].
func ParsePostURL(raw string) (PostURL, error) {
	u, err := parseBase(raw)
	if err != nil {
		return "", err
	}
	return PostURL(u.String()), nil
}

func parseBase(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty URL", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme == "" || u.Opaque != "" || u.Host == "" {
		return nil, fmt.Errorf("%w: cannot be a base URL: %q", ErrInvalidURL, raw)
	}
	return u, nil
}

// parsed URL; only fails if the PostURL was constructed without [ParsePostURL]
func (p PostURL) url() (*url.URL, error) {
	return parseBase(string(p))
}

// ID returns the last non-empty path segment, which Mastodon uses as the status ID.
func (p PostURL) ID() (string, error) {
	u, err := p.url()
	if err != nil {
		return "", err
	}
	segments := strings.Split(u.Path, "/")
	for i := len(segments) - 1; i >= 0; i-- {
		if segments[i] != "" {
			return segments[i], nil
		}
	}
	return "", fmt.Errorf("%w: no path segments: %s", ErrInvalidURL, p)
}

// HostOnly drops user info, path, query, and fragment, keeping scheme and host (with port).
func (p PostURL) HostOnly() (PostURL, error) {
	u, err := p.url()
	if err != nil {
		return "", err
	}
	h := url.URL{Scheme: u.Scheme, Host: u.Host}
	return PostURL(h.String()), nil
}

// WithPath replaces the path, leaving the other components as they are.
func (p PostURL) WithPath(path string) (PostURL, error) {
	u, err := p.url()
	if err != nil {
		return "", err
	}
	u.Path = path
	u.RawPath = ""
	return PostURL(u.String()), nil
}

// AppendPath appends seg (eg "/embed") to the current path. A trailing slash on the current path is
// dropped first so the result never contains "//".
func (p PostURL) AppendPath(seg string) (PostURL, error) {
	u, err := p.url()
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + strings.TrimPrefix(seg, "/")
	u.RawPath = ""
	return PostURL(u.String()), nil
}

// APIPath builds the URL for an API path on the post's origin host, never on a path-prefixed mirror.
func (p PostURL) APIPath(path string) (PostURL, error) {
	h, err := p.HostOnly()
	if err != nil {
		return "", err
	}
	return h.WithPath(path)
}

// Key returns a normalized form of p, for comparing URLs which differ only in host case, default
// port, escaping, fragment, or a trailing slash.
func (p PostURL) Key() string {
	u, err := p.url()
	if err != nil {
		return string(p)
	}
	return purell.NormalizeURL(u, purell.FlagsSafe|purell.FlagRemoveTrailingSlash|purell.FlagRemoveFragment|purell.FlagRemoveDuplicateSlashes)
}

// SamePost reports whether p and other name the same post.
func (p PostURL) SamePost(other PostURL) bool {
	return p.Key() == other.Key()
}

func (p PostURL) String() string {
	return string(p)
}
