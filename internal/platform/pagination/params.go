package pagination

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultPageSize defines the fallback number of items returned when the client omits page_size.
	DefaultPageSize = 50
	// DefaultMaxPageSize caps the supported page_size to prevent unbounded queries.
	DefaultMaxPageSize = 100
)

var (
	// ErrInvalidPageSize indicates the page_size query parameter is not an integer.
	ErrInvalidPageSize = errors.New("pagination: invalid page_size")
	// ErrInvalidPageToken indicates the supplied page_token could not be decoded.
	ErrInvalidPageToken = errors.New("pagination: invalid page_token")
)

// Cursor represents the Firestore pagination cursor payload.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

// Params bundles the pagination values extracted from a request.
type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options adjusts the defaults applied while parsing.
type Options struct {
	// DefaultPageSize is used when the client omits page_size. Zero falls back
	// to DefaultPageSize.
	DefaultPageSize int
	// MaxPageSize clamps oversized requests. Zero falls back to DefaultMaxPageSize.
	MaxPageSize int
}

func (o Options) normalized() Options {
	if o.DefaultPageSize <= 0 {
		o.DefaultPageSize = DefaultPageSize
	}
	if o.MaxPageSize <= 0 {
		o.MaxPageSize = DefaultMaxPageSize
	}
	return o
}

// FromRequest parses the page_size and page_token query parameters.
func FromRequest(r *http.Request, opts Options) (Params, error) {
	return Parse(r.URL.Query(), opts)
}

// Parse extracts pagination parameters from raw query values. A missing or
// non-positive page_size falls back to the configured default; values above
// the maximum are clamped rather than rejected. The page token is validated
// eagerly so handlers can reject malformed cursors before touching the store.
func Parse(values url.Values, opts Options) (Params, error) {
	opts = opts.normalized()
	params := Params{PageSize: opts.DefaultPageSize}

	if raw := strings.TrimSpace(values.Get("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil {
			return Params{}, ErrInvalidPageSize
		}
		if size > 0 {
			params.PageSize = size
		}
	}
	if params.PageSize > opts.MaxPageSize {
		params.PageSize = opts.MaxPageSize
	}

	token := strings.TrimSpace(values.Get("page_token"))
	if token != "" {
		cursor, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = token
		params.Cursor = cursor
	}

	return params, nil
}
