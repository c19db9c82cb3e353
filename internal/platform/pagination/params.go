// Package pagination reads list paging parameters from query strings and
// round-trips the opaque page tokens handed back to clients.
package pagination

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	DefaultPageSize    = 50
	DefaultMaxPageSize = 100
)

var (
	ErrInvalidPageSize  = errors.New("pagination: invalid pageSize")
	ErrInvalidPageToken = errors.New("pagination: invalid pageToken")
)

// Cursor is the position a page token encodes: the sort key values of the
// last item served.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
	StartAt    []any `json:"startAt,omitempty"`
}

type Params struct {
	PageSize  int
	PageToken string
	Cursor    Cursor
}

// Options tune a single list endpoint. Zero values take the package defaults.
type Options struct {
	DefaultPageSize int
	MaxPageSize     int
}

func (o Options) limits() (def, ceiling int) {
	ceiling = o.MaxPageSize
	if ceiling <= 0 {
		ceiling = DefaultMaxPageSize
	}
	def = o.DefaultPageSize
	if def <= 0 {
		def = DefaultPageSize
	}
	return min(def, ceiling), ceiling
}

func FromRequest(r *http.Request, opts Options) (Params, error) {
	if r == nil || r.URL == nil {
		return Params{}, errors.New("pagination: nil request")
	}
	return Parse(r.URL.Query(), opts)
}

// Parse reads pageSize and pageToken. A pageSize above the maximum is clamped;
// anything that is not a positive integer is rejected, as is a token that does
// not decode.
func Parse(values url.Values, opts Options) (Params, error) {
	def, ceiling := opts.limits()
	params := Params{PageSize: def}

	if raw := strings.TrimSpace(values.Get("pageSize")); raw != "" {
		size, err := strconv.Atoi(raw)
		switch {
		case err != nil:
			return Params{}, fmt.Errorf("%w: must be an integer", ErrInvalidPageSize)
		case size <= 0:
			return Params{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidPageSize)
		}
		params.PageSize = min(size, ceiling)
	}

	if token := strings.TrimSpace(values.Get("pageToken")); token != "" {
		cursor, err := DecodeToken(token)
		if err != nil {
			return Params{}, err
		}
		params.PageToken = token
		params.Cursor = cursor
	}
	return params, nil
}
