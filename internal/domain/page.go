package domain

// Pagination is a list request. PageToken is opaque to callers and produced by
// the store that serves the list.
type Pagination struct {
	PageSize  int
	PageToken string
}

// CursorPage is one page of results. An empty NextPageToken ends the listing.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
