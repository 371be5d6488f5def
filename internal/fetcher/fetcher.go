package fetcher

import (
	"context"
	"io"
	"net/url"
)

// Fetcher defines the interface for querying remote endpoints.
type Fetcher interface {
	// PostForm submits form-encoded values to the URL and returns the
	// response body, transcoded to UTF-8. A non-2xx status is an error.
	PostForm(ctx context.Context, url string, form url.Values) (io.ReadCloser, error)
}
