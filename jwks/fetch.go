package jwks

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultFetchTimeout bounds a single JWKS fetch.
const DefaultFetchTimeout = 10 * time.Second

// maxDocumentSize caps how much of a JWKS response is read.
const maxDocumentSize = 1 << 20

// FetchRequest carries the conditional-request state from the previous
// successful fetch of the same document.
type FetchRequest struct {
	URL          string
	ETag         string
	LastModified string
}

// FetchResult is the outcome of one fetch. NotModified reports a 304; Body
// is only set otherwise.
type FetchResult struct {
	Body         []byte
	ETag         string
	LastModified string
	NotModified  bool
}

// Fetcher retrieves a JWKS document. Implementations must honor the context
// and bound the request with a timeout.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResult, error)
}

// HTTPFetcher fetches JWKS documents over HTTP(S) with conditional requests.
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher returns a fetcher whose requests are bounded by timeout.
// A non-positive timeout falls back to DefaultFetchTimeout.
func NewHTTPFetcher(timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	return &HTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// NewHTTPFetcherWithClient wraps an existing client, for callers that need
// custom transport settings. The client should carry its own timeout.
func NewHTTPFetcherWithClient(client *http.Client) *HTTPFetcher {
	return &HTTPFetcher{client: client}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, req FetchRequest) (FetchResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, http.NoBody)
	if err != nil {
		return FetchResult{}, fmt.Errorf("jwks: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return FetchResult{}, fmt.Errorf("jwks: fetch %s: %w", req.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{NotModified: true}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return FetchResult{}, fmt.Errorf("jwks: fetch %s: unexpected status %d", req.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return FetchResult{}, fmt.Errorf("jwks: read %s: %w", req.URL, err)
	}
	return FetchResult{
		Body:         body,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	}, nil
}
