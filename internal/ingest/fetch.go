package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxFetchBytes caps a polled response body.
const maxFetchBytes = 32 << 20

// Fetcher retrieves one raw payload from a poll source.
type Fetcher interface {
	Fetch(ctx context.Context) ([]byte, error)
}

// HTTPFetcher GETs a JSON document, authenticating with an API key header.
type HTTPFetcher struct {
	URL    string
	APIKey string
	// APIKeyHeader defaults to X-API-Key.
	APIKeyHeader string
	Headers      map[string]string
	Timeout      time.Duration
	Client       *http.Client
}

func (f *HTTPFetcher) Fetch(ctx context.Context) ([]byte, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	for k, v := range f.Headers {
		req.Header.Set(k, v)
	}
	if f.APIKey != "" {
		header := f.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, f.APIKey)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: unexpected status %s", f.URL, resp.Status)
	}
	return body, nil
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context) ([]byte, error)

func (fn FetcherFunc) Fetch(ctx context.Context) ([]byte, error) { return fn(ctx) }
