// Package apiclient fetches formula metadata over HTTP with conditional
// revalidation against the metadata store's HTTP cache, bounded retry
// with exponential backoff, and single-flight deduplication of
// concurrent fetches for the same formula name.
package apiclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/zb-project/zb/internal/compression"
	"github.com/zb-project/zb/internal/metastore"
)

// Client fetches formula JSON bodies from a formula metadata API.
type Client struct {
	baseURL string
	http    *http.Client
	cache   *metastore.DB
	group   singleflight.Group
	comp    *compression.Compressor
}

// New builds a Client. Cached response bodies are zstd-compressed at
// level 2 (SpeedDefault) before being written to the metadata store;
// formula JSON bodies compress well and most installs accumulate dozens
// of them in http_cache over time.
func New(baseURL string, httpClient *http.Client, cache *metastore.DB) *Client {
	comp, _ := compression.NewCompressor(2, true)
	return &Client{baseURL: baseURL, http: httpClient, cache: cache, comp: comp}
}

// FetchResult is the outcome of a single formula fetch: the raw JSON
// body and whether it came from cache unchanged (a 304).
type FetchResult struct {
	Body     []byte
	FromCache bool
}

// GetFormulaRaw fetches the raw JSON body for a formula name, issuing a
// conditional GET when a cache entry exists and deduplicating concurrent
// in-flight requests for the same name so the resolver's fan-out never
// issues the same URL twice.
func (c *Client) GetFormulaRaw(ctx context.Context, name string) (*FetchResult, error) {
	v, err, _ := c.group.Do(name, func() (interface{}, error) {
		return c.fetch(ctx, name)
	})
	if err != nil {
		return nil, err
	}
	return v.(*FetchResult), nil
}

func (c *Client) fetch(ctx context.Context, name string) (*FetchResult, error) {
	url := fmt.Sprintf("%s/%s.json", c.baseURL, name)

	var cached *metastore.HTTPCacheEntry
	if c.cache != nil {
		entry, ok, err := c.cache.GetHTTPCacheEntry(ctx, url)
		if err == nil && ok {
			if body, decErr := c.comp.Decompress(entry.Body); decErr == nil {
				entry.Body = body
			}
			cached = entry
		}
	}

	result, err := retry(ctx, 3, func() (*FetchResult, error) {
		return c.doRequest(ctx, name, url, cached)
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doRequest(ctx context.Context, name, url string, cached *metastore.HTTPCacheEntry) (*FetchResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if cached != nil {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &retryableError{err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified && cached != nil:
		return &FetchResult{Body: cached.Body, FromCache: true}, nil

	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("formula not found: %s", name)

	case resp.StatusCode >= 500:
		return nil, &retryableError{fmt.Errorf("api http error: %s (status %d)", name, resp.StatusCode)}

	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("api http error: %s (status %d)", name, resp.StatusCode)

	case resp.StatusCode == http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, &retryableError{fmt.Errorf("read body: %w", err)}
		}
		if c.cache != nil {
			stored := body
			if compressed, compErr := c.comp.Compress(body); compErr == nil {
				stored = compressed
			}
			_ = c.cache.PutHTTPCacheEntry(ctx, metastore.HTTPCacheEntry{
				URL:          url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				Body:         stored,
				CachedAt:     time.Now(),
			})
		}
		return &FetchResult{Body: body}, nil

	default:
		return nil, fmt.Errorf("api http error: %s (status %d)", name, resp.StatusCode)
	}
}

// retryableError marks an error as eligible for the retry loop's bounded
// exponential backoff; everything else is terminal on first failure.
type retryableError struct{ err error }

func (r *retryableError) Error() string { return r.err.Error() }
func (r *retryableError) Unwrap() error { return r.err }

// retry is the teacher's generic backoff helper (500ms × 2^i, bounded
// attempts), adapted from internal/remote/oci.go's retry[T any] used
// there for OCI registry pulls and applied here to formula GETs.
func retry[T any](ctx context.Context, maxAttempts int, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for i := 0; i < maxAttempts; i++ {
		result, err := fn()
		if err == nil {
			return result, nil
		}

		re, retryable := err.(*retryableError)
		if !retryable {
			return zero, err
		}

		lastErr = re.err
		if i < maxAttempts-1 {
			delay := time.Duration(1<<uint(i)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return zero, ctx.Err()
			case <-time.After(delay):
			}
		}
	}
	return zero, lastErr
}
