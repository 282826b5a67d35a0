package blobcache

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// Request is one (url, expected sha256) pair to fetch.
type Request struct {
	Formula string // formula name, for error attribution only
	URL     string
	SHA256  string
}

// Result pairs a Request with its outcome.
type Result struct {
	Request Request
	Path    string
	Err     error
}

// EnsureMany fetches every request with at most concurrency in-flight
// downloads, following the teacher's own use of
// sourcegraph/conc/pool.New().WithMaxGoroutines(n) for bounded parallel
// transfers in internal/remote/oci.go. In-flight identity inside Ensure
// is the sha256, not the URL, so two requests for the same digest (a
// formula reachable by two URLs, or a shared dependency) collapse to one
// download regardless of how EnsureMany's own pool schedules them.
func (c *Cache) EnsureMany(ctx context.Context, reqs []Request, concurrency int) []Result {
	results := make([]Result, len(reqs))

	p := pool.New().WithMaxGoroutines(max(concurrency, 1))
	for i, req := range reqs {
		i, req := i, req
		p.Go(func() {
			path, err := c.Ensure(ctx, req.URL, req.SHA256)
			results[i] = Result{Request: req, Path: path, Err: err}
		})
	}
	p.Wait()

	return results
}
