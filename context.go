package zb

import (
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
)

// Default concurrency bounds, per §5 of the design.
const (
	DefaultDownloadConcurrency    = 20
	DefaultUnpackConcurrency      = 4
	DefaultMaterializeConcurrency = 4
)

// Options configures an Installer. All fields have defaults so a caller
// can construct one with zero or more With* functions, following the
// teacher's functional-options pattern (options.go's OpenOptions).
type Options struct {
	Root   string // data root: store, cache, db, locks
	Prefix string // install prefix: bin, lib, Cellar, opt

	DownloadConcurrency    int
	UnpackConcurrency      int
	MaterializeConcurrency int

	HTTPClient *http.Client
	Sink       ProgressSink

	APIBaseURL string

	AutoInit bool // create missing directories non-interactively
	NoLink   bool // skip linking step entirely
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Root:                   defaultRoot(),
		Prefix:                 defaultPrefix(),
		DownloadConcurrency:    DefaultDownloadConcurrency,
		UnpackConcurrency:      DefaultUnpackConcurrency,
		MaterializeConcurrency: DefaultMaterializeConcurrency,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		Sink:       NoopProgressSink(),
		APIBaseURL: "https://formulae.brew.sh/api/formula",
		AutoInit:   true,
	}
}

// WithRoot sets the data root directory (store, cache, metadata, locks).
func WithRoot(root string) Option {
	return func(o *Options) { o.Root = root }
}

// WithPrefix sets the installation prefix for links and the Cellar.
func WithPrefix(prefix string) Option {
	return func(o *Options) { o.Prefix = prefix }
}

// WithConcurrency sets all three stage concurrency bounds at once.
func WithConcurrency(download, unpack, materialize int) Option {
	return func(o *Options) {
		if download > 0 {
			o.DownloadConcurrency = download
		}
		if unpack > 0 {
			o.UnpackConcurrency = unpack
		}
		if materialize > 0 {
			o.MaterializeConcurrency = materialize
		}
	}
}

// WithHTTPClient overrides the HTTP client used for both the API client
// and the blob cache's downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Options) { o.HTTPClient = c }
}

// WithProgressSink installs a sink for pipeline events.
func WithProgressSink(sink ProgressSink) Option {
	return func(o *Options) {
		if sink != nil {
			o.Sink = sink
		}
	}
}

// WithAPIBaseURL overrides the formula metadata API base URL, mainly for
// tests pointing at an httptest.Server.
func WithAPIBaseURL(url string) Option {
	return func(o *Options) { o.APIBaseURL = url }
}

// WithNoLink disables the linking step; kegs are materialized but not
// projected into the prefix.
func WithNoLink(v bool) Option {
	return func(o *Options) { o.NoLink = v }
}

// WithAutoInit controls whether missing root/prefix directories are
// created automatically on the first operation that needs them.
func WithAutoInit(v bool) Option {
	return func(o *Options) { o.AutoInit = v }
}

func defaultRoot() string {
	if r := os.Getenv("ZB_ROOT"); r != "" {
		return r
	}
	return filepath.Join(xdg.DataHome, "zb")
}

func defaultPrefix() string {
	if p := os.Getenv("ZB_PREFIX"); p != "" {
		return p
	}
	return filepath.Join(xdg.DataHome, "zb", "prefix")
}
