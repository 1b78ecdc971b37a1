package resolver

import (
	"net/http"
	"time"
)

// Concurrency constants for remote resolves.
const (
	// DefaultConcurrency is the default number of files resolved in parallel.
	DefaultConcurrency = 4

	// MaxConcurrency is the maximum allowed parallelism.
	MaxConcurrency = 16

	// DefaultRequestTimeout bounds a single remote fetch attempt.
	DefaultRequestTimeout = 60 * time.Second
)

// Retry configuration constants for remote fetches.
const (
	// DefaultRetries is the number of attempts per remote fetch.
	DefaultRetries = 3

	// DefaultRetryBackoff is the linear backoff step between attempts.
	DefaultRetryBackoff = 1 * time.Second
)

// ResolveOption configures a single resolve call.
type ResolveOption func(*resolveConfig)

// resolveConfig holds configuration for a resolve call.
type resolveConfig struct {
	// manifests selects variants; empty selects every file.
	manifests []string

	// observer receives progress events. May be nil.
	observer ProgressObserver

	// strictManifests turns unknown manifest names into ErrManifestNotFound.
	strictManifests bool

	// outputDir replaces the cache's resolved directory when set.
	outputDir string

	// summary receives per-file outcome counts. May be nil.
	summary *ResolveSummary
}

func newResolveConfig(opts []ResolveOption) *resolveConfig {
	rc := &resolveConfig{}
	for _, opt := range opts {
		opt(rc)
	}
	return rc
}

// WithManifest selects one or more manifests by name.
// Unknown names are skipped with a warning.
func WithManifest(names ...string) ResolveOption {
	return func(c *resolveConfig) {
		for _, n := range names {
			if n != "" {
				c.manifests = append(c.manifests, n)
			}
		}
	}
}

// WithStrictManifests makes an unknown manifest name fail the resolve with
// ErrManifestNotFound.
func WithStrictManifests() ResolveOption {
	return func(c *resolveConfig) {
		c.strictManifests = true
	}
}

// WithOutputDir writes the resolved files into dir, with a copy of the
// filemap at its root, instead of the cache's resolved directory. Shards
// are still cached.
func WithOutputDir(dir string) ResolveOption {
	return func(c *resolveConfig) {
		c.outputDir = dir
	}
}

// WithSummary fills s with per-file outcome counts when the resolve
// returns, successful or not.
func WithSummary(s *ResolveSummary) ResolveOption {
	return func(c *resolveConfig) {
		c.summary = s
	}
}

// WithProgress sets a callback for progress updates.
// Calls are serialized; the callback may be invoked from worker goroutines.
func WithProgress(fn func(ProgressEvent)) ResolveOption {
	return func(c *resolveConfig) {
		if fn != nil {
			c.observer = ProgressFunc(fn)
		}
	}
}

// WithObserver sets a ProgressObserver for progress updates.
func WithObserver(o ProgressObserver) ResolveOption {
	return func(c *resolveConfig) {
		c.observer = o
	}
}

// Option configures a Resolver.
type Option func(*resolverOptions)

// resolverOptions holds configuration for Resolver construction.
type resolverOptions struct {
	// httpClient is used for all remote requests.
	httpClient HTTPClient

	// logger receives diagnostic log messages.
	logger Logger
}

// WithHTTPClient sets a custom HTTP client for remote requests.
// If not set, http.DefaultClient is used.
func WithHTTPClient(client HTTPClient) Option {
	return func(o *resolverOptions) {
		o.httpClient = client
	}
}

// WithLogger sets a logger for diagnostic output.
// If not set, logging is disabled.
func WithLogger(logger Logger) Option {
	return func(o *resolverOptions) {
		o.logger = logger
	}
}

// HTTPClient is the interface for HTTP operations.
// *http.Client satisfies this interface.
type HTTPClient interface {
	// Do sends an HTTP request and returns an HTTP response.
	Do(req *http.Request) (*http.Response, error)
}

// Logger is the interface for diagnostic logging.
// Compatible with slog, zap, logrus, and other structured loggers.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, keysAndValues ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, keysAndValues ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, keysAndValues ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, keysAndValues ...any)
}
