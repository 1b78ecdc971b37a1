package resolver

import (
	"sync"
	"time"
)

// Config configures a Resolver.
type Config struct {
	// CacheDir is the root of the on-disk caches.
	// If empty, uses a platform-appropriate cache directory.
	// Can also be set via the MODEL_RESOLVER_CACHE_DIR environment variable,
	// which takes priority.
	CacheDir string `yaml:"cache_dir"`

	// VerifySHA256 enables digest checks of every resolved file that
	// declares a sha256, including files already present on disk.
	VerifySHA256 bool `yaml:"verify_sha256"`

	// Concurrency is the number of files resolved in parallel from remote
	// sources. Local sources are always resolved sequentially.
	Concurrency int `yaml:"concurrency"`

	// Retries is the number of attempts per remote fetch.
	Retries int `yaml:"retries"`

	// RetryBackoff is multiplied by the attempt number between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// RequestTimeout bounds each remote fetch attempt.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// ChunkReadSize is the read size used when hashing files.
	ChunkReadSize int `yaml:"chunk_read_size"`

	// UserAgent is sent with remote requests.
	UserAgent string `yaml:"user_agent"`

	// StrictSource rejects source strings that carry no explicit local or
	// remote prefix instead of treating them as local paths.
	StrictSource bool `yaml:"strict_source"`
}

// withDefaults returns cfg with zero values replaced by defaults and
// concurrency clamped to [1, MaxConcurrency].
func (cfg Config) withDefaults() Config {
	if cfg.Concurrency == 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.Concurrency > MaxConcurrency {
		cfg.Concurrency = MaxConcurrency
	}
	if cfg.Retries <= 0 {
		cfg.Retries = DefaultRetries
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = DefaultRetryBackoff
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.ChunkReadSize <= 0 {
		cfg.ChunkReadSize = DefaultChunkReadSize
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	return cfg
}

// ManifestInfo summarizes one manifest of a filemap.
type ManifestInfo struct {
	// Name is the manifest name, e.g. "q4f16".
	Name string `json:"name"`

	// Files is the number of files in the manifest.
	Files int `json:"files"`

	// Size is the declared size in bytes.
	Size int64 `json:"size"`

	// SizeMB is Size in MiB rounded to one decimal.
	SizeMB float64 `json:"size_mb"`
}

// CacheStats describes the on-disk cache.
type CacheStats struct {
	// CacheDir is the absolute cache root.
	CacheDir string `json:"cache_dir"`

	// Files is the number of regular files under the root.
	Files int `json:"files"`

	// Bytes is their total size.
	Bytes int64 `json:"bytes"`

	// MB is Bytes in MiB rounded to one decimal.
	MB float64 `json:"mb"`
}

// ResolveSummary counts how a resolve accounted for each selected file.
type ResolveSummary struct {
	// New is the number of files written by this resolve.
	New int `json:"new"`

	// Cached is the number of files already present with their declared size.
	Cached int `json:"cached"`

	// Verified is the number of files whose SHA-256 was checked and matched.
	Verified int `json:"verified"`

	// Failed is the number of files that could not be resolved.
	Failed int `json:"failed"`
}

// summaryCounter records file outcomes from concurrent workers.
type summaryCounter struct {
	mu sync.Mutex
	s  ResolveSummary
}

// File outcomes, also used as metric labels.
const (
	outcomeNew      = "new"
	outcomeCached   = "cached"
	outcomeVerified = "verified"
	outcomeFailed   = "failed"
)

func (c *summaryCounter) record(outcome string) {
	filesResolved.WithLabelValues(outcome).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	switch outcome {
	case outcomeNew:
		c.s.New++
	case outcomeCached:
		c.s.Cached++
	case outcomeVerified:
		c.s.Verified++
	case outcomeFailed:
		c.s.Failed++
	}
}

func (c *summaryCounter) summary() ResolveSummary {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}
