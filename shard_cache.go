package resolver

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/moby/sys/atomicwriter"
	"github.com/zeebo/blake3"
)

// shardCache stores raw remote shard bytes on disk, keyed by the URL they
// came from. Entries persist across resolver instances and process runs.
type shardCache struct {
	// dir is the directory where shards are stored.
	dir string

	// fetcher downloads shards on a cache miss.
	fetcher *httpFetcher

	// logger receives diagnostic messages. May be nil.
	logger Logger

	// mu protects cache file operations.
	mu sync.RWMutex
}

// newShardCache creates a shard cache rooted at dir.
func newShardCache(dir string, fetcher *httpFetcher, logger Logger) *shardCache {
	return &shardCache{
		dir:     dir,
		fetcher: fetcher,
		logger:  logger,
	}
}

// shortHash returns the first n hex characters of the BLAKE3 digest of s.
// Cache file and directory names are derived from it.
func shortHash(s string, n int) string {
	sum := blake3.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:n]
}

// path returns the cache file for url: <hash16>_<basename>.
func (c *shardCache) path(url string) string {
	base := url
	if i := strings.IndexAny(base, "?#"); i >= 0 {
		base = base[:i]
	}
	base = base[strings.LastIndex(base, "/")+1:]
	return filepath.Join(c.dir, shortHash(url, 16)+"_"+base)
}

// get returns cached bytes for url and true, or nil and false on a miss.
func (c *shardCache) get(url string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.path(url))
	if err != nil {
		return nil, false
	}
	return data, true
}

// put stores data for url atomically.
func (c *shardCache) put(url string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return fmt.Errorf("%w: creating shard cache: %v", ErrStorageError, err)
	}
	if err := atomicwriter.WriteFile(c.path(url), data, 0644); err != nil {
		return fmt.Errorf("%w: writing shard to cache: %v", ErrStorageError, err)
	}
	return nil
}

// remove drops the cached entry for url, if any.
func (c *shardCache) remove(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	os.Remove(c.path(url))
}

// fetch returns the bytes at url, from disk when cached, otherwise by a
// retrying download that is persisted before returning. A size of zero or
// more is the declared length: a cached entry of another length is dropped
// and fetched again, and a download of another length fails with
// ErrShardSize without being persisted. A negative size is not checked.
func (c *shardCache) fetch(ctx context.Context, url string, size int64) ([]byte, error) {
	if data, ok := c.get(url); ok {
		if size < 0 || int64(len(data)) == size {
			shardFetches.WithLabelValues("hit").Inc()
			if c.logger != nil {
				c.logger.Debug("shard cache hit", "url", url)
			}
			return data, nil
		}
		if c.logger != nil {
			c.logger.Warn("dropping cached shard with wrong size", "url", url, "size", len(data), "declared", size)
		}
		c.remove(url)
	}

	data, err := c.fetcher.getWithRetry(ctx, url)
	if err != nil {
		shardFetches.WithLabelValues("error").Inc()
		return nil, err
	}
	if size >= 0 && int64(len(data)) != size {
		shardFetches.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %s has %d bytes, declared %d", ErrShardSize, url, len(data), size)
	}
	shardFetches.WithLabelValues("miss").Inc()

	if err := c.put(url, data); err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("shard downloaded", "url", url, "size", len(data))
	}
	return data, nil
}
