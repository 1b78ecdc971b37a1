package resolver

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/moby/sys/atomicwriter"
)

// filemapStore loads and caches one Filemap per source key.
//
// A global mutex guards creation of per-source mutexes; a per-source mutex
// serializes loads of that source, so concurrent callers trigger at most
// one fetch and parse. Failures are not cached.
type filemapStore struct {
	// dir holds on-disk copies of remote filemaps.
	dir string

	// logger receives diagnostic messages. May be nil.
	logger Logger

	// mu protects locks.
	mu sync.Mutex

	// locks holds one mutex per source key.
	locks map[string]*sync.Mutex

	// cacheMu protects filemaps.
	cacheMu sync.RWMutex

	// filemaps holds successfully parsed filemaps.
	filemaps map[string]*Filemap
}

func newFilemapStore(dir string, logger Logger) *filemapStore {
	return &filemapStore{
		dir:      dir,
		logger:   logger,
		locks:    make(map[string]*sync.Mutex),
		filemaps: make(map[string]*Filemap),
	}
}

func (s *filemapStore) cached(key string) (*Filemap, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	fm, ok := s.filemaps[key]
	return fm, ok
}

func (s *filemapStore) sourceLock(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// load returns the Filemap for src, loading it on first use.
func (s *filemapStore) load(ctx context.Context, src Source) (*Filemap, error) {
	key := src.Key()
	if fm, ok := s.cached(key); ok {
		return fm, nil
	}

	l := s.sourceLock(key)
	l.Lock()
	defer l.Unlock()

	if fm, ok := s.cached(key); ok {
		return fm, nil
	}

	fm, err := s.read(ctx, src)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("failed to load filemap", "source", key, "error", err)
		}
		return nil, err
	}

	s.cacheMu.Lock()
	s.filemaps[key] = fm
	s.cacheMu.Unlock()
	return fm, nil
}

// read parses the filemap of src. Remote filemaps are served from, and
// saved to, an on-disk copy under s.dir.
func (s *filemapStore) read(ctx context.Context, src Source) (*Filemap, error) {
	if src.Kind() == SourceLocal {
		data, err := src.ReadFilemap(ctx)
		if err != nil {
			return nil, err
		}
		return ParseFilemap(data)
	}

	diskPath := s.diskPath(src.Key())
	if data, err := os.ReadFile(diskPath); err == nil {
		fm, err := ParseFilemap(data)
		if err == nil {
			return fm, nil
		}
		if s.logger != nil {
			s.logger.Warn("discarding unreadable filemap copy", "path", diskPath, "error", err)
		}
		os.Remove(diskPath)
	}

	data, err := src.ReadFilemap(ctx)
	if err != nil {
		return nil, err
	}
	fm, err := ParseFilemap(data)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(s.dir, 0755); err == nil {
		err = atomicwriter.WriteFile(diskPath, data, 0644)
		if err != nil && s.logger != nil {
			s.logger.Warn("failed to save filemap copy", "path", diskPath, "error", err)
		}
	}
	return fm, nil
}

func (s *filemapStore) diskPath(key string) string {
	return filepath.Join(s.dir, shortHash(key, 16)+".json")
}

// clear drops every cached filemap.
func (s *filemapStore) clear() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.filemaps = make(map[string]*Filemap)
}

