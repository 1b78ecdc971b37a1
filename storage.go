package resolver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// CacheDirEnv overrides the cache directory when set.
const CacheDirEnv = "MODEL_RESOLVER_CACHE_DIR"

// DefaultLockTimeout is the default timeout for acquiring a resolved
// directory lock.
const DefaultLockTimeout = 30 * time.Second

// metaDirName holds resolver metadata inside a resolved directory.
const metaDirName = ".resolver"

// storage lays out the on-disk caches:
//
//	<base>/filemaps/<hash16>.json     remote filemap copies
//	<base>/shards/<hash16>_<basename> raw remote shard bytes
//	<base>/resolved/<hash12>[_<name>] resolved model directories
//	<base>/locks/<hash16>.lock        locks for caller-chosen output dirs
type storage struct {
	// baseDir is the cache root.
	baseDir string

	// lockTimeout is the maximum duration to wait for a directory lock.
	lockTimeout time.Duration
}

// newStorage resolves the cache root for cfg.
// Priority: env var > Config.CacheDir > platform default.
func newStorage(cfg Config) (*storage, error) {
	var baseDir string
	if envDir := os.Getenv(CacheDirEnv); envDir != "" {
		baseDir = envDir
	} else if cfg.CacheDir != "" {
		baseDir = cfg.CacheDir
	} else {
		defaultDir, err := getDefaultCacheDir("model-resolver")
		if err != nil {
			return nil, fmt.Errorf("%w: failed to get default cache dir: %v", ErrStorageError, err)
		}
		baseDir = defaultDir
	}

	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageError, err)
	}
	return &storage{baseDir: abs, lockTimeout: DefaultLockTimeout}, nil
}

func (s *storage) filemapsPath() string {
	return filepath.Join(s.baseDir, "filemaps")
}

func (s *storage) shardsPath() string {
	return filepath.Join(s.baseDir, "shards")
}

func (s *storage) locksPath() string {
	return filepath.Join(s.baseDir, "locks")
}

// resolvedPath returns the resolved directory for a source key and
// manifest selection.
func (s *storage) resolvedPath(key string, manifests []string) string {
	name := shortHash(key, 12)
	if len(manifests) > 0 {
		name += "_" + sanitizeName(strings.Join(manifests, "+"))
	}
	return filepath.Join(s.baseDir, "resolved", name)
}

// sanitizeName keeps manifest names usable as a single path element.
func sanitizeName(name string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, name)
}

// ensureDir creates a directory and all parent directories if they don't exist.
func (s *storage) ensureDir(path string) error {
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("%w: failed to create directory %s: %v", ErrStorageError, path, err)
	}
	return nil
}

// saveFilemap stores a copy of fm in .resolver/filemap.json within dir.
func (s *storage) saveFilemap(dir string, fm *Filemap) error {
	metaDir := filepath.Join(dir, metaDirName)
	if err := s.ensureDir(metaDir); err != nil {
		return err
	}
	return writeFilemap(filepath.Join(metaDir, FilemapName), fm)
}

// exportFilemap stores a copy of fm as filemap.json at the root of an
// output directory.
func (s *storage) exportFilemap(dir string, fm *Filemap) error {
	return writeFilemap(filepath.Join(dir, FilemapName), fm)
}

func writeFilemap(path string, fm *Filemap) error {
	data, err := json.MarshalIndent(fm, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: failed to marshal filemap: %v", ErrStorageError, err)
	}
	if err := atomicwriter.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("%w: failed to write filemap copy: %v", ErrStorageError, err)
	}
	return nil
}

// stats walks the cache root and totals its regular files.
func (s *storage) stats() (CacheStats, error) {
	st := CacheStats{CacheDir: s.baseDir}
	err := filepath.WalkDir(s.baseDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		st.Files++
		st.Bytes += info.Size()
		return nil
	})
	if err != nil {
		return CacheStats{}, fmt.Errorf("%w: walking cache: %v", ErrStorageError, err)
	}
	st.MB = toMB(st.Bytes)
	return st, nil
}

// clear removes the whole cache root.
func (s *storage) clear() error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("%w: failed to remove cache: %v", ErrStorageError, err)
	}
	return nil
}

// toMB converts bytes to MiB rounded to one decimal.
func toMB(n int64) float64 {
	return math.Round(float64(n)/(1024*1024)*10) / 10
}
