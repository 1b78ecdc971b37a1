package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// SourceKind distinguishes local flat repos from remote CDN trees.
type SourceKind int

const (
	// SourceLocal is a flat-repo directory on the local filesystem.
	SourceLocal SourceKind = iota

	// SourceRemote is an http(s) base URL of a sharded CDN tree.
	SourceRemote
)

func (k SourceKind) String() string {
	if k == SourceRemote {
		return "remote"
	}
	return "local"
}

// ClassifySource applies the lexical source rules: a leading "/", "./",
// "../", a drive letter or "file://" means local; "http://" or "https://"
// means remote; anything else is treated as local.
func ClassifySource(s string) SourceKind {
	kind, _ := classifySource(s)
	return kind
}

// classifySource also reports whether the decision came from the default
// rule rather than an explicit prefix.
func classifySource(s string) (kind SourceKind, ambiguous bool) {
	switch {
	case strings.HasPrefix(s, "/"), strings.HasPrefix(s, "./"), strings.HasPrefix(s, "../"):
		return SourceLocal, false
	case len(s) >= 2 && s[1] == ':' && isASCIILetter(s[0]):
		return SourceLocal, false
	case strings.HasPrefix(s, "file://"):
		return SourceLocal, false
	case strings.HasPrefix(s, "http://"), strings.HasPrefix(s, "https://"):
		return SourceRemote, false
	}
	return SourceLocal, true
}

func isASCIILetter(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// SourceKey returns the canonical key for a source string: the absolute
// path of a local directory, or the URL without trailing slashes. A source
// naming the filemap document itself is keyed by its parent.
// The key drives both the filemap cache and the resolved directory name.
func SourceKey(s string) (string, SourceKind, error) {
	if strings.TrimSpace(s) == "" {
		return "", SourceLocal, fmt.Errorf("%w: empty source", ErrInvalidSource)
	}

	kind := ClassifySource(s)
	if kind == SourceRemote {
		key := strings.TrimSuffix(strings.TrimRight(s, "/"), "/"+FilemapName)
		return key, kind, nil
	}

	p := s
	if strings.HasPrefix(s, "file://") {
		u, err := url.Parse(s)
		if err != nil {
			return "", kind, fmt.Errorf("%w: %v", ErrInvalidSource, err)
		}
		p = u.Path
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", kind, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if filepath.Base(abs) == FilemapName {
		if info, err := os.Stat(abs); err == nil && !info.IsDir() {
			abs = filepath.Dir(abs)
		}
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return abs, kind, nil
}

// Source supplies a model's filemap document and physical files.
// Local flat repos and remote CDN trees share a single reassembly
// algorithm through this interface.
type Source interface {
	// Key is the canonical source key.
	Key() string

	// Kind reports whether the source is local or remote.
	Kind() SourceKind

	// ReadFilemap returns the raw filemap document.
	ReadFilemap(ctx context.Context) ([]byte, error)

	// Fetch returns the full contents of a physical file. size is its
	// declared length, or -1 when unknown.
	Fetch(ctx context.Context, name string, size int64) ([]byte, error)
}

// streamer is implemented by sources that can hand out a physical file
// without buffering it in memory.
type streamer interface {
	Open(name string) (io.ReadCloser, int64, error)
}

// localSource reads a flat-repo directory.
type localSource struct {
	root string
}

func newLocalSource(root string) *localSource {
	return &localSource{root: root}
}

func (s *localSource) Key() string      { return s.root }
func (s *localSource) Kind() SourceKind { return SourceLocal }

func (s *localSource) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// ReadFilemap reads filemap.json from the repo root.
func (s *localSource) ReadFilemap(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path(FilemapName))
	if err != nil {
		return nil, fmt.Errorf("%w: %s not found in %s: %v", ErrFilemapLoad, FilemapName, s.root, err)
	}
	return data, nil
}

// Fetch reads a physical file from the repo root.
func (s *localSource) Fetch(ctx context.Context, name string, size int64) ([]byte, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, localReadError(s.path(name), err)
	}
	return data, nil
}

// Open opens a physical file for streaming.
func (s *localSource) Open(name string) (io.ReadCloser, int64, error) {
	f, err := os.Open(s.path(name))
	if err != nil {
		return nil, 0, localReadError(s.path(name), err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("%w: stat %s: %v", ErrStorageError, s.path(name), err)
	}
	return f, info.Size(), nil
}

func localReadError(p string, err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrLocalFileMissing, p)
	}
	return fmt.Errorf("%w: reading %s: %v", ErrStorageError, p, err)
}

// remoteSource reads a CDN tree over HTTP, caching shards on disk.
type remoteSource struct {
	base    string
	fetcher *httpFetcher
	shards  *shardCache
}

func newRemoteSource(base string, fetcher *httpFetcher, shards *shardCache) *remoteSource {
	return &remoteSource{base: base, fetcher: fetcher, shards: shards}
}

func (s *remoteSource) Key() string      { return s.base }
func (s *remoteSource) Kind() SourceKind { return SourceRemote }

func (s *remoteSource) url(name string) string {
	return s.base + "/" + strings.TrimLeft(name, "/")
}

// ReadFilemap downloads filemap.json from the base URL.
func (s *remoteSource) ReadFilemap(ctx context.Context) ([]byte, error) {
	data, err := s.fetcher.getWithRetry(ctx, s.url(FilemapName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFilemapLoad, err)
	}
	return data, nil
}

// Fetch returns a shard or cdn file through the shard cache.
func (s *remoteSource) Fetch(ctx context.Context, name string, size int64) ([]byte, error) {
	return s.shards.fetch(ctx, s.url(name), size)
}
