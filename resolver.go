package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver turns a model source into a ready-to-use local directory.
// All methods are safe for concurrent use.
type Resolver interface {
	// Resolve reassembles the selected files of source into a local
	// directory and returns its absolute path. Files already present with
	// their declared size are not fetched again.
	Resolve(ctx context.Context, source string, opts ...ResolveOption) (string, error)

	// ResolveFiles is like Resolve but returns a map from virtual path to
	// absolute local path.
	ResolveFiles(ctx context.Context, source string, opts ...ResolveOption) (map[string]string, error)

	// ResolveGGUF resolves source and returns the sorted paths of its .gguf
	// files. Returns ErrNoGGUF if the selection has none.
	ResolveGGUF(ctx context.Context, source string, opts ...ResolveOption) ([]string, error)

	// Filemap returns the parsed filemap of source.
	Filemap(ctx context.Context, source string) (*Filemap, error)

	// ListManifests summarizes the manifests of source, sorted by name.
	ListManifests(ctx context.Context, source string) ([]ManifestInfo, error)

	// GGUFMetadata returns the gguf_metadata records of source.
	GGUFMetadata(ctx context.Context, source string) (map[string]GGUFInfo, error)

	// Serve resolves source and starts an AssetServer over the result.
	Serve(ctx context.Context, source string, serveOpts []ServeOption, opts ...ResolveOption) (*AssetServer, error)

	// CacheDir returns the absolute cache root.
	CacheDir() string

	// CacheStats totals the files in the cache.
	CacheStats() (CacheStats, error)

	// ClearCache removes the cache root and forgets loaded filemaps.
	ClearCache() error
}

// Ensure resolver implements Resolver interface.
var _ Resolver = (*resolver)(nil)

// resolver is the concrete implementation of the Resolver interface.
type resolver struct {
	// cfg holds the resolver configuration with defaults applied.
	cfg Config

	// logger receives diagnostic messages. May be nil.
	logger Logger

	// storage lays out the on-disk caches.
	storage *storage

	// fetcher performs remote requests.
	fetcher *httpFetcher

	// shards caches remote shard bytes.
	shards *shardCache

	// filemaps caches parsed filemaps per source.
	filemaps *filemapStore

	// reassembler writes logical files.
	reassembler *reassembler
}

// New creates a Resolver with the given configuration.
func New(cfg Config, opts ...Option) (Resolver, error) {
	ro := &resolverOptions{httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(ro)
	}

	cfg = cfg.withDefaults()
	st, err := newStorage(cfg)
	if err != nil {
		return nil, err
	}

	fetcher := &httpFetcher{
		client:    ro.httpClient,
		userAgent: cfg.UserAgent,
		timeout:   cfg.RequestTimeout,
		retries:   cfg.Retries,
		backoff:   cfg.RetryBackoff,
		logger:    ro.logger,
	}

	return &resolver{
		cfg:         cfg,
		logger:      ro.logger,
		storage:     st,
		fetcher:     fetcher,
		shards:      newShardCache(st.shardsPath(), fetcher, ro.logger),
		filemaps:    newFilemapStore(st.filemapsPath(), ro.logger),
		reassembler: &reassembler{logger: ro.logger},
	}, nil
}

// openSource classifies and normalizes a source string.
func (r *resolver) openSource(source string) (Source, error) {
	if _, ambiguous := classifySource(source); ambiguous && r.cfg.StrictSource {
		return nil, fmt.Errorf("%w: %q has no local or remote prefix", ErrInvalidSource, source)
	}

	key, kind, err := SourceKey(source)
	if err != nil {
		return nil, err
	}
	if kind == SourceRemote {
		return newRemoteSource(key, r.fetcher, r.shards), nil
	}
	return newLocalSource(key), nil
}

func (r *resolver) loadFilemap(ctx context.Context, source string) (Source, *Filemap, error) {
	src, err := r.openSource(source)
	if err != nil {
		return nil, nil, err
	}
	fm, err := r.filemaps.load(ctx, src)
	if err != nil {
		return nil, nil, err
	}
	return src, fm, nil
}

// selectFiles applies manifest selection, warning about unknown names.
func (r *resolver) selectFiles(fm *Filemap, rc *resolveConfig) ([]string, error) {
	sel := SelectFiles(fm, rc.manifests...)
	if len(sel.Missing) > 0 {
		if rc.strictManifests {
			return nil, fmt.Errorf("%w: %s", ErrManifestNotFound, strings.Join(sel.Missing, ", "))
		}
		if r.logger != nil {
			r.logger.Warn("manifest not found, skipping", "manifests", sel.Missing)
		}
	}
	return sel.Files, nil
}

// resolveJob carries the state shared by the files of one resolve call.
type resolveJob struct {
	src     Source
	fm      *Filemap
	outDir  string
	tracker *progressTracker
	counter *summaryCounter
}

// Resolve reassembles the selected files of source into a local directory.
func (r *resolver) Resolve(ctx context.Context, source string, opts ...ResolveOption) (string, error) {
	rc := newResolveConfig(opts)
	counter := &summaryCounter{}
	if rc.summary != nil {
		defer func() { *rc.summary = counter.summary() }()
	}

	src, fm, err := r.loadFilemap(ctx, source)
	if err != nil {
		return "", err
	}
	files, err := r.selectFiles(fm, rc)
	if err != nil {
		return "", err
	}

	outDir, lockPath, err := r.outputPaths(src, rc)
	if err != nil {
		return "", err
	}
	if err := r.storage.ensureDir(outDir); err != nil {
		return "", err
	}
	lock, err := lockDir(lockPath, r.storage.lockTimeout)
	if err != nil {
		return "", err
	}
	defer lock.Unlock()

	if rc.outputDir != "" {
		err = r.storage.exportFilemap(outDir, fm)
	} else {
		err = r.storage.saveFilemap(outDir, fm)
	}
	if err != nil && r.logger != nil {
		r.logger.Warn("failed to save filemap copy", "dir", outDir, "error", err)
	}

	var total int64
	for _, vp := range files {
		total += fm.Files[vp].Size
	}
	job := &resolveJob{
		src:     src,
		fm:      fm,
		outDir:  outDir,
		tracker: newProgressTracker(ctx, total, rc.observer),
		counter: counter,
	}

	if r.logger != nil {
		r.logger.Info("resolving model", "source", src.Key(), "kind", src.Kind(), "files", len(files), "bytes", total, "dir", outDir)
	}

	if src.Kind() == SourceRemote && r.cfg.Concurrency > 1 {
		err = r.resolveParallel(ctx, job, files)
	} else {
		err = r.resolveSequential(ctx, job, files)
	}
	if err != nil {
		return "", err
	}

	job.tracker.finish()
	if r.logger != nil {
		sum := counter.summary()
		r.logger.Info("model resolved", "dir", outDir, "new", sum.New, "cached", sum.Cached, "verified", sum.Verified)
	}
	return outDir, nil
}

// outputPaths returns the directory a resolve writes to and the path its
// lock is taken on. Caller-chosen output directories are locked through a
// file in the cache so nothing is left beside them.
func (r *resolver) outputPaths(src Source, rc *resolveConfig) (string, string, error) {
	if rc.outputDir == "" {
		dir := r.storage.resolvedPath(src.Key(), rc.manifests)
		return dir, dir, nil
	}

	dir, err := filepath.Abs(rc.outputDir)
	if err != nil {
		return "", "", fmt.Errorf("%w: output dir %q: %v", ErrStorageError, rc.outputDir, err)
	}
	locks := r.storage.locksPath()
	if err := r.storage.ensureDir(locks); err != nil {
		return "", "", err
	}
	return dir, filepath.Join(locks, shortHash(dir, 16)), nil
}

// resolveSequential handles local sources, where reassembly is disk-bound
// copy work.
func (r *resolver) resolveSequential(ctx context.Context, job *resolveJob, files []string) error {
	for _, vp := range files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.resolveFile(ctx, job, vp); err != nil {
			return err
		}
	}
	return nil
}

// resolveParallel dispatches files to a bounded worker pool. The first
// failure cancels the remaining work.
func (r *resolver) resolveParallel(ctx context.Context, job *resolveJob, files []string) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)

	for _, vp := range files {
		if gctx.Err() != nil {
			break
		}
		vp := vp
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return r.resolveFile(gctx, job, vp)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// resolveFile accounts for one virtual path: it is skipped when already
// present with the declared size, otherwise reassembled. With verification
// enabled both cases are hashed.
func (r *resolver) resolveFile(ctx context.Context, job *resolveJob, vp string) error {
	entry, ok := job.fm.Files[vp]
	if !ok {
		if r.logger != nil {
			r.logger.Warn("manifest lists unknown file, skipping", "file", vp)
		}
		return nil
	}

	outPath := filepath.Join(job.outDir, filepath.FromSlash(vp))

	if info, err := os.Stat(outPath); err == nil && info.Mode().IsRegular() && info.Size() == entry.Size {
		if err := r.verify(job, vp, outPath, entry); err != nil {
			return err
		}
		job.counter.record(outcomeCached)
		job.tracker.add(vp, entry.Size)
		return nil
	}

	err := r.reassembler.reassemble(ctx, job.src, vp, entry, outPath, func(n int64) {
		job.tracker.add(vp, n)
	})
	if err != nil {
		job.counter.record(outcomeFailed)
		return err
	}
	if err := r.verify(job, vp, outPath, entry); err != nil {
		return err
	}
	job.counter.record(outcomeNew)
	return nil
}

// verify hashes outPath when verification is enabled and entry declares a
// digest, deleting the file on mismatch.
func (r *resolver) verify(job *resolveJob, vp, outPath string, entry FileEntry) error {
	if !r.cfg.VerifySHA256 || entry.SHA256 == "" {
		return nil
	}
	if err := verifyOrRemove(vp, outPath, entry, r.cfg.ChunkReadSize); err != nil {
		job.counter.record(outcomeFailed)
		return err
	}
	job.counter.record(outcomeVerified)
	return nil
}

// ResolveFiles resolves source and maps each selected virtual path to its
// local file. The filemap is loaded through the store rather than assumed
// to be cached.
func (r *resolver) ResolveFiles(ctx context.Context, source string, opts ...ResolveOption) (map[string]string, error) {
	dir, err := r.Resolve(ctx, source, opts...)
	if err != nil {
		return nil, err
	}

	_, fm, err := r.loadFilemap(ctx, source)
	if err != nil {
		return nil, err
	}
	rc := newResolveConfig(opts)
	files, err := r.selectFiles(fm, rc)
	if err != nil {
		return nil, err
	}

	paths := make(map[string]string, len(files))
	for _, vp := range files {
		if _, ok := fm.Files[vp]; !ok {
			continue
		}
		paths[vp] = filepath.Join(dir, filepath.FromSlash(vp))
	}
	return paths, nil
}

// ResolveGGUF resolves source and returns its .gguf file paths, sorted.
func (r *resolver) ResolveGGUF(ctx context.Context, source string, opts ...ResolveOption) ([]string, error) {
	files, err := r.ResolveFiles(ctx, source, opts...)
	if err != nil {
		return nil, err
	}

	var gguf []string
	for vp, p := range files {
		if strings.HasSuffix(strings.ToLower(vp), ".gguf") {
			gguf = append(gguf, p)
		}
	}
	if len(gguf) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoGGUF, source)
	}
	sort.Strings(gguf)
	return gguf, nil
}

// Filemap returns the parsed filemap of source.
func (r *resolver) Filemap(ctx context.Context, source string) (*Filemap, error) {
	_, fm, err := r.loadFilemap(ctx, source)
	return fm, err
}

// ListManifests summarizes the manifests of source, sorted by name.
func (r *resolver) ListManifests(ctx context.Context, source string) ([]ManifestInfo, error) {
	fm, err := r.Filemap(ctx, source)
	if err != nil {
		return nil, err
	}

	infos := make([]ManifestInfo, 0, len(fm.Manifests))
	for name, m := range fm.Manifests {
		infos = append(infos, ManifestInfo{
			Name:   name,
			Files:  len(m.Files),
			Size:   m.Size,
			SizeMB: toMB(m.Size),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// GGUFMetadata returns the gguf_metadata records of source.
func (r *resolver) GGUFMetadata(ctx context.Context, source string) (map[string]GGUFInfo, error) {
	fm, err := r.Filemap(ctx, source)
	if err != nil {
		return nil, err
	}
	if fm.GGUFMetadata == nil {
		return map[string]GGUFInfo{}, nil
	}
	return fm.GGUFMetadata, nil
}

// Serve resolves source and serves the resolved directory.
func (r *resolver) Serve(ctx context.Context, source string, serveOpts []ServeOption, opts ...ResolveOption) (*AssetServer, error) {
	dir, err := r.Resolve(ctx, source, opts...)
	if err != nil {
		return nil, err
	}
	all := append([]ServeOption{WithServerLogger(r.logger)}, serveOpts...)
	return NewAssetServer(dir, all...)
}

// CacheDir returns the absolute cache root.
func (r *resolver) CacheDir() string {
	return r.storage.baseDir
}

// CacheStats totals the files in the cache.
func (r *resolver) CacheStats() (CacheStats, error) {
	return r.storage.stats()
}

// ClearCache removes the cache root and forgets loaded filemaps.
func (r *resolver) ClearCache() error {
	r.filemaps.clear()
	if err := r.storage.clear(); err != nil {
		return err
	}
	if r.logger != nil {
		r.logger.Info("cache cleared", "dir", r.storage.baseDir)
	}
	return nil
}

// IsNotFound reports whether err means the model or one of its files could
// not be found.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrFilemapLoad) || errors.Is(err, ErrLocalFileMissing) || errors.Is(err, ErrManifestNotFound)
}
