package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// AssetProvider locates model files for a consuming loader. A loader is
// configured with a provider instead of downloading from a hub itself.
type AssetProvider interface {
	// SnapshotDir returns a local directory holding the files of modelID.
	SnapshotDir(ctx context.Context, modelID string) (string, error)

	// FilePath returns the local path of one file of modelID.
	FilePath(ctx context.Context, modelID, filename string) (string, error)
}

// Ensure ResolverProvider implements AssetProvider interface.
var _ AssetProvider = (*ResolverProvider)(nil)

// ResolverProvider serves registered model ids from a Resolver and defers
// everything else to an optional fallback provider.
type ResolverProvider struct {
	resolver Resolver
	fallback AssetProvider

	mu       sync.Mutex
	models   map[string]providerEntry
	resolved map[string]string
}

type providerEntry struct {
	source string
	opts   []ResolveOption
}

// NewResolverProvider creates a provider backed by r. fallback may be nil.
func NewResolverProvider(r Resolver, fallback AssetProvider) *ResolverProvider {
	return &ResolverProvider{
		resolver: r,
		fallback: fallback,
		models:   make(map[string]providerEntry),
		resolved: make(map[string]string),
	}
}

// Register maps modelID to source. The model is resolved on first use with
// the given options. Registering an id again replaces it.
func (p *ResolverProvider) Register(modelID, source string, opts ...ResolveOption) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.models[modelID] = providerEntry{source: source, opts: opts}
	delete(p.resolved, modelID)
}

// SnapshotDir resolves modelID if needed and returns its directory.
func (p *ResolverProvider) SnapshotDir(ctx context.Context, modelID string) (string, error) {
	p.mu.Lock()
	entry, ok := p.models[modelID]
	dir, done := p.resolved[modelID]
	p.mu.Unlock()

	if !ok {
		if p.fallback != nil {
			return p.fallback.SnapshotDir(ctx, modelID)
		}
		return "", fmt.Errorf("%w: %s", ErrModelNotRegistered, modelID)
	}
	if done {
		return dir, nil
	}

	dir, err := p.resolver.Resolve(ctx, entry.source, entry.opts...)
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	p.resolved[modelID] = dir
	p.mu.Unlock()
	return dir, nil
}

// FilePath returns filename inside the resolved directory of modelID. A
// registered model missing the file falls through to the fallback.
func (p *ResolverProvider) FilePath(ctx context.Context, modelID, filename string) (string, error) {
	p.mu.Lock()
	_, ok := p.models[modelID]
	p.mu.Unlock()

	if ok {
		if err := validateRelPath(filename); err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrInvalidSource, filename, err)
		}
		dir, err := p.SnapshotDir(ctx, modelID)
		if err != nil {
			return "", err
		}
		path := filepath.Join(dir, filepath.FromSlash(filename))
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	if p.fallback != nil {
		return p.fallback.FilePath(ctx, modelID, filename)
	}
	if ok {
		return "", fmt.Errorf("%w: %s in %s", ErrLocalFileMissing, filename, modelID)
	}
	return "", fmt.Errorf("%w: %s", ErrModelNotRegistered, modelID)
}
