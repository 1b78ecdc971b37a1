// Package resolver turns ML models published as a filemap plus physical
// shards into ready-to-use local directories.
//
// A source is either a remote base URL (a CDN tree) or a local flat repo
// directory. Both hold a filemap.json describing virtual files, the
// physical files or shards backing them, and named manifests selecting
// variants such as a quantization level.
//
// The package serves three use cases:
//
//  1. Programmatic API via the Resolver interface - New creates a Resolver
//     that reassembles a selection of files into the cache and reports
//     progress through typed ProgressEvent values.
//
//  2. Asset serving - AssetServer exposes a resolved directory over HTTP
//     with byte ranges and CORS, and ResolverProvider hands resolved
//     directories to loaders that accept an AssetProvider.
//
//  3. Embeddable CLI via NewCommand - a Cobra command tree with resolve,
//     list, serve, cache-stats and clear-cache.
//
// # Thread Safety
//
// The Resolver interface is fully thread-safe. Concurrent resolves of the
// same source load its filemap at most once. Resolved directories are
// guarded by an advisory file lock, so separate processes sharing a cache
// serialize their writes to the same directory.
//
// # Resume and Verification
//
// A file already present with its declared size is treated as resolved and
// is not fetched again. Writes go to a temporary file that is renamed into
// place only when complete. Only Config.VerifySHA256 re-hashes content; a
// mismatch deletes the file and fails the resolve with a VerificationError.
//
// # Storage
//
// The cache lives in a platform-appropriate directory:
//   - Linux: $XDG_CACHE_HOME/model-resolver/ or ~/.cache/model-resolver/
//   - macOS: ~/Library/Caches/model-resolver/
//   - Windows: %LOCALAPPDATA%\model-resolver\
//
// The location can be overridden via Config.CacheDir or the
// MODEL_RESOLVER_CACHE_DIR environment variable.
package resolver
