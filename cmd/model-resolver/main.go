// Command model-resolver resolves sharded model files from a CDN or a local
// flat repo into a cache directory and can serve the result over HTTP.
//
// Configuration comes from flags and an optional YAML file:
//   - --config or MODEL_RESOLVER_CONFIG: YAML config file (optional)
//   - MODEL_RESOLVER_CACHE_DIR: Override for the cache directory (optional)
package main

import (
	"context"
	"errors"
	"os"

	resolver "github.com/kulogix/webmodel-resolver"
)

// CLI exit codes for standardized error reporting.
const (
	// ExitSuccess indicates the operation completed successfully.
	ExitSuccess = 0

	// ExitGeneralError indicates an unspecified error occurred.
	ExitGeneralError = 1

	// ExitInvalidArgs indicates invalid command line arguments or source.
	ExitInvalidArgs = 2

	// ExitFilemapLoad indicates the filemap could not be loaded.
	ExitFilemapLoad = 3

	// ExitLocalFileMissing indicates a file is missing from a local source.
	ExitLocalFileMissing = 4

	// ExitDownloadError indicates a remote fetch exhausted its retries.
	ExitDownloadError = 5

	// ExitVerification indicates SHA-256 verification failed.
	ExitVerification = 6

	// ExitStorageError indicates a filesystem operation failed.
	ExitStorageError = 7

	// ExitManifestNotFound indicates a requested manifest does not exist.
	ExitManifestNotFound = 8
)

func main() {
	cmd := resolver.NewCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(exitCodeFromError(err))
	}
}

// exitCodeFromError maps error types to exit codes.
func exitCodeFromError(err error) int {
	if err == nil {
		return ExitSuccess
	}

	switch {
	case resolver.IsInvalidArgs(err):
		return ExitInvalidArgs
	case errors.Is(err, resolver.ErrFilemapLoad):
		return ExitFilemapLoad
	case errors.Is(err, resolver.ErrLocalFileMissing):
		return ExitLocalFileMissing
	case errors.Is(err, resolver.ErrDownload):
		return ExitDownloadError
	case errors.Is(err, resolver.ErrVerification):
		return ExitVerification
	case errors.Is(err, resolver.ErrShardSize):
		return ExitVerification
	case errors.Is(err, resolver.ErrStorageError):
		return ExitStorageError
	case errors.Is(err, resolver.ErrManifestNotFound):
		return ExitManifestNotFound
	default:
		return ExitGeneralError
	}
}
