package resolver

import (
	"errors"
	"fmt"
)

// Sentinel errors for resolve operations.
// Use errors.Is() to check for specific error conditions.
var (
	// ErrFilemapLoad indicates the filemap document is missing, unreachable,
	// or not a valid filemap.
	ErrFilemapLoad = errors.New("resolver: failed to load filemap")

	// ErrManifestNotFound indicates a requested manifest name is absent from
	// the filemap. Selection treats it as a warning unless strict manifests
	// were requested.
	ErrManifestNotFound = errors.New("resolver: manifest not found")

	// ErrLocalFileMissing indicates a shard or cdn file referenced by the
	// filemap does not exist under a local source root.
	ErrLocalFileMissing = errors.New("resolver: local file missing")

	// ErrDownload indicates a remote fetch exhausted its retry budget.
	ErrDownload = errors.New("resolver: download failed")

	// ErrVerification indicates a reassembled file failed SHA-256 verification.
	ErrVerification = errors.New("resolver: sha256 verification failed")

	// ErrShardSize indicates a shard's bytes do not match its declared size.
	ErrShardSize = errors.New("resolver: shard size mismatch")

	// ErrStorageError indicates a filesystem operation failed.
	ErrStorageError = errors.New("resolver: storage error")

	// ErrInvalidSource indicates the source string cannot be resolved.
	ErrInvalidSource = errors.New("resolver: invalid source")

	// ErrNoGGUF indicates a selection contains no .gguf files.
	ErrNoGGUF = errors.New("resolver: no gguf files in selection")

	// ErrModelNotRegistered indicates an AssetProvider has no source for a
	// model id and no fallback.
	ErrModelNotRegistered = errors.New("resolver: model not registered")
)

// VerificationError describes a digest mismatch for one resolved file.
type VerificationError struct {
	// Path is the virtual path of the file.
	Path string

	// Expected is the declared SHA-256 digest.
	Expected string

	// Actual is the digest computed from the bytes on disk.
	Actual string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("sha256 mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// Unwrap lets errors.Is(err, ErrVerification) match.
func (e *VerificationError) Unwrap() error {
	return ErrVerification
}
