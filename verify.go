package resolver

import (
	_ "crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/opencontainers/go-digest"
)

// DefaultChunkReadSize is the read size used when hashing files.
const DefaultChunkReadSize = 8 * 1024 * 1024

// hashFile computes the SHA-256 digest of the file at path, reading it in
// chunkSize pieces so memory use does not depend on file size.
func hashFile(path string, chunkSize int) (digest.Digest, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkReadSize
	}

	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: opening %s: %v", ErrStorageError, path, err)
	}
	defer f.Close()

	digester := digest.SHA256.Digester()
	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			digester.Hash().Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("%w: reading %s: %v", ErrStorageError, path, err)
		}
	}
	return digester.Digest(), nil
}

// verifyFile reports whether the file at path hashes to expectedHex.
// It also returns the computed hex digest.
func verifyFile(path, expectedHex string, chunkSize int) (bool, string, error) {
	expected := digest.NewDigestFromEncoded(digest.SHA256, strings.ToLower(expectedHex))
	if err := expected.Validate(); err != nil {
		return false, "", fmt.Errorf("%w: declared digest %q: %v", ErrVerification, expectedHex, err)
	}

	actual, err := hashFile(path, chunkSize)
	if err != nil {
		return false, "", err
	}
	return actual == expected, actual.Encoded(), nil
}

// verifyOrRemove checks path against entry's digest and deletes the file on
// mismatch. Entries without a digest always pass.
func verifyOrRemove(vpath, path string, entry FileEntry, chunkSize int) error {
	if entry.SHA256 == "" {
		return nil
	}
	ok, actual, err := verifyFile(path, entry.SHA256, chunkSize)
	if err != nil {
		return err
	}
	if !ok {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return fmt.Errorf("%w: removing corrupt %s: %v", ErrStorageError, path, rmErr)
		}
		return &VerificationError{Path: vpath, Expected: entry.SHA256, Actual: actual}
	}
	return nil
}
