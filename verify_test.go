package resolver

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestHashFile(t *testing.T) {
	data := []byte(strings.Repeat("model-bytes-", 1000))
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	// A chunk size that does not divide the file exercises the tail read.
	for _, chunk := range []int{7, 4096, DefaultChunkReadSize} {
		got, err := hashFile(path, chunk)
		if err != nil {
			t.Fatalf("hashFile(chunk=%d) error = %v", chunk, err)
		}
		if got.Encoded() != sha256Hex(data) {
			t.Errorf("hashFile(chunk=%d) = %s, want %s", chunk, got.Encoded(), sha256Hex(data))
		}
	}
}

func TestVerifyFile(t *testing.T) {
	data := []byte("hello")
	path := filepath.Join(t.TempDir(), "f.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	ok, actual, err := verifyFile(path, strings.ToUpper(sha256Hex(data)), 0)
	if err != nil || !ok {
		t.Errorf("verifyFile(match) = %v, %v", ok, err)
	}
	if actual != sha256Hex(data) {
		t.Errorf("actual = %s", actual)
	}

	ok, _, err = verifyFile(path, sha256Hex([]byte("other")), 0)
	if err != nil || ok {
		t.Errorf("verifyFile(mismatch) = %v, %v, want false, nil", ok, err)
	}

	_, _, err = verifyFile(path, "not-hex", 0)
	if !errors.Is(err, ErrVerification) {
		t.Errorf("verifyFile(malformed) error = %v, want ErrVerification", err)
	}
}

func TestVerifyOrRemove(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, data []byte) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, data, 0644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	t.Run("no digest passes", func(t *testing.T) {
		p := write("a", []byte("x"))
		if err := verifyOrRemove("a", p, FileEntry{Size: 1}, 0); err != nil {
			t.Errorf("verifyOrRemove() error = %v", err)
		}
	})

	t.Run("match keeps file", func(t *testing.T) {
		p := write("b", []byte("x"))
		if err := verifyOrRemove("b", p, FileEntry{Size: 1, SHA256: sha256Hex([]byte("x"))}, 0); err != nil {
			t.Errorf("verifyOrRemove() error = %v", err)
		}
		if _, err := os.Stat(p); err != nil {
			t.Errorf("file removed: %v", err)
		}
	})

	t.Run("mismatch removes file", func(t *testing.T) {
		p := write("c", []byte("y"))
		err := verifyOrRemove("c", p, FileEntry{Size: 1, SHA256: sha256Hex([]byte("x"))}, 0)

		var verr *VerificationError
		if !errors.As(err, &verr) {
			t.Fatalf("error = %v, want *VerificationError", err)
		}
		if verr.Path != "c" || verr.Actual != sha256Hex([]byte("y")) {
			t.Errorf("VerificationError = %+v", verr)
		}
		if !errors.Is(err, ErrVerification) {
			t.Error("errors.Is(err, ErrVerification) = false")
		}
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("corrupt file still present: %v", err)
		}
	})
}
