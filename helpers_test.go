package resolver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// testModel is a small model with a whole file, a sharded file and a
// second variant, laid out the way the packaging pipeline publishes it.
type testModel struct {
	filemap  *Filemap
	physical map[string][]byte
	logical  map[string][]byte
}

func newTestModel() testModel {
	config := []byte(`{"model_type":"test"}`)
	shard0 := []byte("ABCD")
	shard1 := []byte("EFGHIJ")
	fp16 := []byte("fp16-weights-0123456789")

	q4 := append(append([]byte{}, shard0...), shard1...)

	fm := &Filemap{
		Version: 1,
		Files: map[string]FileEntry{
			"config.json": {
				Size:    int64(len(config)),
				SHA256:  sha256Hex(config),
				CDNFile: "config.json",
			},
			"onnx/model_q4f16.onnx": {
				Size:   int64(len(q4)),
				SHA256: sha256Hex(q4),
				Shards: []ShardRef{
					{File: "model_q4f16.onnx.shard0", Offset: 0, Size: 4},
					{File: "model_q4f16.onnx.shard1", Offset: 4, Size: 6},
				},
			},
			"onnx/model_fp16.onnx": {
				Size:    int64(len(fp16)),
				SHA256:  sha256Hex(fp16),
				CDNFile: "model_fp16.onnx",
			},
		},
		Manifests: map[string]Manifest{
			"q4f16": {Files: []string{"config.json", "onnx/model_q4f16.onnx"}, Size: int64(len(config) + len(q4))},
			"fp16":  {Files: []string{"config.json", "onnx/model_fp16.onnx"}, Size: int64(len(config) + len(fp16))},
		},
	}

	return testModel{
		filemap: fm,
		physical: map[string][]byte{
			"config.json":             config,
			"model_q4f16.onnx.shard0": shard0,
			"model_q4f16.onnx.shard1": shard1,
			"model_fp16.onnx":         fp16,
		},
		logical: map[string][]byte{
			"config.json":           config,
			"onnx/model_q4f16.onnx": q4,
			"onnx/model_fp16.onnx":  fp16,
		},
	}
}

func (m testModel) filemapJSON(t *testing.T) []byte {
	t.Helper()
	data, err := json.Marshal(m.filemap)
	require.NoError(t, err)
	return data
}

// writeFlatRepo lays the model out as a local flat repo and returns its root.
func writeFlatRepo(t *testing.T, m testModel) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, FilemapName), m.filemapJSON(t), 0644))
	for name, data := range m.physical {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), data, 0644))
	}
	return root
}

// cdnServer serves files by name and counts requests per path.
type cdnServer struct {
	*httptest.Server

	mu       sync.Mutex
	files    map[string][]byte
	requests map[string]int
	agents   []string
	// failures makes the next n requests for a path return 503.
	failures map[string]int
}

func newCDNServer(t *testing.T, files map[string][]byte) *cdnServer {
	t.Helper()
	s := &cdnServer{
		files:    files,
		requests: make(map[string]int),
		failures: make(map[string]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/")

		s.mu.Lock()
		s.requests[name]++
		s.agents = append(s.agents, r.UserAgent())
		fail := s.failures[name] > 0
		if fail {
			s.failures[name]--
		}
		data, ok := s.files[name]
		s.mu.Unlock()

		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(data)
	}))
	t.Cleanup(s.Close)
	return s
}

func newModelCDN(t *testing.T, m testModel) *cdnServer {
	t.Helper()
	files := map[string][]byte{FilemapName: m.filemapJSON(t)}
	for name, data := range m.physical {
		files[name] = data
	}
	return newCDNServer(t, files)
}

func (s *cdnServer) totalRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.requests {
		n += c
	}
	return n
}

func (s *cdnServer) requestsFor(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[name]
}

// setFile replaces the bytes served for name.
func (s *cdnServer) setFile(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = data
}

func (s *cdnServer) failNext(name string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = n
}

// testConfig returns a Config rooted in a fresh temp dir with fast retries.
func testConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv(CacheDirEnv, "")
	return Config{
		CacheDir:       t.TempDir(),
		RetryBackoff:   time.Millisecond,
		RequestTimeout: 5 * time.Second,
	}
}

func newTestResolver(t *testing.T, cfg Config) *resolver {
	t.Helper()
	r, err := New(cfg)
	require.NoError(t, err)
	return r.(*resolver)
}

// newTestFetcher returns a fetcher with millisecond backoff.
func newTestFetcher() *httpFetcher {
	return &httpFetcher{
		client:    http.DefaultClient,
		userAgent: DefaultUserAgent,
		timeout:   5 * time.Second,
		retries:   DefaultRetries,
		backoff:   time.Millisecond,
	}
}

// memSource is an in-memory Source without streaming support.
type memSource struct {
	key   string
	kind  SourceKind
	files map[string][]byte

	mu      sync.Mutex
	fetches []string
	reads   int
	readErr error
}

func (s *memSource) Key() string      { return s.key }
func (s *memSource) Kind() SourceKind { return s.kind }

func (s *memSource) ReadFilemap(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.readErr != nil {
		return nil, s.readErr
	}
	data, ok := s.files[FilemapName]
	if !ok {
		return nil, ErrFilemapLoad
	}
	return data, nil
}

func (s *memSource) Fetch(ctx context.Context, name string, size int64) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches = append(s.fetches, name)
	data, ok := s.files[name]
	if !ok {
		return nil, ErrLocalFileMissing
	}
	return data, nil
}

func (s *memSource) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// chdir changes the working directory for the duration of the test and
// restores it on cleanup, like testing.T.Chdir in newer Go releases.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	abs, err := filepath.Abs(dir)
	require.NoError(t, err)
	require.NoError(t, os.Chdir(abs))
	t.Setenv("PWD", abs)
	t.Cleanup(func() {
		if err := os.Chdir(old); err != nil {
			t.Fatalf("restore working directory: %v", err)
		}
	})
}
