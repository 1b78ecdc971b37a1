package resolver

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFilemap(t *testing.T) {
	data := []byte(`{
		"version": 1,
		"files": {
			"config.json": {"size": 3, "cdn_file": "config.json"},
			"model.onnx": {
				"size": 10,
				"sha256": "abc",
				"shards": [
					{"file": "model.onnx.shard1", "offset": 4, "size": 6},
					{"file": "model.onnx.shard0", "offset": 0, "size": 4}
				]
			}
		},
		"manifests": {"default": {"files": ["config.json", "model.onnx"], "size": 13}},
		"gguf_metadata": {"m.gguf": {"architecture": "llama", "context_length": 4096}}
	}`)

	fm, err := ParseFilemap(data)
	require.NoError(t, err)

	assert.Equal(t, 1, fm.Version)
	assert.Len(t, fm.Files, 2)
	assert.True(t, fm.Files["model.onnx"].IsSharded())
	assert.False(t, fm.Files["config.json"].IsSharded())
	assert.Equal(t, []string{"config.json", "model.onnx"}, fm.Manifests["default"].Files)
	assert.Equal(t, "llama", fm.GGUFMetadata["m.gguf"].Field("architecture"))
	assert.Equal(t, "4096", fm.GGUFMetadata["m.gguf"].Field("context_length"))
	assert.Equal(t, "?", fm.GGUFMetadata["m.gguf"].Field("quantization"))
}

func TestParseFilemapWithComments(t *testing.T) {
	data := []byte(`{
		// hand-written flat repo
		"version": 1,
		"files": {
			"a.bin": {"size": 1}, /* no cdn_file: the name is the file */
		},
	}`)

	fm, err := ParseFilemap(data)
	require.NoError(t, err)
	assert.Equal(t, "a.bin", fm.Files["a.bin"].PhysicalFile("a.bin"))
}

func TestParseFilemapFieldAliases(t *testing.T) {
	fm, err := ParseFilemap([]byte(`{
		"files": {
			"a.bin": {"size": 1, "cdn": "a-cdn.bin"},
			"b.bin": {"size": 1, "cdnFilename": "b-cdn.bin"},
			"c.bin": {"size": 1, "cdn_file": "c-cdn.bin", "cdn": "ignored"},
			"d.bin": {"size": 3, "shards": [
				{"cdn_file": "d.shard0", "offset": 0, "size": 1},
				{"cdn": "d.shard1", "offset": 1, "size": 2}
			]}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "a-cdn.bin", fm.Files["a.bin"].CDNFile)
	assert.Equal(t, "b-cdn.bin", fm.Files["b.bin"].CDNFile)
	assert.Equal(t, "c-cdn.bin", fm.Files["c.bin"].CDNFile)
	assert.Equal(t, []string{"d.shard0", "d.shard1"}, fm.Files["d.bin"].PhysicalFiles("d.bin"))
}

func TestParseFilemapErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `{"files": `},
		{"no files", `{"version": 1}`},
		{"both cdn_file and shards", `{"files": {"a": {"size": 1, "cdn_file": "a", "shards": [{"file": "s", "offset": 0, "size": 1}]}}}`},
		{"negative size", `{"files": {"a": {"size": -1}}}`},
		{"shard gap", `{"files": {"a": {"size": 10, "shards": [{"file": "s0", "offset": 0, "size": 4}, {"file": "s1", "offset": 5, "size": 5}]}}}`},
		{"shard overlap", `{"files": {"a": {"size": 10, "shards": [{"file": "s0", "offset": 0, "size": 6}, {"file": "s1", "offset": 4, "size": 6}]}}}`},
		{"shards short", `{"files": {"a": {"size": 10, "shards": [{"file": "s0", "offset": 0, "size": 4}]}}}`},
		{"absolute virtual path", `{"files": {"/etc/passwd": {"size": 1}}}`},
		{"escaping physical file", `{"files": {"a": {"size": 1, "cdn_file": "../../x"}}}`},
		{"backslash shard", `{"files": {"a": {"size": 1, "shards": [{"file": "..\\x", "offset": 0, "size": 1}]}}}`},
		{"manifest lists unknown file", `{"files": {"a": {"size": 1}}, "manifests": {"m": {"files": ["a", "missing.bin"], "size": 1}}}`},
		{"manifest escaping path", `{"files": {"a": {"size": 1}}, "manifests": {"m": {"files": ["../a"], "size": 1}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseFilemap([]byte(tt.data))
			if !errors.Is(err, ErrFilemapLoad) {
				t.Errorf("ParseFilemap() error = %v, want ErrFilemapLoad", err)
			}
		})
	}
}

func TestFileEntryPhysicalFiles(t *testing.T) {
	tests := []struct {
		name  string
		entry FileEntry
		want  []string
	}{
		{"cdn file", FileEntry{CDNFile: "x.bin"}, []string{"x.bin"}},
		{"fallback to virtual path", FileEntry{}, []string{"onnx/model.onnx"}},
		{"shards in order", FileEntry{Shards: []ShardRef{{File: "s0"}, {File: "s1"}}}, []string{"s0", "s1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.entry.PhysicalFiles("onnx/model.onnx")
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("PhysicalFiles() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestGGUFInfoField(t *testing.T) {
	info := GGUFInfo{
		"classification": "llm",
		"context_length": float64(8192),
		"ratio":          0.5,
		"empty":          nil,
	}

	assert.Equal(t, "llm", info.Field("classification"))
	assert.Equal(t, "8192", info.Field("context_length"))
	assert.Equal(t, "0.5", info.Field("ratio"))
	assert.Equal(t, "?", info.Field("empty"))
	assert.Equal(t, "?", info.Field("missing"))
}
