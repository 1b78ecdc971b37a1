package resolver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReassembleShardOrder(t *testing.T) {
	files := map[string][]byte{
		"s0": []byte("ABCD"),
		"s1": []byte("EFGHIJ"),
	}
	orders := map[string][]ShardRef{
		"declared": {
			{File: "s0", Offset: 0, Size: 4},
			{File: "s1", Offset: 4, Size: 6},
		},
		"reversed": {
			{File: "s1", Offset: 4, Size: 6},
			{File: "s0", Offset: 0, Size: 4},
		},
	}

	for name, shards := range orders {
		t.Run(name, func(t *testing.T) {
			src := &memSource{key: "mem", files: files}
			out := filepath.Join(t.TempDir(), "onnx", "model.onnx")

			var reported []int64
			r := &reassembler{}
			err := r.reassemble(context.Background(), src, "onnx/model.onnx",
				FileEntry{Size: 10, Shards: shards}, out,
				func(n int64) { reported = append(reported, n) })
			require.NoError(t, err)

			got, err := os.ReadFile(out)
			require.NoError(t, err)
			assert.Equal(t, []byte("ABCDEFGHIJ"), got)

			var sum int64
			for _, n := range reported {
				sum += n
			}
			assert.Len(t, reported, 2)
			assert.Equal(t, int64(10), sum)

			_, err = os.Stat(out + partialSuffix)
			assert.True(t, os.IsNotExist(err), "partial file left behind")
		})
	}
}

func TestReassembleWholeFile(t *testing.T) {
	m := newTestModel()
	root := writeFlatRepo(t, m)
	out := filepath.Join(t.TempDir(), "onnx", "model_fp16.onnx")
	entry := m.filemap.Files["onnx/model_fp16.onnx"]

	var reported []int64
	r := &reassembler{}
	err := r.reassemble(context.Background(), newLocalSource(root), "onnx/model_fp16.onnx", entry, out,
		func(n int64) { reported = append(reported, n) })
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, m.logical["onnx/model_fp16.onnx"], got)
	assert.Equal(t, []int64{entry.Size}, reported)
}

func TestReassembleErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string][]byte
		entry   FileEntry
		wantErr error
	}{
		{
			name:    "missing shard",
			files:   map[string][]byte{"s0": []byte("ABCD")},
			entry:   FileEntry{Size: 10, Shards: []ShardRef{{File: "s0", Offset: 0, Size: 4}, {File: "s1", Offset: 4, Size: 6}}},
			wantErr: ErrLocalFileMissing,
		},
		{
			name:    "short shard",
			files:   map[string][]byte{"s0": []byte("ABC")},
			entry:   FileEntry{Size: 4, Shards: []ShardRef{{File: "s0", Offset: 0, Size: 4}}},
			wantErr: ErrShardSize,
		},
		{
			name:    "whole file size mismatch",
			files:   map[string][]byte{"w": []byte("too long")},
			entry:   FileEntry{Size: 2, CDNFile: "w"},
			wantErr: ErrShardSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := filepath.Join(t.TempDir(), "f.bin")
			r := &reassembler{}
			err := r.reassemble(context.Background(), &memSource{key: "mem", files: tt.files}, "f.bin", tt.entry, out, nil)
			assert.ErrorIs(t, err, tt.wantErr)

			for _, p := range []string{out, out + partialSuffix} {
				_, statErr := os.Stat(p)
				assert.True(t, os.IsNotExist(statErr), "%s should not exist", p)
			}
		})
	}
}

func TestReassembleCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := filepath.Join(t.TempDir(), "f.bin")
	r := &reassembler{}
	err := r.reassemble(ctx, &memSource{key: "mem", files: map[string][]byte{"s0": []byte("A")}}, "f.bin",
		FileEntry{Size: 1, Shards: []ShardRef{{File: "s0", Offset: 0, Size: 1}}}, out, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
