package resolver

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// partialSuffix marks a file that is still being reassembled.
const partialSuffix = ".partial"

// reassembler writes logical files from a Source.
type reassembler struct {
	// logger receives diagnostic messages. May be nil.
	logger Logger
}

// reassemble writes the logical file described by entry to outPath.
//
// A single-file entry is copied whole and onBytes receives entry.Size once
// it is written. A sharded entry has each shard written at its declared
// offset, and onBytes receives shard.Size after each write. Shard order in
// the entry does not matter.
//
// Bytes are written to outPath+".partial" and renamed into place only once
// complete, so an interrupted run never leaves a full-length file behind.
func (r *reassembler) reassemble(ctx context.Context, src Source, vpath string, entry FileEntry, outPath string, onBytes func(int64)) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("%w: creating directory for %s: %v", ErrStorageError, vpath, err)
	}

	tmp := outPath + partialSuffix
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("%w: creating %s: %v", ErrStorageError, tmp, err)
	}
	done := false
	defer func() {
		if !done {
			f.Close()
			os.Remove(tmp)
		}
	}()

	if entry.IsSharded() {
		if err := r.writeShards(ctx, src, entry, f, onBytes); err != nil {
			return fmt.Errorf("reassembling %s: %w", vpath, err)
		}
	} else {
		if err := r.writeWhole(ctx, src, vpath, entry, f); err != nil {
			return fmt.Errorf("reassembling %s: %w", vpath, err)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("%w: syncing %s: %v", ErrStorageError, tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %v", ErrStorageError, tmp, err)
	}
	if err := os.Rename(tmp, outPath); err != nil {
		return fmt.Errorf("%w: renaming %s: %v", ErrStorageError, tmp, err)
	}
	done = true

	if !entry.IsSharded() && onBytes != nil {
		onBytes(entry.Size)
	}
	if r.logger != nil {
		r.logger.Debug("file reassembled", "file", vpath, "size", entry.Size, "shards", len(entry.Shards))
	}
	return nil
}

// writeWhole copies a single physical file into f, streaming when the
// source supports it.
func (r *reassembler) writeWhole(ctx context.Context, src Source, vpath string, entry FileEntry, f *os.File) error {
	name := entry.PhysicalFile(vpath)

	var written int64
	if s, ok := src.(streamer); ok {
		rc, _, err := s.Open(name)
		if err != nil {
			return err
		}
		defer rc.Close()
		written, err = io.Copy(f, rc)
		if err != nil {
			return fmt.Errorf("%w: copying %s: %v", ErrStorageError, name, err)
		}
	} else {
		data, err := src.Fetch(ctx, name, entry.Size)
		if err != nil {
			return err
		}
		n, err := f.Write(data)
		if err != nil {
			return fmt.Errorf("%w: writing %s: %v", ErrStorageError, name, err)
		}
		written = int64(n)
	}

	if written != entry.Size {
		return fmt.Errorf("%w: %s has %d bytes, declared %d", ErrShardSize, name, written, entry.Size)
	}
	return nil
}

// writeShards writes every shard of entry into f at its offset.
func (r *reassembler) writeShards(ctx context.Context, src Source, entry FileEntry, f *os.File, onBytes func(int64)) error {
	if err := f.Truncate(entry.Size); err != nil {
		return fmt.Errorf("%w: sizing output: %v", ErrStorageError, err)
	}

	for _, shard := range entry.Shards {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		data, err := src.Fetch(ctx, shard.File, shard.Size)
		if err != nil {
			return err
		}
		if int64(len(data)) != shard.Size {
			return fmt.Errorf("%w: %s has %d bytes, declared %d", ErrShardSize, shard.File, len(data), shard.Size)
		}
		if _, err := f.WriteAt(data, shard.Offset); err != nil {
			return fmt.Errorf("%w: writing shard %s: %v", ErrStorageError, shard.File, err)
		}
		if onBytes != nil {
			onBytes(shard.Size)
		}
	}
	return nil
}
