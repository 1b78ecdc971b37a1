package resolver

import (
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"
)

// FilemapName is the name of the filemap document at a source root.
const FilemapName = "filemap.json"

// Filemap is the parsed filemap document of a model source.
// A Filemap is immutable once loaded and shared by all callers.
type Filemap struct {
	// Version is the document format version.
	Version int `json:"version"`

	// Files maps each virtual path to the entry describing its bytes.
	Files map[string]FileEntry `json:"files"`

	// Manifests maps a variant name (e.g. "q4f16") to its file subset.
	Manifests map[string]Manifest `json:"manifests,omitempty"`

	// GGUFMetadata holds records produced by the packaging pipeline for
	// .gguf files. It is displayed, never interpreted.
	GGUFMetadata map[string]GGUFInfo `json:"gguf_metadata,omitempty"`
}

// FileEntry describes one logical file.
// Either CDNFile or Shards is set. When neither is set the virtual path
// itself names the physical file.
type FileEntry struct {
	// Size is the logical file size in bytes.
	Size int64 `json:"size"`

	// SHA256 is the optional lowercase hex digest of the logical file.
	SHA256 string `json:"sha256,omitempty"`

	// CDNFile is the physical file holding the whole logical file.
	CDNFile string `json:"cdn_file,omitempty"`

	// Shards lists the physical files that make up the logical file.
	Shards []ShardRef `json:"shards,omitempty"`
}

// ShardRef is a physical file supplying bytes [Offset, Offset+Size) of a
// logical file.
type ShardRef struct {
	File   string `json:"file"`
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
}

// UnmarshalJSON accepts "cdn" and "cdnFilename" as aliases of "cdn_file".
func (e *FileEntry) UnmarshalJSON(data []byte) error {
	type plain FileEntry
	aux := struct {
		*plain
		CDN         string `json:"cdn"`
		CDNFilename string `json:"cdnFilename"`
	}{plain: (*plain)(e)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if e.CDNFile == "" {
		e.CDNFile = firstNonEmpty(aux.CDN, aux.CDNFilename)
	}
	return nil
}

// UnmarshalJSON accepts "cdn_file" and "cdn" as aliases of "file".
func (s *ShardRef) UnmarshalJSON(data []byte) error {
	type plain ShardRef
	aux := struct {
		*plain
		CDNFile string `json:"cdn_file"`
		CDN     string `json:"cdn"`
	}{plain: (*plain)(s)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if s.File == "" {
		s.File = firstNonEmpty(aux.CDNFile, aux.CDN)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// Manifest is a named subset of a filemap's virtual files.
type Manifest struct {
	// Files is the ordered list of virtual paths in this variant.
	Files []string `json:"files"`

	// Size is the declared total size in bytes.
	Size int64 `json:"size"`
}

// GGUFInfo is a free-form metadata record for one .gguf file.
type GGUFInfo map[string]any

// Field returns the record value for key formatted for display,
// or "?" when absent.
func (g GGUFInfo) Field(key string) string {
	v, ok := g[key]
	if !ok || v == nil {
		return "?"
	}
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprint(v)
}

// IsSharded reports whether the entry is assembled from shards.
func (e FileEntry) IsSharded() bool {
	return len(e.Shards) > 0
}

// PhysicalFile returns the physical file name for a non-sharded entry.
func (e FileEntry) PhysicalFile(vpath string) string {
	if e.CDNFile != "" {
		return e.CDNFile
	}
	return vpath
}

// PhysicalFiles lists every physical file name the entry needs, in order.
func (e FileEntry) PhysicalFiles(vpath string) []string {
	if !e.IsSharded() {
		return []string{e.PhysicalFile(vpath)}
	}
	names := make([]string, len(e.Shards))
	for i, s := range e.Shards {
		names[i] = s.File
	}
	return names
}

// ParseFilemap parses and validates a filemap document.
// Line and block comments and trailing commas are tolerated.
func ParseFilemap(data []byte) (*Filemap, error) {
	var fm Filemap
	if err := json.Unmarshal(jsonc.ToJSON(data), &fm); err != nil {
		return nil, fmt.Errorf("%w: invalid json: %v", ErrFilemapLoad, err)
	}
	if fm.Files == nil {
		return nil, fmt.Errorf("%w: document has no files", ErrFilemapLoad)
	}
	if err := fm.Validate(); err != nil {
		return nil, err
	}
	return &fm, nil
}

// Validate checks the structural invariants of every entry and that
// manifests only list known virtual paths.
func (fm *Filemap) Validate() error {
	for vpath, entry := range fm.Files {
		if err := validateRelPath(vpath); err != nil {
			return fmt.Errorf("%w: file %q: %v", ErrFilemapLoad, vpath, err)
		}
		if err := entry.validate(vpath); err != nil {
			return fmt.Errorf("%w: file %q: %v", ErrFilemapLoad, vpath, err)
		}
	}
	for name, m := range fm.Manifests {
		for _, vpath := range m.Files {
			if err := validateRelPath(vpath); err != nil {
				return fmt.Errorf("%w: manifest %q: file %q: %v", ErrFilemapLoad, name, vpath, err)
			}
			if _, ok := fm.Files[vpath]; !ok {
				return fmt.Errorf("%w: manifest %q lists unknown file %q", ErrFilemapLoad, name, vpath)
			}
		}
	}
	return nil
}

func (e FileEntry) validate(vpath string) error {
	if e.Size < 0 {
		return fmt.Errorf("negative size %d", e.Size)
	}
	if e.CDNFile != "" && e.IsSharded() {
		return fmt.Errorf("both cdn_file and shards are set")
	}
	for _, name := range e.PhysicalFiles(vpath) {
		if err := validateRelPath(name); err != nil {
			return fmt.Errorf("physical file %q: %v", name, err)
		}
	}
	if !e.IsSharded() {
		return nil
	}

	shards := make([]ShardRef, len(e.Shards))
	copy(shards, e.Shards)
	sort.Slice(shards, func(i, j int) bool { return shards[i].Offset < shards[j].Offset })

	var next int64
	for _, s := range shards {
		if s.Size < 0 || s.Offset < 0 {
			return fmt.Errorf("shard %q has negative offset or size", s.File)
		}
		if s.Offset != next {
			return fmt.Errorf("shard %q at offset %d, expected %d", s.File, s.Offset, next)
		}
		next = s.Offset + s.Size
	}
	if next != e.Size {
		return fmt.Errorf("shards cover %d bytes, size is %d", next, e.Size)
	}
	return nil
}

// validateRelPath rejects names that would escape the directory they are
// joined to.
func validateRelPath(p string) error {
	if p == "" {
		return fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return fmt.Errorf("path must be relative and slash-separated")
	}
	clean := path.Clean(p)
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return fmt.Errorf("path escapes its root")
	}
	return nil
}
