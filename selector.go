package resolver

import "sort"

// Selection is the result of expanding manifest names against a filemap.
type Selection struct {
	// Files is the ordered, duplicate-free set of selected virtual paths.
	Files []string

	// Missing lists requested manifest names absent from the filemap.
	Missing []string
}

// SelectFiles expands manifest names into an ordered set of virtual paths.
//
// With no names every virtual path of the filemap is returned, sorted.
// With names, the file lists of the named manifests are unioned in
// first-seen order. Unknown names are reported in Missing; an empty
// selection is not an error.
func SelectFiles(fm *Filemap, names ...string) Selection {
	if len(names) == 0 {
		files := make([]string, 0, len(fm.Files))
		for vp := range fm.Files {
			files = append(files, vp)
		}
		sort.Strings(files)
		return Selection{Files: files}
	}

	var sel Selection
	seen := make(map[string]bool)
	for _, name := range names {
		m, ok := fm.Manifests[name]
		if !ok {
			sel.Missing = append(sel.Missing, name)
			continue
		}
		for _, vp := range m.Files {
			if seen[vp] {
				continue
			}
			seen[vp] = true
			sel.Files = append(sel.Files, vp)
		}
	}
	return sel
}
