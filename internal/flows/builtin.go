package flows

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
)

//go:embed builtin/*.yaml
var builtinFS embed.FS

// LoadBuiltin returns the flows bundled with the binary.
func LoadBuiltin() ([]*File, error) {
	entries, err := fs.ReadDir(builtinFS, "builtin")
	if err != nil {
		return nil, fmt.Errorf("read builtin flows: %w", err)
	}

	files := make([]*File, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read builtin flow %s: %w", entry.Name(), err)
		}
		def, err := Parse(data, path.Ext(entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("parse builtin flow %s: %w", entry.Name(), err)
		}
		files = append(files, &File{Definition: def, Source: "builtin"})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Definition.ID < files[j].Definition.ID
	})
	return files, nil
}
