package flows

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrFlowFileNotFound is returned when no search path has the requested flow.
var ErrFlowFileNotFound = errors.New("flow file not found")

// SearchPaths returns flow directories in precedence order. extraDir, when
// set, comes first.
func SearchPaths(projectDir, extraDir string) []string {
	paths := make([]string, 0, 4)
	if extraDir != "" {
		paths = append(paths, extraDir)
	}
	if projectDir != "" {
		paths = append(paths, filepath.Join(projectDir, ".followup", "flows"))
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "followup", "flows"))
	}
	paths = append(paths, filepath.Join(string(filepath.Separator), "usr", "share", "followup", "flows"))
	return paths
}

// LoadFromSearchPaths loads flows with first-hit precedence by flow id,
// falling back to the builtin set.
func LoadFromSearchPaths(projectDir, extraDir string) ([]*File, error) {
	seen := make(map[string]*File)
	order := make([]string, 0)

	add := func(files []*File) {
		for _, f := range files {
			if _, exists := seen[f.Definition.ID]; exists {
				continue
			}
			seen[f.Definition.ID] = f
			order = append(order, f.Definition.ID)
		}
	}

	for _, dir := range SearchPaths(projectDir, extraDir) {
		files, err := LoadDir(dir)
		if err != nil {
			return nil, err
		}
		add(files)
	}

	builtins, err := LoadBuiltin()
	if err != nil {
		return nil, err
	}
	add(builtins)

	resolved := make([]*File, 0, len(order))
	for _, id := range order {
		resolved = append(resolved, seen[id])
	}
	return resolved, nil
}

// Find returns the flow file with id from the search paths.
func Find(projectDir, extraDir, id string) (*File, error) {
	files, err := LoadFromSearchPaths(projectDir, extraDir)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f.Definition.ID == id {
			return f, nil
		}
	}
	return nil, ErrFlowFileNotFound
}
