// Package flows loads flow definitions from files and saves them through validation.
package flows

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/opencode-ai/followup/internal/models"
)

// File is a flow definition read from disk or the embedded set.
type File struct {
	Definition *models.FlowDefinition
	// Source is the file path, or "builtin".
	Source string
}

// LoadFile reads one flow definition. JSON files use the editor export
// format; YAML files use the same shape.
func LoadFile(path string) (*File, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("flow path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read flow %s: %w", path, err)
	}

	def, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse flow %s: %w", path, err)
	}
	return &File{Definition: def, Source: path}, nil
}

// Parse decodes a definition. ext selects the format (".json", ".yaml", ".yml");
// anything else is tried as JSON.
func Parse(data []byte, ext string) (*models.FlowDefinition, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, err
		}
		converted, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("convert yaml: %w", err)
		}
		data = converted
	}

	def, err := models.ParseFlowDefinition(data)
	if err != nil {
		return nil, err
	}
	def.ID = strings.TrimSpace(def.ID)
	def.Name = strings.TrimSpace(def.Name)
	if def.ID == "" {
		return nil, fmt.Errorf("flow id is required")
	}
	if def.Name == "" {
		def.Name = def.ID
	}
	return def, nil
}

// LoadDir loads every .json, .yaml and .yml file in dir. A missing dir is empty.
func LoadDir(dir string) ([]*File, error) {
	if strings.TrimSpace(dir) == "" {
		return []*File{}, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []*File{}, nil
		}
		return nil, fmt.Errorf("read flows dir %s: %w", dir, err)
	}

	files := make([]*File, 0)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".json", ".yaml", ".yml":
		default:
			continue
		}
		f, err := LoadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Definition.ID < files[j].Definition.ID
	})
	return files, nil
}
