package mapping

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Load reads a mapping file. The format follows the extension: .yaml/.yml or .toml.
// Fields missing from the file keep their default configuration.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read mapping file: %w", err)
	}
	return Parse(filepath.Ext(path), data)
}

// Parse decodes mapping data in the format named by ext.
func Parse(ext string, data []byte) (*Mapping, error) {
	var file Mapping
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%w: yaml: %w", ErrInvalidMapping, err)
		}
	case ".toml":
		if _, err := toml.Decode(string(data), &file); err != nil {
			return nil, fmt.Errorf("%w: toml: %w", ErrInvalidMapping, err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFile, ext)
	}

	m := Default()
	for field, cfg := range file.Fields {
		m.Fields[field] = cfg
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}
