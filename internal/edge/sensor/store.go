package sensor

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Store persists sensor configs as a YAML list. Every Save rewrites the
// whole file.
type Store struct {
	path string
}

// NewStore creates a Store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file backing the store.
func (s *Store) Path() string {
	return s.path
}

// Load reads every stored config. A missing or empty file yields none.
func (s *Store) Load() ([]Config, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading sensor store: %w", err)
	}

	var configs []Config
	if err := yaml.Unmarshal(data, &configs); err != nil {
		return nil, fmt.Errorf("parsing sensor store %s: %w", s.path, err)
	}
	return configs, nil
}

// Save replaces the file contents with configs. The new file is written
// next to the old one and renamed over it.
func (s *Store) Save(configs []Config) error {
	if configs == nil {
		configs = []Config{}
	}
	data, err := yaml.Marshal(configs)
	if err != nil {
		return fmt.Errorf("encoding sensors: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating sensor store directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".sensors-*.yaml")
	if err != nil {
		return fmt.Errorf("creating sensor store temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close() //nolint:errcheck // already failing
		return fmt.Errorf("writing sensor store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing sensor store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replacing sensor store: %w", err)
	}
	return nil
}
