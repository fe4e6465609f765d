package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned when a saved call or environment does not exist.
var ErrNotFound = errors.New("not found")

// Store reads and writes saved calls and environments in a workspace folder.
type Store struct {
	fs      afero.Fs
	baseDir string
}

// NewStore returns a store rooted at baseDir, normally the .amsdk folder.
func NewStore(fsys afero.Fs, baseDir string) *Store {
	return &Store{fs: fsys, baseDir: baseDir}
}

// RequestsDir returns the saved calls directory.
func (s *Store) RequestsDir() string {
	return filepath.Join(s.baseDir, "requests")
}

// EnvironmentsDir returns the environments directory.
func (s *Store) EnvironmentsDir() string {
	return filepath.Join(s.baseDir, "environments")
}

func yamlPath(dir, name string) string {
	if strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml") {
		return filepath.Join(dir, name)
	}
	return filepath.Join(dir, name+".yaml")
}

// SaveCall writes call to requests/<name>.yaml.
func (s *Store) SaveCall(call SavedCall) error {
	if strings.TrimSpace(call.Name) == "" {
		return errors.New("saved call needs a name")
	}
	path := yamlPath(s.RequestsDir(), call.Name)
	if err := s.fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := yaml.Marshal(call)
	if err != nil {
		return fmt.Errorf("failed to marshal call: %w", err)
	}
	if err := afero.WriteFile(s.fs, path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// LoadCall reads a saved call by name. Names may include subfolders.
func (s *Store) LoadCall(name string) (*SavedCall, error) {
	path := yamlPath(s.RequestsDir(), name)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("saved call %q: %w", name, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var call SavedCall
	if err := yaml.Unmarshal(data, &call); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if call.Name == "" {
		call.Name = strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
	}
	if call.Method == "" {
		call.Method = "GET"
	}
	call.Method = strings.ToUpper(call.Method)
	return &call, nil
}

// ListCalls returns the names of all saved calls, sorted.
func (s *Store) ListCalls() ([]string, error) {
	dir := s.RequestsDir()
	ok, err := afero.DirExists(s.fs, dir)
	if err != nil || !ok {
		return []string{}, err
	}

	var names []string
	err = afero.Walk(s.fs, dir, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !(strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")) {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = strings.TrimSuffix(strings.TrimSuffix(rel, ".yaml"), ".yml")
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list saved calls: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// ListGroup returns the sorted names of the saved calls whose batch field equals group.
func (s *Store) ListGroup(group string) ([]string, error) {
	names, err := s.ListCalls()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, name := range names {
		call, err := s.LoadCall(name)
		if err != nil {
			return nil, err
		}
		if call.Batch == group {
			out = append(out, name)
		}
	}
	return out, nil
}
