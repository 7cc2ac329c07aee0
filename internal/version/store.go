package version

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store reads and writes the plain-text version marker file. The file holds a
// single version identifier and nothing else.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string {
	return s.path
}

// Available reports whether the marker file exists.
func (s *Store) Available() bool {
	info, err := os.Stat(s.path)
	return err == nil && !info.IsDir()
}

// Current returns the recorded version, or Unknown if the marker is missing,
// unreadable, or empty.
func (s *Store) Current() string {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return Unknown
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return Unknown
	}
	return v
}

// Write records a new version marker atomically.
func (s *Store) Write(v string) error {
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".version-*")
	if err != nil {
		return fmt.Errorf("could not create temp version marker: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(strings.TrimSpace(v) + "\n"); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("could not write version marker: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("could not replace version marker: %w", err)
	}
	return nil
}
