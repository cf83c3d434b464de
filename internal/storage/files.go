// Package storage provides the filesystem store shared by the crawl and
// build phases, plus an optional relational archive of crawled pages.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// FileStore reads and writes files beneath a fixed root directory. All
// paths passed to it are slash-separated and relative to that root.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed and returns a store.
func NewFileStore(root string) (*FileStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("store root must be provided")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) abs(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// WriteFile persists data at the relative path, creating intermediate
// directories as needed.
func (s *FileStore) WriteFile(rel string, data []byte) error {
	full := s.abs(rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

// ReadFile returns the contents stored at the relative path.
func (s *FileStore) ReadFile(rel string) ([]byte, error) {
	data, err := os.ReadFile(s.abs(rel))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", rel, err)
	}
	return data, nil
}

// Exists reports whether a regular file exists at the relative path.
func (s *FileStore) Exists(rel string) bool {
	info, err := os.Stat(s.abs(rel))
	return err == nil && info.Mode().IsRegular()
}

// Copy streams the file at rel into dst at dstRel.
func (s *FileStore) Copy(rel string, dst *FileStore, dstRel string) error {
	src, err := os.Open(s.abs(rel))
	if err != nil {
		return fmt.Errorf("open %s: %w", rel, err)
	}
	defer src.Close()

	full := dst.abs(dstRel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", dstRel, err)
	}
	out, err := os.Create(full)
	if err != nil {
		return fmt.Errorf("create %s: %w", dstRel, err)
	}
	if _, err := io.Copy(out, src); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", rel, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dstRel, err)
	}
	return nil
}
