// Package local archives fetched pages on the local filesystem.
package local

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory archived pages are written under.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore writes artifacts below BaseDir. Paths escaping BaseDir are
// rejected by os.Root.
type BlobStore struct {
	baseDir string
	root    *os.Root
}

// New creates BaseDir when missing and opens it as the store root.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	baseDir, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve base directory: %w", err)
	}
	if err := os.MkdirAll(baseDir, 0o750); err != nil {
		return nil, fmt.Errorf("create base directory: %w", err)
	}
	root, err := os.OpenRoot(baseDir)
	if err != nil {
		return nil, fmt.Errorf("open base directory: %w", err)
	}
	return &BlobStore{baseDir: baseDir, root: root}, nil
}

// Close releases the root directory handle.
func (s *BlobStore) Close() error {
	return s.root.Close()
}

// PutObject writes data to BaseDir/name and returns a file:// URI.
func (s *BlobStore) PutObject(_ context.Context, name string, _ string, data io.Reader) (string, error) {
	name = path.Clean(strings.TrimSpace(name))
	if name == "." || name == "" || strings.HasPrefix(name, "../") || path.IsAbs(name) {
		return "", fmt.Errorf("invalid object path %q", name)
	}
	if dir := path.Dir(name); dir != "." {
		if err := s.root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("create parent directories: %w", err)
		}
	}
	body, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("read object body: %w", err)
	}
	if err := s.root.WriteFile(name, body, 0o600); err != nil {
		return "", fmt.Errorf("write object: %w", err)
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}
