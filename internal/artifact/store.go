package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"extractd/internal/config"
)

// ErrNotFound indicates the referenced artifact does not exist.
var ErrNotFound = errors.New("artifact not found")

// Store reads and writes job payloads and stage outputs by opaque ref.
type Store interface {
	Retrieve(ctx context.Context, ref string) ([]byte, error)
	Put(ctx context.Context, ref string, data []byte) error
}

// DirStore keeps artifacts as files under a root directory. Refs are
// relative paths; anything escaping the root is rejected.
type DirStore struct {
	root string
}

// NewDirStore builds a directory-backed store rooted at the configured
// artifact directory.
func NewDirStore(cfg *config.Config) (*DirStore, error) {
	return NewDirStoreAt(cfg.Paths.ArtifactDir)
}

// NewDirStoreAt builds a directory-backed store rooted at an explicit path.
func NewDirStoreAt(root string) (*DirStore, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the artifact root directory.
func (s *DirStore) Root() string { return s.root }

// Retrieve reads the artifact stored under ref.
func (s *DirStore) Retrieve(_ context.Context, ref string) ([]byte, error) {
	path, err := s.resolve(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("read artifact %s: %w", ref, err)
	}
	return data, nil
}

// Put stores data under ref, creating parent directories as needed.
func (s *DirStore) Put(_ context.Context, ref string, data []byte) error {
	path, err := s.resolve(ref)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create artifact directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s: %w", ref, err)
	}
	return nil
}

func (s *DirStore) resolve(ref string) (string, error) {
	cleaned := strings.TrimSpace(ref)
	if cleaned == "" {
		return "", errors.New("artifact ref is required")
	}
	path := filepath.Join(s.root, filepath.FromSlash(cleaned))
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("artifact ref %q escapes the store root", ref)
	}
	return path, nil
}
