package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps blobs on the local filesystem under root/{jobID}/{name}.
// It is the development-mode store and the test double for PostgresStore.
type LocalStore struct {
	root string
}

func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) Save(ctx context.Context, data []byte, name, jobID string) (string, error) {
	dir := filepath.Join(s.root, jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	return schemeFile + path, nil
}

func (s *LocalStore) Load(ctx context.Context, ref string) ([]byte, error) {
	path, err := s.localPath(ref)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

func (s *LocalStore) EnsureLocalPath(ctx context.Context, ref string) (string, error) {
	path, err := s.localPath(ref)
	if err != nil {
		return "", err
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("blob file missing: %w", err)
	}
	return path, nil
}

func (s *LocalStore) localPath(ref string) (string, error) {
	scheme, rest, err := splitRef(ref)
	if err != nil {
		return "", err
	}
	if scheme != schemeFile {
		return "", fmt.Errorf("local store cannot resolve ref %q", ref)
	}
	return rest, nil
}
