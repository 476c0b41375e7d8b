package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

type filesystemStore struct {
	root    string
	baseURL string
}

// NewFilesystem builds an ObjectStore rooted at a local directory, for
// appliance deployments with no S3. baseURL is prepended to keys to form
// public references, typically the server's /api/objects path.
func NewFilesystem(root, baseURL string) (ObjectStore, error) {
	if root == "" {
		return nil, fmt.Errorf("filesystem storage requires a root directory")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	slog.Debug("Filesystem object store ready", "root", root)
	return &filesystemStore{
		root:    root,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}, nil
}

// path resolves key under the root, refusing anything that escapes it.
func (s *filesystemStore) path(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	path := filepath.Join(s.root, filepath.FromSlash(key))
	if !strings.HasPrefix(path, filepath.Clean(s.root)+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return path, nil
}

func (s *filesystemStore) Upload(ctx context.Context, key string, data []byte, contentType string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create object directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write object %s: %w", key, err)
	}

	slog.Debug("Object written", "path", path, "bytes", len(data))
	return nil
}

func (s *filesystemStore) PublicURL(key string) string {
	return s.baseURL + "/" + key
}

func (s *filesystemStore) Remove(ctx context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to remove object %s: %w", key, err)
	}

	slog.Debug("Object removed", "path", path)
	return nil
}
