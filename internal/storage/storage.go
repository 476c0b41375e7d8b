package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned for keys that could escape the store's namespace.
var ErrInvalidKey = errors.New("invalid object key")

// ObjectStore holds recording audio blobs. Keys are owner-scoped slash paths
// like "<ownerID>/<recordingID>.wav".
type ObjectStore interface {
	// Upload stores a blob under key with the given content type.
	Upload(ctx context.Context, key string, data []byte, contentType string) error
	// PublicURL returns the reference clients use to fetch the blob.
	PublicURL(key string) string
	// Remove deletes the blob behind key.
	Remove(ctx context.Context, key string) error
}

// validateKey rejects keys that are absolute or walk out of the store root.
func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
