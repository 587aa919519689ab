// Package blob abstracts the byte store that holds chunk payloads, assembled
// objects and image variants.
//
// Keys are slash-separated relative paths such as
// "uploads/temp/<id>/chunk_000003". Every backend writes a key atomically: a
// reader sees either the previous bytes or the new bytes, never a mix.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("blob not found")

// Store is implemented by every storage backend.
type Store interface {
	// Put writes r under key, replacing any previous value, and returns the
	// number of bytes stored. size is a hint and may be -1 when unknown.
	Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error)

	// Open returns a reader for key or ErrNotFound.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Stat returns the stored size of key or ErrNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeletePrefix removes every key beginning with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// ReadAll reads the whole value stored under key.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", key, err)
	}
	return data, nil
}

// Join builds a key from path elements, dropping empty ones.
func Join(elem ...string) string {
	return path.Join(elem...)
}

// validKey rejects empty keys and keys that would escape the store root.
func validKey(key string) error {
	if key == "" {
		return errors.New("blob key is empty")
	}
	if strings.HasPrefix(key, "/") || path.Clean(key) != key || key == ".." || strings.HasPrefix(key, "../") {
		return fmt.Errorf("invalid blob key %q", key)
	}
	return nil
}
