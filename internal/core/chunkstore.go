package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// ChunkStore keeps chunk payloads under <prefix>/<uploadID>/chunk_NNNNNN.
type ChunkStore struct {
	blobs  blob.Store
	prefix string
}

func NewChunkStore(blobs blob.Store, prefix string) *ChunkStore {
	return &ChunkStore{blobs: blobs, prefix: prefix}
}

func (c *ChunkStore) key(uploadID string, index int) string {
	return blob.Join(c.prefix, uploadID, fmt.Sprintf("chunk_%06d", index))
}

func (c *ChunkStore) dir(uploadID string) string {
	return blob.Join(c.prefix, uploadID) + "/"
}

// PutChunk stores data for chunk index, replacing any earlier payload. data
// must be exactly declaredSize bytes. If the store reports a different size
// after the write, the payload is removed and SizeMismatch returned.
func (c *ChunkStore) PutChunk(ctx context.Context, uploadID string, index int, data []byte, declaredSize int64) error {
	const op = "put chunk"

	if int64(len(data)) != declaredSize {
		return newError(KindSizeMismatch, op,
			fmt.Sprintf("chunk %d has %d bytes, declared %d", index, len(data), declaredSize), nil)
	}

	key := c.key(uploadID, index)
	n, err := c.blobs.Put(ctx, key, bytes.NewReader(data), declaredSize)
	if err != nil {
		return fmt.Errorf("store chunk %d: %w", index, err)
	}

	stored := n
	if size, err := c.blobs.Stat(ctx, key); err == nil {
		stored = size
	}
	if stored != declaredSize {
		if err := c.blobs.Delete(ctx, key); err != nil {
			logging.ForUpload(ctx, uploadID).Warn("remove short chunk failed",
				"chunk_index", index, "error", err)
		}
		return newError(KindSizeMismatch, op,
			fmt.Sprintf("chunk %d stored %d bytes, declared %d", index, stored, declaredSize), nil)
	}

	return nil
}

// GetChunk returns the payload of chunk index, or NotFound.
func (c *ChunkStore) GetChunk(ctx context.Context, uploadID string, index int) ([]byte, error) {
	rc, err := c.OpenChunk(ctx, uploadID, index)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read chunk %d: %w", index, err)
	}
	return data, nil
}

// OpenChunk streams the payload of chunk index, or returns NotFound.
func (c *ChunkStore) OpenChunk(ctx context.Context, uploadID string, index int) (io.ReadCloser, error) {
	rc, err := c.blobs.Open(ctx, c.key(uploadID, index))
	if errors.Is(err, blob.ErrNotFound) {
		return nil, newError(KindNotFound, "get chunk", fmt.Sprintf("chunk %d not found", index), err)
	}
	if err != nil {
		return nil, fmt.Errorf("open chunk %d: %w", index, err)
	}
	return rc, nil
}

// DeleteChunk removes one payload. Missing payloads are ignored.
func (c *ChunkStore) DeleteChunk(ctx context.Context, uploadID string, index int) error {
	return c.blobs.Delete(ctx, c.key(uploadID, index))
}

// DeleteAll removes every payload of the upload. Missing payloads are ignored.
func (c *ChunkStore) DeleteAll(ctx context.Context, uploadID string) error {
	if err := c.blobs.DeletePrefix(ctx, c.dir(uploadID)); err != nil {
		return fmt.Errorf("delete chunks: %w", err)
	}
	return nil
}
