package core

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/lock"
)

// spyStore wraps a MemStore and counts writes of assembled objects.
type spyStore struct {
	*blob.MemStore
	objectPuts atomic.Int32

	mu        sync.Mutex
	failPut   func(key string) bool
	beforePut func(key string)
}

func newSpyStore() *spyStore {
	return &spyStore{MemStore: blob.NewMemStore()}
}

func (s *spyStore) Put(ctx context.Context, key string, r io.Reader, size int64) (int64, error) {
	if isObjectKey(key) {
		s.objectPuts.Add(1)
	}
	s.mu.Lock()
	fail, before := s.failPut, s.beforePut
	s.mu.Unlock()
	if before != nil {
		before(key)
	}
	if fail != nil && fail(key) {
		io.Copy(io.Discard, r)
		return 0, io.ErrShortWrite
	}
	return s.MemStore.Put(ctx, key, r, size)
}

func (s *spyStore) setFailPut(f func(key string) bool) {
	s.mu.Lock()
	s.failPut = f
	s.mu.Unlock()
}

// setBeforePut installs a hook that runs, and may block, before every write.
func (s *spyStore) setBeforePut(f func(key string)) {
	s.mu.Lock()
	s.beforePut = f
	s.mu.Unlock()
}

// keysWithPrefix lists stored keys under prefix.
func (s *spyStore) keysWithPrefix(prefix string) []string {
	var out []string
	for _, k := range s.Keys() {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out
}

func isObjectKey(key string) bool {
	return strings.HasPrefix(key, "uploads/images/") && !strings.HasPrefix(key, "uploads/images/variants/")
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.ConflictBackoff = time.Millisecond
	opts.MaxWaitTime = 5 * time.Second
	return opts
}

func newTestService(t *testing.T, opts Options) (*Service, *MemoryRepository, *spyStore) {
	t.Helper()
	repo := NewMemoryRepository()
	store := newSpyStore()
	return NewService(repo, store, lock.NewLocal(), opts), repo, store
}

// pngFixture encodes a w×h gradient.
func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 255 / w), uint8(y * 255 / h), 90, 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}
	return buf.Bytes()
}

// splitChunks cuts data into n nearly equal pieces.
func splitChunks(data []byte, n int) [][]byte {
	chunks := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		chunks = append(chunks, data[i*len(data)/n:(i+1)*len(data)/n])
	}
	return chunks
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// startUpload initializes an upload for data split into n chunks.
func startUpload(t *testing.T, svc *Service, data []byte, n int, checksum string) string {
	t.Helper()
	resp, err := svc.InitializeUpload(context.Background(), InitRequest{
		Filename:    "photo.png",
		MimeType:    "image/png",
		TotalSize:   int64(len(data)),
		TotalChunks: n,
		Checksum:    checksum,
	})
	if err != nil {
		t.Fatalf("InitializeUpload() error = %v", err)
	}
	return resp.UploadID
}

// sendChunk uploads chunk i of chunks.
func sendChunk(t *testing.T, svc *Service, id string, chunks [][]byte, i int) ChunkResponse {
	t.Helper()
	resp, err := svc.UploadChunk(context.Background(), ChunkRequest{
		UploadID: id,
		Index:    i,
		Size:     int64(len(chunks[i])),
		Data:     chunks[i],
	})
	if err != nil {
		t.Fatalf("UploadChunk(%d) error = %v", i, err)
	}
	return resp
}

// completedUpload runs a full upload of data and returns the record.
func completedUpload(t *testing.T, svc *Service, data []byte, n int) *Upload {
	t.Helper()
	id := startUpload(t, svc, data, n, "")
	chunks := splitChunks(data, n)
	for i := range chunks {
		sendChunk(t, svc, id, chunks, i)
	}
	u, err := svc.repo.GetUpload(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != StatusCompleted {
		t.Fatalf("upload status = %s, want completed", u.Status)
	}
	return u
}
