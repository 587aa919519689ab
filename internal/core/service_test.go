package core

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/JonMunkholm/imgchunk/internal/blob"
)

// =============================================================================
// InitializeUpload / GetUploadStatus
// =============================================================================

func TestInitializeUpload(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	ctx := context.Background()

	resp, err := svc.InitializeUpload(ctx, InitRequest{
		Filename: "cat.jpg", MimeType: "image/jpeg", TotalSize: 1000, TotalChunks: 4,
	})
	if err != nil {
		t.Fatalf("InitializeUpload() error = %v", err)
	}
	if resp.Status != StatusPending || resp.TotalChunks != 4 || resp.UploadID == "" {
		t.Errorf("InitializeUpload() = %+v", resp)
	}

	st, err := svc.GetUploadStatus(ctx, resp.UploadID)
	if err != nil {
		t.Fatalf("GetUploadStatus() error = %v", err)
	}
	if st.UploadedChunks != 0 || st.ProgressPercent != 0 || st.Status != StatusPending {
		t.Errorf("status = %+v, want pending with no chunks", st)
	}
	if st.Filename != "cat.jpg" || st.MimeType != "image/jpeg" {
		t.Errorf("status metadata = %q %q", st.Filename, st.MimeType)
	}
}

func TestGetUploadStatus_Errors(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	ctx := context.Background()

	if _, err := svc.GetUploadStatus(ctx, "not-a-uuid"); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("malformed id error = %v, want InvalidArgument", err)
	}
	if _, err := svc.GetUploadStatus(ctx, testUploadID); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown id error = %v, want NotFound", err)
	}
}

// =============================================================================
// UploadChunk
// =============================================================================

func TestUploadChunk_FullFlow(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	data := pngFixture(t, 200, 150)
	id := startUpload(t, svc, data, 3, sha256Hex(data))
	chunks := splitChunks(data, 3)

	wantProgress := []int{33, 67, 100}
	for i := range chunks {
		resp := sendChunk(t, svc, id, chunks, i)
		if resp.UploadedChunks != i+1 || resp.ProgressPercent != wantProgress[i] {
			t.Errorf("chunk %d: uploaded = %d, progress = %d", i, resp.UploadedChunks, resp.ProgressPercent)
		}
		last := i == len(chunks)-1
		if resp.IsCompleted != last {
			t.Errorf("chunk %d: IsCompleted = %v, want %v", i, resp.IsCompleted, last)
		}
	}

	st, _ := svc.GetUploadStatus(ctx, id)
	if st.Status != StatusCompleted || st.CompletedAt == nil {
		t.Errorf("final status = %s, completedAt = %v", st.Status, st.CompletedAt)
	}
	if n := store.objectPuts.Load(); n != 1 {
		t.Errorf("object writes = %d, want 1", n)
	}
	vs, err := svc.ListVariants(ctx, id)
	if err != nil || len(vs) != 4 {
		t.Errorf("ListVariants() = %d variants, %v; want 4", len(vs), err)
	}
}

func TestUploadChunk_DuplicateIsNoop(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	data := []byte("0123456789")
	id := startUpload(t, svc, data, 5, "")
	chunks := splitChunks(data, 5)

	sendChunk(t, svc, id, chunks, 0)
	resp := sendChunk(t, svc, id, chunks, 0)
	if resp.UploadedChunks != 1 || resp.Status != StatusUploading {
		t.Errorf("after resend: uploaded = %d, status = %s", resp.UploadedChunks, resp.Status)
	}
}

func TestUploadChunk_ConcurrentDistinctChunks(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	data := pngFixture(t, 64, 64)
	const n = 24
	id := startUpload(t, svc, data, n, sha256Hex(data))
	chunks := splitChunks(data, n)

	var wg sync.WaitGroup
	for i := range chunks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Every chunk is sent twice to race duplicates against new chunks.
			for j := 0; j < 2; j++ {
				_, err := svc.UploadChunk(ctx, ChunkRequest{
					UploadID: id, Index: i, Size: int64(len(chunks[i])), Data: chunks[i],
				})
				if err != nil {
					t.Errorf("UploadChunk(%d) error = %v", i, err)
				}
			}
		}(i)
	}
	wg.Wait()

	st, _ := svc.GetUploadStatus(ctx, id)
	if st.UploadedChunks != n || st.Status != StatusCompleted {
		t.Errorf("uploaded = %d, status = %s; want %d, completed", st.UploadedChunks, st.Status, n)
	}
	if got := store.objectPuts.Load(); got != 1 {
		t.Errorf("object writes = %d, want 1", got)
	}
	u, _ := svc.repo.GetUpload(ctx, id)
	stored, _ := blob.ReadAll(ctx, store, u.StoragePath)
	if !bytes.Equal(stored, data) {
		t.Error("assembled object differs from uploaded data")
	}
}

func TestUploadChunk_AfterCompletionIsNoop(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	data := pngFixture(t, 32, 32)
	u := completedUpload(t, svc, data, 2)
	chunks := splitChunks(data, 2)

	resp := sendChunk(t, svc, u.ID, chunks, 1)
	if !resp.IsCompleted || resp.Status != StatusCompleted {
		t.Errorf("resend after completion = %+v", resp)
	}
	if n := store.objectPuts.Load(); n != 1 {
		t.Errorf("object writes = %d, want 1", n)
	}
}

func TestUploadChunk_LateDuplicateAfterCompletionIsRemoved(t *testing.T) {
	opts := testOptions()
	opts.GenerateOnComplete = false
	svc, _, store := newTestService(t, opts)
	ctx := context.Background()
	data := pngFixture(t, 30, 30)
	id := startUpload(t, svc, data, 2, "")
	chunks := splitChunks(data, 2)
	sendChunk(t, svc, id, chunks, 0)

	// Hold the first write of chunk 1 until the upload has completed.
	var held atomic.Bool
	entered := make(chan struct{})
	release := make(chan struct{})
	store.setBeforePut(func(key string) {
		if strings.HasSuffix(key, "chunk_000001") && held.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
	})

	late := make(chan error, 1)
	go func() {
		_, err := svc.UploadChunk(ctx, ChunkRequest{
			UploadID: id, Index: 1, Size: int64(len(chunks[1])), Data: chunks[1],
		})
		late <- err
	}()
	<-entered

	if resp := sendChunk(t, svc, id, chunks, 1); !resp.IsCompleted {
		t.Fatalf("status = %s, want completed", resp.Status)
	}
	close(release)
	if err := <-late; err != nil {
		t.Fatalf("late UploadChunk() error = %v", err)
	}

	if keys := store.keysWithPrefix("uploads/temp/" + id); len(keys) != 0 {
		t.Errorf("chunk payloads left after completion: %v", keys)
	}
	st, _ := svc.GetUploadStatus(ctx, id)
	if st.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", st.Status)
	}
}

func TestUploadChunk_Rejections(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	id := startUpload(t, svc, []byte("abcdefghij"), 5, "")

	tests := []struct {
		name     string
		req      ChunkRequest
		wantErr  error
		wantCode string
	}{
		{
			name:     "index past end",
			req:      ChunkRequest{UploadID: id, Index: 5, Size: 2, Data: []byte("ab")},
			wantErr:  ErrOutOfRange,
			wantCode: "UPL006",
		},
		{
			name:     "negative index",
			req:      ChunkRequest{UploadID: id, Index: -1, Size: 2, Data: []byte("ab")},
			wantErr:  ErrOutOfRange,
			wantCode: "UPL006",
		},
		{
			name:     "short body",
			req:      ChunkRequest{UploadID: id, Index: 1, Size: 2, Data: []byte("a")},
			wantErr:  ErrSizeMismatch,
			wantCode: "CHK001",
		},
		{
			name:     "empty chunk",
			req:      ChunkRequest{UploadID: id, Index: 1, Size: 0},
			wantErr:  ErrInvalidArgument,
			wantCode: "UPL005",
		},
		{
			name:     "bad chunk checksum",
			req:      ChunkRequest{UploadID: id, Index: 2, Size: 2, Data: []byte("ef"), Checksum: sha256Hex([]byte("xx"))},
			wantErr:  ErrChecksumMismatch,
			wantCode: "CHK002",
		},
		{
			name:     "unknown upload",
			req:      ChunkRequest{UploadID: testUploadID, Index: 0, Size: 2, Data: []byte("ab")},
			wantErr:  ErrNotFound,
			wantCode: "UPL001",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UploadChunk(ctx, tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("UploadChunk() error = %v, want %v", err, tt.wantErr)
			}
			if got := MapError(err).Code; got != tt.wantCode {
				t.Errorf("MapError() code = %q, want %q", got, tt.wantCode)
			}
		})
	}

	st, _ := svc.GetUploadStatus(ctx, id)
	if st.UploadedChunks != 0 {
		t.Errorf("rejected chunks were recorded: %d", st.UploadedChunks)
	}
	if keys := store.keysWithPrefix("uploads/temp/"); len(keys) != 0 {
		t.Errorf("rejected chunks were stored: %v", keys)
	}
}

func TestUploadChunk_ValidChunkChecksum(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	id := startUpload(t, svc, []byte("abcd"), 2, "")

	resp, err := svc.UploadChunk(context.Background(), ChunkRequest{
		UploadID: id, Index: 0, Size: 2, Data: []byte("ab"), Checksum: "sha256:" + sha256Hex([]byte("ab")),
	})
	if err != nil {
		t.Fatalf("UploadChunk() error = %v", err)
	}
	if resp.UploadedChunks != 1 {
		t.Errorf("uploaded = %d, want 1", resp.UploadedChunks)
	}
}

func TestUploadChunk_RecoversFromChecksumFailure(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	data := pngFixture(t, 80, 60)
	id := startUpload(t, svc, data, 4, sha256Hex(data))
	chunks := splitChunks(data, 4)

	corrupt := bytes.Clone(chunks[2])
	corrupt[0] ^= 0xFF
	bad := [][]byte{chunks[0], chunks[1], corrupt, chunks[3]}

	for i := 0; i < 3; i++ {
		sendChunk(t, svc, id, bad, i)
	}
	_, err := svc.UploadChunk(ctx, ChunkRequest{UploadID: id, Index: 3, Size: int64(len(chunks[3])), Data: chunks[3]})
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("final chunk error = %v, want ChecksumMismatch", err)
	}

	st, _ := svc.GetUploadStatus(ctx, id)
	if st.Status != StatusFailed || st.FailureReason == "" {
		t.Fatalf("status = %s, reason = %q; want failed", st.Status, st.FailureReason)
	}
	if keys := store.keysWithPrefix("uploads/temp/" + id + "/"); len(keys) != 4 {
		t.Errorf("chunks kept after failure = %d, want 4", len(keys))
	}

	// Resending the corrected chunk overwrites it and reassembles.
	resp := sendChunk(t, svc, id, chunks, 2)
	if !resp.IsCompleted {
		t.Errorf("after correction status = %s, want completed", resp.Status)
	}
	u, _ := svc.repo.GetUpload(ctx, id)
	stored, _ := blob.ReadAll(ctx, store, u.StoragePath)
	if !bytes.Equal(stored, data) {
		t.Error("reassembled object differs from uploaded data")
	}
}

func TestUploadChunk_RetriesAfterBusyLimiter(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 1
	opts.MaxWaitTime = 20 * time.Millisecond
	svc, _, _ := newTestService(t, opts)
	ctx := context.Background()
	data := pngFixture(t, 40, 40)
	id := startUpload(t, svc, data, 2, "")
	chunks := splitChunks(data, 2)

	if err := svc.limiter.Acquire(ctx); err != nil {
		t.Fatal(err)
	}
	sendChunk(t, svc, id, chunks, 0)
	_, err := svc.UploadChunk(ctx, ChunkRequest{UploadID: id, Index: 1, Size: int64(len(chunks[1])), Data: chunks[1]})
	if !errors.Is(err, ErrTooManyUploads) || !IsRetryable(err) {
		t.Fatalf("busy error = %v, want retryable ErrTooManyUploads", err)
	}
	svc.limiter.Release()

	st, _ := svc.GetUploadStatus(ctx, id)
	if st.Status != StatusUploading || st.UploadedChunks != 2 {
		t.Fatalf("status = %s with %d chunks; want uploading with 2", st.Status, st.UploadedChunks)
	}

	resp := sendChunk(t, svc, id, chunks, 1)
	if !resp.IsCompleted {
		t.Errorf("resend status = %s, want completed", resp.Status)
	}
}

// =============================================================================
// ResumeUpload
// =============================================================================

func TestResumeUpload_ReportsMissingChunks(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	data := []byte("abcdefghijkl")
	id := startUpload(t, svc, data, 6, "")
	chunks := splitChunks(data, 6)
	sendChunk(t, svc, id, chunks, 0)
	sendChunk(t, svc, id, chunks, 3)

	resp, err := svc.ResumeUpload(context.Background(), id)
	if err != nil {
		t.Fatalf("ResumeUpload() error = %v", err)
	}
	if want := []int{1, 2, 4, 5}; !slices.Equal(resp.MissingChunks, want) {
		t.Errorf("MissingChunks = %v, want %v", resp.MissingChunks, want)
	}
	if resp.Status != StatusUploading {
		t.Errorf("Status = %s, want uploading", resp.Status)
	}
}

func TestResumeUpload_ReassemblesFailedUpload(t *testing.T) {
	svc, repo, _ := newTestService(t, testOptions())
	ctx := context.Background()
	data := pngFixture(t, 30, 30)
	id := startUpload(t, svc, data, 2, "")
	chunks := splitChunks(data, 2)
	sendChunk(t, svc, id, chunks, 0)

	// Simulate a process that died mid-assembly and was reset by the janitor.
	svc.chunks.PutChunk(ctx, id, 1, chunks[1], int64(len(chunks[1])))
	repo.MarkChunk(ctx, id, 1)
	repo.TransitionStatus(ctx, id, []Status{StatusUploading}, StatusFailed, StatusUpdate{FailureReason: "assembly interrupted"})

	resp, err := svc.ResumeUpload(ctx, id)
	if err != nil {
		t.Fatalf("ResumeUpload() error = %v", err)
	}
	if resp.Status != StatusCompleted || len(resp.MissingChunks) != 0 {
		t.Errorf("ResumeUpload() = %s, missing %v", resp.Status, resp.MissingChunks)
	}
	if resp.FailureReason != "" {
		t.Errorf("FailureReason = %q, want cleared", resp.FailureReason)
	}
}

// =============================================================================
// CancelUpload
// =============================================================================

func TestCancelUpload_MidUpload(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	data := []byte("0123456789")
	id := startUpload(t, svc, data, 5, "")
	chunks := splitChunks(data, 5)
	sendChunk(t, svc, id, chunks, 0)
	sendChunk(t, svc, id, chunks, 1)

	ok, err := svc.CancelUpload(ctx, id)
	if err != nil || !ok {
		t.Fatalf("CancelUpload() = %v, %v; want true", ok, err)
	}
	if _, err := svc.GetUploadStatus(ctx, id); !errors.Is(err, ErrNotFound) {
		t.Errorf("status after cancel error = %v, want NotFound", err)
	}
	if keys := store.keysWithPrefix("uploads/temp/" + id); len(keys) != 0 {
		t.Errorf("chunks left after cancel: %v", keys)
	}

	// A late chunk for the cancelled upload is rejected.
	_, err = svc.UploadChunk(ctx, ChunkRequest{UploadID: id, Index: 2, Size: 2, Data: chunks[2]})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("chunk after cancel error = %v, want NotFound", err)
	}

	ok, err = svc.CancelUpload(ctx, id)
	if err != nil || ok {
		t.Errorf("second CancelUpload() = %v, %v; want false", ok, err)
	}
}

func TestCancelUpload_Completed(t *testing.T) {
	svc, _, store := newTestService(t, testOptions())
	ctx := context.Background()
	u := completedUpload(t, svc, pngFixture(t, 300, 200), 2)

	if keys := store.keysWithPrefix("uploads/images/"); len(keys) != 5 {
		t.Fatalf("stored objects before cancel = %d, want 5", len(keys))
	}
	ok, err := svc.CancelUpload(ctx, u.ID)
	if err != nil || !ok {
		t.Fatalf("CancelUpload() = %v, %v", ok, err)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Errorf("objects left after cancel: %v", keys)
	}
}

func TestCancelUpload_UnknownOrMalformed(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())

	for _, id := range []string{testUploadID, "not-a-uuid", "", "../../etc"} {
		ok, err := svc.CancelUpload(context.Background(), id)
		if ok || err != nil {
			t.Errorf("CancelUpload(%q) = %v, %v; want false, nil", id, ok, err)
		}
	}
}

func TestCancelUpload_DuringAssembly(t *testing.T) {
	opts := testOptions()
	opts.ConflictRetries = 2
	svc, repo, _ := newTestService(t, opts)
	ctx := context.Background()
	id := startUpload(t, svc, []byte("ab"), 1, "")
	repo.TransitionStatus(ctx, id, []Status{StatusPending}, StatusAssembling, StatusUpdate{})

	ok, err := svc.CancelUpload(ctx, id)
	if ok || !errors.Is(err, ErrConflict) || !IsRetryable(err) {
		t.Errorf("CancelUpload() = %v, %v; want retryable Conflict", ok, err)
	}
	if _, err := repo.GetUpload(ctx, id); err != nil {
		t.Errorf("upload removed during assembly: %v", err)
	}
}

// =============================================================================
// Service helpers
// =============================================================================

func TestService_NonImageBytesStillComplete(t *testing.T) {
	svc, _, _ := newTestService(t, testOptions())
	ctx := context.Background()
	u := completedUpload(t, svc, bytes.Repeat([]byte("garbage"), 20), 3)

	vs, err := svc.ListVariants(ctx, u.ID)
	if err != nil || len(vs) != 0 {
		t.Errorf("ListVariants() = %d, %v; want none", len(vs), err)
	}
	_, err = svc.AttachToEntity(ctx, AttachRequest{UploadID: u.ID, EntityType: "product", EntityID: "1"})
	if MapError(err).Code != "IMG001" {
		t.Errorf("AttachToEntity() error = %v, want IMG001", err)
	}
}

func TestService_LimiterStatus(t *testing.T) {
	opts := testOptions()
	opts.MaxConcurrent = 3
	svc, _, _ := newTestService(t, opts)

	st := svc.LimiterStatus()
	if st.MaxConcurrent != 3 || st.Active != 0 || st.Available != 3 {
		t.Errorf("LimiterStatus() = %+v", st)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := svc.WaitForDrain(ctx); err != nil {
		t.Errorf("WaitForDrain() error = %v", err)
	}
}
