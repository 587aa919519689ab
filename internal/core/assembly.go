package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/checksum"
	"github.com/JonMunkholm/imgchunk/internal/imaging"
	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// AssemblyEngine concatenates the chunks of a complete upload into one
// durable object, at most once per upload.
type AssemblyEngine struct {
	repo         Repository
	chunks       *ChunkStore
	blobs        blob.Store
	objectPrefix string
	now          func() time.Time
}

func NewAssemblyEngine(repo Repository, chunks *ChunkStore, blobs blob.Store, objectPrefix string) *AssemblyEngine {
	return &AssemblyEngine{
		repo:         repo,
		chunks:       chunks,
		blobs:        blobs,
		objectPrefix: objectPrefix,
		now:          time.Now,
	}
}

// ObjectKey is where the assembled bytes of u are stored.
func (a *AssemblyEngine) ObjectKey(u *Upload) string {
	return blob.Join(a.objectPrefix, u.ID+"_"+sanitizeFilename(u.OriginalFilename, u.MimeType))
}

// TryAssemble assembles the upload if it is complete and still uploading.
// The returned bool is true only for the caller that won the
// uploading→assembling transition and performed the work; everyone else gets
// the current record and false.
//
// On failure the upload is left failed with the chunks in place, and the
// error is returned.
func (a *AssemblyEngine) TryAssemble(ctx context.Context, id string) (*Upload, bool, error) {
	u, err := a.repo.GetUpload(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if u.Status != StatusUploading || !u.IsComplete() {
		return u, false, nil
	}

	u, err = a.repo.TransitionStatus(ctx, id, []Status{StatusUploading}, StatusAssembling, StatusUpdate{})
	if err != nil {
		if KindOf(err) == KindConflict {
			current, getErr := a.repo.GetUpload(ctx, id)
			return current, false, getErr
		}
		return nil, false, fmt.Errorf("claim assembly: %w", err)
	}

	log := logging.ForUpload(ctx, id)
	start := time.Now()
	key := a.ObjectKey(u)

	// The outcome must be recorded even if the caller goes away mid-assembly.
	settleCtx := context.WithoutCancel(ctx)

	if err := a.assemble(ctx, u, key); err != nil {
		if KindOf(err) == KindMissingChunk {
			log.Error("chunk missing during assembly", "error", err)
		} else {
			log.Warn("assembly failed", "error", err)
		}
		return a.fail(settleCtx, u, key, err)
	}

	completedAt := a.now().UTC()
	done, err := a.repo.TransitionStatus(settleCtx, id, []Status{StatusAssembling}, StatusCompleted, StatusUpdate{
		StoragePath: key,
		CompletedAt: &completedAt,
	})
	if err != nil {
		return a.fail(settleCtx, u, key, fmt.Errorf("mark completed: %w", err))
	}

	if err := a.chunks.DeleteAll(settleCtx, id); err != nil {
		log.Warn("chunk cleanup failed", "error", err)
	}

	log.Info("upload assembled",
		"storage_path", key,
		"bytes", done.TotalSize,
		"chunks", done.TotalChunks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return done, true, nil
}

// fail removes any partial object and moves the upload to failed.
func (a *AssemblyEngine) fail(ctx context.Context, u *Upload, key string, cause error) (*Upload, bool, error) {
	log := logging.ForUpload(ctx, u.ID)

	if err := a.blobs.Delete(ctx, key); err != nil {
		log.Warn("remove partial object failed", "storage_path", key, "error", err)
	}

	failed, err := a.repo.TransitionStatus(ctx, u.ID, []Status{StatusAssembling}, StatusFailed, StatusUpdate{
		FailureReason: cause.Error(),
	})
	if err != nil {
		log.Error("mark failed", "error", err)
		failed = u
	}
	return failed, true, cause
}

// produced is what the chunk reader goroutine reports back.
type produced struct {
	bytes    int64
	complete bool
	err      error
}

// assemble streams chunks 0..N-1 into key and verifies size and checksum.
func (a *AssemblyEngine) assemble(ctx context.Context, u *Upload, key string) error {
	const op = "assemble upload"

	declared, err := checksum.Parse(u.DeclaredChecksum)
	if err != nil {
		return newError(KindInvalidArgument, op, "stored checksum unreadable", err)
	}
	alg := declared.Algorithm
	if alg == "" {
		alg = checksum.SHA256
	}

	pr, pw := io.Pipe()
	result := make(chan produced, 1)

	go func() {
		var p produced
		defer func() { result <- p }()

		for i := 0; i < u.TotalChunks; i++ {
			rc, err := a.chunks.OpenChunk(ctx, u.ID, i)
			if err != nil {
				if KindOf(err) == KindNotFound {
					err = newError(KindMissingChunk, op, fmt.Sprintf("chunk %d is missing", i), err)
				}
				p.err = err
				pw.CloseWithError(err)
				return
			}
			n, err := io.Copy(pw, rc)
			rc.Close()
			p.bytes += n
			if err != nil {
				p.err = fmt.Errorf("copy chunk %d: %w", i, err)
				pw.CloseWithError(p.err)
				return
			}
		}
		p.complete = true
		pw.Close()
	}()

	hasher := checksum.NewHasher(alg)
	body := io.TeeReader(pr, hasher)

	_, putErr := a.blobs.Put(ctx, key, body, u.TotalSize)
	if putErr == nil {
		// Anything the store did not consume still counts toward the size.
		_, putErr = io.Copy(io.Discard, body)
	}
	pr.CloseWithError(errors.New("assembly reader closed"))
	p := <-result

	if p.err != nil && !p.complete {
		var e *Error
		if errors.As(p.err, &e) {
			return p.err
		}
		if putErr == nil {
			return newError(KindInternal, op, "read chunks", p.err)
		}
	}
	if p.complete && p.bytes != u.TotalSize {
		return newError(KindSizeMismatch, op,
			fmt.Sprintf("assembled %d bytes, declared %d", p.bytes, u.TotalSize), nil)
	}
	if putErr != nil {
		return newError(KindInternal, op, "write object", putErr)
	}

	if err := checksum.Compare(hasher.Digest(), declared); err != nil {
		return newError(KindChecksumMismatch, op, "assembled object does not match declared checksum", err)
	}
	return nil
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9\-_.]`)

// sanitizeFilename makes a client-supplied name safe for use in a storage
// key and guarantees it has an extension.
func sanitizeFilename(name, mimeType string) string {
	name, _, _ = strings.Cut(name, "?")
	name, _, _ = strings.Cut(name, "#")
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	name = unsafeFilenameChars.ReplaceAllString(name, "_")
	name = strings.TrimLeft(name, ".")

	if len(name) > 200 {
		name = name[len(name)-200:]
	}
	if name == "" {
		name = "upload"
	}
	if path.Ext(name) == "" {
		ext := "jpg"
		if f, ok := imaging.FormatForMime(mimeType); ok {
			ext = f.Extension()
		}
		name += "." + ext
	}
	return name
}
