package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/checksum"
	"github.com/JonMunkholm/imgchunk/internal/imaging"
	"github.com/JonMunkholm/imgchunk/internal/lock"
	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// Options configures a Service.
type Options struct {
	Limits Limits

	ChunkPrefix   string
	ObjectPrefix  string
	VariantPrefix string

	Catalog     []VariantSpec
	JPEGQuality int

	MaxConcurrent int
	MaxWaitTime   time.Duration

	ConflictRetries int
	ConflictBackoff time.Duration

	// GenerateOnComplete derives variants right after assembly instead of
	// on first attach.
	GenerateOnComplete bool

	// Audit receives lifecycle events. Nil disables the audit trail.
	Audit AuditLog
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		Limits: Limits{
			MaxFileSize:      50 * 1024 * 1024,
			MaxChunks:        10000,
			AllowedMimeTypes: []string{"image/jpeg", "image/png", "image/gif", "image/webp"},
		},
		ChunkPrefix:        "uploads/temp",
		ObjectPrefix:       "uploads/images",
		VariantPrefix:      "uploads/images/variants",
		Catalog:            DefaultVariantCatalog,
		JPEGQuality:        90,
		MaxConcurrent:      DefaultMaxConcurrentJobs,
		MaxWaitTime:        DefaultMaxWaitTime,
		ConflictRetries:    5,
		ConflictBackoff:    50 * time.Millisecond,
		GenerateOnComplete: true,
	}
}

// Service is the entry point for the upload engine. All methods are safe for
// concurrent use.
type Service struct {
	repo   Repository
	blobs  blob.Store
	locker lock.Locker
	opts   Options

	state     *UploadState
	chunks    *ChunkStore
	assembler *AssemblyEngine
	variants  *VariantGenerator
	binder    *AttachmentBinder
	limiter   *ProcessingLimiter
	verifier  checksum.Verifier
	audit     AuditLog
	now       func() time.Time
}

// NewService wires the upload pipeline over the given collaborators.
func NewService(repo Repository, blobs blob.Store, locker lock.Locker, opts Options) *Service {
	chunks := NewChunkStore(blobs, opts.ChunkPrefix)
	variants := NewVariantGenerator(repo, blobs, opts.Catalog, opts.VariantPrefix, opts.JPEGQuality)
	limiter := NewProcessingLimiter(opts.MaxConcurrent, opts.MaxWaitTime)

	return &Service{
		repo:      repo,
		blobs:     blobs,
		locker:    locker,
		opts:      opts,
		state:     NewUploadState(repo, opts.Limits),
		chunks:    chunks,
		assembler: NewAssemblyEngine(repo, chunks, blobs, opts.ObjectPrefix),
		variants:  variants,
		binder:    NewAttachmentBinder(repo, blobs, variants, locker, limiter, opts.ConflictRetries, opts.ConflictBackoff),
		limiter:   limiter,
		audit:     opts.Audit,
		now:       time.Now,
	}
}

// parseID rejects ids that are not UUIDs before they reach storage keys.
func parseID(op, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return newError(KindInvalidArgument, op, fmt.Sprintf("malformed upload id %q", id), nil)
	}
	return nil
}

// InitializeUpload creates a pending upload.
func (s *Service) InitializeUpload(ctx context.Context, req InitRequest) (InitResponse, error) {
	u, err := s.state.Initialize(ctx, req)
	if err != nil {
		return InitResponse{}, err
	}

	logging.ForUpload(ctx, u.ID).Info("upload initialized",
		"filename", u.OriginalFilename,
		"mime_type", u.MimeType,
		"total_size", u.TotalSize,
		"total_chunks", u.TotalChunks,
	)
	s.logAudit(ctx, AuditLogParams{
		Action:   ActionUploadInitialized,
		UploadID: u.ID,
		Detail: map[string]any{
			"filename":     u.OriginalFilename,
			"mime_type":    u.MimeType,
			"total_size":   u.TotalSize,
			"total_chunks": u.TotalChunks,
		},
	})
	return InitResponse{UploadID: u.ID, TotalChunks: u.TotalChunks, Status: u.Status}, nil
}

// UploadChunk stores one chunk and, when it completes the upload, assembles
// it. Resending a chunk that is already recorded is a no-op, except after a
// failed assembly where the new bytes replace the old ones.
func (s *Service) UploadChunk(ctx context.Context, req ChunkRequest) (ChunkResponse, error) {
	const op = "upload chunk"

	if err := parseID(op, req.UploadID); err != nil {
		return ChunkResponse{}, err
	}
	if req.Size <= 0 {
		return ChunkResponse{}, newError(KindInvalidArgument, op, "chunk size must be positive", nil)
	}

	u, err := s.state.Get(ctx, req.UploadID)
	if err != nil {
		return ChunkResponse{}, err
	}
	if req.Index < 0 || req.Index >= u.TotalChunks {
		return ChunkResponse{}, newError(KindInvalidArgument, op,
			fmt.Sprintf("%s: %d not in [0, %d)", ErrOutOfRange.Message, req.Index, u.TotalChunks), nil)
	}

	log := logging.WithFields(ctx, "upload_id", u.ID, "chunk_index", req.Index)

	switch {
	case u.Status == StatusCompleted || u.Status == StatusAssembling:
		return chunkResponse(u), nil
	case u.HasChunk(req.Index) && u.Status != StatusFailed:
		if u.Status == StatusUploading && u.IsComplete() {
			// A previous attempt could not get a processing slot.
			return s.finishChunk(ctx, u.ID)
		}
		log.Debug("duplicate chunk ignored")
		return chunkResponse(u), nil
	}

	if req.Checksum != "" {
		d, err := checksum.Parse(req.Checksum)
		if err != nil {
			return ChunkResponse{}, newError(KindInvalidArgument, op, "invalid chunk checksum", err)
		}
		if err := s.verifier.Verify(req.Data, d); err != nil {
			return ChunkResponse{}, newError(KindChecksumMismatch, op,
				fmt.Sprintf("chunk %d does not match its checksum", req.Index), err)
		}
	}

	if err := s.chunks.PutChunk(ctx, u.ID, req.Index, req.Data, req.Size); err != nil {
		return ChunkResponse{}, err
	}

	recorded, u, err := s.state.RecordChunk(ctx, req.UploadID, req.Index, int64(len(req.Data)))
	if err != nil {
		if KindOf(err) == KindNotFound {
			// Cancelled while we were writing.
			if delErr := s.chunks.DeleteChunk(context.WithoutCancel(ctx), req.UploadID, req.Index); delErr != nil {
				log.Warn("remove orphaned chunk failed", "error", delErr)
			}
		}
		return ChunkResponse{}, err
	}
	log.Debug("chunk stored", "recorded", recorded, "uploaded_chunks", u.UploadedChunks)

	if !recorded && u.Status == StatusCompleted {
		// Assembly finished and cleaned up while this copy was being written.
		if delErr := s.chunks.DeleteChunk(context.WithoutCancel(ctx), u.ID, req.Index); delErr != nil {
			log.Warn("remove late chunk failed", "error", delErr)
		}
	}

	if u.Status == StatusUploading && u.IsComplete() {
		return s.finishChunk(ctx, u.ID)
	}
	return chunkResponse(u), nil
}

func (s *Service) finishChunk(ctx context.Context, id string) (ChunkResponse, error) {
	u, err := s.finish(ctx, id)
	if err != nil {
		return ChunkResponse{}, err
	}
	return chunkResponse(u), nil
}

// finish assembles a complete upload under a processing slot and, if
// configured, generates its variants.
func (s *Service) finish(ctx context.Context, id string) (*Upload, error) {
	var result *Upload
	err := s.limiter.Do(ctx, func() error {
		u, assembled, err := s.assembler.TryAssemble(ctx, id)
		result = u
		if assembled {
			s.auditAssembly(ctx, id, u, err)
		}
		if err != nil {
			return err
		}
		if assembled && s.opts.GenerateOnComplete {
			s.generateVariants(ctx, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) auditAssembly(ctx context.Context, id string, u *Upload, err error) {
	if err != nil {
		s.logAudit(ctx, AuditLogParams{
			Action:   ActionUploadFailed,
			UploadID: id,
			Reason:   err.Error(),
			Detail:   map[string]any{"code": MapError(err).Code},
		})
		return
	}
	s.logAudit(ctx, AuditLogParams{
		Action:   ActionUploadCompleted,
		UploadID: id,
		Detail:   map[string]any{"storage_path": u.StoragePath, "bytes": u.TotalSize},
	})
}

// generateVariants runs after a successful assembly. The upload itself is
// already completed, so failures are logged and generation is retried by the
// first attach.
func (s *Service) generateVariants(ctx context.Context, id string) {
	log := logging.ForUpload(ctx, id)

	if u, err := s.repo.GetUpload(ctx, id); err == nil {
		if _, ok := imaging.FormatForMime(u.MimeType); !ok {
			return
		}
	}

	unlock, err := s.locker.Lock(ctx, lock.UploadKey(id))
	if err != nil {
		log.Warn("lock for variant generation failed", "error", err)
		return
	}
	defer unlock()

	u, err := s.repo.GetUpload(ctx, id)
	if err != nil {
		if KindOf(err) != KindNotFound {
			log.Warn("reload upload failed", "error", err)
		}
		return
	}
	if _, err := s.variants.Generate(ctx, u); err != nil {
		log.Error("variant generation failed", "error", err)
	}
}

// GetUploadStatus reports the progress of an upload.
func (s *Service) GetUploadStatus(ctx context.Context, id string) (StatusResponse, error) {
	if err := parseID("get upload status", id); err != nil {
		return StatusResponse{}, err
	}
	u, err := s.state.Get(ctx, id)
	if err != nil {
		return StatusResponse{}, err
	}
	return statusResponse(u), nil
}

// AttachToEntity binds the upload's variants to an external entity,
// generating them first if needed.
//
// An upload owns a single variant set. Attaching it to a different entity
// rebinds that set, so the upload is detached from the previous entity; to
// show one image on several entities, upload it once per entity.
func (s *Service) AttachToEntity(ctx context.Context, req AttachRequest) (AttachResponse, error) {
	const op = "attach to entity"

	if err := parseID(op, req.UploadID); err != nil {
		return AttachResponse{}, err
	}

	unlock, err := s.locker.Lock(ctx, lock.UploadKey(req.UploadID))
	if err != nil {
		return AttachResponse{}, lockError(op, lock.UploadKey(req.UploadID), err)
	}
	defer unlock()

	u, err := s.state.Get(ctx, req.UploadID)
	if err != nil {
		return AttachResponse{}, err
	}

	ref := EntityRef{Type: req.EntityType, ID: req.EntityID}
	variants, err := s.binder.Attach(ctx, u, ref, req.IsPrimary)
	if err != nil {
		return AttachResponse{}, err
	}

	names := make([]string, len(variants))
	for i, v := range variants {
		names[i] = v.Name
	}
	s.logAudit(ctx, AuditLogParams{
		Action:     ActionVariantsAttached,
		UploadID:   u.ID,
		EntityType: ref.Type,
		EntityID:   ref.ID,
		Detail:     map[string]any{"primary": req.IsPrimary, "variants": names},
	})
	return AttachResponse{VariantsCreated: len(variants), VariantNames: names}, nil
}

// CancelUpload deletes the upload with its chunks, assembled object and
// variants. It returns false for unknown ids. While an assembly is running
// the delete is retried and finally fails with a retryable Conflict.
func (s *Service) CancelUpload(ctx context.Context, id string) (bool, error) {
	if _, err := uuid.Parse(id); err != nil {
		return false, nil
	}
	return s.removeUpload(ctx, "cancel upload", id, func() (*Upload, []Variant, error) {
		var (
			u        *Upload
			variants []Variant
		)
		err := withConflictRetry(ctx, s.opts.ConflictRetries, s.opts.ConflictBackoff, func() error {
			var err error
			u, variants, err = s.repo.DeleteUpload(ctx, id, time.Time{})
			return err
		})
		return u, variants, err
	})
}

// removeUpload runs del under the upload lock and then removes everything
// the deleted record pointed to.
func (s *Service) removeUpload(ctx context.Context, op, id string, del func() (*Upload, []Variant, error)) (bool, error) {
	unlock, err := s.locker.Lock(ctx, lock.UploadKey(id))
	if err != nil {
		return false, lockError(op, lock.UploadKey(id), err)
	}
	defer unlock()

	u, variants, err := del()
	if err != nil {
		if KindOf(err) == KindNotFound {
			return false, nil
		}
		return false, err
	}

	// The record is gone; storage cleanup must finish even if ctx ends.
	cleanupCtx := context.WithoutCancel(ctx)
	log := logging.ForUpload(ctx, id)

	if err := s.chunks.DeleteAll(cleanupCtx, id); err != nil {
		log.Warn("delete chunks failed", "error", err)
	}
	if u.StoragePath != "" {
		if err := s.blobs.Delete(cleanupCtx, u.StoragePath); err != nil {
			log.Warn("delete assembled object failed", "storage_path", u.StoragePath, "error", err)
		}
	}
	s.variants.deleteObjects(cleanupCtx, variants)

	log.Info("upload cancelled", "status", u.Status, "variants", len(variants))
	s.logAudit(ctx, AuditLogParams{
		Action:   ActionUploadCancelled,
		UploadID: id,
		Detail:   map[string]any{"status": string(u.Status), "uploaded_chunks": u.UploadedChunks},
	})
	return true, nil
}

// ResumeResponse reports what a client still has to send.
type ResumeResponse struct {
	StatusResponse
	MissingChunks []int
}

// ResumeUpload returns a failed upload to uploading and, if every chunk is
// present, assembles it again from scratch. For other states it only
// reports progress.
func (s *Service) ResumeUpload(ctx context.Context, id string) (ResumeResponse, error) {
	const op = "resume upload"

	if err := parseID(op, id); err != nil {
		return ResumeResponse{}, err
	}
	u, err := s.state.Get(ctx, id)
	if err != nil {
		return ResumeResponse{}, err
	}

	if u.Status == StatusFailed {
		u, err = s.repo.TransitionStatus(ctx, id, []Status{StatusFailed}, StatusUploading, StatusUpdate{})
		if err != nil {
			return ResumeResponse{}, fmt.Errorf("resume: %w", err)
		}
		logging.ForUpload(ctx, id).Info("upload resumed", "uploaded_chunks", u.UploadedChunks)
		s.logAudit(ctx, AuditLogParams{Action: ActionUploadResumed, UploadID: id})
	}
	if u.Status == StatusUploading && u.IsComplete() {
		u, err = s.finish(ctx, id)
		if err != nil {
			return ResumeResponse{}, err
		}
	}

	return ResumeResponse{StatusResponse: statusResponse(u), MissingChunks: u.MissingChunks()}, nil
}

// ListVariants returns the variants generated for an upload.
func (s *Service) ListVariants(ctx context.Context, id string) ([]Variant, error) {
	if err := parseID("list variants", id); err != nil {
		return nil, err
	}
	if _, err := s.state.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListVariants(ctx, id)
}

// WaitForDrain blocks until no assembly or variant generation is running.
func (s *Service) WaitForDrain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

// LimiterStatus reports processing slot usage.
func (s *Service) LimiterStatus() LimiterStatus {
	return s.limiter.Status()
}
