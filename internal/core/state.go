package core

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/imgchunk/internal/checksum"
)

// Limits bound what InitializeUpload accepts.
type Limits struct {
	MaxFileSize      int64
	MaxChunks        int
	AllowedMimeTypes []string
}

// UploadState is the authoritative record of upload progress. It validates
// input and delegates atomic bitmap updates to the Repository.
type UploadState struct {
	repo   Repository
	limits Limits
	now    func() time.Time
}

func NewUploadState(repo Repository, limits Limits) *UploadState {
	return &UploadState{repo: repo, limits: limits, now: time.Now}
}

// Initialize validates req and stores a new pending upload.
func (s *UploadState) Initialize(ctx context.Context, req InitRequest) (*Upload, error) {
	const op = "initialize upload"

	if err := s.validate(req); err != nil {
		return nil, newError(KindInvalidArgument, op, err.Error(), nil)
	}

	var declared string
	if req.Checksum != "" {
		d, err := checksum.Parse(req.Checksum)
		if err != nil {
			return nil, newError(KindInvalidArgument, op, "invalid checksum", err)
		}
		declared = d.String()
	}

	now := s.now().UTC()
	u := &Upload{
		ID:               uuid.NewString(),
		OriginalFilename: req.Filename,
		MimeType:         strings.ToLower(req.MimeType),
		TotalSize:        req.TotalSize,
		TotalChunks:      req.TotalChunks,
		DeclaredChecksum: declared,
		ChunkBitmap:      make([]bool, req.TotalChunks),
		Status:           StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.CreateUpload(ctx, u); err != nil {
		return nil, fmt.Errorf("create upload: %w", err)
	}
	return u, nil
}

func (s *UploadState) validate(req InitRequest) error {
	switch {
	case req.TotalSize <= 0:
		return fmt.Errorf("total size must be positive, got %d", req.TotalSize)
	case req.TotalChunks <= 0:
		return fmt.Errorf("total chunks must be positive, got %d", req.TotalChunks)
	case strings.TrimSpace(req.Filename) == "":
		return fmt.Errorf("filename is required")
	case int64(req.TotalChunks) > req.TotalSize:
		return fmt.Errorf("%d chunks cannot hold %d bytes", req.TotalChunks, req.TotalSize)
	case s.limits.MaxFileSize > 0 && req.TotalSize > s.limits.MaxFileSize:
		return fmt.Errorf("file too large: %d bytes exceeds limit of %d", req.TotalSize, s.limits.MaxFileSize)
	case s.limits.MaxChunks > 0 && req.TotalChunks > s.limits.MaxChunks:
		return fmt.Errorf("too many chunks: %d exceeds limit of %d", req.TotalChunks, s.limits.MaxChunks)
	}

	if len(s.limits.AllowedMimeTypes) > 0 &&
		!slices.Contains(s.limits.AllowedMimeTypes, strings.ToLower(req.MimeType)) {
		return fmt.Errorf("mime type %q is not allowed", req.MimeType)
	}
	return nil
}

// RecordChunk marks chunk index as durably stored. It returns true only when
// this call set the bit.
func (s *UploadState) RecordChunk(ctx context.Context, id string, index int, observedSize int64) (bool, *Upload, error) {
	const op = "record chunk"

	if observedSize <= 0 {
		return false, nil, newError(KindInvalidArgument, op, "chunk is empty", nil)
	}
	if index < 0 {
		return false, nil, newError(KindInvalidArgument, op, ErrOutOfRange.Message, nil)
	}

	mark, err := s.repo.MarkChunk(ctx, id, index)
	if err != nil {
		return false, nil, err
	}
	return mark.Recorded, mark.Upload, nil
}

// IsComplete reports whether every chunk of u is present.
func (s *UploadState) IsComplete(u *Upload) bool {
	return u.IsComplete()
}

// Get returns the current upload record.
func (s *UploadState) Get(ctx context.Context, id string) (*Upload, error) {
	return s.repo.GetUpload(ctx, id)
}
