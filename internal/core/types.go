package core

import (
	"math"
	"slices"
	"time"
)

// Status is the lifecycle state of an upload.
type Status string

const (
	StatusPending    Status = "pending"
	StatusUploading  Status = "uploading"
	StatusAssembling Status = "assembling"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Upload is one logical resumable transfer.
type Upload struct {
	ID               string
	OriginalFilename string
	MimeType         string
	TotalSize        int64
	TotalChunks      int
	DeclaredChecksum string // bare or algorithm-tagged hex, empty if none

	ChunkBitmap    []bool
	UploadedChunks int

	Status        Status
	StoragePath   string // set on successful assembly
	FailureReason string // why the last assembly failed

	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt *time.Time
}

// IsComplete reports whether every chunk bit is set.
func (u *Upload) IsComplete() bool {
	if len(u.ChunkBitmap) == 0 {
		return false
	}
	for _, ok := range u.ChunkBitmap {
		if !ok {
			return false
		}
	}
	return true
}

// HasChunk reports whether chunk index has been recorded.
func (u *Upload) HasChunk(index int) bool {
	return index >= 0 && index < len(u.ChunkBitmap) && u.ChunkBitmap[index]
}

// MissingChunks returns the indices not yet recorded.
func (u *Upload) MissingChunks() []int {
	var missing []int
	for i, ok := range u.ChunkBitmap {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// ProgressPercent is round(100 * uploaded / total), 0 when total is 0.
func (u *Upload) ProgressPercent() int {
	return progressPercent(u.UploadedChunks, u.TotalChunks)
}

func progressPercent(uploaded, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(100 * float64(uploaded) / float64(total)))
}

// Clone returns a deep copy.
func (u *Upload) Clone() *Upload {
	c := *u
	c.ChunkBitmap = slices.Clone(u.ChunkBitmap)
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// EntityRef points at the external object a variant set is attached to.
type EntityRef struct {
	Type string
	ID   string
}

// Variant is one derived artifact of a completed upload.
type Variant struct {
	ID          string
	UploadID    string
	Name        string
	StoragePath string
	MimeType    string
	Width       int
	Height      int
	ByteSize    int64
	IsPrimary   bool
	Entity      *EntityRef
	CreatedAt   time.Time
}

// boundTo reports whether v is attached to ref with the given primary flag.
func (v Variant) boundTo(ref EntityRef, primary bool) bool {
	return v.Entity != nil && *v.Entity == ref && v.IsPrimary == primary
}

// ============================================================================
// Request / response shapes
// ============================================================================

// InitRequest starts a new upload.
type InitRequest struct {
	Filename    string
	MimeType    string
	TotalSize   int64
	TotalChunks int
	Checksum    string // optional whole-file checksum
}

type InitResponse struct {
	UploadID    string
	TotalChunks int
	Status      Status
}

// ChunkRequest carries one chunk. Size is the size the client declares for
// Data; Checksum optionally covers Data alone.
type ChunkRequest struct {
	UploadID string
	Index    int
	Size     int64
	Data     []byte
	Checksum string
}

type ChunkResponse struct {
	UploadID        string
	UploadedChunks  int
	TotalChunks     int
	ProgressPercent int
	Status          Status
	IsCompleted     bool
}

type StatusResponse struct {
	UploadID        string
	Filename        string
	MimeType        string
	TotalSize       int64
	UploadedChunks  int
	TotalChunks     int
	ProgressPercent int
	Status          Status
	IsCompleted     bool
	FailureReason   string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

type AttachRequest struct {
	UploadID   string
	EntityType string
	EntityID   string
	IsPrimary  bool
}

type AttachResponse struct {
	VariantsCreated int
	VariantNames    []string
}

func statusResponse(u *Upload) StatusResponse {
	return StatusResponse{
		UploadID:        u.ID,
		Filename:        u.OriginalFilename,
		MimeType:        u.MimeType,
		TotalSize:       u.TotalSize,
		UploadedChunks:  u.UploadedChunks,
		TotalChunks:     u.TotalChunks,
		ProgressPercent: u.ProgressPercent(),
		Status:          u.Status,
		IsCompleted:     u.Status == StatusCompleted,
		FailureReason:   u.FailureReason,
		CreatedAt:       u.CreatedAt,
		CompletedAt:     u.CompletedAt,
	}
}

func chunkResponse(u *Upload) ChunkResponse {
	return ChunkResponse{
		UploadID:        u.ID,
		UploadedChunks:  u.UploadedChunks,
		TotalChunks:     u.TotalChunks,
		ProgressPercent: u.ProgressPercent(),
		Status:          u.Status,
		IsCompleted:     u.Status == StatusCompleted,
	}
}
