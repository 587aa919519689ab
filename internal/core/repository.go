package core

import (
	"context"
	"time"
)

// Repository persists uploads and variants. Every method is atomic: each
// either applies its whole change or none of it, and conditional methods
// decide and write in one step so concurrent callers cannot interleave.
//
// Implementations return *Error values of kind NotFound and Conflict where
// documented; other failures are returned as-is.
type Repository interface {
	// CreateUpload stores a new upload.
	CreateUpload(ctx context.Context, u *Upload) error

	// GetUpload returns a copy of the upload or NotFound.
	GetUpload(ctx context.Context, id string) (*Upload, error)

	// MarkChunk sets bit index and recounts, reporting whether the bit was
	// newly set. pending and failed uploads move to uploading (failed also
	// loses its FailureReason). Uploads that are assembling or completed are
	// returned unchanged with Recorded false. ErrOutOfRange for a bad index.
	MarkChunk(ctx context.Context, id string, index int) (ChunkMark, error)

	// TransitionStatus moves the upload to `to` only if its current status is
	// one of from, applying upd. Conflict when the status does not match.
	TransitionStatus(ctx context.Context, id string, from []Status, to Status, upd StatusUpdate) (*Upload, error)

	// DeleteUpload removes the upload and its variant rows, returning both.
	// Conflict while the upload is assembling. A non-zero idleBefore also
	// requires UpdatedAt to be before it, else ErrNotIdle.
	DeleteUpload(ctx context.Context, id string, idleBefore time.Time) (*Upload, []Variant, error)

	// ListStaleUploads returns up to limit uploads in one of statuses whose
	// UpdatedAt is before the cutoff, oldest first.
	ListStaleUploads(ctx context.Context, before time.Time, statuses []Status, limit int) ([]*Upload, error)

	// ListVariants returns the upload's variants ordered by creation.
	ListVariants(ctx context.Context, uploadID string) ([]Variant, error)

	// InsertVariants stores a complete variant set in one step.
	// Conflict if the upload already has variants.
	InsertVariants(ctx context.Context, uploadID string, variants []Variant) error

	// DeleteVariants removes and returns the upload's variant rows.
	DeleteVariants(ctx context.Context, uploadID string) ([]Variant, error)

	// BindVariants attaches the upload's variants to ref. When primary is
	// true, every primary variant of ref belonging to another upload is
	// deleted in the same step and returned as replaced.
	BindVariants(ctx context.Context, uploadID string, ref EntityRef, primary bool) (bound, replaced []Variant, err error)
}

// ChunkMark is the result of Repository.MarkChunk.
type ChunkMark struct {
	Upload   *Upload
	Recorded bool
}

// StatusUpdate carries the fields a status transition may set. Zero values
// leave fields untouched except FailureReason, which is always overwritten.
type StatusUpdate struct {
	StoragePath   string
	CompletedAt   *time.Time
	FailureReason string
}
