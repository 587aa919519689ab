package core

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemoryRepository is a Repository held in process memory. A single mutex
// makes every method atomic.
type MemoryRepository struct {
	mu       sync.Mutex
	now      func() time.Time
	uploads  map[string]*Upload
	variants map[string][]Variant // by upload id
}

// NewMemoryRepository returns an empty repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		now:      time.Now,
		uploads:  make(map[string]*Upload),
		variants: make(map[string][]Variant),
	}
}

func notFound(op, id string) error {
	return newError(KindNotFound, op, "upload not found: "+id, nil)
}

func (r *MemoryRepository) CreateUpload(ctx context.Context, u *Upload) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.uploads[u.ID]; ok {
		return newError(KindConflict, "create upload", "upload already exists: "+u.ID, nil)
	}
	r.uploads[u.ID] = u.Clone()
	return nil
}

func (r *MemoryRepository) GetUpload(ctx context.Context, id string) (*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[id]
	if !ok {
		return nil, notFound("get upload", id)
	}
	return u.Clone(), nil
}

func (r *MemoryRepository) MarkChunk(ctx context.Context, id string, index int) (ChunkMark, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[id]
	if !ok {
		return ChunkMark{}, notFound("mark chunk", id)
	}
	if index < 0 || index >= u.TotalChunks {
		return ChunkMark{}, newError(KindInvalidArgument, "mark chunk", ErrOutOfRange.Message, nil)
	}

	switch u.Status {
	case StatusAssembling, StatusCompleted:
		return ChunkMark{Upload: u.Clone()}, nil
	case StatusFailed:
		u.FailureReason = ""
	}

	recorded := !u.ChunkBitmap[index]
	u.ChunkBitmap[index] = true
	if recorded {
		u.UploadedChunks++
	}
	u.Status = StatusUploading
	u.UpdatedAt = r.now()

	return ChunkMark{Upload: u.Clone(), Recorded: recorded}, nil
}

func (r *MemoryRepository) TransitionStatus(ctx context.Context, id string, from []Status, to Status, upd StatusUpdate) (*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[id]
	if !ok {
		return nil, notFound("transition status", id)
	}
	if !slices.Contains(from, u.Status) {
		return nil, newError(KindConflict, "transition status",
			"upload is "+string(u.Status)+", cannot become "+string(to), nil)
	}

	u.Status = to
	if upd.StoragePath != "" {
		u.StoragePath = upd.StoragePath
	}
	if upd.CompletedAt != nil {
		t := *upd.CompletedAt
		u.CompletedAt = &t
	}
	u.FailureReason = upd.FailureReason
	u.UpdatedAt = r.now()

	return u.Clone(), nil
}

func (r *MemoryRepository) DeleteUpload(ctx context.Context, id string, idleBefore time.Time) (*Upload, []Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.uploads[id]
	if !ok {
		return nil, nil, notFound("delete upload", id)
	}
	if u.Status == StatusAssembling {
		return nil, nil, newError(KindConflict, "delete upload", "assembly in progress", nil)
	}
	if !idleBefore.IsZero() && !u.UpdatedAt.Before(idleBefore) {
		return nil, nil, newError(KindConflict, "delete upload", ErrNotIdle.Message, nil)
	}

	variants := r.variants[id]
	delete(r.uploads, id)
	delete(r.variants, id)
	return u, variants, nil
}

func (r *MemoryRepository) ListStaleUploads(ctx context.Context, before time.Time, statuses []Status, limit int) ([]*Upload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []*Upload
	for _, u := range r.uploads {
		if u.UpdatedAt.Before(before) && slices.Contains(statuses, u.Status) {
			stale = append(stale, u.Clone())
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		return stale[i].UpdatedAt.Before(stale[j].UpdatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (r *MemoryRepository) ListVariants(ctx context.Context, uploadID string) ([]Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return cloneVariants(r.variants[uploadID]), nil
}

func (r *MemoryRepository) InsertVariants(ctx context.Context, uploadID string, variants []Variant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.uploads[uploadID]; !ok {
		return notFound("insert variants", uploadID)
	}
	if len(r.variants[uploadID]) > 0 {
		return newError(KindConflict, "insert variants", "variants already exist", nil)
	}
	r.variants[uploadID] = cloneVariants(variants)
	return nil
}

func (r *MemoryRepository) DeleteVariants(ctx context.Context, uploadID string) ([]Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := r.variants[uploadID]
	delete(r.variants, uploadID)
	return removed, nil
}

func (r *MemoryRepository) BindVariants(ctx context.Context, uploadID string, ref EntityRef, primary bool) ([]Variant, []Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	own := r.variants[uploadID]
	if len(own) == 0 {
		return nil, nil, newError(KindNotFound, "bind variants", "upload has no variants", nil)
	}

	var replaced []Variant
	if primary {
		for id, vs := range r.variants {
			if id == uploadID {
				continue
			}
			kept := vs[:0:0]
			for _, v := range vs {
				if v.boundTo(ref, true) {
					replaced = append(replaced, v)
					continue
				}
				kept = append(kept, v)
			}
			r.variants[id] = kept
		}
	}

	for i := range own {
		e := ref
		own[i].Entity = &e
		own[i].IsPrimary = primary
	}

	return cloneVariants(own), replaced, nil
}

func cloneVariants(vs []Variant) []Variant {
	if vs == nil {
		return nil
	}
	out := make([]Variant, len(vs))
	for i, v := range vs {
		if v.Entity != nil {
			e := *v.Entity
			v.Entity = &e
		}
		out[i] = v
	}
	return out
}
