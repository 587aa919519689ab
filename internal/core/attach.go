package core

import (
	"context"
	"fmt"
	"time"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/lock"
	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// AttachmentBinder links an upload's variant set to an external entity.
type AttachmentBinder struct {
	repo      Repository
	blobs     blob.Store
	variants  *VariantGenerator
	locker    lock.Locker
	limiter   *ProcessingLimiter
	retries   int
	retryWait time.Duration
}

func NewAttachmentBinder(repo Repository, blobs blob.Store, variants *VariantGenerator, locker lock.Locker, limiter *ProcessingLimiter, retries int, retryWait time.Duration) *AttachmentBinder {
	return &AttachmentBinder{
		repo:      repo,
		blobs:     blobs,
		variants:  variants,
		locker:    locker,
		limiter:   limiter,
		retries:   retries,
		retryWait: retryWait,
	}
}

// Attach binds u's variants to ref, generating them first if needed. With
// primary set, any other upload's primary variants of ref are deleted, rows
// and objects. Repeating an identical attach returns the existing set.
//
// The caller must hold the upload lock; Attach takes the entity lock.
func (b *AttachmentBinder) Attach(ctx context.Context, u *Upload, ref EntityRef, primary bool) ([]Variant, error) {
	const op = "attach to entity"

	if u.Status != StatusCompleted {
		return nil, newError(KindPreconditionFailed, op,
			fmt.Sprintf("upload is %s, not completed", u.Status), nil)
	}
	if ref.Type == "" || ref.ID == "" {
		return nil, newError(KindInvalidArgument, op, "entity type and id are required", nil)
	}

	unlock, err := b.locker.Lock(ctx, lock.EntityKey(ref.Type, ref.ID))
	if err != nil {
		return nil, lockError(op, lock.EntityKey(ref.Type, ref.ID), err)
	}
	defer unlock()

	set, err := b.variantSet(ctx, u)
	if err != nil {
		return nil, err
	}
	if allBoundTo(set, ref, primary) {
		return set, nil
	}

	var bound, replaced []Variant
	err = withConflictRetry(ctx, b.retries, b.retryWait, func() error {
		var err error
		bound, replaced, err = b.repo.BindVariants(ctx, u.ID, ref, primary)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("bind variants: %w", err)
	}

	log := logging.WithFields(ctx, "upload_id", u.ID, "entity_type", ref.Type, "entity_id", ref.ID)
	for _, v := range replaced {
		if err := b.blobs.Delete(ctx, v.StoragePath); err != nil {
			log.Warn("delete replaced variant failed", "variant", v.Name, "storage_path", v.StoragePath, "error", err)
		}
	}

	log.Info("variants attached", "count", len(bound), "primary", primary, "replaced", len(replaced))
	return bound, nil
}

// variantSet returns the stored set, generating it under a processing slot
// when it is missing or partial.
func (b *AttachmentBinder) variantSet(ctx context.Context, u *Upload) ([]Variant, error) {
	existing, err := b.repo.ListVariants(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if b.variants.isComplete(existing) {
		return existing, nil
	}

	var set []Variant
	err = b.limiter.Do(ctx, func() error {
		var err error
		set, err = b.variants.Generate(ctx, u)
		return err
	})
	return set, err
}

func allBoundTo(vs []Variant, ref EntityRef, primary bool) bool {
	if len(vs) == 0 {
		return false
	}
	for _, v := range vs {
		if !v.boundTo(ref, primary) {
			return false
		}
	}
	return true
}
