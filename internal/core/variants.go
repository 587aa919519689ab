package core

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/JonMunkholm/imgchunk/internal/blob"
	"github.com/JonMunkholm/imgchunk/internal/imaging"
	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// VariantSpec is one catalog entry. MaxDimension 0 keeps the original bytes.
type VariantSpec struct {
	Name         string
	MaxDimension int
}

// DefaultVariantCatalog is used when no catalog is configured.
var DefaultVariantCatalog = []VariantSpec{
	{Name: "original"},
	{Name: "256px", MaxDimension: 256},
	{Name: "512px", MaxDimension: 512},
	{Name: "1024px", MaxDimension: 1024},
}

// VariantGenerator derives the catalog's variants from an assembled image.
// Generation for one upload is shared between concurrent callers.
type VariantGenerator struct {
	repo        Repository
	blobs       blob.Store
	catalog     []VariantSpec
	prefix      string
	jpegQuality int
	now         func() time.Time

	group singleflight.Group
}

func NewVariantGenerator(repo Repository, blobs blob.Store, catalog []VariantSpec, prefix string, jpegQuality int) *VariantGenerator {
	if len(catalog) == 0 {
		catalog = DefaultVariantCatalog
	}
	if jpegQuality <= 0 {
		jpegQuality = 90
	}
	return &VariantGenerator{
		repo:        repo,
		blobs:       blobs,
		catalog:     catalog,
		prefix:      prefix,
		jpegQuality: jpegQuality,
		now:         time.Now,
	}
}

// Catalog returns the configured variant names in order.
func (g *VariantGenerator) Catalog() []VariantSpec {
	return g.catalog
}

// Generate returns the upload's variant set, creating it if needed. Either
// every catalog variant is stored or none is.
func (g *VariantGenerator) Generate(ctx context.Context, u *Upload) ([]Variant, error) {
	if u.Status != StatusCompleted {
		return nil, newError(KindPreconditionFailed, "generate variants",
			fmt.Sprintf("upload is %s, not completed", u.Status), nil)
	}

	v, err, _ := g.group.Do(u.ID, func() (any, error) {
		return g.generate(ctx, u)
	})
	if err != nil {
		return nil, err
	}
	return cloneVariants(v.([]Variant)), nil
}

func (g *VariantGenerator) generate(ctx context.Context, u *Upload) ([]Variant, error) {
	const op = "generate variants"
	log := logging.ForUpload(ctx, u.ID)

	existing, err := g.repo.ListVariants(ctx, u.ID)
	if err != nil {
		return nil, fmt.Errorf("list variants: %w", err)
	}
	if g.isComplete(existing) {
		return existing, nil
	}
	if len(existing) > 0 {
		log.Warn("purging partial variant set", "found", len(existing), "want", len(g.catalog))
		removed, err := g.repo.DeleteVariants(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("purge partial variants: %w", err)
		}
		g.deleteObjects(ctx, removed)
	}

	data, err := blob.ReadAll(ctx, g.blobs, u.StoragePath)
	if err != nil {
		return nil, newError(KindInternal, op, "read assembled object", err)
	}
	info, err := imaging.Probe(bytes.NewReader(data))
	if err != nil {
		return nil, newError(KindInvalidArgument, op, "assembled object is not a supported image", err)
	}

	start := time.Now()
	variants := make([]Variant, 0, len(g.catalog))
	var decoded image.Image

	rollback := func() {
		g.deleteObjects(context.WithoutCancel(ctx), variants)
	}

	for _, spec := range g.catalog {
		var (
			out    []byte
			format = info.Format
			width  = info.Width
			height = info.Height
		)

		if spec.MaxDimension == 0 {
			out = data
		} else {
			if decoded == nil {
				decoded, _, err = imaging.Decode(bytes.NewReader(data))
				if err != nil {
					rollback()
					return nil, newError(KindInvalidArgument, op, "decode image", err)
				}
			}
			resized := imaging.Resize(decoded, spec.MaxDimension)
			format = info.Format.EncodeAs()
			out, err = imaging.EncodeBytes(resized, format, g.jpegQuality)
			if err != nil {
				rollback()
				return nil, newError(KindInternal, op, "encode "+spec.Name, err)
			}
			width, height = resized.Bounds().Dx(), resized.Bounds().Dy()
		}

		key := blob.Join(g.prefix, fmt.Sprintf("%s_%s.%s", u.ID, spec.Name, format.Extension()))
		if _, err := g.blobs.Put(ctx, key, bytes.NewReader(out), int64(len(out))); err != nil {
			rollback()
			return nil, newError(KindInternal, op, "store "+spec.Name, err)
		}

		variants = append(variants, Variant{
			ID:          uuid.NewString(),
			UploadID:    u.ID,
			Name:        spec.Name,
			StoragePath: key,
			MimeType:    format.MimeType(),
			Width:       width,
			Height:      height,
			ByteSize:    int64(len(out)),
			CreatedAt:   g.now().UTC(),
		})
	}

	if err := g.repo.InsertVariants(ctx, u.ID, variants); err != nil {
		rollback()
		return nil, fmt.Errorf("insert variants: %w", err)
	}

	log.Info("variants generated",
		"count", len(variants),
		"format", info.Format,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return variants, nil
}

// isComplete reports whether vs holds exactly one variant per catalog name.
func (g *VariantGenerator) isComplete(vs []Variant) bool {
	if len(vs) != len(g.catalog) {
		return false
	}
	names := make(map[string]bool, len(vs))
	for _, v := range vs {
		names[v.Name] = true
	}
	for _, spec := range g.catalog {
		if !names[spec.Name] {
			return false
		}
	}
	return true
}

// deleteObjects removes the stored bytes of vs, logging failures.
func (g *VariantGenerator) deleteObjects(ctx context.Context, vs []Variant) {
	for _, v := range vs {
		if err := g.blobs.Delete(ctx, v.StoragePath); err != nil {
			logging.WithFields(ctx, "upload_id", v.UploadID, "variant", v.Name).
				Warn("delete variant object failed", "storage_path", v.StoragePath, "error", err)
		}
	}
}
