// Package postgres implements core.Repository on PostgreSQL through pgx.
//
// Conditional writes are single UPDATE statements guarded by the expected
// status, or short transactions that lock the upload row first, so the
// invariants documented on core.Repository hold across processes.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/imgchunk/internal/core"
)

//go:embed schema.sql
var schemaSQL string

// Repository stores uploads and variants in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ core.Repository = (*Repository)(nil)

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool, now: time.Now}
}

// Migrate creates the tables and indexes if they do not exist.
func (r *Repository) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

const uploadColumns = `id::text, original_filename, mime_type, total_size, total_chunks,
	declared_checksum, chunk_bitmap, uploaded_chunks, status, storage_path,
	failure_reason, created_at, updated_at, completed_at`

const variantColumns = `id::text, upload_id::text, name, storage_path, mime_type,
	width, height, byte_size, entity_type, entity_id, is_primary, created_at`

func (r *Repository) CreateUpload(ctx context.Context, u *core.Upload) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO uploads (id, original_filename, mime_type, total_size, total_chunks,
			declared_checksum, chunk_bitmap, uploaded_chunks, status, storage_path,
			failure_reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		u.ID, u.OriginalFilename, u.MimeType, u.TotalSize, u.TotalChunks,
		u.DeclaredChecksum, u.ChunkBitmap, u.UploadedChunks, string(u.Status), u.StoragePath,
		u.FailureReason, u.CreatedAt, u.UpdatedAt, u.CompletedAt,
	)
	if err != nil {
		return mapError("create upload", u.ID, err)
	}
	return nil
}

func (r *Repository) GetUpload(ctx context.Context, id string) (*core.Upload, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+uploadColumns+` FROM uploads WHERE id = $1`, id)
	u, err := scanUpload(row)
	if err != nil {
		return nil, mapError("get upload", id, err)
	}
	return u, nil
}

func (r *Repository) MarkChunk(ctx context.Context, id string, index int) (core.ChunkMark, error) {
	const op = "mark chunk"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return core.ChunkMark{}, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	u, err := scanUpload(tx.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return core.ChunkMark{}, mapError(op, id, err)
	}
	if index < 0 || index >= u.TotalChunks {
		return core.ChunkMark{}, &core.Error{Kind: core.KindInvalidArgument, Op: op, Message: core.ErrOutOfRange.Message}
	}
	if u.Status == core.StatusAssembling || u.Status == core.StatusCompleted {
		return core.ChunkMark{Upload: u}, nil
	}

	recorded := !u.ChunkBitmap[index]
	// Arrays are 1-based.
	u, err = scanUpload(tx.QueryRow(ctx, `
		UPDATE uploads SET
			chunk_bitmap[$2] = TRUE,
			uploaded_chunks = uploaded_chunks + $3,
			status = 'uploading',
			failure_reason = CASE WHEN status = 'failed' THEN '' ELSE failure_reason END,
			updated_at = $4
		WHERE id = $1
		RETURNING `+uploadColumns,
		id, index+1, boolToInt(recorded), r.now().UTC(),
	))
	if err != nil {
		return core.ChunkMark{}, mapError(op, id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return core.ChunkMark{}, mapError(op, id, err)
	}
	return core.ChunkMark{Upload: u, Recorded: recorded}, nil
}

func (r *Repository) TransitionStatus(ctx context.Context, id string, from []core.Status, to core.Status, upd core.StatusUpdate) (*core.Upload, error) {
	const op = "transition status"

	u, err := scanUpload(r.pool.QueryRow(ctx, `
		UPDATE uploads SET
			status = $3,
			storage_path = COALESCE(NULLIF($4, ''), storage_path),
			completed_at = COALESCE($5, completed_at),
			failure_reason = $6,
			updated_at = $7
		WHERE id = $1 AND status = ANY($2)
		RETURNING `+uploadColumns,
		id, statusStrings(from), string(to), upd.StoragePath, upd.CompletedAt, upd.FailureReason, r.now().UTC(),
	))
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, mapError(op, id, err)
	}

	// Nothing matched: either the upload is gone or its status differs.
	var current string
	if err := r.pool.QueryRow(ctx, `SELECT status FROM uploads WHERE id = $1`, id).Scan(&current); err != nil {
		return nil, mapError(op, id, err)
	}
	return nil, &core.Error{
		Kind:    core.KindConflict,
		Op:      op,
		Message: fmt.Sprintf("upload is %s, cannot become %s", current, to),
	}
}

func (r *Repository) DeleteUpload(ctx context.Context, id string, idleBefore time.Time) (*core.Upload, []core.Variant, error) {
	const op = "delete upload"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	u, err := scanUpload(tx.QueryRow(ctx,
		`SELECT `+uploadColumns+` FROM uploads WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, nil, mapError(op, id, err)
	}
	if u.Status == core.StatusAssembling {
		return nil, nil, &core.Error{Kind: core.KindConflict, Op: op, Message: "assembly in progress"}
	}
	if !idleBefore.IsZero() && !u.UpdatedAt.Before(idleBefore) {
		return nil, nil, &core.Error{Kind: core.KindConflict, Op: op, Message: core.ErrNotIdle.Message}
	}

	variants, err := collectVariants(tx.Query(ctx,
		`DELETE FROM image_variants WHERE upload_id = $1 RETURNING `+variantColumns, id))
	if err != nil {
		return nil, nil, mapError(op, id, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM uploads WHERE id = $1`, id); err != nil {
		return nil, nil, mapError(op, id, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, mapError(op, id, err)
	}
	return u, variants, nil
}

func (r *Repository) ListStaleUploads(ctx context.Context, before time.Time, statuses []core.Status, limit int) ([]*core.Upload, error) {
	var lim *int
	if limit > 0 {
		lim = &limit
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+uploadColumns+` FROM uploads
		WHERE updated_at < $1 AND status = ANY($2)
		ORDER BY updated_at
		LIMIT $3`,
		before, statusStrings(statuses), lim,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	defer rows.Close()

	var uploads []*core.Upload
	for rows.Next() {
		u, err := scanUpload(rows)
		if err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		uploads = append(uploads, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list stale uploads: %w", err)
	}
	return uploads, nil
}

func (r *Repository) ListVariants(ctx context.Context, uploadID string) ([]core.Variant, error) {
	variants, err := collectVariants(r.pool.Query(ctx,
		`SELECT `+variantColumns+` FROM image_variants WHERE upload_id = $1 ORDER BY position`, uploadID))
	if err != nil {
		return nil, mapError("list variants", uploadID, err)
	}
	return variants, nil
}

func (r *Repository) InsertVariants(ctx context.Context, uploadID string, variants []core.Variant) error {
	const op = "insert variants"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	// Locking the upload row serializes inserts against DeleteUpload.
	var existing int
	err = tx.QueryRow(ctx, `
		SELECT (SELECT count(*) FROM image_variants WHERE upload_id = u.id)
		FROM uploads u WHERE u.id = $1 FOR UPDATE`, uploadID).Scan(&existing)
	if err != nil {
		return mapError(op, uploadID, err)
	}
	if existing > 0 {
		return &core.Error{Kind: core.KindConflict, Op: op, Message: "variants already exist"}
	}

	batch := &pgx.Batch{}
	for i, v := range variants {
		var entityType, entityID *string
		if v.Entity != nil {
			entityType, entityID = &v.Entity.Type, &v.Entity.ID
		}
		batch.Queue(`
			INSERT INTO image_variants (id, upload_id, name, position, storage_path, mime_type,
				width, height, byte_size, entity_type, entity_id, is_primary, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			v.ID, uploadID, v.Name, i, v.StoragePath, v.MimeType,
			v.Width, v.Height, v.ByteSize, entityType, entityID, v.IsPrimary, v.CreatedAt,
		)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return mapError(op, uploadID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapError(op, uploadID, err)
	}
	return nil
}

func (r *Repository) DeleteVariants(ctx context.Context, uploadID string) ([]core.Variant, error) {
	variants, err := collectVariants(r.pool.Query(ctx,
		`DELETE FROM image_variants WHERE upload_id = $1 RETURNING `+variantColumns, uploadID))
	if err != nil {
		return nil, mapError("delete variants", uploadID, err)
	}
	return variants, nil
}

func (r *Repository) BindVariants(ctx context.Context, uploadID string, ref core.EntityRef, primary bool) ([]core.Variant, []core.Variant, error) {
	const op = "bind variants"

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: begin: %w", op, err)
	}
	defer tx.Rollback(ctx) // No-op if already committed

	var replaced []core.Variant
	if primary {
		replaced, err = collectVariants(tx.Query(ctx, `
			DELETE FROM image_variants
			WHERE entity_type = $1 AND entity_id = $2 AND is_primary AND upload_id <> $3
			RETURNING `+variantColumns,
			ref.Type, ref.ID, uploadID))
		if err != nil {
			return nil, nil, mapError(op, uploadID, err)
		}
	}

	bound, err := collectVariants(tx.Query(ctx, `
		WITH updated AS (
			UPDATE image_variants SET entity_type = $2, entity_id = $3, is_primary = $4
			WHERE upload_id = $1
			RETURNING *
		)
		SELECT `+variantColumns+` FROM updated ORDER BY position`,
		uploadID, ref.Type, ref.ID, primary))
	if err != nil {
		return nil, nil, mapError(op, uploadID, err)
	}
	if len(bound) == 0 {
		return nil, nil, &core.Error{Kind: core.KindNotFound, Op: op, Message: "upload has no variants"}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, mapError(op, uploadID, err)
	}
	return bound, replaced, nil
}

// ----------------------------------------------------------------------------
// Internal helper functions
// ----------------------------------------------------------------------------

// scanUpload scans one uploads row selected with uploadColumns.
func scanUpload(row pgx.Row) (*core.Upload, error) {
	var (
		u           core.Upload
		status      string
		completedAt pgtype.Timestamptz
	)

	err := row.Scan(
		&u.ID, &u.OriginalFilename, &u.MimeType, &u.TotalSize, &u.TotalChunks,
		&u.DeclaredChecksum, &u.ChunkBitmap, &u.UploadedChunks, &status, &u.StoragePath,
		&u.FailureReason, &u.CreatedAt, &u.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	u.Status = core.Status(status)
	if completedAt.Valid {
		t := completedAt.Time
		u.CompletedAt = &t
	}
	return &u, nil
}

// collectVariants scans every row of a query selecting variantColumns.
func collectVariants(rows pgx.Rows, err error) ([]core.Variant, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (core.Variant, error) {
		var (
			v          core.Variant
			entityType pgtype.Text
			entityID   pgtype.Text
		)
		err := row.Scan(
			&v.ID, &v.UploadID, &v.Name, &v.StoragePath, &v.MimeType,
			&v.Width, &v.Height, &v.ByteSize, &entityType, &entityID, &v.IsPrimary, &v.CreatedAt,
		)
		if err != nil {
			return v, err
		}
		if entityType.Valid && entityID.Valid {
			v.Entity = &core.EntityRef{Type: entityType.String, ID: entityID.String}
		}
		return v, nil
	})
}

// mapError translates driver errors into the kinds core expects.
func mapError(op, id string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return &core.Error{Kind: core.KindNotFound, Op: op, Message: "upload not found: " + id}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02": // invalid_text_representation, e.g. a malformed uuid
			return &core.Error{Kind: core.KindNotFound, Op: op, Message: "upload not found: " + id}
		case "23505", "40001", "40P01": // unique_violation, serialization_failure, deadlock_detected
			return &core.Error{Kind: core.KindConflict, Op: op, Message: strings.ToLower(pgErr.Message), Err: err}
		case "23503": // foreign_key_violation
			return &core.Error{Kind: core.KindNotFound, Op: op, Message: "upload not found: " + id, Err: err}
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func statusStrings(statuses []core.Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
