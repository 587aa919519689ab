package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/imgchunk/internal/core"
)

// AuditLog stores the upload audit trail in upload_audit_log.
type AuditLog struct {
	pool *pgxpool.Pool
}

var _ core.AuditLog = (*AuditLog)(nil)

func NewAuditLog(pool *pgxpool.Pool) *AuditLog {
	return &AuditLog{pool: pool}
}

const auditColumns = `id::text, action, severity, upload_id::text, entity_type, entity_id,
	ip_address, user_agent, reason, detail, created_at`

// Append inserts one entry.
func (a *AuditLog) Append(ctx context.Context, e core.AuditEntry) error {
	_, err := a.pool.Exec(ctx, `
		INSERT INTO upload_audit_log (id, action, severity, upload_id, entity_type, entity_id,
			ip_address, user_agent, reason, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		e.ID, string(e.Action), string(e.Severity), e.UploadID,
		toPgText(e.EntityType), toPgText(e.EntityID),
		toPgText(e.IPAddress), toPgText(e.UserAgent), toPgText(e.Reason),
		e.Detail, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns matching entries, newest first.
func (a *AuditLog) Query(ctx context.Context, filter core.AuditLogFilter) ([]core.AuditEntry, error) {
	filter = filter.Normalize()

	wb := newWhereBuilder()
	wb.Add("upload_id::text", filter.UploadID)
	wb.Add("action", string(filter.Action))
	wb.Add("severity", string(filter.Severity))
	wb.AddTimeRange("created_at", filter.StartTime, filter.EndTime)
	whereClause, args := wb.Build()

	query := `SELECT ` + auditColumns + ` FROM upload_audit_log` + whereClause +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", wb.NextArgIndex(), wb.NextArgIndex()+1)
	args = append(args, filter.Limit, filter.Offset)

	rows, err := a.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	entries, err := pgx.CollectRows(rows, scanAuditRow)
	if err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return entries, nil
}

// scanAuditRow scans a single row selected with auditColumns.
func scanAuditRow(row pgx.CollectableRow) (core.AuditEntry, error) {
	var (
		e          core.AuditEntry
		action     string
		severity   string
		entityType pgtype.Text
		entityID   pgtype.Text
		ipAddress  pgtype.Text
		userAgent  pgtype.Text
		reason     pgtype.Text
	)

	err := row.Scan(
		&e.ID, &action, &severity, &e.UploadID, &entityType, &entityID,
		&ipAddress, &userAgent, &reason, &e.Detail, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}

	e.Action = core.AuditAction(action)
	e.Severity = core.AuditSeverity(severity)
	e.EntityType = entityType.String
	e.EntityID = entityID.String
	e.IPAddress = ipAddress.String
	e.UserAgent = userAgent.String
	e.Reason = reason.String
	return e, nil
}

// toPgText maps "" to NULL.
func toPgText(s string) pgtype.Text {
	return pgtype.Text{String: s, Valid: s != ""}
}
