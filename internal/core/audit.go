package core

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/JonMunkholm/imgchunk/internal/logging"
)

// AuditAction is an upload lifecycle event kept in the audit trail.
type AuditAction string

const (
	ActionUploadInitialized   AuditAction = "upload_initialized"
	ActionUploadCompleted     AuditAction = "upload_completed"
	ActionUploadFailed        AuditAction = "upload_failed"
	ActionUploadResumed       AuditAction = "upload_resumed"
	ActionUploadCancelled     AuditAction = "upload_cancelled"
	ActionAssemblyInterrupted AuditAction = "assembly_interrupted"
	ActionVariantsAttached    AuditAction = "variants_attached"
)

// AuditSeverity ranks entries for review.
type AuditSeverity string

const (
	SeverityLow    AuditSeverity = "low"
	SeverityMedium AuditSeverity = "medium"
	SeverityHigh   AuditSeverity = "high"
)

// DefaultAuditLimit caps a query that does not set Limit.
const DefaultAuditLimit = 100

// AuditEntry is one recorded event.
type AuditEntry struct {
	ID         string         `json:"id"`
	Action     AuditAction    `json:"action"`
	Severity   AuditSeverity  `json:"severity"`
	UploadID   string         `json:"uploadId"`
	EntityType string         `json:"entityType,omitempty"`
	EntityID   string         `json:"entityId,omitempty"`
	IPAddress  string         `json:"ipAddress,omitempty"`
	UserAgent  string         `json:"userAgent,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Detail     map[string]any `json:"detail,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// AuditLogParams contains parameters for creating an audit entry.
type AuditLogParams struct {
	Action     AuditAction
	UploadID   string
	EntityType string
	EntityID   string
	Reason     string
	Detail     map[string]any
}

// AuditLog stores audit entries. Implementations must be safe for concurrent use.
type AuditLog interface {
	Append(ctx context.Context, entry AuditEntry) error
	Query(ctx context.Context, filter AuditLogFilter) ([]AuditEntry, error)
}

// AuditLogFilter selects entries. Zero fields do not filter.
type AuditLogFilter struct {
	UploadID  string
	Action    AuditAction
	Severity  AuditSeverity
	StartTime time.Time
	EndTime   time.Time
	Limit     int
	Offset    int
}

// Normalize applies the default limit and clamps a negative offset.
func (f AuditLogFilter) Normalize() AuditLogFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAuditLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// Matches reports whether e passes every set field of f.
func (f AuditLogFilter) Matches(e AuditEntry) bool {
	switch {
	case f.UploadID != "" && e.UploadID != f.UploadID:
		return false
	case f.Action != "" && e.Action != f.Action:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case !f.StartTime.IsZero() && e.CreatedAt.Before(f.StartTime):
		return false
	case !f.EndTime.IsZero() && !e.CreatedAt.Before(f.EndTime):
		return false
	}
	return true
}

// determineSeverity returns the appropriate severity for an action.
func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionUploadFailed, ActionUploadCancelled, ActionAssemblyInterrupted:
		return SeverityHigh
	case ActionUploadCompleted, ActionVariantsAttached:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

// logAudit records an event. The operation it describes has already
// happened, so a failing audit log is only reported.
func (s *Service) logAudit(ctx context.Context, params AuditLogParams) {
	if s.audit == nil {
		return
	}

	client := ClientFromContext(ctx)
	entry := AuditEntry{
		ID:         uuid.NewString(),
		Action:     params.Action,
		Severity:   determineSeverity(params.Action),
		UploadID:   params.UploadID,
		EntityType: params.EntityType,
		EntityID:   params.EntityID,
		IPAddress:  client.IPAddress,
		UserAgent:  client.UserAgent,
		Reason:     params.Reason,
		Detail:     params.Detail,
		CreatedAt:  s.now().UTC(),
	}

	if err := s.audit.Append(context.WithoutCancel(ctx), entry); err != nil {
		logging.ForUpload(ctx, params.UploadID).Warn("audit append failed", "action", params.Action, "error", err)
	}
}

// AuditTrail returns recorded events, newest first. Without an audit log it
// returns nothing.
func (s *Service) AuditTrail(ctx context.Context, filter AuditLogFilter) ([]AuditEntry, error) {
	if s.audit == nil {
		return nil, nil
	}
	return s.audit.Query(ctx, filter.Normalize())
}

// MemoryAuditLog is an AuditLog held in process memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

func (l *MemoryAuditLog) Append(ctx context.Context, entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return nil
}

func (l *MemoryAuditLog) Query(ctx context.Context, filter AuditLogFilter) ([]AuditEntry, error) {
	filter = filter.Normalize()

	l.mu.Lock()
	var matched []AuditEntry
	for _, e := range l.entries {
		if filter.Matches(e) {
			matched = append(matched, e)
		}
	}
	l.mu.Unlock()

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})
	if filter.Offset >= len(matched) {
		return nil, nil
	}
	matched = matched[filter.Offset:]
	if len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return matched, nil
}
