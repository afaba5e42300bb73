// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Request
// model.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. Transition guards live in the domain
// and service layers; what belongs here is the conditional-write discipline:
// status mutations are compare-and-swap updates on the previously observed
// status, reported through the affected-row count.
//
// Error semantics:
//   - When a request is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// newReference derives a human-readable registration number from a fresh
// UUID, e.g. "REQ-2026-4F2A9C". Uniqueness is enforced by the DB index; the
// collision window on 6 hex chars within one year is acceptable for this
// volume and retried by callers on the unique-violation error.
func newReference(prefix string, now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return fmt.Sprintf("%s-%d-%s", prefix, now.Year(), suffix)
}

// CreateRequest inserts a new draft Request owned by ownerID. The request ID
// is a randomly generated UUID (string), the Reference a generated
// registration number, and CreatedAt is set to UTC.
//
// On success, it returns the persisted Request. On failure, it returns a DB
// error.
func CreateRequest(ctx context.Context, db *gorm.DB, ownerID, authorityID, typeID string, form domain.JSONMap, notes string) (*domain.Request, error) {
	now := time.Now().UTC()
	r := &domain.Request{
		ID:             uuid.NewString(),
		Reference:      newReference("REQ", now),
		OwnerID:        ownerID,
		AuthorityID:    authorityID,
		TypeID:         typeID,
		Status:         domain.StatusDraft,
		FormData:       form,
		ApplicantNotes: notes,
		CreatedAt:      now,
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		return nil, err
	}
	return r, nil
}

// GetRequest fetches a single request by its ID. If the record does not
// exist (or is soft-deleted), it returns ErrNotFound. Ownership is not
// checked here; the service layer distinguishes NOT_FOUND from FORBIDDEN.
func GetRequest(ctx context.Context, db *gorm.DB, id string) (*domain.Request, error) {
	var r domain.Request
	err := db.WithContext(ctx).Where("id = ?", id).First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListRequestsByIDs returns all non-deleted requests whose ID is in ids, in
// an unspecified order. Missing IDs are simply absent from the result; the
// caller decides how to report them.
func ListRequestsByIDs(ctx context.Context, db *gorm.DB, ids []string) ([]domain.Request, error) {
	var out []domain.Request
	err := db.WithContext(ctx).Where("id IN ?", ids).Find(&out).Error
	return out, err
}

// RequestFilter narrows ListRequestsPage/CountRequests. Zero values mean
// "no constraint".
type RequestFilter struct {
	OwnerID string
	Status  domain.RequestStatus
	TypeID  string
}

func (f RequestFilter) apply(q *gorm.DB) *gorm.DB {
	if f.OwnerID != "" {
		q = q.Where("owner_id = ?", f.OwnerID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.TypeID != "" {
		q = q.Where("type_id = ?", f.TypeID)
	}
	return q
}

// CountRequests returns the total number of requests matching the filter.
// On DB error, it returns the error.
func CountRequests(ctx context.Context, db *gorm.DB, f RequestFilter) (int64, error) {
	var total int64
	err := f.apply(db.WithContext(ctx).Model(&domain.Request{})).Count(&total).Error
	return total, err
}

// ListRequestsPage returns a paginated slice of requests matching the
// filter, ordered by creation time descending. Use CountRequests to obtain
// the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListRequestsPage(ctx context.Context, db *gorm.DB, f RequestFilter, offset, limit int) ([]domain.Request, error) {
	var out []domain.Request
	err := f.apply(db.WithContext(ctx)).
		Order("created_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// UpdateRequestStatusIf performs the conditional status write backing
// optimistic concurrency: the row is updated only when its stored status
// still equals from. It returns (true, nil) when the swap applied,
// (false, nil) when the row was missing or its status had moved on, and a
// DB error otherwise.
//
// When reason is non-empty it is persisted alongside the status (rejection
// and cancellation transitions).
func UpdateRequestStatusIf(ctx context.Context, db *gorm.DB, id string, from, to domain.RequestStatus, reason string) (bool, error) {
	updates := map[string]any{
		"status":     to,
		"updated_at": time.Now().UTC(),
	}
	if reason != "" {
		updates["reason"] = reason
	}
	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ? AND status = ?", id, from).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// CancelRequestsBatch cancels every request in ids that is still in a
// non-terminal status, in one UPDATE. The status predicate repeats the
// domain guard at the storage layer so that an item losing a race between
// the caller's read and this write is silently excluded rather than
// force-cancelled from a terminal state.
//
// It returns the number of rows actually cancelled.
func CancelRequestsBatch(ctx context.Context, db *gorm.DB, ids []string, reason string) (int64, error) {
	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id IN ? AND status NOT IN ?", ids, []domain.RequestStatus{
			domain.StatusApproved, domain.StatusRejected, domain.StatusCancelled,
		}).
		Updates(map[string]any{
			"status":     domain.StatusCancelled,
			"reason":     reason,
			"updated_at": time.Now().UTC(),
		})
	return res.RowsAffected, res.Error
}

// UpdateRequestDraft updates the editable fields of a request owned by
// ownerID, but only while its status still permits modification. Returns
// ErrNotFound when no row matched (missing, not owned, or no longer
// editable; callers that need to distinguish re-read the row).
func UpdateRequestDraft(ctx context.Context, db *gorm.DB, id, ownerID string, form domain.JSONMap, notes *string) error {
	updates := map[string]any{
		"updated_at": time.Now().UTC(),
	}
	if form != nil {
		updates["form_data"] = form
	}
	if notes != nil {
		updates["applicant_notes"] = *notes
	}
	res := db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ? AND owner_id = ? AND status IN ?", id, ownerID, []domain.RequestStatus{
			domain.StatusDraft, domain.StatusAwaitingInfo,
		}).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// MarkRequestPaid flags a request's fee as settled. Used by payment
// reconciliation as a best-effort follow-up; a zero row count is not an
// error here because the request may have been soft-deleted meanwhile.
func MarkRequestPaid(ctx context.Context, db *gorm.DB, id string, at time.Time) error {
	return db.WithContext(ctx).
		Model(&domain.Request{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"payment_completed":    true,
			"payment_completed_at": at.UTC(),
			"updated_at":           time.Now().UTC(),
		}).Error
}
