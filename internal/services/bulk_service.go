// Package services – BulkService
//
// This file implements the bulk transition coordinator. A bulk cancellation
// fans one justification out over up to BulkMaxItems requests and reports a
// per-item outcome list; there is no all-or-nothing transaction across the
// batch and no rollback of items that succeeded. Items that fail the
// ownership or status guard are excluded before the write, so the single
// batch UPDATE either commits the whole passing set or none of it.
package services

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BulkMaxItems caps the number of request ids accepted per bulk call.
const BulkMaxItems = 50

// DefaultBulkJustification is applied when the caller omits a justification.
const DefaultBulkJustification = "Bulk cancellation by owner"

// BulkService coordinates bulk lifecycle operations.
type BulkService struct {
	DB   *gorm.DB
	Auth Authorizer
}

// NewBulkService constructs a BulkService with the default authorizer.
func NewBulkService(db *gorm.DB) *BulkService {
	return &BulkService{DB: db, Auth: OwnerAuthorizer{}}
}

// CancelMany cancels up to BulkMaxItems requests owned by the actor with a
// shared justification. Per-item outcomes are returned in the order of the
// input ids; callers must inspect the aggregate rather than infer success
// from a nil error.
//
// Input validation failures (empty list, too many items, short justification)
// reject the whole call before any item is touched.
func (s *BulkService) CancelMany(ctx context.Context, actor Actor, ids []string, justification string) (*domain.BulkOperationResult, error) {
	tr := otel.Tracer("services/BulkService")
	ctx, span := tr.Start(ctx, "CancelMany",
		trace.WithAttributes(
			attribute.String("actor.id", actor.ID),
			attribute.Int("items", len(ids)),
		),
	)
	defer span.End()

	if len(ids) == 0 {
		return nil, ErrNoItems
	}
	if len(ids) > BulkMaxItems {
		return nil, ErrTooManyItems
	}
	justification = strings.TrimSpace(justification)
	if justification == "" {
		justification = DefaultBulkJustification
	} else if utf8.RuneCountInString(justification) < domain.MinReasonLen {
		return nil, ErrReasonTooShort
	}

	// One batch read; missing ids become per-item failures, never an abort.
	found, err := repo.ListRequestsByIDs(ctx, s.DB, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*domain.Request, len(found))
	for i := range found {
		byID[found[i].ID] = &found[i]
	}

	res := &domain.BulkOperationResult{
		Total: len(ids),
		Items: make([]domain.BulkItemResult, 0, len(ids)),
	}
	var passing []string
	passingIdx := make([]int, 0, len(ids))

	for _, id := range ids {
		r, ok := byID[id]
		if !ok {
			res.Items = append(res.Items, domain.BulkItemResult{
				RequestID: id,
				Reference: "N/A",
				Error:     "request not found",
			})
			continue
		}
		if !s.Auth.CanActOn(actor.ID, r.OwnerID) {
			res.Items = append(res.Items, domain.BulkItemResult{
				RequestID: id,
				Reference: r.Reference,
				Error:     "not allowed to cancel this request",
			})
			continue
		}
		if !domain.CanCancel(r.Status) {
			res.Items = append(res.Items, domain.BulkItemResult{
				RequestID: id,
				Reference: r.Reference,
				Error:     fmt.Sprintf("request cannot be cancelled in its current status (%s)", r.Status),
			})
			continue
		}
		// Provisionally successful; flipped below if the batch write fails.
		res.Items = append(res.Items, domain.BulkItemResult{
			RequestID: id,
			Reference: r.Reference,
			Success:   true,
		})
		passing = append(passing, id)
		passingIdx = append(passingIdx, len(res.Items)-1)
	}

	if len(passing) > 0 {
		// Single conditional batch write; the status predicate re-applies the
		// guard so an item raced into a terminal state is skipped, not
		// force-cancelled.
		if _, err := repo.CancelRequestsBatch(ctx, s.DB, passing, justification); err != nil {
			log.Error().Err(err).
				Str("actor_id", actor.ID).
				Int("items", len(passing)).
				Msg("batch cancellation write failed; passing items degraded to per-item failures")
			for _, i := range passingIdx {
				res.Items[i].Success = false
				res.Items[i].Error = "database error while cancelling the request"
			}
		}
	}

	for _, it := range res.Items {
		if it.Success {
			res.Succeeded++
		} else {
			res.Failed++
		}
	}
	return res, nil
}
