// Package services – RequestService
//
// This file implements the RequestService, which executes lifecycle
// transitions on requests. It validates reasons, enforces ownership and role
// preconditions, delegates the allow/deny decision to the pure state machine
// in the domain package, and applies the persisted mutation as a conditional
// write with a single retry. A transition that loses the optimistic-
// concurrency race twice surfaces as ErrConflict; a guard denial surfaces as
// *InvalidStatusError carrying the observed and expected statuses.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// request/actor identifiers and the attempted transition.
package services

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ownerTransitions are taken by the request owner; everything else requires
// staff capabilities.
var ownerTransitions = map[domain.Transition]bool{
	domain.TransitionSubmit: true,
	domain.TransitionCancel: true,
}

// knownTransitions guards against arbitrary transition names arriving from
// the transport layer.
var knownTransitions = map[domain.Transition]bool{
	domain.TransitionSubmit:        true,
	domain.TransitionStartReview:   true,
	domain.TransitionRequestInfo:   true,
	domain.TransitionResumeReview:  true,
	domain.TransitionStartApproval: true,
	domain.TransitionApprove:       true,
	domain.TransitionReject:        true,
	domain.TransitionCancel:        true,
}

// RequestService owns the request lifecycle: creation, reads, draft edits,
// and state-machine-approved transitions.
type RequestService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
	// Auth supplies ownership/capability preconditions.
	Auth Authorizer
	// Notifier receives best-effort outbound notification intents.
	Notifier Notifier
}

// NewRequestService constructs a RequestService with the default authorizer
// and log-only notifier.
func NewRequestService(db *gorm.DB) *RequestService {
	return &RequestService{DB: db, Auth: OwnerAuthorizer{}, Notifier: LogNotifier{}}
}

// Create inserts a new draft request owned by the actor.
func (s *RequestService) Create(ctx context.Context, actor Actor, authorityID, typeID string, form domain.JSONMap, notes string) (*domain.Request, error) {
	return repo.CreateRequest(ctx, s.DB, actor.ID, authorityID, typeID, form, notes)
}

// Get returns a request visible to the actor: owners see their own requests,
// staff see any. A request owned by someone else is reported as ErrForbidden
// (identity present, insufficient rights), not as missing.
func (s *RequestService) Get(ctx context.Context, actor Actor, id string) (*domain.Request, error) {
	r, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if !s.Auth.CanActOn(actor.ID, r.OwnerID) && !s.Auth.IsStaff(actor.Role) {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListPage returns a page of the actor's requests and the total count,
// optionally filtered by status and type.
func (s *RequestService) ListPage(ctx context.Context, actor Actor, status domain.RequestStatus, typeID string, page, pageSize int) ([]domain.Request, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	f := repo.RequestFilter{OwnerID: actor.ID, Status: status, TypeID: typeID}

	total, err := repo.CountRequests(ctx, s.DB, f)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Request{}, 0, nil
	}
	items, err := repo.ListRequestsPage(ctx, s.DB, f, (page-1)*pageSize, pageSize)
	return items, total, err
}

// UpdateDraft updates the form payload and notes of a request while its
// status still permits edits (draft or awaiting_info).
func (s *RequestService) UpdateDraft(ctx context.Context, actor Actor, id string, form domain.JSONMap, notes *string) (*domain.Request, error) {
	r, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if !s.Auth.CanActOn(actor.ID, r.OwnerID) {
		return nil, ErrForbidden
	}
	if !domain.CanModify(r.Status) {
		return nil, ErrNotModifiable
	}
	if err := repo.UpdateRequestDraft(ctx, s.DB, id, actor.ID, form, notes); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Status moved between read and write.
			return nil, ErrNotModifiable
		}
		return nil, err
	}
	return repo.GetRequest(ctx, s.DB, id)
}

// Execute applies one lifecycle transition to the identified request on
// behalf of actor and returns the updated request.
//
// Order of checks: load (NOT_FOUND), authorization (FORBIDDEN), reason
// validation (VALIDATION), state-machine decision (INVALID_STATUS),
// conditional write with a single re-read retry (CONFLICT). The outbound
// notification is dispatched only after the write commits and its failure
// never alters the reported outcome.
func (s *RequestService) Execute(ctx context.Context, actor Actor, id string, t domain.Transition, reason string) (*domain.Request, error) {
	tr := otel.Tracer("services/RequestService")
	ctx, span := tr.Start(ctx, "Execute",
		trace.WithAttributes(
			attribute.String("request.id", id),
			attribute.String("actor.id", actor.ID),
			attribute.String("transition", string(t)),
		),
	)
	defer span.End()

	if !knownTransitions[t] {
		return nil, ErrUnknownTransition
	}

	reason = strings.TrimSpace(reason)
	if t.RequiresReason() && utf8.RuneCountInString(reason) < domain.MinReasonLen {
		return nil, ErrReasonTooShort
	}

	r, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}

	role := actor.Role
	if ownerTransitions[t] {
		if !s.Auth.CanActOn(actor.ID, r.OwnerID) {
			return nil, ErrForbidden
		}
		role = domain.RoleOwner
	} else if !s.Auth.IsStaff(actor.Role) {
		return nil, ErrForbidden
	}

	dec := domain.Decide(r.Status, t, role)
	if !dec.Allowed {
		if dec.RoleDenied {
			return nil, ErrForbidden
		}
		return nil, &InvalidStatusError{Current: dec.Current, Expected: dec.Expected}
	}

	persistedReason := ""
	if t.RequiresReason() {
		persistedReason = reason
	}

	ok, err := repo.UpdateRequestStatusIf(ctx, s.DB, id, r.Status, dec.Next, persistedReason)
	if err != nil {
		return nil, err
	}
	if !ok {
		// A concurrent transition won the race. Re-read, re-evaluate, and
		// retry exactly once against the fresh status.
		r, err = repo.GetRequest(ctx, s.DB, id)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, ErrRequestNotFound
			}
			return nil, err
		}
		dec = domain.Decide(r.Status, t, role)
		if !dec.Allowed {
			if dec.RoleDenied {
				return nil, ErrForbidden
			}
			return nil, &InvalidStatusError{Current: dec.Current, Expected: dec.Expected}
		}
		ok, err = repo.UpdateRequestStatusIf(ctx, s.DB, id, r.Status, dec.Next, persistedReason)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrConflict
		}
	}

	updated, err := repo.GetRequest(ctx, s.DB, id)
	if err != nil {
		return nil, err
	}

	notify(ctx, s.Notifier, updated.OwnerID, transitionEvent(t), map[string]any{
		"request_id": updated.ID,
		"reference":  updated.Reference,
		"status":     updated.Status,
	})

	return updated, nil
}

// transitionEvent maps a transition to the notification event it emits.
func transitionEvent(t domain.Transition) string {
	switch t {
	case domain.TransitionSubmit:
		return EventRequestSubmitted
	case domain.TransitionCancel:
		return EventRequestCancelled
	default:
		return EventRequestStatusChanged
	}
}

// StatusSummary returns the actor's request counts per lifecycle status.
func (s *RequestService) StatusSummary(ctx context.Context, actor Actor) (map[domain.RequestStatus]int64, error) {
	return repo.StatusCounts(ctx, s.DB, actor.ID)
}
