// Request HTTP handlers.
//
// This file exposes the REST endpoints for the request lifecycle:
//   - POST   /requests                (create draft)
//   - GET    /requests               (list, paginated, ETag support)
//   - GET    /requests/{id}          (fetch one)
//   - PATCH  /requests/{id}          (update draft form data)
//   - POST   /requests/{id}/submit   (owner submits the draft)
//   - POST   /requests/{id}/cancel   (owner cancels with a reason)
//   - PATCH  /requests/{id}/status   (staff transition)
//   - POST   /requests/bulk-cancel   (cancel up to 50 requests)
//   - GET    /requests/summary       (per-status counts)
//
// Handlers are transport-thin: they validate input, delegate to application
// services, and translate domain/service errors into HTTP results. Guard
// denials surface as INVALID_STATUS with the current and expected statuses
// in the details map so that clients can recover without guesswork.
//
// Idempotency:
// If the client supplies an Idempotency-Key header on submit or cancel and a
// previous successful call is found for (user, request, key), the handler
// replays the stored outcome by returning the current request state and sets
// `Idempotency-Replayed: true`.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/http/middleware"
	"github.com/opencivic/go-request-backend/internal/repo"
	"github.com/opencivic/go-request-backend/internal/services"
	"github.com/opencivic/go-request-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// RequestService defines the request lifecycle operations consumed by HTTP
// handlers.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RequestService interface {
	// Create inserts a new draft request owned by the actor.
	Create(ctx context.Context, actor services.Actor, authorityID, typeID string, form domain.JSONMap, notes string) (*domain.Request, error)
	// Get returns a request visible to the actor.
	Get(ctx context.Context, actor services.Actor, id string) (*domain.Request, error)
	// ListPage returns a page of the actor's requests and the total count.
	ListPage(ctx context.Context, actor services.Actor, status domain.RequestStatus, typeID string, page, pageSize int) ([]domain.Request, int64, error)
	// UpdateDraft edits the form payload while the status still permits it.
	UpdateDraft(ctx context.Context, actor services.Actor, id string, form domain.JSONMap, notes *string) (*domain.Request, error)
	// Execute applies one lifecycle transition.
	Execute(ctx context.Context, actor services.Actor, id string, t domain.Transition, reason string) (*domain.Request, error)
	// StatusSummary returns per-status request counts for the actor.
	StatusSummary(ctx context.Context, actor services.Actor) (map[domain.RequestStatus]int64, error)
}

// BulkService defines bulk lifecycle operations consumed by HTTP handlers.
type BulkService interface {
	// CancelMany cancels up to 50 requests with a shared justification.
	CancelMany(ctx context.Context, actor services.Actor, ids []string, justification string) (*domain.BulkOperationResult, error)
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for requests, payments, and the payment
// webhook. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	reqSvc  RequestService
	bulkSvc BulkService
	paySvc  PaymentService
}

// New constructs and returns a Handlers instance bound to the given services.
func New(reqSvc RequestService, bulkSvc BulkService, paySvc PaymentService) *Handlers {
	return &Handlers{reqSvc: reqSvc, bulkSvc: bulkSvc, paySvc: paySvc}
}

// actor resolves the acting identity from Gin context (set by upstream
// middleware). If absent, it falls back to the "X-User-ID" header (tests use
// it), and finally to "demo-user". The role comes from "X-User-Role": any
// value other than "staff" or "system" is treated as a citizen owner.
func actor(c *gin.Context) services.Actor {
	id := ""
	if v, ok := c.Get("userID"); ok {
		if s, ok := v.(string); ok && s != "" {
			id = s
		}
	}
	if id == "" && c != nil && c.Request != nil {
		id = strings.TrimSpace(c.GetHeader("X-User-ID"))
	}
	if id == "" {
		id = "demo-user"
	}

	role := domain.RoleOwner
	if c != nil && c.Request != nil {
		switch strings.ToLower(strings.TrimSpace(c.GetHeader("X-User-Role"))) {
		case "staff":
			role = domain.RoleStaff
		case "system":
			role = domain.RoleSystem
		}
	}
	return services.Actor{ID: id, Role: role}
}

//
// DTOs
//

// CreateRequestRequest is the JSON payload for creating a draft request.
type CreateRequestRequest struct {
	AuthorityID    string         `json:"authority_id" binding:"required" example:"primaria-cluj"`
	TypeID         string         `json:"type_id"      binding:"required" example:"urbanism-certificate"`
	FormData       map[string]any `json:"form_data"`
	ApplicantNotes string         `json:"applicant_notes,omitempty" example:"Please expedite"`
}

// UpdateRequestRequest is the JSON payload for editing a draft request.
type UpdateRequestRequest struct {
	FormData       map[string]any `json:"form_data,omitempty"`
	ApplicantNotes *string        `json:"applicant_notes,omitempty"`
}

// CancelRequestRequest is the JSON payload for cancelling a request.
type CancelRequestRequest struct {
	// Reason must be at least 10 characters.
	Reason string `json:"reason" binding:"required" example:"No longer needed, moving to another city"`
}

// StaffTransitionRequest is the JSON payload for staff-side transitions.
type StaffTransitionRequest struct {
	// Transition is one of: start_review, request_info, resume_review,
	// start_approval, approve, reject.
	Transition string `json:"transition" binding:"required" example:"approve"`
	// Reason is required for reject (min 10 characters).
	Reason string `json:"reason,omitempty" example:"Missing proof of residence, documents expired"`
}

// BulkCancelRequest is the JSON payload for bulk cancellation.
type BulkCancelRequest struct {
	RequestIDs    []string `json:"request_ids" binding:"required"`
	Justification string   `json:"justification,omitempty" example:"Duplicates filed by mistake"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// RequestView decorates a request with its localized status label.
type RequestView struct {
	domain.Request
	StatusLabel string `json:"status_label"`
}

// ListRequestsResponse wraps a page of requests and pagination information.
type ListRequestsResponse struct {
	Requests   []RequestView `json:"requests"`
	Pagination Pagination    `json:"pagination"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

// view decorates a request with its status label for the requested locale.
func view(c *gin.Context, r *domain.Request) RequestView {
	return RequestView{Request: *r, StatusLabel: StatusLabel(localeOf(c), r.Status)}
}

// failService translates service-layer errors into the HTTP error envelope.
// Guard denials include current/expected context; everything unrecognized is
// an internal error.
func failService(c *gin.Context, err error) {
	var ise *services.InvalidStatusError
	switch {
	case errors.Is(err, services.ErrRequestNotFound),
		errors.Is(err, services.ErrPaymentNotFound),
		errors.Is(err, services.ErrReceiptNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, err.Error())
	case errors.Is(err, services.ErrForbidden):
		fail(c, http.StatusForbidden, ErrCodeForbidden, err.Error())
	case errors.Is(err, services.ErrConflict):
		fail(c, http.StatusConflict, ErrCodeConflict, err.Error())
	case errors.Is(err, services.ErrReasonTooShort),
		errors.Is(err, services.ErrUnknownTransition),
		errors.Is(err, services.ErrNoItems),
		errors.Is(err, services.ErrTooManyItems),
		errors.Is(err, services.ErrPaymentNotRequired),
		errors.Is(err, services.ErrInvalidAmount),
		errors.Is(err, services.ErrInvalidPaymentStatus),
		errors.Is(err, services.ErrMissingTransactionID):
		fail(c, http.StatusBadRequest, ErrCodeValidation, err.Error())
	case errors.Is(err, services.ErrNotModifiable):
		failWith(c, http.StatusBadRequest, ErrCodeInvalidStatus, err.Error(), nil)
	case errors.As(err, &ise):
		details := map[string]any{"current_status": string(ise.Current)}
		if len(ise.Expected) > 0 {
			expected := make([]string, len(ise.Expected))
			for i, s := range ise.Expected {
				expected[i] = string(s)
			}
			details["expected_status"] = expected
		}
		failWith(c, http.StatusBadRequest, ErrCodeInvalidStatus, err.Error(), details)
	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
	}
}

//
// Handlers
//

// CreateRequest godoc
// @ID          createRequest
// @Summary     Create a draft request
// @Description Creates a request in draft status for the current user.
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.CreateRequestRequest  true  "Create request payload"
//
// @Success     201  {object}  handlers.RequestView
// @Failure     400  {object}  handlers.ErrorResponse  "Bad request"
// @Failure     500  {object}  handlers.ErrorResponse  "Internal error"
// @Router      /requests [post]
func (h *Handlers) CreateRequest(c *gin.Context) {
	var req CreateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "authority_id and type_id are required")
		return
	}

	r, err := h.reqSvc.Create(c.Request.Context(), actor(c), req.AuthorityID, req.TypeID, domain.JSONMap(req.FormData), strings.TrimSpace(req.ApplicantNotes))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDatabase, err.Error())
		return
	}
	ok(c, http.StatusCreated, view(c, r))
}

// ListRequests godoc
// @ID          listRequests
// @Summary     List requests (paginated)
// @Description Returns a page of the user's requests. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
// @Param       status         query   string  false "Filter by lifecycle status"   example(under_review)
// @Param       type_id        query   string  false "Filter by request type"
//
// @Success     200  {object} handlers.ListRequestsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests [get]
func (h *Handlers) ListRequests(c *gin.Context) {
	ctx := c.Request.Context()
	act := actor(c)
	page, pageSize := clampPagination(c)

	status := domain.RequestStatus(c.Query("status"))
	if status != "" && !domain.ValidRequestStatus(status) {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "unknown status filter")
		return
	}

	// ETag pre-check (best effort).
	if db := h.dbOf(); db != nil {
		count, maxTS, err := repo.RequestsStats(ctx, db, act.ID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"requests:%s:%d:%d"`, act.ID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.reqSvc.ListPage(ctx, act, status, c.Query("type_id"), page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDatabase, err.Error())
		return
	}

	views := make([]RequestView, len(items))
	for i := range items {
		views[i] = view(c, &items[i])
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListRequestsResponse{
		Requests: views,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetRequest godoc
// @ID          getRequest
// @Summary     Fetch one request
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Request ID (UUID)"      format(uuid)
//
// @Success     200  {object} handlers.RequestView
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Router      /requests/{id} [get]
func (h *Handlers) GetRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request id must be a UUID")
		return
	}
	r, err := h.reqSvc.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	c.Header("Cache-Control", "private, no-cache, no-store, must-revalidate")
	ok(c, http.StatusOK, view(c, r))
}

// UpdateRequest godoc
// @ID          updateRequest
// @Summary     Update a draft request
// @Description Updates form data while the request is still editable (draft or awaiting_info).
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Request ID (UUID)"      format(uuid)
// @Param       body       body    handlers.UpdateRequestRequest  true  "Fields to update"
//
// @Success     200  {object} handlers.RequestView
// @Failure     400  {object} handlers.ErrorResponse "Not editable in current status"
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Router      /requests/{id} [patch]
func (h *Handlers) UpdateRequest(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request id must be a UUID")
		return
	}
	var req UpdateRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "invalid JSON body")
		return
	}
	r, err := h.reqSvc.UpdateDraft(c.Request.Context(), actor(c), id, domain.JSONMap(req.FormData), req.ApplicantNotes)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, view(c, r))
}

// SubmitRequest godoc
// @ID          submitRequest
// @Summary     Submit a draft request for processing
// @Description Transitions the request from draft into the review pipeline. Irreversible except through cancellation. Supports idempotency via the Idempotency-Key header.
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Request ID (UUID)"      format(uuid)
//
// @Success     200  {object} handlers.RequestView
// @Failure     400  {object} handlers.ErrorResponse "Invalid status"
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Failure     409  {object} handlers.ErrorResponse "Concurrent modification"
// @Router      /requests/{id}/submit [post]
func (h *Handlers) SubmitRequest(c *gin.Context) {
	h.executeTransition(c, domain.TransitionSubmit, "")
}

// CancelRequest godoc
// @ID          cancelRequest
// @Summary     Cancel a request
// @Description Cancels a non-terminal request with a reason of at least 10 characters. Supports idempotency via the Idempotency-Key header.
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"  example(user123)
// @Param       Idempotency-Key  header  string  false "Idempotency key for safe retries"
// @Param       id               path    string  true  "Request ID (UUID)"      format(uuid)
// @Param       body             body    handlers.CancelRequestRequest  true  "Cancellation reason"
//
// @Success     200  {object} handlers.RequestView
// @Failure     400  {object} handlers.ErrorResponse "Invalid status or reason too short"
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Failure     409  {object} handlers.ErrorResponse "Concurrent modification"
// @Router      /requests/{id}/cancel [post]
func (h *Handlers) CancelRequest(c *gin.Context) {
	var req CancelRequestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "reason is required")
		return
	}
	h.executeTransition(c, domain.TransitionCancel, req.Reason)
}

// UpdateRequestStatus godoc
// @ID          updateRequestStatus
// @Summary     Apply a staff transition
// @Description Moves a request through the administrative pipeline (start_review, request_info, resume_review, start_approval, approve, reject).
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID    header  string  false "User ID (demo header)"      example(staff7)
// @Param       X-User-Role  header  string  false "Role (staff required here)" example(staff)
// @Param       id           path    string  true  "Request ID (UUID)"          format(uuid)
// @Param       body         body    handlers.StaffTransitionRequest  true  "Transition payload"
//
// @Success     200  {object} handlers.RequestView
// @Failure     400  {object} handlers.ErrorResponse "Invalid status or transition"
// @Failure     403  {object} handlers.ErrorResponse "Staff role required"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Failure     409  {object} handlers.ErrorResponse "Concurrent modification"
// @Router      /requests/{id}/status [patch]
func (h *Handlers) UpdateRequestStatus(c *gin.Context) {
	var req StaffTransitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "transition is required")
		return
	}
	h.executeTransition(c, domain.Transition(req.Transition), req.Reason)
}

// executeTransition is the shared body of the transition endpoints: id
// validation, idempotency replay, service call, idempotency record, and
// error translation.
func (h *Handlers) executeTransition(c *gin.Context, t domain.Transition, reason string) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request id must be a UUID")
		return
	}
	act := actor(c)

	// Idempotency (replay path): return the current state without repeating
	// the transition or its side effects.
	idemKey, _ := middleware.GetIdempotencyKey(c)
	if idemKey != "" {
		if db := h.dbOf(); db != nil {
			if rec, err := repo.GetIdempotency(ctx, db, act.ID, id, idemKey, time.Now().UTC()); err == nil && rec != nil {
				if r, err2 := h.reqSvc.Get(ctx, act, id); err2 == nil {
					c.Header("Idempotency-Replayed", "true")
					ok(c, http.StatusOK, view(c, r))
					return
				}
			}
		}
	}

	r, err := h.reqSvc.Execute(ctx, act, id, t, reason)
	if err != nil {
		failService(c, err)
		return
	}

	// Idempotency (store path): best effort.
	if idemKey != "" {
		if db := h.dbOf(); db != nil {
			_, _ = repo.CreateIdempotency(ctx, db, act.ID, id, idemKey, http.StatusOK, 24*time.Hour)
		}
	}

	ok(c, http.StatusOK, view(c, r))
}

// BulkCancelRequests godoc
// @ID          bulkCancelRequests
// @Summary     Cancel multiple requests
// @Description Cancels up to 50 requests with a shared justification. Returns a per-item outcome list; callers must inspect it rather than rely on the HTTP status.
// @Tags        Requests
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.BulkCancelRequest  true  "Bulk cancel payload"
//
// @Success     200  {object} domain.BulkOperationResult
// @Failure     400  {object} handlers.ErrorResponse "Too many items or justification too short"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests/bulk-cancel [post]
func (h *Handlers) BulkCancelRequests(c *gin.Context) {
	var req BulkCancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request_ids is required")
		return
	}
	res, err := h.bulkSvc.CancelMany(c.Request.Context(), actor(c), req.RequestIDs, req.Justification)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// RequestSummary godoc
// @ID          requestSummary
// @Summary     Per-status request counts
// @Tags        Requests
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
//
// @Success     200  {object} map[string]int64
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /requests/summary [get]
func (h *Handlers) RequestSummary(c *gin.Context) {
	counts, err := h.reqSvc.StatusSummary(c.Request.Context(), actor(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDatabase, err.Error())
		return
	}
	ok(c, http.StatusOK, counts)
}

// dbOf exposes the concrete service's DB handle for ETag and idempotency
// lookups that bypass the service interface.
func (h *Handlers) dbOf() *gorm.DB {
	if svc, ok := h.reqSvc.(*services.RequestService); ok {
		return svc.DB
	}
	return nil
}
