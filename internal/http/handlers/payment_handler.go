// Payment HTTP handlers: initiation, inspection, and receipt retrieval.
package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/repo"
	"github.com/opencivic/go-request-backend/internal/services"
)

// PaymentService defines the payment operations consumed by HTTP handlers.
type PaymentService interface {
	// Initiate opens a pending payment for a request that requires one.
	Initiate(ctx context.Context, actor services.Actor, requestID string, amount float64) (*domain.Payment, error)
	// Get returns a payment visible to the actor.
	Get(ctx context.Context, actor services.Actor, id string) (*domain.Payment, error)
	// ListPage returns a page of the actor's payments and the total count.
	ListPage(ctx context.Context, actor services.Actor, status domain.PaymentStatus, page, pageSize int) ([]domain.Payment, int64, error)
	// GetReceipt returns the receipt issued for a successful payment.
	GetReceipt(ctx context.Context, actor services.Actor, paymentID string) (*domain.Receipt, error)
	// Reconcile applies a gateway notification exactly once.
	Reconcile(ctx context.Context, n services.GatewayNotification) (*services.ReconciliationOutcome, error)
}

// InitiatePaymentRequest is the JSON payload for opening a payment.
type InitiatePaymentRequest struct {
	RequestID string  `json:"request_id" binding:"required" format:"uuid"`
	Amount    float64 `json:"amount" example:"45.50"`
}

// ListPaymentsResponse wraps a page of payments and pagination information.
type ListPaymentsResponse struct {
	Payments   []domain.Payment `json:"payments"`
	Pagination Pagination       `json:"pagination"`
}

// InitiatePayment godoc
// @ID          initiatePayment
// @Summary     Open a payment for a request
// @Description Creates a pending payment for a request that requires one. The request's own amount wins when it is set.
// @Tags        Payments
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       body       body    handlers.InitiatePaymentRequest  true  "Payment payload"
//
// @Success     201  {object} domain.Payment
// @Failure     400  {object} handlers.ErrorResponse "Payment not required or invalid amount"
// @Failure     403  {object} handlers.ErrorResponse "Forbidden"
// @Failure     404  {object} handlers.ErrorResponse "Request not found"
// @Router      /payments [post]
func (h *Handlers) InitiatePayment(c *gin.Context) {
	var req InitiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request_id is required")
		return
	}
	if _, err := uuid.Parse(req.RequestID); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "request_id must be a UUID")
		return
	}
	p, err := h.paySvc.Initiate(c.Request.Context(), actor(c), req.RequestID, req.Amount)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

// ListPayments godoc
// @ID          listPayments
// @Summary     List payments (paginated)
// @Description Returns a page of the user's payments. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID      header  string  false "User ID (demo header)"       example(user123)
// @Param       If-None-Match  header  string  false "Return 304 if ETag matches"  example(W/\"abc123\")
// @Param       page           query   int     false "Page number"                  minimum(1) default(1)
// @Param       page_size      query   int     false "Items per page"               minimum(1) maximum(100) default(20)
// @Param       status         query   string  false "Filter by payment status"     example(success)
//
// @Success     200  {object} handlers.ListPaymentsResponse
// @Header      200  {string} ETag "Weak ETag for current result"
// @Success     304  {string} string "Not Modified"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /payments [get]
func (h *Handlers) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	act := actor(c)
	page, pageSize := clampPagination(c)

	status := domain.PaymentStatus(c.Query("status"))
	if status != "" && !domain.ValidPaymentStatus(status) {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "unknown status filter")
		return
	}

	// ETag pre-check (best effort).
	if db := h.dbOf(); db != nil {
		count, maxTS, err := repo.PaymentsStats(ctx, db, act.ID)
		if err == nil {
			var ts int64
			if maxTS != nil {
				ts = maxTS.Unix()
			}
			etag := fmt.Sprintf(`W/"payments:%s:%d:%d"`, act.ID, count, ts)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.paySvc.ListPage(ctx, act, status, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeDatabase, err.Error())
		return
	}
	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListPaymentsResponse{
		Payments: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetPayment godoc
// @ID          getPayment
// @Summary     Fetch one payment
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Payment ID (UUID)"      format(uuid)
//
// @Success     200  {object} domain.Payment
// @Failure     404  {object} handlers.ErrorResponse "Payment not found"
// @Router      /payments/{id} [get]
func (h *Handlers) GetPayment(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "payment id must be a UUID")
		return
	}
	p, err := h.paySvc.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// GetReceipt godoc
// @ID          getReceipt
// @Summary     Fetch the receipt for a successful payment
// @Tags        Payments
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(user123)
// @Param       id         path    string  true  "Payment ID (UUID)"      format(uuid)
//
// @Success     200  {object} domain.Receipt
// @Failure     404  {object} handlers.ErrorResponse "Payment or receipt not found"
// @Router      /payments/{id}/receipt [get]
func (h *Handlers) GetReceipt(c *gin.Context) {
	id := c.Param("id")
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "payment id must be a UUID")
		return
	}
	rcpt, err := h.paySvc.GetReceipt(c.Request.Context(), actor(c), id)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, rcpt)
}
