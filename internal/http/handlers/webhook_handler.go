// Payment gateway webhook endpoint.
//
// The gateway retries deliveries, so the endpoint must be idempotent: a
// notification that has already settled the payment is acknowledged with 200
// and `already_processed: true` instead of an error. Signature verification
// happens upstream in middleware.
package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/services"
)

// PaymentWebhookRequest is the JSON payload delivered by the payment gateway.
type PaymentWebhookRequest struct {
	TransactionID   string         `json:"transaction_id" binding:"required" example:"TX-9f2c41ab77de"`
	Status          string         `json:"status" binding:"required" example:"success"`
	Method          string         `json:"method,omitempty" example:"card"`
	GatewayResponse map[string]any `json:"gateway_response,omitempty"`
}

// PaymentWebhookResponse acknowledges a gateway notification.
type PaymentWebhookResponse struct {
	PaymentID        string `json:"payment_id"`
	Status           string `json:"status"`
	Applied          bool   `json:"applied"`
	AlreadyProcessed bool   `json:"already_processed"`
	ReceiptID        string `json:"receipt_id,omitempty"`
}

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Receive a payment gateway notification
// @Description Applies the gateway's status for the referenced transaction at most once. Redeliveries are acknowledged without side effects.
// @Tags        Webhooks
// @Accept      json
// @Produce     json
//
// @Param       X-Gateway-Signature  header  string  false "HMAC-SHA256 of the raw body (hex)"
// @Param       body                 body    handlers.PaymentWebhookRequest  true  "Gateway notification"
//
// @Success     200  {object} handlers.PaymentWebhookResponse
// @Failure     400  {object} handlers.ErrorResponse "Malformed notification"
// @Failure     404  {object} handlers.ErrorResponse "Unknown transaction"
// @Router      /webhooks/payments [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	var req PaymentWebhookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeValidation, "transaction_id and status are required")
		return
	}

	out, err := h.paySvc.Reconcile(c.Request.Context(), services.GatewayNotification{
		TransactionID:   strings.TrimSpace(req.TransactionID),
		Status:          domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
		Method:          strings.TrimSpace(req.Method),
		GatewayResponse: domain.JSONMap(req.GatewayResponse),
	})
	if err != nil {
		failService(c, err)
		return
	}

	ok(c, http.StatusOK, PaymentWebhookResponse{
		PaymentID:        out.PaymentID,
		Status:           string(out.Status),
		Applied:          out.Applied,
		AlreadyProcessed: out.AlreadyProcessed,
		ReceiptID:        out.ReceiptID,
	})
}
