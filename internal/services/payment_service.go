// Package services – PaymentService
//
// This file implements the payment lifecycle and the reconciliation of
// asynchronous gateway notifications. Reconciliation is safe under
// at-least-once delivery: notifications are correlated through the unique
// external transaction id, terminal payments short-circuit into an
// "already processed" acknowledgement, and receipt issuance is idempotent
// through the unique receipt-per-payment constraint.
//
// Follow-ups to a successful status write (receipt, request flag, payer
// notification) are best-effort: their failure is logged for manual
// remediation and never surfaced to the gateway, which would otherwise
// retry a notification whose core update already committed and risk
// duplicate effects.
package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// GatewayNotification is the contract of one inbound payment-status
// notification, already authenticated at the transport boundary.
type GatewayNotification struct {
	TransactionID   string
	Status          domain.PaymentStatus
	Method          string
	GatewayResponse domain.JSONMap
}

// ReconciliationOutcome acknowledges a processed notification.
//
// Applied is true when this delivery actually mutated the payment.
// AlreadyProcessed flags redeliveries against a terminal payment; such
// notifications are acknowledged without re-applying any effect.
type ReconciliationOutcome struct {
	PaymentID        string               `json:"payment_id"`
	Status           domain.PaymentStatus `json:"status"`
	Applied          bool                 `json:"applied"`
	AlreadyProcessed bool                 `json:"already_processed"`
	ReceiptID        string               `json:"receipt_id,omitempty"`
}

// PaymentService owns payment initiation, reads, and reconciliation.
type PaymentService struct {
	DB       *gorm.DB
	Auth     Authorizer
	Notifier Notifier
}

// NewPaymentService constructs a PaymentService with the default authorizer
// and log-only notifier.
func NewPaymentService(db *gorm.DB) *PaymentService {
	return &PaymentService{DB: db, Auth: OwnerAuthorizer{}, Notifier: LogNotifier{}}
}

// Initiate creates a pending payment for a fee-carrying request owned by the
// actor. When the request defines the fee amount, it wins over the caller's
// amount; otherwise the caller must supply a positive amount.
func (s *PaymentService) Initiate(ctx context.Context, actor Actor, requestID string, amount float64) (*domain.Payment, error) {
	r, err := repo.GetRequest(ctx, s.DB, requestID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	if !s.Auth.CanActOn(actor.ID, r.OwnerID) {
		return nil, ErrForbidden
	}
	if !r.PaymentRequired {
		return nil, ErrPaymentNotRequired
	}
	if r.PaymentAmount != nil {
		amount = *r.PaymentAmount
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	return repo.CreatePayment(ctx, s.DB, requestID, r.OwnerID, amount)
}

// Get returns a payment owned by the actor.
func (s *PaymentService) Get(ctx context.Context, actor Actor, id string) (*domain.Payment, error) {
	p, err := repo.GetPayment(ctx, s.DB, id, actor.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListPage returns a page of the actor's payments and the total count,
// optionally filtered by status.
func (s *PaymentService) ListPage(ctx context.Context, actor Actor, status domain.PaymentStatus, page, pageSize int) ([]domain.Payment, int64, error) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	total, err := repo.CountPayments(ctx, s.DB, actor.ID, status)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Payment{}, 0, nil
	}
	items, err := repo.ListPaymentsPage(ctx, s.DB, actor.ID, status, (page-1)*pageSize, pageSize)
	return items, total, err
}

// GetReceipt returns the receipt issued for one of the actor's payments.
func (s *PaymentService) GetReceipt(ctx context.Context, actor Actor, paymentID string) (*domain.Receipt, error) {
	if _, err := s.Get(ctx, actor, paymentID); err != nil {
		return nil, err
	}
	rc, err := repo.GetReceiptByPaymentID(ctx, s.DB, paymentID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrReceiptNotFound
		}
		return nil, err
	}
	return rc, nil
}

// Reconcile applies one gateway notification to the matching payment.
//
// The operation is idempotent: repeated deliveries of the same notification
// converge to the same end state with at most one receipt created. A
// notification that cannot be correlated to any payment is ErrPaymentNotFound;
// a malformed status or missing transaction id is a validation error. Every
// other delivery is acknowledged successfully, whether or not it applied.
func (s *PaymentService) Reconcile(ctx context.Context, n GatewayNotification) (*ReconciliationOutcome, error) {
	tr := otel.Tracer("services/PaymentService")
	ctx, span := tr.Start(ctx, "Reconcile",
		trace.WithAttributes(
			attribute.String("payment.transaction_id", n.TransactionID),
			attribute.String("payment.status", string(n.Status)),
		),
	)
	defer span.End()

	if strings.TrimSpace(n.TransactionID) == "" {
		return nil, ErrMissingTransactionID
	}
	if !domain.ValidPaymentStatus(n.Status) {
		return nil, ErrInvalidPaymentStatus
	}

	p, err := repo.GetPaymentByTransactionID(ctx, s.DB, n.TransactionID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, err
	}

	if !domain.CanReconcile(p.Status, n.Status) {
		// Terminal redelivery (retry storm) or an out-of-order transition:
		// acknowledge without writing anything.
		return &ReconciliationOutcome{
			PaymentID:        p.ID,
			Status:           p.Status,
			AlreadyProcessed: p.Status.IsFinal(),
		}, nil
	}

	if err := repo.ApplyGatewayUpdate(ctx, s.DB, p.ID, n.Status, n.Method, n.GatewayResponse); err != nil {
		return nil, err
	}

	out := &ReconciliationOutcome{PaymentID: p.ID, Status: n.Status, Applied: true}

	if n.Status == domain.PaymentSuccess {
		out.ReceiptID = s.settleSuccess(ctx, p)
	}

	switch n.Status {
	case domain.PaymentSuccess:
		notify(ctx, s.Notifier, p.OwnerID, EventPaymentSucceeded, map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount,
			"receipt_id": out.ReceiptID,
		})
	case domain.PaymentFailed:
		notify(ctx, s.Notifier, p.OwnerID, EventPaymentFailed, map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount,
		})
	case domain.PaymentRefunded:
		notify(ctx, s.Notifier, p.OwnerID, EventPaymentRefunded, map[string]any{
			"payment_id": p.ID,
			"amount":     p.Amount,
		})
	}

	return out, nil
}

// settleSuccess runs the follow-ups of a first transition into success:
// receipt issuance and the request's payment-completed flag. Both are
// best-effort; a failure is logged for manual remediation and does not roll
// back the payment status update.
func (s *PaymentService) settleSuccess(ctx context.Context, p *domain.Payment) (receiptID string) {
	rc, err := repo.CreateReceipt(ctx, s.DB, p.ID)
	switch {
	case err == nil:
		receiptID = rc.ID
	case errors.Is(err, repo.ErrDuplicate):
		// A prior attempt raced ahead; reuse the existing receipt.
		if existing, gerr := repo.GetReceiptByPaymentID(ctx, s.DB, p.ID); gerr == nil {
			receiptID = existing.ID
		}
	default:
		log.Error().Err(err).
			Str("payment_id", p.ID).
			Msg("receipt issuance failed; needs manual remediation")
	}

	if p.RequestID != nil {
		if err := repo.MarkRequestPaid(ctx, s.DB, *p.RequestID, time.Now().UTC()); err != nil {
			log.Error().Err(err).
				Str("payment_id", p.ID).
				Str("request_id", *p.RequestID).
				Msg("request payment flag update failed; needs manual remediation")
		}
	}
	return receiptID
}
