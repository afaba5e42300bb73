// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Payment
// and Receipt models.
//
// Reconciliation correlates gateway notifications with payments through the
// unique external transaction id, so lookups by transaction id are not
// owner-scoped (webhooks carry no user context). Receipt creation relies on
// the unique index on payment_id to stay idempotent under redelivery:
// a second insert surfaces as ErrDuplicate, which callers treat as
// "already issued", never as a failure.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opencivic/go-request-backend/internal/domain"
)

// isUniqueViolation reports whether err is a unique-constraint violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations, so
// the check falls back to string matching.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreatePayment inserts a new pending Payment for a request. The payment ID
// is a randomly generated UUID and the external TransactionID a generated
// "TX-" token handed to the gateway when the checkout session starts.
func CreatePayment(ctx context.Context, db *gorm.DB, requestID, ownerID string, amount float64) (*domain.Payment, error) {
	now := time.Now().UTC()
	p := &domain.Payment{
		ID:            uuid.NewString(),
		RequestID:     &requestID,
		OwnerID:       ownerID,
		Amount:        amount,
		Status:        domain.PaymentPending,
		TransactionID: "TX-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12]),
		CreatedAt:     now,
	}
	if err := db.WithContext(ctx).Create(p).Error; err != nil {
		return nil, err
	}
	return p, nil
}

// GetPayment fetches a payment by ID, scoped to its owner. Returns
// ErrNotFound when missing or owned by someone else.
func GetPayment(ctx context.Context, db *gorm.DB, id, ownerID string) (*domain.Payment, error) {
	var p domain.Payment
	err := db.WithContext(ctx).Where("id = ? AND owner_id = ?", id, ownerID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentByTransactionID fetches a payment by its external transaction
// id. Not owner-scoped: this is the webhook correlation path.
func GetPaymentByTransactionID(ctx context.Context, db *gorm.DB, txID string) (*domain.Payment, error) {
	var p domain.Payment
	err := db.WithContext(ctx).Where("transaction_id = ?", txID).First(&p).Error
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CountPayments returns the total number of payments owned by ownerID,
// optionally narrowed by status.
func CountPayments(ctx context.Context, db *gorm.DB, ownerID string, status domain.PaymentStatus) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.Payment{}).Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListPaymentsPage returns a page of payments owned by ownerID, newest
// first, optionally narrowed by status.
func ListPaymentsPage(ctx context.Context, db *gorm.DB, ownerID string, status domain.PaymentStatus, offset, limit int) ([]domain.Payment, error) {
	q := db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []domain.Payment
	err := q.Order("created_at desc").Offset(offset).Limit(limit).Find(&out).Error
	return out, err
}

// ApplyGatewayUpdate writes the gateway-reported status, method, and raw
// payload to a payment. The domain-level transition check has already been
// performed by the reconciler; this is a plain write keyed by payment id.
func ApplyGatewayUpdate(ctx context.Context, db *gorm.DB, id string, status domain.PaymentStatus, method string, payload domain.JSONMap) error {
	updates := map[string]any{
		"status":     status,
		"updated_at": time.Now().UTC(),
	}
	if method != "" {
		updates["method"] = method
	}
	if payload != nil {
		updates["gateway_response"] = payload
	}
	return db.WithContext(ctx).
		Model(&domain.Payment{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// CreateReceipt inserts the receipt for a settled payment and returns
// ErrDuplicate when one already exists for that payment, making issuance
// idempotent under webhook redelivery and partial-retry races.
func CreateReceipt(ctx context.Context, db *gorm.DB, paymentID string) (*domain.Receipt, error) {
	now := time.Now().UTC()
	r := &domain.Receipt{
		ID:          uuid.NewString(),
		PaymentID:   paymentID,
		Number:      newReference("RCP", now),
		DocumentRef: "receipts/" + paymentID + ".pdf",
		IssuedAt:    now,
	}
	if err := db.WithContext(ctx).Create(r).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return r, nil
}

// GetReceiptByPaymentID fetches the receipt issued for a payment, or
// ErrNotFound when none has been issued yet.
func GetReceiptByPaymentID(ctx context.Context, db *gorm.DB, paymentID string) (*domain.Receipt, error) {
	var r domain.Receipt
	err := db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&r).Error
	if err != nil {
		return nil, err
	}
	return &r, nil
}
