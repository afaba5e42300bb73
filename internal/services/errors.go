// Package services defines the business logic for request lifecycle
// transitions, bulk operations, and payment reconciliation. This file
// centralizes common service-level error values so that they can be
// consistently returned by service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler/controller layer. Guard denials carry context
// (current vs. expected status) through InvalidStatusError so that callers
// can decide their next action; they are decision results, not exceptional
// conditions.
package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/opencivic/go-request-backend/internal/domain"
)

var (
	// ErrRequestNotFound indicates that the requested request does not exist
	// (or has been soft-deleted).
	ErrRequestNotFound = errors.New("request not found")

	// ErrPaymentNotFound indicates that no payment matches the given
	// identifier or external transaction id.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrReceiptNotFound indicates that no receipt has been issued for the
	// given payment.
	ErrReceiptNotFound = errors.New("receipt not found")

	// ErrForbidden is returned when an identified actor lacks the rights to
	// act on the target request or payment.
	ErrForbidden = errors.New("not allowed to act on this resource")

	// ErrConflict is returned when a transition lost an optimistic-concurrency
	// race twice in a row; the caller should re-fetch and retry.
	ErrConflict = errors.New("request was modified concurrently")

	// ErrReasonTooShort is returned when a rejection or cancellation reason is
	// shorter than the required minimum length.
	ErrReasonTooShort = fmt.Errorf("reason must be at least %d characters", domain.MinReasonLen)

	// ErrUnknownTransition is returned when the named transition does not
	// exist in the request state machine.
	ErrUnknownTransition = errors.New("unknown transition")

	// ErrNoItems is returned when a bulk operation receives an empty id list.
	ErrNoItems = errors.New("at least one request id is required")

	// ErrTooManyItems is returned when a bulk operation exceeds the per-call
	// item cap.
	ErrTooManyItems = fmt.Errorf("at most %d requests may be processed per call", BulkMaxItems)

	// ErrNotModifiable is returned when a draft update targets a request
	// whose status no longer permits edits.
	ErrNotModifiable = errors.New("request can no longer be modified")

	// ErrPaymentNotRequired is returned when a payment is initiated for a
	// request that carries no fee.
	ErrPaymentNotRequired = errors.New("request does not require payment")

	// ErrInvalidAmount is returned when a payment is initiated with a
	// non-positive amount and the request carries no predefined fee.
	ErrInvalidAmount = errors.New("payment amount must be positive")

	// ErrInvalidPaymentStatus is returned when a gateway notification carries
	// a status outside the defined payment status set.
	ErrInvalidPaymentStatus = errors.New("unknown payment status")

	// ErrMissingTransactionID is returned when a gateway notification omits
	// the external transaction id.
	ErrMissingTransactionID = errors.New("transaction id is required")
)

// InvalidStatusError reports a state-machine guard denial. It carries the
// status that was current when the decision was made and the statuses from
// which the transition would have been legal, so that the caller can present
// actionable context and choose a recovery (re-fetch, different transition).
type InvalidStatusError struct {
	Current  domain.RequestStatus
	Expected []domain.RequestStatus
}

// Error implements the error interface.
func (e *InvalidStatusError) Error() string {
	if len(e.Expected) == 0 {
		return fmt.Sprintf("transition not allowed from status %q", e.Current)
	}
	names := make([]string, len(e.Expected))
	for i, s := range e.Expected {
		names[i] = string(s)
	}
	return fmt.Sprintf("transition not allowed from status %q (expected %s)", e.Current, strings.Join(names, ", "))
}
