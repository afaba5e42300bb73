// Package services – notification and authorization collaborator contracts.
//
// Outbound notifications are fire-and-forget: the caller dispatches them
// after its own write has committed and a delivery failure never alters the
// outcome of the triggering operation. The default implementation only
// writes a structured log line; real delivery (email, SMS, push) plugs in
// behind the same interface.
package services

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/opencivic/go-request-backend/internal/domain"
)

// Notification event names emitted by the services in this package.
const (
	EventRequestSubmitted     = "request_submitted"
	EventRequestCancelled     = "request_cancelled"
	EventRequestStatusChanged = "request_status_changed"
	EventPaymentSucceeded     = "payment_succeeded"
	EventPaymentFailed        = "payment_failed"
	EventPaymentRefunded      = "payment_refunded"
)

// Notifier accepts intents to notify a user about an event. Implementations
// must be safe for concurrent use. Errors are reported so that callers can
// log them, but callers never propagate them further.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload map[string]any) error
}

// LogNotifier is the default Notifier: it records the intent as a structured
// log line and always succeeds.
type LogNotifier struct {
	// Logger defaults to the global logger when zero.
	Logger *zerolog.Logger
}

// Notify writes the notification intent to the log.
func (n LogNotifier) Notify(_ context.Context, userID, event string, payload map[string]any) error {
	lg := n.Logger
	if lg == nil {
		lg = &log.Logger
	}
	lg.Info().
		Str("user_id", userID).
		Str("event", event).
		Interface("payload", payload).
		Msg("notification dispatched")
	return nil
}

// notify dispatches a notification and logs a failure without returning it.
// Shared by the request and payment services.
func notify(ctx context.Context, n Notifier, userID, event string, payload map[string]any) {
	if n == nil {
		return
	}
	if err := n.Notify(ctx, userID, event, payload); err != nil {
		log.Error().Err(err).
			Str("user_id", userID).
			Str("event", event).
			Msg("notification dispatch failed")
	}
}

// Actor identifies who is performing an operation: a stable user id plus the
// role resolved by the transport layer.
type Actor struct {
	ID   string
	Role domain.Role
}

// Authorizer supplies the ownership and capability checks consumed as
// preconditions by the transition executor and bulk coordinator. It is an
// external collaborator contract; the default implementation below is the
// single-tenant rule "owner may act on own request, staff may process any".
type Authorizer interface {
	// CanActOn reports whether actorID may act on a request owned by ownerID.
	CanActOn(actorID, ownerID string) bool
	// IsStaff reports whether the role carries staff processing capabilities.
	IsStaff(role domain.Role) bool
}

// OwnerAuthorizer is the default Authorizer.
type OwnerAuthorizer struct{}

// CanActOn allows an actor to act only on their own requests.
func (OwnerAuthorizer) CanActOn(actorID, ownerID string) bool {
	return actorID != "" && actorID == ownerID
}

// IsStaff recognizes the staff and system roles.
func (OwnerAuthorizer) IsStaff(role domain.Role) bool {
	return role == domain.RoleStaff || role == domain.RoleSystem
}
