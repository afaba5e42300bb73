// Request and payment lifecycle status logic.
//
// Everything in this file is pure: Decide and the Can* helpers perform no I/O
// and no clock reads, which keeps the transition rules trivially testable and
// reusable from both the single-transition executor and the bulk coordinator.
package domain

// RequestStatus is the lifecycle status of a Request.
type RequestStatus string

// Request lifecycle statuses.
const (
	StatusDraft        RequestStatus = "draft"
	StatusSubmitted    RequestStatus = "submitted"
	StatusUnderReview  RequestStatus = "under_review"
	StatusAwaitingInfo RequestStatus = "awaiting_info"
	StatusInApproval   RequestStatus = "in_approval"
	StatusApproved     RequestStatus = "approved"
	StatusRejected     RequestStatus = "rejected"
	StatusCancelled    RequestStatus = "cancelled"
)

// RequestStatuses lists every defined request status.
var RequestStatuses = []RequestStatus{
	StatusDraft, StatusSubmitted, StatusUnderReview, StatusAwaitingInfo,
	StatusInApproval, StatusApproved, StatusRejected, StatusCancelled,
}

// ValidRequestStatus reports whether s is one of the defined statuses.
func ValidRequestStatus(s RequestStatus) bool {
	for _, v := range RequestStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is a terminal request status. Terminal
// requests accept no further transitions, including cancellation.
func (s RequestStatus) IsTerminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCancelled
}

// Role identifies who is attempting a transition.
type Role string

// Actor roles recognized by the state machine.
const (
	RoleOwner  Role = "owner"
	RoleStaff  Role = "staff"
	RoleSystem Role = "system"
)

// Transition names a requested state change. Transitions are named by intent
// rather than by target status so that guards (role, source status) stay with
// the transition definition.
type Transition string

// Request transitions.
const (
	TransitionSubmit        Transition = "submit"
	TransitionStartReview   Transition = "start_review"
	TransitionRequestInfo   Transition = "request_info"
	TransitionResumeReview  Transition = "resume_review"
	TransitionStartApproval Transition = "start_approval"
	TransitionApprove       Transition = "approve"
	TransitionReject        Transition = "reject"
	TransitionCancel        Transition = "cancel"
)

// RequiresReason reports whether t must carry a reason of minimum length.
// Rejection and cancellation both persist the reason on the request.
func (t Transition) RequiresReason() bool {
	return t == TransitionReject || t == TransitionCancel
}

// MinReasonLen is the minimum accepted length, in runes, for rejection and
// cancellation reasons.
const MinReasonLen = 10

// transitionRule describes one edge of the request state machine: the source
// statuses it accepts, the resulting status, and the roles allowed to take it.
type transitionRule struct {
	from  []RequestStatus
	to    RequestStatus
	roles []Role
}

// transitionRules is the full request state machine. Cancellation is handled
// separately in Decide because its source set is "any non-terminal status".
var transitionRules = map[Transition]transitionRule{
	TransitionSubmit: {
		from:  []RequestStatus{StatusDraft},
		to:    StatusSubmitted,
		roles: []Role{RoleOwner},
	},
	TransitionStartReview: {
		from:  []RequestStatus{StatusSubmitted},
		to:    StatusUnderReview,
		roles: []Role{RoleStaff, RoleSystem},
	},
	TransitionRequestInfo: {
		from:  []RequestStatus{StatusUnderReview, StatusInApproval},
		to:    StatusAwaitingInfo,
		roles: []Role{RoleStaff},
	},
	TransitionResumeReview: {
		from:  []RequestStatus{StatusAwaitingInfo},
		to:    StatusUnderReview,
		roles: []Role{RoleStaff},
	},
	TransitionStartApproval: {
		from:  []RequestStatus{StatusUnderReview, StatusAwaitingInfo},
		to:    StatusInApproval,
		roles: []Role{RoleStaff},
	},
	TransitionApprove: {
		from:  []RequestStatus{StatusInApproval},
		to:    StatusApproved,
		roles: []Role{RoleStaff},
	},
	TransitionReject: {
		from:  []RequestStatus{StatusInApproval},
		to:    StatusRejected,
		roles: []Role{RoleStaff},
	},
}

// Decision is the outcome of consulting the state machine. A denial is a
// modeled decision value, not an error: it carries the observed current
// status and the statuses from which the transition would have been legal so
// callers can report actionable context.
type Decision struct {
	Allowed  bool
	Next     RequestStatus
	Current  RequestStatus
	Expected []RequestStatus
	// RoleDenied is true when the status would have permitted the transition
	// but the acting role may not take it.
	RoleDenied bool
}

// Decide evaluates whether role may take transition t on a request currently
// in status current. It is referentially transparent and performs no I/O.
//
// Document-completeness checks before submit are intentionally absent; they
// are an external collaborator's responsibility.
func Decide(current RequestStatus, t Transition, role Role) Decision {
	if t == TransitionCancel {
		// The owner may cancel from any non-terminal status.
		if role != RoleOwner {
			return Decision{Current: current, RoleDenied: true}
		}
		if current.IsTerminal() {
			return Decision{
				Current: current,
				Expected: []RequestStatus{
					StatusDraft, StatusSubmitted, StatusUnderReview,
					StatusAwaitingInfo, StatusInApproval,
				},
			}
		}
		return Decision{Allowed: true, Next: StatusCancelled, Current: current}
	}

	rule, ok := transitionRules[t]
	if !ok {
		return Decision{Current: current}
	}
	roleOK := false
	for _, r := range rule.roles {
		if r == role {
			roleOK = true
			break
		}
	}
	if !roleOK {
		return Decision{Current: current, Expected: rule.from, RoleDenied: true}
	}
	for _, s := range rule.from {
		if s == current {
			return Decision{Allowed: true, Next: rule.to, Current: current}
		}
	}
	return Decision{Current: current, Expected: rule.from}
}

// CanCancel reports whether a request in status s may still be cancelled by
// its owner.
func CanCancel(s RequestStatus) bool { return !s.IsTerminal() }

// CanModify reports whether the owner may still edit the request's form data.
// Edits are allowed while drafting and while the authority waits for
// additional information.
func CanModify(s RequestStatus) bool {
	return s == StatusDraft || s == StatusAwaitingInfo
}

// PaymentStatus is the lifecycle status of a Payment.
type PaymentStatus string

// Payment lifecycle statuses.
const (
	PaymentPending    PaymentStatus = "pending"
	PaymentProcessing PaymentStatus = "processing"
	PaymentSuccess    PaymentStatus = "success"
	PaymentFailed     PaymentStatus = "failed"
	PaymentRefunded   PaymentStatus = "refunded"
)

// PaymentStatuses lists every defined payment status.
var PaymentStatuses = []PaymentStatus{
	PaymentPending, PaymentProcessing, PaymentSuccess, PaymentFailed, PaymentRefunded,
}

// ValidPaymentStatus reports whether s is one of the defined payment statuses.
func ValidPaymentStatus(s PaymentStatus) bool {
	for _, v := range PaymentStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// IsFinal reports whether s is a terminal payment status. Terminal payments
// accept no further writes through reconciliation, with the single exception
// of a refund applied to a successful payment.
func (s PaymentStatus) IsFinal() bool {
	return s == PaymentSuccess || s == PaymentRefunded
}

// CanReconcile reports whether a gateway notification may move a payment from
// current to next. Non-final payments accept gateway progress and outcome
// updates; a successful payment additionally accepts a refund. Every other
// combination is an idempotent no-op for the reconciler, not an error.
func CanReconcile(current, next PaymentStatus) bool {
	if current == PaymentSuccess && next == PaymentRefunded {
		return true
	}
	if current.IsFinal() {
		return false
	}
	switch next {
	case PaymentProcessing, PaymentSuccess, PaymentFailed:
		return true
	default:
		return false
	}
}

// Payment methods reported by the gateway.
const (
	MethodCard         = "card"
	MethodBankTransfer = "bank_transfer"
	MethodCash         = "cash"
)

// ValidPaymentMethod reports whether m is a known payment method. The empty
// string is accepted because the gateway omits the method on some events.
func ValidPaymentMethod(m string) bool {
	switch m {
	case "", MethodCard, MethodBankTransfer, MethodCash:
		return true
	default:
		return false
	}
}
