// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP responses
// (via the `fail()` helper in this package). These codes provide clients with a stable,
// machine-readable error taxonomy that supplements human-readable messages.
//
// Conventions:
//   - Codes are uppercase snake_case and stable across releases.
//   - Guard denials (INVALID_STATUS) and validation failures are recoverable
//     by the caller: responses carry enough context (current vs. expected
//     status) to decide the next action.
//   - All error responses must include both an HTTP status and one of these codes.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "INVALID_STATUS",
//	  "message": "request cannot be cancelled in its current status",
//	  "details": {"current_status": "approved"}
//	}
package handlers

const (
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeInvalidStatus = "INVALID_STATUS"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeDatabase      = "DATABASE_ERROR"
	ErrCodeInternal      = "INTERNAL_ERROR"

	// Transport-level:
	ErrCodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	ErrCodeRateLimited      = "TOO_MANY_REQUESTS"
)
