// Package domain defines the persistence models for administrative requests,
// payments, and receipts, together with the pure status/state-machine logic
// that governs their lifecycles. These types are mapped with GORM and form
// the core data layer of the application.
package domain

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/gorm"
)

// JSONMap is a serialization-agnostic key/value container persisted as a JSON
// text column. It backs dynamic-shaped payloads (request form data, raw
// gateway responses) that deliberately have no closed schema.
type JSONMap map[string]any

// Value implements driver.Valuer by serializing the map to JSON.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner by deserializing a JSON text/blob column.
func (m *JSONMap) Scan(src any) error {
	if src == nil {
		*m = nil
		return nil
	}
	switch v := src.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return errors.New("unsupported source type for JSONMap")
	}
}

// Request represents an administrative service request owned by a citizen and
// processed by the staff of an issuing authority. Requests are created as
// drafts and mutated only through state-machine-approved transitions; they
// are never physically deleted; cancellation and rejection are states.
//
// Fields:
//   - ID: stable UUID primary key (char(36)).
//   - Reference: human-readable registration number (unique), e.g. REQ-2026-000123.
//   - OwnerID: identifier of the citizen who created the request; indexed.
//   - AuthorityID: identifier of the issuing authority handling the request.
//   - TypeID: identifier of the request type (external reference data).
//   - Status: lifecycle status, one of the RequestStatus values.
//   - FormData: opaque structured form payload (JSON text column).
//   - ApplicantNotes: optional free-form notes provided by the owner.
//   - Reason: rejection/cancellation reason; populated on those transitions.
//   - PaymentRequired / PaymentAmount: fee flag and amount, when applicable.
//   - PaymentCompleted / PaymentCompletedAt: set by payment reconciliation.
//   - DueDate: optional processing deadline.
//   - DeletedAt: soft deletion marker, orthogonal to lifecycle status.
type Request struct {
	ID                 string         `json:"id"               gorm:"type:char(36);primaryKey"`
	Reference          string         `json:"reference"        gorm:"type:varchar(32);not null;uniqueIndex"`
	OwnerID            string         `json:"owner_id"         gorm:"type:varchar(64);not null;index:idx_owner_requests"`
	AuthorityID        string         `json:"authority_id"     gorm:"type:varchar(64);not null;index"`
	TypeID             string         `json:"type_id"          gorm:"type:varchar(64);not null;index"`
	Status             RequestStatus  `json:"status"           gorm:"type:varchar(16);not null;index"`
	FormData           JSONMap        `json:"form_data"        gorm:"type:text"`
	ApplicantNotes     string         `json:"applicant_notes,omitempty" gorm:"type:varchar(1000)"`
	Reason             string         `json:"reason,omitempty" gorm:"type:varchar(2000)"`
	PaymentRequired    bool           `json:"payment_required" gorm:"not null;default:false"`
	PaymentAmount      *float64       `json:"payment_amount,omitempty"`
	PaymentCompleted   bool           `json:"payment_completed" gorm:"not null;default:false"`
	PaymentCompletedAt *time.Time     `json:"payment_completed_at,omitempty"`
	DueDate            *time.Time     `json:"due_date,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"-"                gorm:"index"`
}

// TableName returns the database table name for Request.
func (Request) TableName() string { return "requests" }

// Payment represents a single fee payment for a request. The external
// TransactionID correlates asynchronous gateway notifications with this row
// and doubles as the idempotency key of the reconciliation path.
//
// Once Status reaches a terminal value (success, refunded) the row is no
// longer writable through reconciliation; repeated notifications are
// acknowledged as no-ops.
type Payment struct {
	ID              string         `json:"id"             gorm:"type:char(36);primaryKey"`
	RequestID       *string        `json:"request_id,omitempty" gorm:"type:char(36);index"`
	OwnerID         string         `json:"owner_id"       gorm:"type:varchar(64);not null;index"`
	Amount          float64        `json:"amount"         gorm:"not null"`
	Status          PaymentStatus  `json:"status"         gorm:"type:varchar(16);not null;index"`
	Method          string         `json:"method,omitempty" gorm:"type:varchar(16)"`
	TransactionID   string         `json:"transaction_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	GatewayResponse JSONMap        `json:"gateway_response,omitempty" gorm:"type:text"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	DeletedAt       gorm.DeletedAt `json:"-"              gorm:"index"`

	// Request is the paid-for request, when the payment is linked to one.
	Request *Request `json:"-" gorm:"foreignKey:RequestID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:SET NULL"`
}

// TableName returns the database table name for Payment.
func (Payment) TableName() string { return "payments" }

// Receipt is the durable proof of a successful payment. At most one receipt
// exists per payment; the unique index on PaymentID makes creation idempotent
// under webhook redelivery.
type Receipt struct {
	ID          string    `json:"id"           gorm:"type:char(36);primaryKey"`
	PaymentID   string    `json:"payment_id"   gorm:"type:char(36);not null;uniqueIndex"`
	Number      string    `json:"number"       gorm:"type:varchar(32);not null;uniqueIndex"`
	DocumentRef string    `json:"document_ref" gorm:"type:varchar(255);not null"`
	IssuedAt    time.Time `json:"issued_at"    gorm:"not null"`

	// Payment is the settled payment this receipt documents.
	Payment Payment `json:"-" gorm:"foreignKey:PaymentID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Receipt.
func (Receipt) TableName() string { return "receipts" }

// BulkItemResult is the per-item outcome of a bulk transition. Reference is
// the human-readable registration number of the affected request; Error is a
// non-empty human-readable reason whenever Success is false.
type BulkItemResult struct {
	RequestID string `json:"request_id"`
	Reference string `json:"reference"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// BulkOperationResult aggregates a bulk transition invocation. It is
// transient (never persisted) and always satisfies Succeeded+Failed == Total.
// Callers must inspect it: an HTTP 200 does not imply every item succeeded.
type BulkOperationResult struct {
	Total     int              `json:"total"`
	Succeeded int              `json:"succeeded"`
	Failed    int              `json:"failed"`
	Items     []BulkItemResult `json:"results"`
}
