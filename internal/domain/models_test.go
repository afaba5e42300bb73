package domain

import (
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite" // pure-Go SQLite (no CGO)
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDomainDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:domain_models?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	// Enforce FKs so cascades actually execute.
	db.Exec("PRAGMA foreign_keys=ON;")
	return db
}

func TestTableNames(t *testing.T) {
	if (Request{}).TableName() != "requests" {
		t.Fatalf("Request.TableName() = %q; want %q", (Request{}).TableName(), "requests")
	}
	if (Payment{}).TableName() != "payments" {
		t.Fatalf("Payment.TableName() = %q; want %q", (Payment{}).TableName(), "payments")
	}
	if (Receipt{}).TableName() != "receipts" {
		t.Fatalf("Receipt.TableName() = %q; want %q", (Receipt{}).TableName(), "receipts")
	}
}

func TestJSONMap_RoundTrip(t *testing.T) {
	m := JSONMap{"plot": "12A", "floors": float64(2)}
	v, err := m.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	var got JSONMap
	if err := got.Scan(v); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if got["plot"] != "12A" || got["floors"] != float64(2) {
		t.Fatalf("round trip mismatch: %#v", got)
	}

	// nil persists as NULL and scans back to nil
	var nilMap JSONMap
	v, err = nilMap.Value()
	if err != nil || v != nil {
		t.Fatalf("nil Value = (%v, %v); want (nil, nil)", v, err)
	}
	got = JSONMap{"x": 1}
	if err := got.Scan(nil); err != nil || got != nil {
		t.Fatalf("Scan(nil) = (%#v, %v); want (nil, nil)", got, err)
	}

	// unsupported source type
	if err := got.Scan(42); err == nil {
		t.Fatalf("expected error scanning unsupported type")
	}
}

func TestMigrations_Indexes_AndCascades(t *testing.T) {
	db := newDomainDB(t)

	if err := db.AutoMigrate(&Request{}, &Payment{}, &Receipt{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	m := db.Migrator()

	// Tables exist
	for _, tbl := range []any{&Request{}, &Payment{}, &Receipt{}} {
		if !m.HasTable(tbl) {
			t.Fatalf("expected table for %T to exist", tbl)
		}
	}

	// Indexes from tags exist
	if !m.HasIndex(&Request{}, "idx_owner_requests") {
		t.Fatalf("expected index idx_owner_requests on requests")
	}

	now := time.Now().UTC()
	amount := 45.50

	r := &Request{
		ID:              "r1",
		Reference:       "REQ-2026-0001aa",
		OwnerID:         "u1",
		AuthorityID:     "primaria-cluj",
		TypeID:          "urbanism-certificate",
		Status:          StatusApproved,
		PaymentRequired: true,
		PaymentAmount:   &amount,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := db.Create(r).Error; err != nil {
		t.Fatalf("insert request: %v", err)
	}

	rid := "r1"
	p := &Payment{
		ID:            "p1",
		RequestID:     &rid,
		OwnerID:       "u1",
		Amount:        amount,
		Status:        PaymentSuccess,
		TransactionID: "TX-aabbccddee00",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := db.Create(p).Error; err != nil {
		t.Fatalf("insert payment: %v", err)
	}

	rc := &Receipt{ID: "rc1", PaymentID: "p1", Number: "RCP-2026-0001aa", DocumentRef: "receipts/rc1.pdf", IssuedAt: now}
	if err := db.Create(rc).Error; err != nil {
		t.Fatalf("insert receipt: %v", err)
	}

	// Unique transaction id rejects duplicates
	dup := &Payment{ID: "p2", OwnerID: "u1", Amount: 1, Status: PaymentPending, TransactionID: "TX-aabbccddee00", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(dup).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on transaction_id")
	}

	// One receipt per payment
	dupRc := &Receipt{ID: "rc2", PaymentID: "p1", Number: "RCP-2026-0002bb", DocumentRef: "receipts/rc2.pdf", IssuedAt: now}
	if err := db.Create(dupRc).Error; err == nil {
		t.Fatalf("expected UNIQUE violation on receipt payment_id")
	}

	// CASCADE: deleting a payment should delete its receipt
	if err := db.Unscoped().Delete(&Payment{}, "id = ?", "p1").Error; err != nil {
		t.Fatalf("delete payment: %v", err)
	}
	var cnt int64
	if err := db.Model(&Receipt{}).Where("payment_id = ?", "p1").Count(&cnt).Error; err != nil {
		t.Fatalf("count receipts after payment delete: %v", err)
	}
	if cnt != 0 {
		t.Fatalf("expected receipt to cascade-delete when payment deleted, got count=%d", cnt)
	}
}
