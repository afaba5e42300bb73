package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/opencivic/go-request-backend/internal/domain"
	"github.com/opencivic/go-request-backend/internal/repo"
)

// newServiceDB opens a fresh in-memory SQLite DB (unique per call) and runs
// the application migrations. Shared by every test in this package.
func newServiceDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

// recordedNotification is one captured Notify call.
type recordedNotification struct {
	UserID  string
	Event   string
	Payload map[string]any
}

// captureNotifier records every dispatched notification and can be made to
// fail on demand.
type captureNotifier struct {
	mu   sync.Mutex
	Sent []recordedNotification
	Err  error
}

func (n *captureNotifier) Notify(_ context.Context, userID, event string, payload map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.Sent = append(n.Sent, recordedNotification{UserID: userID, Event: event, Payload: payload})
	return n.Err
}

func (n *captureNotifier) last(t *testing.T) recordedNotification {
	t.Helper()
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.Sent) == 0 {
		t.Fatal("expected at least one notification")
	}
	return n.Sent[len(n.Sent)-1]
}

func seedServiceRequest(t *testing.T, db *gorm.DB, ownerID string, status domain.RequestStatus) *domain.Request {
	t.Helper()
	r, err := repo.CreateRequest(context.Background(), db, ownerID, "primaria-cluj", "urbanism-certificate", domain.JSONMap{"plot": "12A"}, "")
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	if status != domain.StatusDraft {
		if err := db.Model(&domain.Request{}).Where("id = ?", r.ID).Update("status", status).Error; err != nil {
			t.Fatalf("seed status: %v", err)
		}
		r.Status = status
	}
	return r
}

func TestRequestService_Execute_SubmitHappyPath(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	sink := &captureNotifier{}
	svc.Notifier = sink

	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	updated, err := svc.Execute(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, r.ID, domain.TransitionSubmit, "")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if updated.Status != domain.StatusSubmitted {
		t.Fatalf("status = %s, want %s", updated.Status, domain.StatusSubmitted)
	}

	n := sink.last(t)
	if n.UserID != "citizen-1" || n.Event != EventRequestSubmitted {
		t.Fatalf("notification = %+v", n)
	}
	if n.Payload["reference"] != updated.Reference {
		t.Fatalf("payload reference = %v, want %s", n.Payload["reference"], updated.Reference)
	}
}

func TestRequestService_Execute_StaffFlowToApproval(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusSubmitted)
	staff := Actor{ID: "clerk-9", Role: domain.RoleStaff}

	steps := []struct {
		transition domain.Transition
		want       domain.RequestStatus
	}{
		{domain.TransitionStartReview, domain.StatusUnderReview},
		{domain.TransitionStartApproval, domain.StatusInApproval},
		{domain.TransitionApprove, domain.StatusApproved},
	}
	for _, st := range steps {
		updated, err := svc.Execute(context.Background(), staff, r.ID, st.transition, "")
		if err != nil {
			t.Fatalf("%s: %v", st.transition, err)
		}
		if updated.Status != st.want {
			t.Fatalf("%s: status = %s, want %s", st.transition, updated.Status, st.want)
		}
	}
}

func TestRequestService_Execute_ReasonValidation(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	staff := Actor{ID: "clerk-9", Role: domain.RoleStaff}

	r := seedServiceRequest(t, db, "citizen-1", domain.StatusInApproval)
	if _, err := svc.Execute(context.Background(), staff, r.ID, domain.TransitionReject, "nope "); !errors.Is(err, ErrReasonTooShort) {
		t.Fatalf("short reason err = %v, want ErrReasonTooShort", err)
	}

	updated, err := svc.Execute(context.Background(), staff, r.ID, domain.TransitionReject, "incomplete cadastral documentation")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if updated.Status != domain.StatusRejected {
		t.Fatalf("status = %s, want rejected", updated.Status)
	}
	if updated.Reason != "incomplete cadastral documentation" {
		t.Fatalf("reason = %q", updated.Reason)
	}
}

func TestRequestService_Execute_UnknownTransition(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	if _, err := svc.Execute(context.Background(), Actor{ID: "citizen-1"}, r.ID, domain.Transition("archive"), ""); !errors.Is(err, ErrUnknownTransition) {
		t.Fatalf("err = %v, want ErrUnknownTransition", err)
	}
}

func TestRequestService_Execute_NotFound(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)

	if _, err := svc.Execute(context.Background(), Actor{ID: "citizen-1"}, uuid.NewString(), domain.TransitionSubmit, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("err = %v, want ErrRequestNotFound", err)
	}
}

func TestRequestService_Execute_Forbidden(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	// Owner transitions are scoped to the owner regardless of role claims.
	if _, err := svc.Execute(context.Background(), Actor{ID: "intruder", Role: domain.RoleStaff}, r.ID, domain.TransitionSubmit, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign submit err = %v, want ErrForbidden", err)
	}

	// Staff transitions require staff or system capabilities.
	sub := seedServiceRequest(t, db, "citizen-1", domain.StatusSubmitted)
	if _, err := svc.Execute(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, sub.ID, domain.TransitionStartReview, ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("owner start_review err = %v, want ErrForbidden", err)
	}
}

func TestRequestService_Execute_InvalidStatus(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	_, err := svc.Execute(context.Background(), Actor{ID: "clerk-9", Role: domain.RoleStaff}, r.ID, domain.TransitionApprove, "")
	var ise *InvalidStatusError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want *InvalidStatusError", err)
	}
	if ise.Current != domain.StatusDraft {
		t.Fatalf("Current = %s, want draft", ise.Current)
	}
	if len(ise.Expected) != 1 || ise.Expected[0] != domain.StatusInApproval {
		t.Fatalf("Expected = %v, want [in_approval]", ise.Expected)
	}
}

func TestRequestService_Execute_CancelTerminalDenied(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusApproved)

	_, err := svc.Execute(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, r.ID, domain.TransitionCancel, "changed my mind about this")
	var ise *InvalidStatusError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want *InvalidStatusError", err)
	}
	if ise.Current != domain.StatusApproved {
		t.Fatalf("Current = %s", ise.Current)
	}
}

// racingAuthorizer flips the request's status in the database the first time
// the ownership check runs, simulating a concurrent transition landing
// between the service's read and its conditional write.
type racingAuthorizer struct {
	db     *gorm.DB
	id     string
	to     domain.RequestStatus
	fired  bool
	inner  OwnerAuthorizer
	raceMu sync.Mutex
}

func (a *racingAuthorizer) CanActOn(actorID, ownerID string) bool {
	a.raceMu.Lock()
	if !a.fired {
		a.fired = true
		a.db.Model(&domain.Request{}).Where("id = ?", a.id).Update("status", a.to)
	}
	a.raceMu.Unlock()
	return a.inner.CanActOn(actorID, ownerID)
}

func (a *racingAuthorizer) IsStaff(role domain.Role) bool { return a.inner.IsStaff(role) }

func TestRequestService_Execute_RetriesOnceAfterRace(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	// The first conditional write sees awaiting_info instead of the draft
	// status it read, misses, and the retry succeeds from the fresh status.
	// Cancel is legal from both, so the transition lands on the second try.
	svc.Auth = &racingAuthorizer{db: db, id: r.ID, to: domain.StatusAwaitingInfo}

	updated, err := svc.Execute(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, r.ID, domain.TransitionCancel, "no longer need the certificate")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if updated.Status != domain.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", updated.Status)
	}
}

func TestRequestService_Execute_RetryGuardDenial(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	// The race moves the request into a terminal status, so the re-evaluated
	// decision denies the retry with the fresh status attached.
	svc.Auth = &racingAuthorizer{db: db, id: r.ID, to: domain.StatusRejected}

	_, err := svc.Execute(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, r.ID, domain.TransitionSubmit, "")
	var ise *InvalidStatusError
	if !errors.As(err, &ise) {
		t.Fatalf("err = %v, want *InvalidStatusError", err)
	}
	if ise.Current != domain.StatusRejected {
		t.Fatalf("Current = %s, want rejected", ise.Current)
	}
}

func TestRequestService_Get_Visibility(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)

	if _, err := svc.Get(context.Background(), Actor{ID: "citizen-1", Role: domain.RoleOwner}, r.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "clerk-9", Role: domain.RoleStaff}, r.ID); err != nil {
		t.Fatalf("staff get: %v", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "intruder", Role: domain.RoleOwner}, r.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign get err = %v, want ErrForbidden", err)
	}
	if _, err := svc.Get(context.Background(), Actor{ID: "citizen-1"}, uuid.NewString()); !errors.Is(err, ErrRequestNotFound) {
		t.Fatalf("missing get err = %v, want ErrRequestNotFound", err)
	}
}

func TestRequestService_UpdateDraft(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	owner := Actor{ID: "citizen-1", Role: domain.RoleOwner}

	r := seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)
	notes := "updated plot boundaries"
	updated, err := svc.UpdateDraft(context.Background(), owner, r.ID, domain.JSONMap{"plot": "12B"}, &notes)
	if err != nil {
		t.Fatalf("UpdateDraft: %v", err)
	}
	if updated.FormData["plot"] != "12B" || updated.ApplicantNotes != notes {
		t.Fatalf("updated = %+v", updated)
	}

	if _, err := svc.UpdateDraft(context.Background(), Actor{ID: "intruder"}, r.ID, nil, nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign update err = %v, want ErrForbidden", err)
	}

	sub := seedServiceRequest(t, db, "citizen-1", domain.StatusSubmitted)
	if _, err := svc.UpdateDraft(context.Background(), owner, sub.ID, domain.JSONMap{"x": 1}, nil); !errors.Is(err, ErrNotModifiable) {
		t.Fatalf("submitted update err = %v, want ErrNotModifiable", err)
	}
}

func TestRequestService_ListPage_And_StatusSummary(t *testing.T) {
	db := newServiceDB(t)
	svc := NewRequestService(db)
	owner := Actor{ID: "citizen-1", Role: domain.RoleOwner}

	seedServiceRequest(t, db, "citizen-1", domain.StatusDraft)
	seedServiceRequest(t, db, "citizen-1", domain.StatusSubmitted)
	seedServiceRequest(t, db, "citizen-2", domain.StatusDraft)

	items, total, err := svc.ListPage(context.Background(), owner, "", "", 0, 0)
	if err != nil {
		t.Fatalf("ListPage: %v", err)
	}
	if total != 2 || len(items) != 2 {
		t.Fatalf("total = %d, items = %d, want 2/2", total, len(items))
	}

	items, total, err = svc.ListPage(context.Background(), owner, domain.StatusSubmitted, "", 1, 10)
	if err != nil {
		t.Fatalf("ListPage filtered: %v", err)
	}
	if total != 1 || len(items) != 1 || items[0].Status != domain.StatusSubmitted {
		t.Fatalf("filtered total = %d, items = %+v", total, items)
	}

	sum, err := svc.StatusSummary(context.Background(), owner)
	if err != nil {
		t.Fatalf("StatusSummary: %v", err)
	}
	if sum[domain.StatusDraft] != 1 || sum[domain.StatusSubmitted] != 1 {
		t.Fatalf("summary = %v", sum)
	}
}
