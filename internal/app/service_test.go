package app

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/stripeclient"
)

func TestSaveDraftCreatesThenUpdates(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	ctx := context.Background()

	status, tempID, err := svc.SaveDraft(ctx, "", validForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != domain.DraftCreated {
		t.Fatalf("expected created, got %s", status)
	}
	if tempID == "" {
		t.Fatal("expected a minted temporary id")
	}

	form := validForm()
	form.Amount = "$2,500,000"
	status, tempID2, err := svc.SaveDraft(ctx, tempID, form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != domain.DraftUpdated {
		t.Fatalf("expected updated, got %s", status)
	}
	if tempID2 != tempID {
		t.Fatalf("temporary id changed across saves: %s vs %s", tempID, tempID2)
	}

	saved, err := repo.FindSettlementByTemporaryID(ctx, tempID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if saved.Amount != 2500000 {
		t.Fatalf("expected normalized amount 2500000, got %d", saved.Amount)
	}
	if len(repo.settlements) != 1 {
		t.Fatalf("expected one row after double submit, got %d", len(repo.settlements))
	}
}

func TestSaveDraftPaidRowIsTerminal(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	ctx := context.Background()

	_, tempID, err := svc.SaveDraft(ctx, "", validForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := repo.MarkSettlementPaid(ctx, tempID, domain.PaymentCorrelation{CheckoutSessionID: "cs_1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	form := validForm()
	form.Amount = "$5"
	status, _, err := svc.SaveDraft(ctx, tempID, form)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != domain.DraftAlreadyPaid {
		t.Fatalf("expected already_paid, got %s", status)
	}

	saved, _ := repo.FindSettlementByTemporaryID(ctx, tempID)
	if saved.Amount != 1000000 {
		t.Fatalf("paid row was overwritten: amount %d", saved.Amount)
	}
}

func TestSaveDraftValidation(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakePayments())

	form := validForm()
	form.Amount = "garbage"
	form.AttorneyEmail = "not-an-email"

	_, _, err := svc.SaveDraft(context.Background(), "", form)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	if _, ok := verrs["amount"]; !ok {
		t.Error("expected amount to be flagged")
	}
	if _, ok := verrs["attorneyEmail"]; !ok {
		t.Error("expected attorneyEmail to be flagged")
	}
}

func TestBeginCheckoutCarriesTemporaryIDOnBothChannels(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	svc := newTestService(repo, payments)
	ctx := context.Background()

	_, tempID, err := svc.SaveDraft(ctx, "", validForm())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.BeginCheckout(ctx, tempID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.RedirectURL == "" || result.SessionID == "" {
		t.Fatalf("expected redirect and session id, got %+v", result)
	}

	if !strings.Contains(payments.lastParams.SuccessURL, "temporaryId="+tempID) {
		t.Errorf("success URL missing temporary id: %s", payments.lastParams.SuccessURL)
	}
	if !strings.Contains(payments.lastParams.SuccessURL, "{CHECKOUT_SESSION_ID}") {
		t.Errorf("success URL missing session placeholder: %s", payments.lastParams.SuccessURL)
	}
	if payments.lastParams.Metadata[domain.MetadataTemporaryIDKey] != tempID {
		t.Errorf("metadata missing temporary id: %+v", payments.lastParams.Metadata)
	}

	saved, _ := repo.FindSettlementByTemporaryID(ctx, tempID)
	if saved.CheckoutSessionID == nil || *saved.CheckoutSessionID != result.SessionID {
		t.Error("expected session id recorded on the draft")
	}
}

func TestBeginCheckoutRequiresPersistedDraft(t *testing.T) {
	svc := newTestService(newFakeRepo(), newFakePayments())
	if _, err := svc.BeginCheckout(context.Background(), "missing"); !errors.Is(err, ErrDraftNotFound) {
		t.Fatalf("expected ErrDraftNotFound, got %v", err)
	}
}

func TestBeginCheckoutPaidDraftReturnsExisting(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	svc := newTestService(repo, payments)
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	repo.MarkSettlementPaid(ctx, tempID, domain.PaymentCorrelation{CheckoutSessionID: "cs_1"})

	result, err := svc.BeginCheckout(ctx, tempID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsExisting {
		t.Fatal("expected IsExisting for a paid draft")
	}
	if payments.createCalls != 0 {
		t.Fatalf("expected no session creation, got %d calls", payments.createCalls)
	}
}

func TestBeginCheckoutLockSuppressesDuplicateSession(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	locks := newMemoryLocks()
	svc := newTestService(repo, payments)
	svc.locks = locks
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())

	if ok, _ := locks.Acquire(ctx, tempID, checkoutLockTTL); !ok {
		t.Fatal("failed to seed lock")
	}
	if _, err := svc.BeginCheckout(ctx, tempID); !errors.Is(err, ErrCheckoutInFlight) {
		t.Fatalf("expected ErrCheckoutInFlight, got %v", err)
	}
	if payments.createCalls != 0 {
		t.Fatalf("expected no session creation under lock, got %d calls", payments.createCalls)
	}

	// Released lock lets a fresh attempt through.
	locks.Release(ctx, tempID)
	if _, err := svc.BeginCheckout(ctx, tempID); err != nil {
		t.Fatalf("unexpected error after release: %v", err)
	}
	if payments.createCalls != 1 {
		t.Fatalf("expected one session creation, got %d", payments.createCalls)
	}
}

func TestBeginCheckoutRetriesTransientFailures(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	payments.failCreates = 2
	svc := newTestService(repo, payments)
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())

	result, err := svc.BeginCheckout(ctx, tempID)
	if err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("expected a session id")
	}
	if payments.createCalls != 3 {
		t.Fatalf("expected 3 attempts, got %d", payments.createCalls)
	}
}

func TestBeginCheckoutDoesNotRetryRejections(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	payments.failCreates = 10
	payments.failWith = &stripeclient.APIError{StatusCode: 402, Body: "card declined"}
	svc := newTestService(repo, payments)
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())

	if _, err := svc.BeginCheckout(ctx, tempID); err == nil {
		t.Fatal("expected checkout failure")
	}
	if payments.createCalls != 1 {
		t.Fatalf("expected a single attempt for a final rejection, got %d", payments.createCalls)
	}
}

func TestLinkUserIsIdempotentAndScansEmail(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	// Second anonymous settlement under the same attorney email.
	other := validForm()
	other.Amount = "$250,000"
	_, otherID, _ := svc.SaveDraft(ctx, "", other)

	result, err := svc.LinkUser(ctx, "user_1", tempID, "jamie@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.SettlementLinked {
		t.Error("expected direct settlement link")
	}
	if result.EmailLinked != 1 {
		t.Errorf("expected one email-scan link, got %d", result.EmailLinked)
	}

	for _, id := range []string{tempID, otherID} {
		s, _ := repo.FindSettlementByTemporaryID(ctx, id)
		if s.UserID == nil || *s.UserID != "user_1" {
			t.Fatalf("settlement %s not linked", id)
		}
	}

	// Re-link by a different user must not clobber the association.
	again, err := svc.LinkUser(ctx, "user_2", tempID, "jamie@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if again.SettlementLinked || again.EmailLinked != 0 {
		t.Fatalf("expected no-op re-link, got %+v", again)
	}
	s, _ := repo.FindSettlementByTemporaryID(ctx, tempID)
	if *s.UserID != "user_1" {
		t.Fatalf("link was clobbered: %s", *s.UserID)
	}
}

func TestSubscriptionStatusVirtualFromPaidSettlements(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	repo.MarkSettlementPaid(ctx, tempID, domain.PaymentCorrelation{CheckoutSessionID: "cs_1"})

	status, err := svc.SubscriptionStatus(ctx, "user_1", "jamie@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !status.IsActive || !status.Virtual {
		t.Fatalf("expected virtual active status, got %+v", status)
	}

	none, err := svc.SubscriptionStatus(ctx, "user_2", "nobody@example.com")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if none.IsActive {
		t.Fatalf("expected inactive status, got %+v", none)
	}
}

func TestGalleryOrdersByAmountAndSkipsHidden(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	ctx := context.Background()

	amounts := []string{"$100,000", "$3,000,000", "$750,000"}
	var tempIDs []string
	for _, amount := range amounts {
		form := validForm()
		form.Amount = amount
		_, id, _ := svc.SaveDraft(ctx, "", form)
		repo.MarkSettlementPaid(ctx, id, domain.PaymentCorrelation{})
		tempIDs = append(tempIDs, id)
	}
	// Unpaid draft must not appear.
	svc.SaveDraft(ctx, "", validForm())
	// Hidden row must not appear.
	hidden, _ := repo.FindSettlementByTemporaryID(ctx, tempIDs[2])
	repo.SetSettlementHidden(ctx, hidden.ID)

	listed, err := svc.Gallery(ctx, 50, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listed) != 2 {
		t.Fatalf("expected 2 visible settlements, got %d", len(listed))
	}
	if listed[0].Amount != 3000000 || listed[1].Amount != 100000 {
		t.Fatalf("expected descending amounts, got %d then %d", listed[0].Amount, listed[1].Amount)
	}
}

// recordingObjectStore captures the object paths handed to DeleteObjects.
type recordingObjectStore struct {
	deleted [][]string
	fail    error
}

func (s *recordingObjectStore) ListObjects(ctx context.Context, prefix string) ([]string, error) {
	return nil, nil
}

func (s *recordingObjectStore) PublicURL(objectPath string) string {
	return "https://cdn.example.com/settlement-photos/" + objectPath
}

func (s *recordingObjectStore) DeleteObjects(ctx context.Context, objectPaths []string) error {
	s.deleted = append(s.deleted, objectPaths)
	return s.fail
}

func TestDeleteSettlementRemovesPhotoObjects(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	objects := &recordingObjectStore{}
	svc.storage = objects
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	repo.LinkSettlementUser(ctx, tempID, "user_1")
	s, _ := repo.FindSettlementByTemporaryID(ctx, tempID)

	deleted, err := svc.DeleteSettlement(ctx, s.ID, "user_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !deleted {
		t.Fatal("expected owner delete to succeed")
	}
	if len(objects.deleted) != 1 {
		t.Fatalf("expected one storage delete, got %d", len(objects.deleted))
	}
	want := photoCandidates(s)
	got := objects.deleted[0]
	if len(got) != len(want) {
		t.Fatalf("expected %d candidate objects, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	if _, err := repo.FindSettlementByTemporaryID(ctx, tempID); !errors.Is(err, store.ErrSettlementNotFound) {
		t.Fatalf("expected row gone, got %v", err)
	}
}

func TestDeleteSettlementSurvivesStorageFailure(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	objects := &recordingObjectStore{fail: errors.New("bucket unavailable")}
	svc.storage = objects
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	repo.LinkSettlementUser(ctx, tempID, "user_1")
	s, _ := repo.FindSettlementByTemporaryID(ctx, tempID)

	deleted, err := svc.DeleteSettlement(ctx, s.ID, "user_1")
	if err != nil {
		t.Fatalf("row delete must not fail on storage errors: %v", err)
	}
	if !deleted {
		t.Fatal("expected owner delete to succeed")
	}
}

func TestDeleteSettlementRejectsNonOwner(t *testing.T) {
	repo := newFakeRepo()
	svc := newTestService(repo, newFakePayments())
	objects := &recordingObjectStore{}
	svc.storage = objects
	ctx := context.Background()

	_, tempID, _ := svc.SaveDraft(ctx, "", validForm())
	repo.LinkSettlementUser(ctx, tempID, "user_1")
	s, _ := repo.FindSettlementByTemporaryID(ctx, tempID)

	deleted, err := svc.DeleteSettlement(ctx, s.ID, "user_2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if deleted {
		t.Fatal("non-owner must not delete")
	}
	if len(objects.deleted) != 0 {
		t.Fatal("photos must survive a rejected delete")
	}
	if deleted, err := svc.DeleteSettlement(ctx, 9999, "user_1"); err != nil || deleted {
		t.Fatalf("missing row: expected (false, nil), got (%v, %v)", deleted, err)
	}
}

func TestCancelSubscriptionRefreshesMissingPeriodEnd(t *testing.T) {
	repo := newFakeRepo()
	payments := newFakePayments()
	svc := newTestService(repo, payments)
	ctx := context.Background()

	userID := "user_1"
	subID := "sub_1"
	custID := "cus_1"
	tempID := "tmp_cancel"
	repo.UpsertSubscription(ctx, &domain.Subscription{
		UserID:         &userID,
		TemporaryID:    &tempID,
		SubscriptionID: &subID,
		CustomerID:     &custID,
		IsActive:       true,
	})
	periodEnd := int64(1756400000)
	payments.subscriptions[subID] = &domain.ProcessorSubscription{
		ID:               subID,
		Customer:         custID,
		Status:           "active",
		CurrentPeriodEnd: periodEnd,
	}
	// The processor's cancel response omits the period end.
	payments.cancelResponse = &domain.ProcessorSubscription{ID: subID, CancelAtPeriodEnd: true}

	sub, err := svc.CancelSubscription(ctx, userID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sub.CancelAtPeriodEnd {
		t.Fatalf("expected cancel-at-period-end mirrored: %+v", sub)
	}
	if sub.EndsAt == nil || sub.EndsAt.Unix() != periodEnd {
		t.Fatalf("expected period end %d recorded, got %+v", periodEnd, sub.EndsAt)
	}
}
