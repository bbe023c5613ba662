/**
 * @description
 * This file contains the core business logic for the settlement service: draft
 * persistence, checkout initiation and identity linking. The webhook
 * reconciler and the confirmation recoverer live in their own files but hang
 * off the same Service so every writer shares one repository and one set of
 * guards.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/rabbitmq"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/stripeclient"
)

const (
	// EventsExchange is the RabbitMQ exchange settlement lifecycle events are
	// published to.
	EventsExchange = "settlement_events"

	checkoutLockTTL = 2 * time.Minute
	webhookDedupTTL = 24 * time.Hour
)

var (
	// ErrDraftNotFound is returned when checkout is attempted before the
	// draft was persisted.
	ErrDraftNotFound = errors.New("settlement draft not found")
	// ErrCheckoutInFlight is returned when another checkout request for the
	// same temporary id is still outstanding.
	ErrCheckoutInFlight = errors.New("checkout already in progress for this settlement")
	// ErrNoCustomer is returned when no processor customer exists for a user
	// asking for a billing portal.
	ErrNoCustomer = errors.New("no billing customer found for user")
	// ErrValidation wraps per-field validation failures on draft save.
	ErrValidation = errors.New("validation failed")
)

// PaymentClient is the processor surface the service needs. Implemented by
// pkg/stripeclient.
type PaymentClient interface {
	CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutSessionParams) (*domain.CheckoutSession, error)
	GetCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSession, error)
	ListCheckoutSessionsBySubscription(ctx context.Context, subscriptionID string) ([]domain.CheckoutSession, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error)
	ListCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error)
	CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error)
}

// Service provides the business logic for the settlement lifecycle.
type Service struct {
	repo     store.Repository
	payments PaymentClient
	locks    CheckoutLocker
	dedup    EventDeduper
	events   rabbitmq.Publisher
	storage  ObjectStore

	priceID       string
	publicBaseURL string

	checkoutRetry     RetryPolicy
	confirmationRetry RetryPolicy
}

// NewService creates a new settlement service.
func NewService(repo store.Repository, payments PaymentClient, locks CheckoutLocker, dedup EventDeduper, events rabbitmq.Publisher, storage ObjectStore, priceID, publicBaseURL string) *Service {
	return &Service{
		repo:              repo,
		payments:          payments,
		locks:             locks,
		dedup:             dedup,
		events:            events,
		storage:           storage,
		priceID:           priceID,
		publicBaseURL:     strings.TrimRight(publicBaseURL, "/"),
		checkoutRetry:     CheckoutRetryPolicy,
		confirmationRetry: ConfirmationRetryPolicy,
	}
}

// ValidationErrors maps field names to messages for inline display.
type ValidationErrors map[string]string

func (v ValidationErrors) Error() string {
	fields := make([]string, 0, len(v))
	for f := range v {
		fields = append(fields, f)
	}
	return fmt.Sprintf("validation failed: %s", strings.Join(fields, ", "))
}

func (v ValidationErrors) Is(target error) bool { return target == ErrValidation }

// ValidateSettlementForm runs the required-field checklist. Monetary fields
// other than the amount are optional.
func ValidateSettlementForm(form domain.SettlementForm) ValidationErrors {
	errs := ValidationErrors{}
	if NormalizeAmount(form.Amount) <= 0 {
		errs["amount"] = "settlement amount is required"
	}
	if strings.TrimSpace(form.CaseType) == "" {
		errs["caseType"] = "case type is required"
	}
	if strings.TrimSpace(form.AttorneyName) == "" {
		errs["attorneyName"] = "attorney name is required"
	}
	email := strings.TrimSpace(form.AttorneyEmail)
	if email == "" || !strings.Contains(email, "@") {
		errs["attorneyEmail"] = "a valid attorney email is required"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// settlementFromForm normalizes a form snapshot into storable fields.
func settlementFromForm(temporaryID string, form domain.SettlementForm) *domain.Settlement {
	s := &domain.Settlement{
		TemporaryID:     temporaryID,
		Amount:          NormalizeAmount(form.Amount),
		InitialOffer:    NormalizeOptionalAmount(form.InitialOffer),
		PolicyLimit:     NormalizeOptionalAmount(form.PolicyLimit),
		MedicalExpenses: NormalizeOptionalAmount(form.MedicalExpenses),
		CaseType:        strings.TrimSpace(form.CaseType),
		SettlementPhase: strings.TrimSpace(form.SettlementPhase),
		Description:     strings.TrimSpace(form.Description),
		AttorneyName:    strings.TrimSpace(form.AttorneyName),
		AttorneyEmail:   strings.ToLower(strings.TrimSpace(form.AttorneyEmail)),
		FirmName:        strings.TrimSpace(form.FirmName),
		FirmWebsite:     strings.TrimSpace(form.FirmWebsite),
		Location:        strings.TrimSpace(form.Location),
	}
	if photo := strings.TrimSpace(form.PhotoURL); photo != "" {
		s.PhotoURL = &photo
	}
	return s
}

// NewTemporaryID mints a high-entropy opaque correlation token. No consumer
// assumes any structure beyond uniqueness.
func NewTemporaryID() string {
	return uuid.NewString()
}

// SaveDraft upserts the settlement draft for a temporary id. A paid row is
// terminal: the draft is never overwritten and the caller receives
// DraftAlreadyPaid so it can skip redundant checkout. An empty temporary id
// mints a fresh one.
func (s *Service) SaveDraft(ctx context.Context, temporaryID string, form domain.SettlementForm) (domain.DraftSaveStatus, string, error) {
	if errs := ValidateSettlementForm(form); errs != nil {
		return "", temporaryID, errs
	}
	if strings.TrimSpace(temporaryID) == "" {
		temporaryID = NewTemporaryID()
	}

	fields := settlementFromForm(temporaryID, form)

	existing, err := s.repo.FindSettlementByTemporaryID(ctx, temporaryID)
	switch {
	case err == nil:
		if existing.PaymentCompleted {
			return domain.DraftAlreadyPaid, temporaryID, nil
		}
		updated, err := s.repo.UpdateSettlementDraft(ctx, temporaryID, fields)
		if err != nil {
			return "", temporaryID, fmt.Errorf("failed to update draft: %w", err)
		}
		if !updated {
			// Lost a race with the webhook reconciler; the row is paid now.
			return domain.DraftAlreadyPaid, temporaryID, nil
		}
		return domain.DraftUpdated, temporaryID, nil
	case errors.Is(err, store.ErrSettlementNotFound):
		if _, err := s.repo.CreateSettlement(ctx, fields); err != nil {
			return "", temporaryID, fmt.Errorf("failed to create draft: %w", err)
		}
		return domain.DraftCreated, temporaryID, nil
	default:
		return "", temporaryID, fmt.Errorf("failed to look up draft: %w", err)
	}
}

// isTransientPaymentError reports whether a checkout failure should be
// retried. Explicit processor rejections are final; rate limiting, 5xx and
// plain transport errors are not.
func isTransientPaymentError(err error) bool {
	var apiErr *stripeclient.APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsTransient()
	}
	return true
}

// BeginCheckout creates a hosted checkout session for a persisted draft.
// Double invocation inside the lock window yields ErrCheckoutInFlight rather
// than a second processor session. The temporary id is carried on two
// independent channels: the success-redirect URL (for the browser return
// path) and the session metadata (for the webhook path).
func (s *Service) BeginCheckout(ctx context.Context, temporaryID string) (*domain.CheckoutResult, error) {
	draft, err := s.repo.FindSettlementByTemporaryID(ctx, temporaryID)
	if err != nil {
		if errors.Is(err, store.ErrSettlementNotFound) {
			return nil, ErrDraftNotFound
		}
		return nil, err
	}
	if draft.PaymentCompleted {
		return &domain.CheckoutResult{IsExisting: true}, nil
	}

	acquired, err := s.locks.Acquire(ctx, temporaryID, checkoutLockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire checkout lock: %w", err)
	}
	if !acquired {
		return nil, ErrCheckoutInFlight
	}
	defer func() {
		if releaseErr := s.locks.Release(context.WithoutCancel(ctx), temporaryID); releaseErr != nil {
			log.Printf("level=warn component=service flow=checkout msg=\"failed to release checkout lock\" temporary_id=%s err=%v", temporaryID, releaseErr)
		}
	}()

	successURL := fmt.Sprintf("%s/confirmation?session_id={CHECKOUT_SESSION_ID}&temporaryId=%s", s.publicBaseURL, url.QueryEscape(temporaryID))
	cancelURL := fmt.Sprintf("%s/submit?canceled=true", s.publicBaseURL)

	var session *domain.CheckoutSession
	err = s.checkoutRetry.Run(ctx, func(ctx context.Context) error {
		created, createErr := s.payments.CreateCheckoutSession(ctx, stripeclient.CheckoutSessionParams{
			PriceID:       s.priceID,
			SuccessURL:    successURL,
			CancelURL:     cancelURL,
			CustomerEmail: draft.AttorneyEmail,
			Metadata:      map[string]string{domain.MetadataTemporaryIDKey: temporaryID},
		})
		if createErr != nil {
			return createErr
		}
		session = created
		return nil
	}, isTransientPaymentError)
	if err != nil {
		return nil, fmt.Errorf("checkout session creation failed: %w", err)
	}

	if err := s.repo.RecordCheckoutSession(ctx, temporaryID, session.ID); err != nil {
		// The session exists regardless; the webhook still carries the
		// temporary id in its metadata.
		log.Printf("level=warn component=service flow=checkout msg=\"failed to record checkout session on draft\" temporary_id=%s session_id=%s err=%v", temporaryID, session.ID, err)
	}

	return &domain.CheckoutResult{RedirectURL: session.URL, SessionID: session.ID}, nil
}

// LinkResult reports what the identity linker touched.
type LinkResult struct {
	SettlementLinked   bool  `json:"settlement_linked"`
	EmailLinked        int64 `json:"email_linked"`
	SubscriptionLinked bool  `json:"subscription_linked"`
}

// LinkUser associates settlement and subscription rows with an authenticated
// user. Every update is guarded on user_id IS NULL, so repeated calls after
// the first successful link are no-ops and an existing association is never
// clobbered.
func (s *Service) LinkUser(ctx context.Context, userID, temporaryID, userEmail string) (*LinkResult, error) {
	if userID == "" {
		return nil, errors.New("user id cannot be empty")
	}

	result := &LinkResult{}

	if temporaryID != "" {
		linked, err := s.repo.LinkSettlementUser(ctx, temporaryID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to link settlement: %w", err)
		}
		result.SettlementLinked = linked

		subLinked, err := s.repo.LinkSubscriptionUser(ctx, temporaryID, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to link subscription: %w", err)
		}
		result.SubscriptionLinked = subLinked
	}

	if userEmail != "" {
		count, err := s.repo.LinkSettlementsByAttorneyEmail(ctx, userEmail, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to link settlements by email: %w", err)
		}
		result.EmailLinked = count
	}

	if result.SettlementLinked || result.SubscriptionLinked || result.EmailLinked > 0 {
		s.publish(ctx, "settlement.linked", domain.SettlementLinkedEvent{
			TemporaryID: temporaryID,
			UserID:      userID,
			Linked:      int(result.EmailLinked) + boolToInt(result.SettlementLinked),
		})
	}

	return result, nil
}

// SubscriptionStatus resolves the effectively active subscription for a user.
// When no row exists but paid settlements were submitted under the user's
// email, a virtual (non-persisted) active subscription is reported so the
// account is not locked out by a lost webhook.
func (s *Service) SubscriptionStatus(ctx context.Context, userID, userEmail string) (*domain.SubscriptionStatus, error) {
	sub, err := s.repo.FindActiveSubscriptionForUser(ctx, userID)
	if err == nil {
		return &domain.SubscriptionStatus{
			IsActive:          sub.EffectivelyActive(time.Now()),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			EndsAt:            sub.EndsAt,
		}, nil
	}
	if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, err
	}

	if userEmail != "" {
		count, countErr := s.repo.CountPaidSettlementsByEmail(ctx, userEmail)
		if countErr != nil {
			return nil, countErr
		}
		if count > 0 {
			return &domain.SubscriptionStatus{IsActive: true, Virtual: true}, nil
		}
	}

	return &domain.SubscriptionStatus{IsActive: false}, nil
}

// BillingPortal creates a processor billing-portal session for the user.
func (s *Service) BillingPortal(ctx context.Context, userID, userEmail string) (string, error) {
	var customerID string

	sub, err := s.repo.FindActiveSubscriptionForUser(ctx, userID)
	if err == nil && sub.CustomerID != nil {
		customerID = *sub.CustomerID
	} else if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		return "", err
	}

	if customerID == "" && userEmail != "" {
		customers, listErr := s.payments.ListCustomersByEmail(ctx, userEmail)
		if listErr != nil {
			return "", listErr
		}
		if len(customers) > 0 {
			customerID = customers[0].ID
		}
	}
	if customerID == "" {
		return "", ErrNoCustomer
	}

	return s.payments.CreateBillingPortalSession(ctx, customerID, s.publicBaseURL+"/account")
}

// CancelSubscription asks the processor to cancel the user's subscription at
// period end. The row keeps reading as active until the period actually ends.
func (s *Service) CancelSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	sub, err := s.repo.FindActiveSubscriptionForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub.SubscriptionID == nil {
		return sub, nil
	}

	processorSub, err := s.payments.CancelSubscription(ctx, *sub.SubscriptionID)
	if err != nil {
		return nil, err
	}

	// Some processor responses to a cancel omit the period end. Re-fetch the
	// subscription so the mirrored row still records when access lapses.
	if processorSub.CurrentPeriodEnd == 0 {
		refreshed, refreshErr := s.payments.GetSubscription(ctx, *sub.SubscriptionID)
		if refreshErr != nil {
			log.Printf("level=warn component=service flow=cancel msg=\"could not refresh subscription after cancel\" subscription_id=%s err=%v", *sub.SubscriptionID, refreshErr)
		} else {
			processorSub = refreshed
		}
	}

	endsAt := unixTimePtr(processorSub.CurrentPeriodEnd)
	customerID := ""
	if sub.CustomerID != nil {
		customerID = *sub.CustomerID
	}
	if _, err := s.repo.MirrorSubscriptionStatus(ctx, customerID, *sub.SubscriptionID, true, true, endsAt); err != nil {
		return nil, err
	}
	return s.repo.FindActiveSubscriptionForUser(ctx, userID)
}

// Gallery returns the public leaderboard of paid, visible settlements.
func (s *Service) Gallery(ctx context.Context, limit, offset int) ([]domain.Settlement, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListVisibleSettlements(ctx, limit, offset)
}

// MySettlements returns the settlements owned by a user.
func (s *Service) MySettlements(ctx context.Context, userID string) ([]domain.Settlement, error) {
	return s.repo.ListSettlementsByUser(ctx, userID)
}

// DeleteSettlement removes a settlement, owner-only. This is the single
// user-initiated hard-delete path in the system. The photo objects named by
// the settlement's upload conventions are deleted best-effort after the row;
// a storage failure leaves an orphaned object but never resurrects the row.
func (s *Service) DeleteSettlement(ctx context.Context, id int64, userID string) (bool, error) {
	settlement, err := s.repo.FindSettlementByID(ctx, id)
	if errors.Is(err, store.ErrSettlementNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	deleted, err := s.repo.DeleteSettlementOwned(ctx, id, userID)
	if err != nil || !deleted {
		return deleted, err
	}

	if s.storage != nil && settlement != nil {
		if delErr := s.storage.DeleteObjects(ctx, photoCandidates(settlement)); delErr != nil {
			log.Printf("level=warn component=service msg=\"failed to delete settlement photos\" settlement_id=%d err=%v", id, delErr)
		}
	}
	return true, nil
}

func (s *Service) publish(ctx context.Context, routingKey string, body interface{}) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, EventsExchange, routingKey, body); err != nil {
		log.Printf("level=warn component=service msg=\"failed to publish event\" routing_key=%s err=%v", routingKey, err)
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func unixTimePtr(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
