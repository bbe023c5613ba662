package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
	"github.com/mtolaru/settlement-showcase-hub-sub000/pkg/stripeclient"
)

// fakeRepo is an in-memory store.Repository that mirrors the guarded-write
// semantics of the Postgres implementation.
type fakeRepo struct {
	mu            sync.Mutex
	nextID        int64
	settlements   map[string]*domain.Settlement
	subscriptions []*domain.Subscription

	// beforeFind, when set, runs at the top of FindSettlementByTemporaryID
	// with the 1-based call count, so tests can make rows appear mid-poll.
	beforeFind func(call int)
	findCalls  int

	// beforeLinkSettlement, when set, runs at the top of LinkSettlementUser,
	// so tests can make a competing link win the race.
	beforeLinkSettlement func()
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{settlements: map[string]*domain.Settlement{}}
}

func copySettlement(s *domain.Settlement) *domain.Settlement {
	c := *s
	return &c
}

func copySubscription(s *domain.Subscription) *domain.Subscription {
	c := *s
	return &c
}

func (r *fakeRepo) FindSettlementByTemporaryID(ctx context.Context, temporaryID string) (*domain.Settlement, error) {
	r.mu.Lock()
	r.findCalls++
	hook := r.beforeFind
	call := r.findCalls
	r.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.settlements[temporaryID]
	if !ok {
		return nil, store.ErrSettlementNotFound
	}
	return copySettlement(s), nil
}

func (r *fakeRepo) FindSettlementByID(ctx context.Context, id int64) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.settlements {
		if s.ID == id {
			return copySettlement(s), nil
		}
	}
	return nil, store.ErrSettlementNotFound
}

func (r *fakeRepo) CreateSettlement(ctx context.Context, s *domain.Settlement) (*domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.settlements[s.TemporaryID]; exists {
		return nil, fmt.Errorf("duplicate temporary id %s", s.TemporaryID)
	}
	r.nextID++
	c := copySettlement(s)
	c.ID = r.nextID
	c.CreatedAt = time.Now().UTC()
	c.UpdatedAt = c.CreatedAt
	r.settlements[c.TemporaryID] = c
	return copySettlement(c), nil
}

func (r *fakeRepo) UpdateSettlementDraft(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.settlements[temporaryID]
	if !ok || existing.PaymentCompleted {
		return false, nil
	}
	existing.Amount = s.Amount
	existing.InitialOffer = s.InitialOffer
	existing.PolicyLimit = s.PolicyLimit
	existing.MedicalExpenses = s.MedicalExpenses
	existing.CaseType = s.CaseType
	existing.SettlementPhase = s.SettlementPhase
	existing.Description = s.Description
	existing.AttorneyName = s.AttorneyName
	existing.AttorneyEmail = s.AttorneyEmail
	existing.FirmName = s.FirmName
	existing.FirmWebsite = s.FirmWebsite
	existing.Location = s.Location
	if s.PhotoURL != nil {
		existing.PhotoURL = s.PhotoURL
	}
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *fakeRepo) RecordCheckoutSession(ctx context.Context, temporaryID, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.settlements[temporaryID]; ok && !existing.PaymentCompleted {
		existing.CheckoutSessionID = &sessionID
	}
	return nil
}

func (r *fakeRepo) MarkSettlementPaid(ctx context.Context, temporaryID string, corr domain.PaymentCorrelation) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.settlements[temporaryID]
	if !ok || existing.PaymentCompleted {
		return false, nil
	}
	existing.PaymentCompleted = true
	if corr.CheckoutSessionID != "" {
		existing.CheckoutSessionID = &corr.CheckoutSessionID
	}
	if corr.CustomerID != "" {
		existing.CustomerID = &corr.CustomerID
	}
	if corr.SubscriptionID != "" {
		existing.SubscriptionID = &corr.SubscriptionID
	}
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *fakeRepo) RepairSettlementFields(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.settlements[temporaryID]
	if !ok || !existing.PaymentCompleted {
		return false, nil
	}
	if existing.Amount != 0 && existing.AttorneyName != "" && existing.CaseType != "" {
		return false, nil
	}
	if existing.Amount == 0 {
		existing.Amount = s.Amount
	}
	if existing.AttorneyName == "" {
		existing.AttorneyName = s.AttorneyName
	}
	if existing.AttorneyEmail == "" {
		existing.AttorneyEmail = s.AttorneyEmail
	}
	if existing.CaseType == "" {
		existing.CaseType = s.CaseType
	}
	if existing.Location == "" {
		existing.Location = s.Location
	}
	existing.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *fakeRepo) LinkSettlementUser(ctx context.Context, temporaryID, userID string) (bool, error) {
	if r.beforeLinkSettlement != nil {
		r.beforeLinkSettlement()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.settlements[temporaryID]
	if !ok || existing.UserID != nil {
		return false, nil
	}
	existing.UserID = &userID
	return true, nil
}

func (r *fakeRepo) LinkSettlementsByAttorneyEmail(ctx context.Context, attorneyEmail, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, s := range r.settlements {
		if s.UserID == nil && strings.EqualFold(s.AttorneyEmail, attorneyEmail) {
			uid := userID
			s.UserID = &uid
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) ListVisibleSettlements(ctx context.Context, limit, offset int) ([]domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Settlement
	for _, s := range r.settlements {
		if s.PaymentCompleted && !s.Hidden {
			out = append(out, *copySettlement(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Amount > out[j].Amount })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *fakeRepo) ListSettlementsByUser(ctx context.Context, userID string) ([]domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Settlement
	for _, s := range r.settlements {
		if s.UserID != nil && *s.UserID == userID {
			out = append(out, *copySettlement(s))
		}
	}
	return out, nil
}

func (r *fakeRepo) CountPaidSettlementsByEmail(ctx context.Context, attorneyEmail string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, s := range r.settlements {
		if s.PaymentCompleted && strings.EqualFold(s.AttorneyEmail, attorneyEmail) {
			count++
		}
	}
	return count, nil
}

func (r *fakeRepo) DeleteSettlementOwned(ctx context.Context, id int64, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for tempID, s := range r.settlements {
		if s.ID == id && s.UserID != nil && *s.UserID == userID {
			delete(r.settlements, tempID)
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) ListStaleUnpaidDrafts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Settlement
	for _, s := range r.settlements {
		if !s.PaymentCompleted && s.CreatedAt.Before(olderThan) {
			out = append(out, *copySettlement(s))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) ListPaidSettlementsForPhotoAudit(ctx context.Context, limit int) ([]domain.Settlement, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Settlement
	for _, s := range r.settlements {
		if s.PaymentCompleted && !s.Hidden {
			out = append(out, *copySettlement(s))
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeRepo) SetSettlementHidden(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.settlements {
		if s.ID == id {
			s.Hidden = true
		}
	}
	return nil
}

func (r *fakeRepo) SetSettlementPhotoURL(ctx context.Context, id int64, photoURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.settlements {
		if s.ID == id {
			url := photoURL
			s.PhotoURL = &url
		}
	}
	return nil
}

func (r *fakeRepo) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sub.TemporaryID != nil {
		for _, existing := range r.subscriptions {
			if existing.TemporaryID != nil && *existing.TemporaryID == *sub.TemporaryID {
				if sub.PaymentID != nil {
					existing.PaymentID = sub.PaymentID
				}
				if sub.CustomerID != nil {
					existing.CustomerID = sub.CustomerID
				}
				if sub.SubscriptionID != nil {
					existing.SubscriptionID = sub.SubscriptionID
				}
				existing.IsActive = sub.IsActive
				return copySubscription(existing), nil
			}
		}
	}
	c := copySubscription(sub)
	c.ID = int64(len(r.subscriptions) + 1)
	r.subscriptions = append(r.subscriptions, c)
	return copySubscription(c), nil
}

func (r *fakeRepo) FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.PaymentID != nil && *s.PaymentID == paymentID {
			return copySubscription(s), nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *fakeRepo) FindSubscriptionBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.SubscriptionID != nil && *s.SubscriptionID == subscriptionID {
			return copySubscription(s), nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *fakeRepo) FindMostRecentSubscription(ctx context.Context) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.subscriptions) == 0 {
		return nil, store.ErrSubscriptionNotFound
	}
	latest := r.subscriptions[0]
	for _, s := range r.subscriptions[1:] {
		if s.StartsAt.After(latest.StartsAt) {
			latest = s
		}
	}
	return copySubscription(latest), nil
}

func (r *fakeRepo) FindActiveSubscriptionForUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var best *domain.Subscription
	for _, s := range r.subscriptions {
		if s.UserID == nil || *s.UserID != userID || !s.IsActive {
			continue
		}
		if best == nil || s.StartsAt.After(best.StartsAt) {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	return copySubscription(best), nil
}

func (r *fakeRepo) LinkSubscriptionUser(ctx context.Context, temporaryID, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subscriptions {
		if s.TemporaryID != nil && *s.TemporaryID == temporaryID && s.UserID == nil {
			uid := userID
			s.UserID = &uid
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) MirrorSubscriptionStatus(ctx context.Context, customerID, subscriptionID string, active, cancelAtPeriodEnd bool, endsAt *time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for _, s := range r.subscriptions {
		matchesSub := s.SubscriptionID != nil && *s.SubscriptionID == subscriptionID
		matchesCustomer := customerID != "" && s.CustomerID != nil && *s.CustomerID == customerID
		if !matchesSub && !matchesCustomer {
			continue
		}
		s.IsActive = active
		s.CancelAtPeriodEnd = cancelAtPeriodEnd
		s.EndsAt = endsAt
		updated++
	}
	return updated, nil
}

func (r *fakeRepo) DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var updated int64
	for _, s := range r.subscriptions {
		if s.IsActive && s.EndsAt != nil && s.EndsAt.Before(now) {
			s.IsActive = false
			updated++
		}
	}
	return updated, nil
}

// fakePayments is an in-memory PaymentClient.
type fakePayments struct {
	mu sync.Mutex

	createCalls    int
	failCreates    int
	failWith       error
	nextSession    int
	sessions       map[string]*domain.CheckoutSession
	bySubscription map[string][]domain.CheckoutSession
	subscriptions  map[string]*domain.ProcessorSubscription
	customers      map[string][]domain.Customer
	lastParams     stripeclient.CheckoutSessionParams
	// cancelResponse, when set, is returned verbatim from CancelSubscription
	// instead of the stored subscription.
	cancelResponse *domain.ProcessorSubscription
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		sessions:       map[string]*domain.CheckoutSession{},
		bySubscription: map[string][]domain.CheckoutSession{},
		subscriptions:  map[string]*domain.ProcessorSubscription{},
		customers:      map[string][]domain.Customer{},
	}
}

func (p *fakePayments) CreateCheckoutSession(ctx context.Context, params stripeclient.CheckoutSessionParams) (*domain.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	p.lastParams = params
	if p.failCreates > 0 {
		p.failCreates--
		if p.failWith != nil {
			return nil, p.failWith
		}
		return nil, &stripeclient.APIError{StatusCode: 503, Body: "service unavailable"}
	}
	p.nextSession++
	session := &domain.CheckoutSession{
		ID:       fmt.Sprintf("cs_%d", p.nextSession),
		URL:      fmt.Sprintf("https://pay.example.com/c/cs_%d", p.nextSession),
		Metadata: params.Metadata,
	}
	p.sessions[session.ID] = session
	return session, nil
}

func (p *fakePayments) GetCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.sessions[sessionID]
	if !ok {
		return nil, &stripeclient.APIError{StatusCode: 404, Body: "no such session"}
	}
	c := *session
	return &c, nil
}

func (p *fakePayments) ListCheckoutSessionsBySubscription(ctx context.Context, subscriptionID string) ([]domain.CheckoutSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.CheckoutSession(nil), p.bySubscription[subscriptionID]...), nil
}

func (p *fakePayments) GetSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, &stripeclient.APIError{StatusCode: 404, Body: "no such subscription"}
	}
	c := *sub
	return &c, nil
}

func (p *fakePayments) CancelSubscription(ctx context.Context, subscriptionID string) (*domain.ProcessorSubscription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sub, ok := p.subscriptions[subscriptionID]
	if !ok {
		return nil, &stripeclient.APIError{StatusCode: 404, Body: "no such subscription"}
	}
	sub.CancelAtPeriodEnd = true
	if p.cancelResponse != nil {
		c := *p.cancelResponse
		return &c, nil
	}
	c := *sub
	return &c, nil
}

func (p *fakePayments) ListCustomersByEmail(ctx context.Context, email string) ([]domain.Customer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Customer(nil), p.customers[strings.ToLower(email)]...), nil
}

func (p *fakePayments) CreateBillingPortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	return "https://pay.example.com/portal/" + customerID, nil
}

// memoryLocks is an in-memory CheckoutLocker.
type memoryLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemoryLocks() *memoryLocks {
	return &memoryLocks{held: map[string]bool{}}
}

func (l *memoryLocks) Acquire(ctx context.Context, temporaryID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[temporaryID] {
		return false, nil
	}
	l.held[temporaryID] = true
	return true, nil
}

func (l *memoryLocks) Release(ctx context.Context, temporaryID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, temporaryID)
	return nil
}

// memoryDeduper is an in-memory EventDeduper.
type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{seen: map[string]bool{}}
}

func (d *memoryDeduper) Seen(ctx context.Context, eventID string, ttl time.Duration) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if eventID == "" {
		return false, nil
	}
	if d.seen[eventID] {
		return true, nil
	}
	d.seen[eventID] = true
	return false, nil
}

// newTestService wires a Service onto the in-memory fakes with millisecond
// retry delays so polling paths run fast.
func newTestService(repo *fakeRepo, payments *fakePayments) *Service {
	s := NewService(repo, payments, newMemoryLocks(), newMemoryDeduper(), nil, nil, "price_test", "https://settlements.example.com")
	s.checkoutRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, Exponential: true}
	s.confirmationRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
	return s
}

func validForm() domain.SettlementForm {
	return domain.SettlementForm{
		Amount:        "$1,000,000",
		CaseType:      "Car Accident",
		AttorneyName:  "Jamie Rivera",
		AttorneyEmail: "jamie@example.com",
		FirmName:      "Rivera Law",
		Location:      "Los Angeles, CA",
	}
}
