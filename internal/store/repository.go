/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the settlement service. By
 * defining an interface, the business logic is decoupled from the PostgreSQL
 * implementation, making the reconciliation paths testable with in-memory
 * fakes.
 *
 * Every write that more than one actor can race on (draft client, webhook
 * reconciler, confirmation recoverer, identity linker) is predicate-guarded:
 * "WHERE payment_completed = FALSE", "WHERE user_id IS NULL". The guards are
 * the system's substitute for locking; there is no transaction spanning
 * multiple rows anywhere in this service.
 */
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

var (
	// ErrSettlementNotFound is returned when no settlement matches a lookup.
	ErrSettlementNotFound = errors.New("settlement not found")
	// ErrSubscriptionNotFound is returned when no subscription matches a lookup.
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Settlement methods
	FindSettlementByTemporaryID(ctx context.Context, temporaryID string) (*domain.Settlement, error)
	FindSettlementByID(ctx context.Context, id int64) (*domain.Settlement, error)
	CreateSettlement(ctx context.Context, s *domain.Settlement) (*domain.Settlement, error)
	// UpdateSettlementDraft rewrites the mutable form fields of an unpaid
	// settlement. Returns false when the row is already paid (terminal) or
	// missing.
	UpdateSettlementDraft(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error)
	// RecordCheckoutSession stores the processor session id on an unpaid
	// draft so the stale-draft sweep can ask the processor about it later.
	RecordCheckoutSession(ctx context.Context, temporaryID, sessionID string) error
	// MarkSettlementPaid flips payment_completed false->true and records the
	// processor correlation ids. Returns false when the row was already paid,
	// so redelivered webhooks are no-ops.
	MarkSettlementPaid(ctx context.Context, temporaryID string, corr domain.PaymentCorrelation) (bool, error)
	// RepairSettlementFields writes the cached-draft values into a paid row
	// whose key fields came through empty. Guarded so a fully populated row is
	// never clobbered.
	RepairSettlementFields(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error)
	// LinkSettlementUser attaches a user to the settlement matching the
	// temporary id, only while user_id is still NULL.
	LinkSettlementUser(ctx context.Context, temporaryID, userID string) (bool, error)
	// LinkSettlementsByAttorneyEmail attaches a user to every ownerless
	// settlement submitted under the given attorney email.
	LinkSettlementsByAttorneyEmail(ctx context.Context, attorneyEmail, userID string) (int64, error)
	ListVisibleSettlements(ctx context.Context, limit, offset int) ([]domain.Settlement, error)
	ListSettlementsByUser(ctx context.Context, userID string) ([]domain.Settlement, error)
	CountPaidSettlementsByEmail(ctx context.Context, attorneyEmail string) (int, error)
	DeleteSettlementOwned(ctx context.Context, id int64, userID string) (bool, error)
	ListStaleUnpaidDrafts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Settlement, error)
	ListPaidSettlementsForPhotoAudit(ctx context.Context, limit int) ([]domain.Settlement, error)
	SetSettlementHidden(ctx context.Context, id int64) error
	SetSettlementPhotoURL(ctx context.Context, id int64, photoURL string) error

	// Subscription methods
	UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error)
	FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*domain.Subscription, error)
	FindSubscriptionBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Subscription, error)
	FindMostRecentSubscription(ctx context.Context) (*domain.Subscription, error)
	FindActiveSubscriptionForUser(ctx context.Context, userID string) (*domain.Subscription, error)
	LinkSubscriptionUser(ctx context.Context, temporaryID, userID string) (bool, error)
	// MirrorSubscriptionStatus applies the processor's subscription status to
	// rows correlated by customer+subscription ids. payment_completed on the
	// settlement side is never touched by this path.
	MirrorSubscriptionStatus(ctx context.Context, customerID, subscriptionID string, active, cancelAtPeriodEnd bool, endsAt *time.Time) (int64, error)
	DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error)
}

// PostgresRepository is the pgx-backed implementation of Repository.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new repository backed by the given pool.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}
