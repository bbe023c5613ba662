/**
 * @description
 * This file implements the subscription side of the data access layer. A
 * subscription row is keyed by temporary id while the submitting attorney is
 * still anonymous and gains a user id through the same guarded-link pattern
 * used for settlements.
 */
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

const subscriptionColumns = `
	id, user_id, temporary_id,
	payment_id, customer_id, subscription_id,
	is_active, cancel_at_period_end, starts_at, ends_at,
	created_at, updated_at`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var sub domain.Subscription
	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.TemporaryID,
		&sub.PaymentID, &sub.CustomerID, &sub.SubscriptionID,
		&sub.IsActive, &sub.CancelAtPeriodEnd, &sub.StartsAt, &sub.EndsAt,
		&sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

// UpsertSubscription creates a subscription for a temporary id or refreshes an
// existing one. Redelivered checkout webhooks land on the conflict branch and
// converge on the same row.
func (r *PostgresRepository) UpsertSubscription(ctx context.Context, sub *domain.Subscription) (*domain.Subscription, error) {
	query := `
		INSERT INTO subscriptions (
			user_id, temporary_id, payment_id, customer_id, subscription_id,
			is_active, cancel_at_period_end, starts_at, ends_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (temporary_id) WHERE temporary_id IS NOT NULL DO UPDATE SET
			payment_id = COALESCE(EXCLUDED.payment_id, subscriptions.payment_id),
			customer_id = COALESCE(EXCLUDED.customer_id, subscriptions.customer_id),
			subscription_id = COALESCE(EXCLUDED.subscription_id, subscriptions.subscription_id),
			is_active = EXCLUDED.is_active,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			ends_at = EXCLUDED.ends_at,
			updated_at = NOW()
		RETURNING ` + subscriptionColumns
	return scanSubscription(r.db.QueryRow(ctx, query,
		sub.UserID, sub.TemporaryID, sub.PaymentID, sub.CustomerID, sub.SubscriptionID,
		sub.IsActive, sub.CancelAtPeriodEnd, sub.StartsAt, sub.EndsAt,
	))
}

// FindSubscriptionByPaymentID resolves a subscription from the checkout
// session id that created it.
func (r *PostgresRepository) FindSubscriptionByPaymentID(ctx context.Context, paymentID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE payment_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, paymentID))
}

// FindSubscriptionBySubscriptionID resolves a subscription from the
// processor's subscription id.
func (r *PostgresRepository) FindSubscriptionBySubscriptionID(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE subscription_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, subscriptionID))
}

// FindMostRecentSubscription returns the newest subscription row. Last-resort
// heuristic for the confirmation recoverer when a session id cannot be
// resolved any other way; only safe at low volume.
func (r *PostgresRepository) FindMostRecentSubscription(ctx context.Context) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions ORDER BY starts_at DESC, id DESC LIMIT 1`
	return scanSubscription(r.db.QueryRow(ctx, query))
}

// FindActiveSubscriptionForUser returns the most-recently-started active
// subscription for a user. Stray duplicate rows are tolerated by taking the
// newest one.
func (r *PostgresRepository) FindActiveSubscriptionForUser(ctx context.Context, userID string) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
			AND is_active = TRUE
			AND (ends_at IS NULL OR ends_at > NOW())
		ORDER BY starts_at DESC, id DESC
		LIMIT 1
	`
	return scanSubscription(r.db.QueryRow(ctx, query, userID))
}

// LinkSubscriptionUser assigns a user to the subscription matching the
// temporary id, only while user_id is still NULL.
func (r *PostgresRepository) LinkSubscriptionUser(ctx context.Context, temporaryID, userID string) (bool, error) {
	query := `
		UPDATE subscriptions SET user_id = $2, updated_at = NOW()
		WHERE temporary_id = $1 AND user_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, temporaryID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// MirrorSubscriptionStatus applies the processor's subscription status to rows
// correlated by customer+subscription ids.
func (r *PostgresRepository) MirrorSubscriptionStatus(ctx context.Context, customerID, subscriptionID string, active, cancelAtPeriodEnd bool, endsAt *time.Time) (int64, error) {
	query := `
		UPDATE subscriptions SET
			is_active = $3,
			cancel_at_period_end = $4,
			ends_at = $5,
			updated_at = NOW()
		WHERE subscription_id = $2
			AND (customer_id = $1 OR customer_id IS NULL)
	`
	tag, err := r.db.Exec(ctx, query, customerID, subscriptionID, active, cancelAtPeriodEnd, endsAt)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpiredSubscriptions flips is_active off for rows whose period has
// fully ended. Rows are never deleted, only deactivated.
func (r *PostgresRepository) DeactivateExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE subscriptions SET is_active = FALSE, updated_at = NOW()
		WHERE is_active = TRUE AND ends_at IS NOT NULL AND ends_at <= $1
	`
	tag, err := r.db.Exec(ctx, query, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
