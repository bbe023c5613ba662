/**
 * @description
 * This file defines the subscription domain model. A Subscription row is
 * materialized by the webhook reconciler on first successful payment and is
 * correlated to a settlement via the shared temporary id until the submitting
 * attorney authenticates and the identity linker attaches a user id.
 */
package domain

import "time"

// Subscription represents an attorney's paid subscription in the database.
type Subscription struct {
	ID          int64   `json:"id"`
	UserID      *string `json:"user_id,omitempty"`
	TemporaryID *string `json:"temporary_id,omitempty"`

	// PaymentID is the checkout session that created the subscription.
	PaymentID      *string `json:"payment_id,omitempty"`
	CustomerID     *string `json:"customer_id,omitempty"`
	SubscriptionID *string `json:"subscription_id,omitempty"`

	IsActive          bool       `json:"is_active"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	StartsAt          time.Time  `json:"starts_at"`
	EndsAt            *time.Time `json:"ends_at,omitempty"` // nil = open-ended

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// EffectivelyActive reports whether the subscription should still read as
// active at the given instant. A subscription set to cancel at period end
// stays active until EndsAt passes.
func (s *Subscription) EffectivelyActive(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	if s.EndsAt == nil {
		return true
	}
	return s.EndsAt.After(now)
}

// SubscriptionStatus is the DTO returned to clients asking about their own
// subscription. Virtual is set when no subscription row exists but paid
// settlements were found for the user's email, so the account is treated as
// subscribed without a persisted row.
type SubscriptionStatus struct {
	IsActive          bool       `json:"is_active"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	EndsAt            *time.Time `json:"ends_at,omitempty"`
	Virtual           bool       `json:"virtual"`
}
