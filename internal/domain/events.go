/**
 * @description
 * Internal event payloads published to RabbitMQ when settlement lifecycle
 * transitions happen. Downstream consumers (notification emails, analytics)
 * are decoupled from the reconciliation path through these events.
 */
package domain

// SettlementPaidEvent is published when a settlement flips to paid.
type SettlementPaidEvent struct {
	TemporaryID       string `json:"temporary_id"`
	CheckoutSessionID string `json:"checkout_session_id"`
	AttorneyEmail     string `json:"attorney_email,omitempty"`
	Amount            int64  `json:"amount"`
}

// SettlementLinkedEvent is published when the identity linker attaches a
// settlement to an authenticated user.
type SettlementLinkedEvent struct {
	TemporaryID string `json:"temporary_id,omitempty"`
	UserID      string `json:"user_id"`
	Linked      int    `json:"linked"`
}

// SubscriptionChangedEvent is published when a subscription's processor
// status is mirrored into the store.
type SubscriptionChangedEvent struct {
	SubscriptionID string `json:"subscription_id"`
	CustomerID     string `json:"customer_id,omitempty"`
	Status         string `json:"status"`
}
