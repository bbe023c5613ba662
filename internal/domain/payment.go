/**
 * @description
 * This file defines the Go structs that model the payment processor's API
 * objects and incoming webhook payloads. These structures are essential for
 * safely unmarshaling the JSON received at the webhook endpoint and from the
 * processor's REST API, and for processing it in a type-safe manner.
 *
 * @notes
 * - Only the fields the reconciler actually reads are modeled; the processor
 *   sends far more, and unknown fields are ignored by encoding/json.
 * - Session metadata is the reliable server-side channel for the temporary id;
 *   the success URL query string is the client-side channel. Both are kept.
 */
package domain

import "encoding/json"

// Webhook event types handled by the reconciler.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaid              = "invoice.paid"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventInvoicePaymentFailed     = "invoice.payment_failed"
	EventSubscriptionCreated      = "customer.subscription.created"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
)

// MetadataTemporaryIDKey is the session metadata key carrying the settlement's
// temporary id through the processor and back on the webhook path.
const MetadataTemporaryIDKey = "temporaryId"

// PaymentWebhookEvent represents the top-level structure of a webhook payload
// from the payment processor.
type PaymentWebhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
	Created int64 `json:"created"`
}

// CheckoutSession models the processor's checkout session object as seen on
// the API and inside checkout.session.completed events.
type CheckoutSession struct {
	ID            string            `json:"id"`
	URL           string            `json:"url,omitempty"`
	Status        string            `json:"status,omitempty"`
	PaymentStatus string            `json:"payment_status,omitempty"`
	Customer      string            `json:"customer,omitempty"`
	Subscription  string            `json:"subscription,omitempty"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TemporaryID returns the settlement temporary id carried in the session
// metadata, or "" when the session was not created by this application.
func (s *CheckoutSession) TemporaryID() string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[MetadataTemporaryIDKey]
}

// Invoice models the subset of the processor's invoice object the reconciler
// needs. Renewal invoices do not carry session metadata, so reconciliation
// resolves backward through the subscription id.
type Invoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer,omitempty"`
	Subscription string `json:"subscription,omitempty"`
	Status       string `json:"status,omitempty"`
	Paid         bool   `json:"paid,omitempty"`
}

// ProcessorSubscription models the processor's subscription object.
type ProcessorSubscription struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer,omitempty"`
	Status             string `json:"status,omitempty"` // active, past_due, canceled, ...
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodStart int64  `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   int64  `json:"current_period_end,omitempty"`
	CanceledAt         int64  `json:"canceled_at,omitempty"`
}

// Customer models the processor's customer object, used when resolving a
// billing-portal session for an authenticated user by email.
type Customer struct {
	ID    string `json:"id"`
	Email string `json:"email,omitempty"`
}
