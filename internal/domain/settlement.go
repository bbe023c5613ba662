/**
 * @description
 * This file defines the core domain models for the settlement service.
 * A Settlement is the single durable record that the draft endpoint, the
 * payment webhook reconciler, the confirmation recoverer and the identity
 * linker all converge on, correlated by a client-generated temporary id.
 */
package domain

import "time"

// Settlement represents a submitted settlement as stored in the database.
// TemporaryID is the only identifier the client holds before payment; it is
// unique and never reused. PaymentCompleted and UserID are monotonic: once
// set they are never reverted by any code path.
type Settlement struct {
	ID          int64   `json:"id"`
	TemporaryID string  `json:"temporary_id"`
	UserID      *string `json:"user_id,omitempty"`

	Amount          int64  `json:"amount"`
	InitialOffer    *int64 `json:"initial_offer,omitempty"`
	PolicyLimit     *int64 `json:"policy_limit,omitempty"`
	MedicalExpenses *int64 `json:"medical_expenses,omitempty"`

	CaseType        string `json:"case_type"`
	SettlementPhase string `json:"settlement_phase"`
	Description     string `json:"description"`

	AttorneyName  string `json:"attorney_name"`
	AttorneyEmail string `json:"attorney_email"`
	FirmName      string `json:"firm_name"`
	FirmWebsite   string `json:"firm_website"`
	Location      string `json:"location"`

	PhotoURL *string `json:"photo_url,omitempty"`
	Hidden   bool    `json:"hidden"`

	PaymentCompleted  bool    `json:"payment_completed"`
	CheckoutSessionID *string `json:"checkout_session_id,omitempty"`
	CustomerID        *string `json:"customer_id,omitempty"`
	SubscriptionID    *string `json:"subscription_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettlementForm is the client-submitted form snapshot. Monetary fields arrive
// as display strings ("$1,000,000") and are normalized before storage. The
// same shape doubles as the locally cached draft the confirmation page sends
// back for recovery after a payment.
type SettlementForm struct {
	Amount          string `json:"amount"`
	InitialOffer    string `json:"initialOffer"`
	PolicyLimit     string `json:"policyLimit"`
	MedicalExpenses string `json:"medicalExpenses"`

	CaseType        string `json:"caseType"`
	SettlementPhase string `json:"settlementPhase"`
	Description     string `json:"caseDescription"`

	AttorneyName  string `json:"attorneyName"`
	AttorneyEmail string `json:"attorneyEmail"`
	FirmName      string `json:"firmName"`
	FirmWebsite   string `json:"firmWebsite"`
	Location      string `json:"location"`

	PhotoURL string `json:"photoUrl"`
}

// DraftSaveStatus is the outcome of persisting a draft for a temporary id.
type DraftSaveStatus string

const (
	DraftCreated     DraftSaveStatus = "created"
	DraftUpdated     DraftSaveStatus = "updated"
	DraftAlreadyPaid DraftSaveStatus = "already_paid"
)

// PaymentCorrelation carries the payment-processor identifiers recorded on a
// settlement when it flips to paid.
type PaymentCorrelation struct {
	CheckoutSessionID string
	CustomerID        string
	SubscriptionID    string
}

// CheckoutResult is returned by checkout initiation. IsExisting is set when
// the draft was discovered already paid and no new processor session was
// created.
type CheckoutResult struct {
	RedirectURL string `json:"redirect_url,omitempty"`
	SessionID   string `json:"session_id,omitempty"`
	IsExisting  bool   `json:"is_existing"`
}
