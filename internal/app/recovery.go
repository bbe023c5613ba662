/**
 * @description
 * Confirmation recovery. After the browser returns from hosted checkout it
 * may hold a temporary id, a session id, both, or neither intact, plus a
 * locally cached copy of the form. This path must converge on the same final
 * state as the webhook reconciler regardless of which side ran first.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
)

// ErrSettlementUnrecoverable is the terminal recovery failure: no settlement
// could be located or reconstructed after bounded retries. A correlation miss
// after a real payment is business-critical, so callers surface this with
// recovery guidance rather than dropping it.
var ErrSettlementUnrecoverable = errors.New("settlement could not be located after payment")

// RecoveryParams carries what the confirmation page knows. Either id may be
// missing; CachedDraft is the client's local-storage fallback copy of the
// form for this temporary id, used strictly for repair and reconstruction.
type RecoveryParams struct {
	TemporaryID string
	SessionID   string
	CachedDraft *domain.SettlementForm

	// Authenticated identity, when present, triggers linking as a side
	// effect.
	UserID    string
	UserEmail string
}

// RecoveryResult reports the converged settlement and which degraded paths
// ran. Recovered and Repaired are surfaced to the user; degraded-data
// reconstruction is never silent.
type RecoveryResult struct {
	Settlement *domain.Settlement `json:"settlement"`
	Recovered  bool               `json:"recovered"`
	Repaired   bool               `json:"repaired"`
	MarkedPaid bool               `json:"marked_paid"`
	Linked     bool               `json:"linked"`
}

// RecoverConfirmation resolves the settlement for a checkout return, repairs
// or reconstructs it from the cached draft when needed, and links the
// authenticated user. Polling is bounded and cancelable through ctx.
func (s *Service) RecoverConfirmation(ctx context.Context, params RecoveryParams) (*RecoveryResult, error) {
	temporaryID := params.TemporaryID
	if temporaryID == "" && params.SessionID != "" {
		temporaryID = s.resolveTemporaryIDFromSession(ctx, params.SessionID)
	}
	if temporaryID == "" {
		return nil, ErrSettlementUnrecoverable
	}

	result := &RecoveryResult{}

	var settlement *domain.Settlement
	err := s.confirmationRetry.Run(ctx, func(ctx context.Context) error {
		found, findErr := s.repo.FindSettlementByTemporaryID(ctx, temporaryID)
		if findErr != nil {
			return findErr
		}
		settlement = found
		return nil
	}, func(err error) bool { return errors.Is(err, store.ErrSettlementNotFound) })

	if err != nil {
		if !errors.Is(err, store.ErrSettlementNotFound) {
			return nil, fmt.Errorf("failed to fetch settlement: %w", err)
		}
		// Row never appeared. Reconstruct from the cached draft when a paid
		// session vouches for the payment; otherwise this is terminal.
		if params.CachedDraft == nil || params.SessionID == "" {
			return nil, ErrSettlementUnrecoverable
		}
		settlement, err = s.reconstructFromDraft(ctx, temporaryID, params)
		if err != nil {
			return nil, err
		}
		result.Recovered = true
		log.Printf("level=warn component=recovery msg=\"settlement reconstructed from cached draft\" temporary_id=%s session_id=%s", temporaryID, params.SessionID)
	}

	// Webhook not arrived yet: a session id in hand is proof of a completed
	// checkout, so flip the row here. The guard keeps this idempotent
	// against a webhook racing us.
	if !settlement.PaymentCompleted && params.SessionID != "" {
		corr := s.correlationForSession(ctx, params.SessionID)
		marked, markErr := s.repo.MarkSettlementPaid(ctx, temporaryID, corr)
		if markErr != nil {
			return nil, fmt.Errorf("failed to mark settlement paid on recovery: %w", markErr)
		}
		result.MarkedPaid = marked
		settlement.PaymentCompleted = true
	}

	// Paid but hollow: the webhook won the race against the draft save, or
	// the draft save failed silently client-side. Repair from the cache.
	if settlement.PaymentCompleted && params.CachedDraft != nil && settlementIncomplete(settlement) {
		repaired, repairErr := s.repo.RepairSettlementFields(ctx, temporaryID, settlementFromForm(temporaryID, *params.CachedDraft))
		if repairErr != nil {
			return nil, fmt.Errorf("failed to repair settlement: %w", repairErr)
		}
		result.Repaired = repaired
	}

	if params.UserID != "" && settlement.UserID == nil {
		linkResult, linkErr := s.LinkUser(ctx, params.UserID, temporaryID, params.UserEmail)
		if linkErr != nil {
			log.Printf("level=warn component=recovery msg=\"identity linking failed; recovery still succeeds\" temporary_id=%s err=%v", temporaryID, linkErr)
		} else {
			result.Linked = linkResult.SettlementLinked || linkResult.SubscriptionLinked || linkResult.EmailLinked > 0
		}
	}

	final, err := s.repo.FindSettlementByTemporaryID(ctx, temporaryID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload settlement: %w", err)
	}
	result.Settlement = final
	return result, nil
}

// resolveTemporaryIDFromSession recovers the temporary id when only a session
// id survived the redirect. Order of trust: our own subscription row, the
// processor's record of the session, then the most-recent-subscription
// heuristic (safe only moments after a solitary checkout at low volume).
func (s *Service) resolveTemporaryIDFromSession(ctx context.Context, sessionID string) string {
	sub, err := s.repo.FindSubscriptionByPaymentID(ctx, sessionID)
	if err == nil && sub.TemporaryID != nil {
		return *sub.TemporaryID
	}
	if err != nil && !errors.Is(err, store.ErrSubscriptionNotFound) {
		log.Printf("level=warn component=recovery msg=\"subscription lookup failed\" session_id=%s err=%v", sessionID, err)
	}

	session, err := s.payments.GetCheckoutSession(ctx, sessionID)
	if err == nil && session.TemporaryID() != "" {
		return session.TemporaryID()
	}
	if err != nil {
		log.Printf("level=warn component=recovery msg=\"processor session lookup failed\" session_id=%s err=%v", sessionID, err)
	}

	recent, err := s.repo.FindMostRecentSubscription(ctx)
	if err == nil && recent.TemporaryID != nil {
		log.Printf("level=warn component=recovery msg=\"falling back to most recent subscription heuristic\" session_id=%s temporary_id=%s", sessionID, *recent.TemporaryID)
		return *recent.TemporaryID
	}
	return ""
}

// correlationForSession asks the processor for the session's customer and
// subscription ids so the recovery-side paid flip records the same
// correlation fields the webhook would have.
func (s *Service) correlationForSession(ctx context.Context, sessionID string) domain.PaymentCorrelation {
	corr := domain.PaymentCorrelation{CheckoutSessionID: sessionID}
	session, err := s.payments.GetCheckoutSession(ctx, sessionID)
	if err != nil {
		log.Printf("level=warn component=recovery msg=\"could not enrich correlation from processor\" session_id=%s err=%v", sessionID, err)
		return corr
	}
	corr.CustomerID = session.Customer
	corr.SubscriptionID = session.Subscription
	return corr
}

// reconstructFromDraft builds a paid settlement row from the client's cached
// draft. Allowed only here, on the client recovery path: the server-side
// reconciler aborts instead of fabricating rows because only the client holds
// the form data.
func (s *Service) reconstructFromDraft(ctx context.Context, temporaryID string, params RecoveryParams) (*domain.Settlement, error) {
	settlement := settlementFromForm(temporaryID, *params.CachedDraft)
	settlement.PaymentCompleted = true
	sessionID := params.SessionID
	settlement.CheckoutSessionID = &sessionID

	corr := s.correlationForSession(ctx, sessionID)
	if corr.CustomerID != "" {
		settlement.CustomerID = &corr.CustomerID
	}
	if corr.SubscriptionID != "" {
		settlement.SubscriptionID = &corr.SubscriptionID
	}

	created, err := s.repo.CreateSettlement(ctx, settlement)
	if err != nil {
		// A webhook may have raced us into existence; converge on its row.
		if existing, findErr := s.repo.FindSettlementByTemporaryID(ctx, temporaryID); findErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to reconstruct settlement: %w", err)
	}
	return created, nil
}

// settlementIncomplete reports whether a paid row is missing the fields the
// gallery needs, the trigger for cached-draft repair.
func settlementIncomplete(s *domain.Settlement) bool {
	return s.Amount == 0 || s.AttorneyName == "" || s.CaseType == ""
}
