/**
 * @description
 * Webhook reconciliation. The payment processor delivers events with no
 * ordering guarantee and may redeliver any of them; every handler here is
 * safe to run multiple times for the same event and never regresses
 * payment_completed. Correctness rests on the store's guarded writes, with
 * Redis event dedup as a cheap first filter.
 */
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
)

// ErrNoSettlementForSession is returned when a completed checkout session
// carries a temporary id that matches no settlement. This is a
// business-critical correlation miss: the reconciler logs and aborts rather
// than fabricating a placeholder row. Only the client recovery path, which
// holds the cached draft, may reconstruct data.
var ErrNoSettlementForSession = errors.New("no settlement found for checkout session")

// ProcessWebhookEvent routes a verified processor event to its handler.
// Unknown event types are acknowledged and ignored.
func (s *Service) ProcessWebhookEvent(ctx context.Context, event domain.PaymentWebhookEvent) error {
	if s.dedup != nil {
		seen, err := s.dedup.Seen(ctx, event.ID, webhookDedupTTL)
		if err != nil {
			log.Printf("level=warn component=reconciler msg=\"event dedup check failed; proceeding on guarded writes\" event_id=%s err=%v", event.ID, err)
		} else if seen {
			log.Printf("level=info component=reconciler msg=\"duplicate event ignored\" event_id=%s type=%s", event.ID, event.Type)
			return nil
		}
	}

	switch event.Type {
	case domain.EventCheckoutSessionCompleted:
		var session domain.CheckoutSession
		if err := json.Unmarshal(event.Data.Object, &session); err != nil {
			return fmt.Errorf("failed to decode checkout session: %w", err)
		}
		return s.reconcileCompletedSession(ctx, &session)

	case domain.EventInvoicePaid, domain.EventInvoicePaymentSucceeded:
		var invoice domain.Invoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		return s.reconcileInvoicePaid(ctx, &invoice)

	case domain.EventInvoicePaymentFailed:
		var invoice domain.Invoice
		if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
			return fmt.Errorf("failed to decode invoice: %w", err)
		}
		log.Printf("level=warn component=reconciler msg=\"invoice payment failed\" invoice_id=%s subscription_id=%s customer_id=%s", invoice.ID, invoice.Subscription, invoice.Customer)
		return nil

	case domain.EventSubscriptionCreated, domain.EventSubscriptionUpdated, domain.EventSubscriptionDeleted:
		var sub domain.ProcessorSubscription
		if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
			return fmt.Errorf("failed to decode subscription: %w", err)
		}
		return s.reconcileSubscriptionChange(ctx, event.Type, &sub)

	default:
		log.Printf("level=info component=reconciler msg=\"unhandled event type\" event_id=%s type=%s", event.ID, event.Type)
		return nil
	}
}

// reconcileCompletedSession flips the settlement for the session's temporary
// id to paid and materializes the subscription row. Redelivery lands on the
// payment_completed guard and becomes a no-op.
func (s *Service) reconcileCompletedSession(ctx context.Context, session *domain.CheckoutSession) error {
	temporaryID := session.TemporaryID()
	if temporaryID == "" {
		log.Printf("level=warn component=reconciler msg=\"completed session carries no temporary id; not ours\" session_id=%s", session.ID)
		return nil
	}

	settlement, err := s.repo.FindSettlementByTemporaryID(ctx, temporaryID)
	if err != nil {
		if errors.Is(err, store.ErrSettlementNotFound) {
			log.Printf("level=error component=reconciler msg=\"no settlement for completed session; aborting without fabricating a row\" session_id=%s temporary_id=%s", session.ID, temporaryID)
			return ErrNoSettlementForSession
		}
		return fmt.Errorf("failed to look up settlement: %w", err)
	}

	corr := domain.PaymentCorrelation{
		CheckoutSessionID: session.ID,
		CustomerID:        session.Customer,
		SubscriptionID:    session.Subscription,
	}

	if settlement.PaymentCompleted {
		log.Printf("level=info component=reconciler msg=\"settlement already paid; redelivery no-op\" temporary_id=%s session_id=%s", temporaryID, session.ID)
	} else {
		flipped, err := s.repo.MarkSettlementPaid(ctx, temporaryID, corr)
		if err != nil {
			return fmt.Errorf("failed to mark settlement paid: %w", err)
		}
		if flipped {
			s.publish(ctx, "settlement.paid", domain.SettlementPaidEvent{
				TemporaryID:       temporaryID,
				CheckoutSessionID: session.ID,
				AttorneyEmail:     settlement.AttorneyEmail,
				Amount:            settlement.Amount,
			})
			log.Printf("level=info component=reconciler msg=\"settlement marked paid\" temporary_id=%s session_id=%s", temporaryID, session.ID)
		}
	}

	return s.materializeSubscription(ctx, temporaryID, session)
}

// materializeSubscription upserts the Subscription row correlated by the same
// temporary id as the settlement.
func (s *Service) materializeSubscription(ctx context.Context, temporaryID string, session *domain.CheckoutSession) error {
	sub := &domain.Subscription{
		TemporaryID: &temporaryID,
		IsActive:    true,
		StartsAt:    time.Now().UTC(),
	}
	if session.ID != "" {
		sub.PaymentID = &session.ID
	}
	if session.Customer != "" {
		sub.CustomerID = &session.Customer
	}
	if session.Subscription != "" {
		sub.SubscriptionID = &session.Subscription
	}

	if _, err := s.repo.UpsertSubscription(ctx, sub); err != nil {
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

// reconcileInvoicePaid handles renewal invoices, which carry no session
// metadata. The originating checkout sessions are resolved backward through
// the processor API by subscription id, then replayed through the same
// completed-session logic. An invoice arriving before its
// checkout.session.completed event resolves the same sessions and converges
// on the same state.
func (s *Service) reconcileInvoicePaid(ctx context.Context, invoice *domain.Invoice) error {
	if invoice.Subscription == "" {
		log.Printf("level=info component=reconciler msg=\"paid invoice without subscription; ignoring\" invoice_id=%s", invoice.ID)
		return nil
	}

	sessions, err := s.payments.ListCheckoutSessionsBySubscription(ctx, invoice.Subscription)
	if err != nil {
		return fmt.Errorf("failed to list sessions for subscription %s: %w", invoice.Subscription, err)
	}

	matched := 0
	for i := range sessions {
		session := sessions[i]
		if session.TemporaryID() == "" {
			continue
		}
		matched++
		if session.Customer == "" {
			session.Customer = invoice.Customer
		}
		if session.Subscription == "" {
			session.Subscription = invoice.Subscription
		}
		if err := s.reconcileCompletedSession(ctx, &session); err != nil && !errors.Is(err, ErrNoSettlementForSession) {
			return err
		}
	}

	if matched == 0 {
		log.Printf("level=warn component=reconciler msg=\"paid invoice resolved no sessions with a temporary id\" invoice_id=%s subscription_id=%s", invoice.ID, invoice.Subscription)
	}
	return nil
}

// reconcileSubscriptionChange mirrors the processor's subscription status
// onto rows correlated by customer+subscription ids. payment_completed on
// settlements is never touched by this path.
func (s *Service) reconcileSubscriptionChange(ctx context.Context, eventType string, sub *domain.ProcessorSubscription) error {
	active := sub.Status == "active" || sub.Status == "trialing"
	if eventType == domain.EventSubscriptionDeleted {
		active = false
	}

	endsAt := unixTimePtr(sub.CurrentPeriodEnd)
	if eventType == domain.EventSubscriptionDeleted && sub.CanceledAt != 0 {
		endsAt = unixTimePtr(sub.CanceledAt)
	}

	updated, err := s.repo.MirrorSubscriptionStatus(ctx, sub.Customer, sub.ID, active, sub.CancelAtPeriodEnd, endsAt)
	if err != nil {
		return fmt.Errorf("failed to mirror subscription status: %w", err)
	}
	if updated > 0 {
		s.publish(ctx, "subscription.changed", domain.SubscriptionChangedEvent{
			SubscriptionID: sub.ID,
			CustomerID:     sub.Customer,
			Status:         sub.Status,
		})
	}
	log.Printf("level=info component=reconciler msg=\"subscription status mirrored\" subscription_id=%s status=%s rows=%d", sub.ID, sub.Status, updated)
	return nil
}
