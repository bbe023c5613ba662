/**
 * @description
 * Scheduled job implementations: the stale-draft reconcile sweep, the
 * subscription expiry sweep and the photo audit.
 */
package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/store"
)

const (
	staleDraftAge   = 30 * time.Minute
	staleDraftLimit = 100
	photoAuditLimit = 500
)

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	service *Service
	repo    store.Repository
	storage ObjectStore
	logger  *slog.Logger
}

// NewJobs creates a new Jobs runner.
func NewJobs(service *Service, repo store.Repository, storage ObjectStore, logger *slog.Logger) *Jobs {
	return &Jobs{
		service: service,
		repo:    repo,
		storage: storage,
		logger:  logger,
	}
}

// ReconcileStaleDrafts sweeps unpaid drafts that recorded a checkout session
// but never saw a webhook, asks the processor for the session state, and
// replays the completed-session reconciliation for the ones that did pay.
// Covers webhooks lost entirely, not just delayed.
func (j *Jobs) ReconcileStaleDrafts() {
	j.logger.Info("starting stale draft reconcile job")
	ctx := context.Background()

	cutoff := time.Now().UTC().Add(-staleDraftAge)
	drafts, err := j.repo.ListStaleUnpaidDrafts(ctx, cutoff, staleDraftLimit)
	if err != nil {
		j.logger.Error("failed to list stale drafts", "error", err)
		return
	}

	recovered := 0
	for i := range drafts {
		draft := drafts[i]
		if draft.CheckoutSessionID == nil {
			continue
		}
		session, err := j.service.payments.GetCheckoutSession(ctx, *draft.CheckoutSessionID)
		if err != nil {
			j.logger.Warn("failed to fetch session for stale draft", "temporary_id", draft.TemporaryID, "error", err)
			continue
		}
		if session.PaymentStatus != "paid" && session.Status != "complete" {
			continue
		}
		if session.TemporaryID() == "" {
			// Sessions created before metadata was attached; trust our own
			// recorded correlation.
			if session.Metadata == nil {
				session.Metadata = map[string]string{}
			}
			session.Metadata[domain.MetadataTemporaryIDKey] = draft.TemporaryID
		}
		if err := j.service.reconcileCompletedSession(ctx, session); err != nil && !errors.Is(err, ErrNoSettlementForSession) {
			j.logger.Error("failed to reconcile stale draft", "temporary_id", draft.TemporaryID, "error", err)
			continue
		}
		recovered++
	}

	j.logger.Info("stale draft reconcile job finished", "candidates", len(drafts), "recovered", recovered)
}

// SweepExpiredSubscriptions deactivates subscriptions whose period has fully
// ended. Rows are never deleted.
func (j *Jobs) SweepExpiredSubscriptions() {
	j.logger.Info("starting subscription expiry sweep")
	ctx := context.Background()

	deactivated, err := j.repo.DeactivateExpiredSubscriptions(ctx, time.Now().UTC())
	if err != nil {
		j.logger.Error("failed to deactivate expired subscriptions", "error", err)
		return
	}

	j.logger.Info("subscription expiry sweep finished", "deactivated", deactivated)
}

// AuditPhotos resolves a photo for every visible paid settlement and hides
// the ones whose photo no longer exists in the bucket.
func (j *Jobs) AuditPhotos() {
	j.logger.Info("starting photo audit job")
	ctx := context.Background()

	names, err := j.storage.ListObjects(ctx, "")
	if err != nil {
		j.logger.Error("failed to list photo bucket", "error", err)
		return
	}
	objects := make(map[string]bool, len(names))
	for _, n := range names {
		objects[n] = true
	}

	settlements, err := j.repo.ListPaidSettlementsForPhotoAudit(ctx, photoAuditLimit)
	if err != nil {
		j.logger.Error("failed to list settlements for photo audit", "error", err)
		return
	}

	hidden := 0
	for i := range settlements {
		s := settlements[i]
		url, found := ResolvePhoto(j.storage, objects, &s)
		if !found {
			if err := j.repo.SetSettlementHidden(ctx, s.ID); err != nil {
				j.logger.Error("failed to hide settlement", "settlement_id", s.ID, "error", err)
				continue
			}
			hidden++
			continue
		}
		if s.PhotoURL == nil || *s.PhotoURL != url {
			if err := j.repo.SetSettlementPhotoURL(ctx, s.ID, url); err != nil {
				j.logger.Error("failed to record photo url", "settlement_id", s.ID, "error", err)
			}
		}
	}

	j.logger.Info("photo audit job finished", "audited", len(settlements), "hidden", hidden)
}
