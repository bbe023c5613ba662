/**
 * @description
 * This file implements the settlement side of the data access layer. It
 * contains all the SQL for the settlements table, including the guarded
 * predicate updates the reconciliation flow relies on.
 */
package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mtolaru/settlement-showcase-hub-sub000/internal/domain"
)

const settlementColumns = `
	id, temporary_id, user_id,
	amount, initial_offer, policy_limit, medical_expenses,
	case_type, settlement_phase, description,
	attorney_name, attorney_email, firm_name, firm_website, location,
	photo_url, hidden,
	payment_completed, checkout_session_id, customer_id, subscription_id,
	created_at, updated_at`

func scanSettlement(row pgx.Row) (*domain.Settlement, error) {
	var s domain.Settlement
	err := row.Scan(
		&s.ID, &s.TemporaryID, &s.UserID,
		&s.Amount, &s.InitialOffer, &s.PolicyLimit, &s.MedicalExpenses,
		&s.CaseType, &s.SettlementPhase, &s.Description,
		&s.AttorneyName, &s.AttorneyEmail, &s.FirmName, &s.FirmWebsite, &s.Location,
		&s.PhotoURL, &s.Hidden,
		&s.PaymentCompleted, &s.CheckoutSessionID, &s.CustomerID, &s.SubscriptionID,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

// FindSettlementByTemporaryID retrieves the settlement correlated to a
// client-generated temporary id.
func (r *PostgresRepository) FindSettlementByTemporaryID(ctx context.Context, temporaryID string) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE temporary_id = $1`
	return scanSettlement(r.db.QueryRow(ctx, query, temporaryID))
}

// FindSettlementByID retrieves a settlement by its durable primary key.
func (r *PostgresRepository) FindSettlementByID(ctx context.Context, id int64) (*domain.Settlement, error) {
	query := `SELECT ` + settlementColumns + ` FROM settlements WHERE id = $1`
	return scanSettlement(r.db.QueryRow(ctx, query, id))
}

// CreateSettlement inserts a new settlement row and returns it with the
// database-assigned identity.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, s *domain.Settlement) (*domain.Settlement, error) {
	query := `
		INSERT INTO settlements (
			temporary_id, user_id,
			amount, initial_offer, policy_limit, medical_expenses,
			case_type, settlement_phase, description,
			attorney_name, attorney_email, firm_name, firm_website, location,
			photo_url, hidden,
			payment_completed, checkout_session_id, customer_id, subscription_id
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		RETURNING ` + settlementColumns
	return scanSettlement(r.db.QueryRow(ctx, query,
		s.TemporaryID, s.UserID,
		s.Amount, s.InitialOffer, s.PolicyLimit, s.MedicalExpenses,
		s.CaseType, s.SettlementPhase, s.Description,
		s.AttorneyName, s.AttorneyEmail, s.FirmName, s.FirmWebsite, s.Location,
		s.PhotoURL, s.Hidden,
		s.PaymentCompleted, s.CheckoutSessionID, s.CustomerID, s.SubscriptionID,
	))
}

// UpdateSettlementDraft rewrites the mutable form fields of an unpaid
// settlement. Paid rows are terminal; the guard makes a late resubmission a
// no-op instead of an overwrite.
func (r *PostgresRepository) UpdateSettlementDraft(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error) {
	query := `
		UPDATE settlements SET
			amount = $2,
			initial_offer = $3,
			policy_limit = $4,
			medical_expenses = $5,
			case_type = $6,
			settlement_phase = $7,
			description = $8,
			attorney_name = $9,
			attorney_email = $10,
			firm_name = $11,
			firm_website = $12,
			location = $13,
			photo_url = COALESCE($14, photo_url),
			updated_at = NOW()
		WHERE temporary_id = $1 AND payment_completed = FALSE
	`
	tag, err := r.db.Exec(ctx, query,
		temporaryID,
		s.Amount, s.InitialOffer, s.PolicyLimit, s.MedicalExpenses,
		s.CaseType, s.SettlementPhase, s.Description,
		s.AttorneyName, s.AttorneyEmail, s.FirmName, s.FirmWebsite, s.Location,
		s.PhotoURL,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RecordCheckoutSession stores the processor session id on an unpaid draft.
// A paid row keeps whatever session id the reconciler recorded.
func (r *PostgresRepository) RecordCheckoutSession(ctx context.Context, temporaryID, sessionID string) error {
	query := `
		UPDATE settlements SET checkout_session_id = $2, updated_at = NOW()
		WHERE temporary_id = $1 AND payment_completed = FALSE
	`
	_, err := r.db.Exec(ctx, query, temporaryID, sessionID)
	return err
}

// MarkSettlementPaid flips payment_completed exactly once for a temporary id.
// Correlation ids are only filled in, never blanked, so a later event with
// partial data cannot erase what an earlier one recorded.
func (r *PostgresRepository) MarkSettlementPaid(ctx context.Context, temporaryID string, corr domain.PaymentCorrelation) (bool, error) {
	query := `
		UPDATE settlements SET
			payment_completed = TRUE,
			checkout_session_id = COALESCE(NULLIF($2, ''), checkout_session_id),
			customer_id = COALESCE(NULLIF($3, ''), customer_id),
			subscription_id = COALESCE(NULLIF($4, ''), subscription_id),
			updated_at = NOW()
		WHERE temporary_id = $1 AND payment_completed = FALSE
	`
	tag, err := r.db.Exec(ctx, query, temporaryID, corr.CheckoutSessionID, corr.CustomerID, corr.SubscriptionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// RepairSettlementFields writes cached-draft values into a paid row whose key
// fields came through empty. The guard keeps a fully populated row intact even
// if the recoverer fires redundantly.
func (r *PostgresRepository) RepairSettlementFields(ctx context.Context, temporaryID string, s *domain.Settlement) (bool, error) {
	query := `
		UPDATE settlements SET
			amount = CASE WHEN amount = 0 THEN $2 ELSE amount END,
			initial_offer = COALESCE($3, initial_offer),
			policy_limit = COALESCE($4, policy_limit),
			medical_expenses = COALESCE($5, medical_expenses),
			case_type = CASE WHEN case_type = '' THEN $6 ELSE case_type END,
			settlement_phase = CASE WHEN settlement_phase = '' THEN $7 ELSE settlement_phase END,
			description = CASE WHEN description = '' THEN $8 ELSE description END,
			attorney_name = CASE WHEN attorney_name = '' THEN $9 ELSE attorney_name END,
			attorney_email = CASE WHEN attorney_email = '' THEN $10 ELSE attorney_email END,
			firm_name = CASE WHEN firm_name = '' THEN $11 ELSE firm_name END,
			firm_website = CASE WHEN firm_website = '' THEN $12 ELSE firm_website END,
			location = CASE WHEN location = '' THEN $13 ELSE location END,
			updated_at = NOW()
		WHERE temporary_id = $1
			AND payment_completed = TRUE
			AND (amount = 0 OR attorney_name = '' OR case_type = '')
	`
	tag, err := r.db.Exec(ctx, query,
		temporaryID,
		s.Amount, s.InitialOffer, s.PolicyLimit, s.MedicalExpenses,
		s.CaseType, s.SettlementPhase, s.Description,
		s.AttorneyName, s.AttorneyEmail, s.FirmName, s.FirmWebsite, s.Location,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LinkSettlementUser assigns a user to the settlement matching the temporary
// id. The NULL guard makes redundant or racing link calls no-ops.
func (r *PostgresRepository) LinkSettlementUser(ctx context.Context, temporaryID, userID string) (bool, error) {
	query := `
		UPDATE settlements SET user_id = $2, updated_at = NOW()
		WHERE temporary_id = $1 AND user_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, temporaryID, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// LinkSettlementsByAttorneyEmail assigns a user to every ownerless settlement
// submitted under the given attorney email. Supports attorneys who submitted
// multiple settlements before ever creating an account.
func (r *PostgresRepository) LinkSettlementsByAttorneyEmail(ctx context.Context, attorneyEmail, userID string) (int64, error) {
	query := `
		UPDATE settlements SET user_id = $2, updated_at = NOW()
		WHERE LOWER(attorney_email) = LOWER($1) AND user_id IS NULL
	`
	tag, err := r.db.Exec(ctx, query, attorneyEmail, userID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ListVisibleSettlements returns the public gallery: paid, non-hidden rows
// ordered as a leaderboard.
func (r *PostgresRepository) ListVisibleSettlements(ctx context.Context, limit, offset int) ([]domain.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE payment_completed = TRUE AND hidden = FALSE
		ORDER BY amount DESC, created_at DESC
		LIMIT $1 OFFSET $2
	`
	return r.querySettlements(ctx, query, limit, offset)
}

// ListSettlementsByUser returns all settlements owned by a user, paid or not.
func (r *PostgresRepository) ListSettlementsByUser(ctx context.Context, userID string) ([]domain.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	return r.querySettlements(ctx, query, userID)
}

// CountPaidSettlementsByEmail counts paid settlements submitted under an
// attorney email, used to resolve a virtual subscription for users whose
// subscription row never materialized.
func (r *PostgresRepository) CountPaidSettlementsByEmail(ctx context.Context, attorneyEmail string) (int, error) {
	var count int
	query := `
		SELECT COUNT(*) FROM settlements
		WHERE LOWER(attorney_email) = LOWER($1) AND payment_completed = TRUE
	`
	if err := r.db.QueryRow(ctx, query, attorneyEmail).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// DeleteSettlementOwned hard-deletes a settlement, owner-only. This is the
// single deletion path in the system; nothing else removes rows.
func (r *PostgresRepository) DeleteSettlementOwned(ctx context.Context, id int64, userID string) (bool, error) {
	query := `DELETE FROM settlements WHERE id = $1 AND user_id = $2`
	tag, err := r.db.Exec(ctx, query, id, userID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// ListStaleUnpaidDrafts returns unpaid drafts with a recorded checkout session
// that have sat past the cutoff, candidates for the scheduled reconcile sweep.
func (r *PostgresRepository) ListStaleUnpaidDrafts(ctx context.Context, olderThan time.Time, limit int) ([]domain.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE payment_completed = FALSE
			AND checkout_session_id IS NOT NULL
			AND updated_at < $1
		ORDER BY updated_at ASC
		LIMIT $2
	`
	return r.querySettlements(ctx, query, olderThan, limit)
}

// ListPaidSettlementsForPhotoAudit returns visible paid rows for the photo
// audit sweep.
func (r *PostgresRepository) ListPaidSettlementsForPhotoAudit(ctx context.Context, limit int) ([]domain.Settlement, error) {
	query := `
		SELECT ` + settlementColumns + `
		FROM settlements
		WHERE payment_completed = TRUE AND hidden = FALSE
		ORDER BY id ASC
		LIMIT $1
	`
	return r.querySettlements(ctx, query, limit)
}

// SetSettlementHidden hides a settlement from the gallery. Hidden is set-only;
// no automated path clears it.
func (r *PostgresRepository) SetSettlementHidden(ctx context.Context, id int64) error {
	query := `UPDATE settlements SET hidden = TRUE, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id)
	return err
}

// SetSettlementPhotoURL records a resolved photo URL on a settlement.
func (r *PostgresRepository) SetSettlementPhotoURL(ctx context.Context, id int64, photoURL string) error {
	query := `UPDATE settlements SET photo_url = $2, updated_at = NOW() WHERE id = $1`
	_, err := r.db.Exec(ctx, query, id, photoURL)
	return err
}

func (r *PostgresRepository) querySettlements(ctx context.Context, query string, args ...interface{}) ([]domain.Settlement, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var settlements []domain.Settlement
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, err
		}
		settlements = append(settlements, *s)
	}
	return settlements, rows.Err()
}
