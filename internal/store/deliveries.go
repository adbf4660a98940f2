package store

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/jmoiron/sqlx"
)

// DeliveryRepository stores per-recipient campaign delivery records
type DeliveryRepository struct {
	db *DB
}

// NewDeliveryRepository creates a delivery repository
func NewDeliveryRepository(db *DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

const deliveryColumns = `id, campaign_id, tenant_id, recipient_id, address, status, claimed_at, sent_at, delivered_at, error, provider_message_id, created_at`

// Get returns a delivery record by ID
func (r *DeliveryRepository) Get(ctx context.Context, id string) (*model.DeliveryRecord, error) {
	d := &model.DeliveryRecord{}
	err := r.db.GetContext(ctx, d, r.db.Rebind(`SELECT `+deliveryColumns+` FROM delivery_records WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, model.NotFound("delivery", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery: %w", err)
	}
	return d, nil
}

// ListByCampaign returns a campaign's records ordered by recipient
func (r *DeliveryRepository) ListByCampaign(ctx context.Context, campaignID string) ([]model.DeliveryRecord, error) {
	records := []model.DeliveryRecord{}
	err := r.db.SelectContext(ctx, &records, r.db.Rebind(`
		SELECT `+deliveryColumns+` FROM delivery_records WHERE campaign_id = ? ORDER BY recipient_id`), campaignID)
	if err != nil {
		return nil, fmt.Errorf("failed to list deliveries: %w", err)
	}
	return records, nil
}

// ClaimPending moves up to limit pending records of sending campaigns to
// in_flight and returns the rows this call changed, oldest first.
func (r *DeliveryRepository) ClaimPending(ctx context.Context, now time.Time, limit int) ([]model.DeliveryRecord, error) {
	records := []model.DeliveryRecord{}
	if limit <= 0 {
		return records, nil
	}
	now = utc(now)

	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		ids := []string{}
		err := tx.SelectContext(ctx, &ids, tx.Rebind(`
			UPDATE delivery_records SET status = ?, claimed_at = ?
			WHERE id IN (
				SELECT d.id FROM delivery_records d
				JOIN campaigns c ON c.id = d.campaign_id
				WHERE d.status = ? AND c.status = ?
				ORDER BY d.created_at, d.id
				LIMIT ?`+r.db.lockClause("d")+`
			) AND status = ?
			RETURNING id`),
			model.DeliveryInFlight, now, model.DeliveryPending, model.CampaignSending, limit, model.DeliveryPending)
		if err != nil {
			return fmt.Errorf("failed to claim deliveries: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`SELECT `+deliveryColumns+` FROM delivery_records WHERE id IN (?) ORDER BY created_at, id`, ids)
		if err != nil {
			return err
		}
		return tx.SelectContext(ctx, &records, tx.Rebind(query), args...)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// Transition records a terminal outcome for a pending or in_flight record
func (r *DeliveryRepository) Transition(ctx context.Context, id string, outcome model.DeliveryOutcome, now time.Time) error {
	now = utc(now)
	var sentAt, deliveredAt *time.Time
	switch outcome.Status {
	case model.DeliverySent:
		sentAt = &now
	case model.DeliveryDelivered:
		sentAt = &now
		deliveredAt = &now
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE delivery_records
		SET status = ?, sent_at = ?, delivered_at = ?, error = ?, provider_message_id = ?
		WHERE id = ? AND status IN (?, ?)`),
		outcome.Status, sentAt, deliveredAt, outcome.Reason, outcome.ProviderMessageID,
		id, model.DeliveryPending, model.DeliveryInFlight)
	if err != nil {
		return fmt.Errorf("failed to record delivery outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, id, string(outcome.Status))
	}
	return nil
}

// Release returns a claimed record to pending
func (r *DeliveryRepository) Release(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE delivery_records SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`),
		model.DeliveryPending, id, model.DeliveryInFlight)
	if err != nil {
		return fmt.Errorf("failed to release delivery: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, id, string(model.DeliveryPending))
	}
	return nil
}

// RequeueStale returns records claimed before cutoff to pending
func (r *DeliveryRepository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE delivery_records SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`),
		model.DeliveryPending, model.DeliveryInFlight, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale deliveries: %w", err)
	}
	return res.RowsAffected()
}

// Counts returns per-status totals for a campaign
func (r *DeliveryRepository) Counts(ctx context.Context, campaignID string) (model.DeliveryCounts, error) {
	var counts model.DeliveryCounts
	err := r.db.GetContext(ctx, &counts, r.db.Rebind(`
		SELECT
			COALESCE(SUM(CASE WHEN status = 'pending' THEN 1 ELSE 0 END), 0) AS pending,
			COALESCE(SUM(CASE WHEN status = 'in_flight' THEN 1 ELSE 0 END), 0) AS in_flight,
			COALESCE(SUM(CASE WHEN status = 'sent' THEN 1 ELSE 0 END), 0) AS sent,
			COALESCE(SUM(CASE WHEN status = 'delivered' THEN 1 ELSE 0 END), 0) AS delivered,
			COALESCE(SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END), 0) AS failed,
			COALESCE(SUM(CASE WHEN status = 'blocked' THEN 1 ELSE 0 END), 0) AS blocked
		FROM delivery_records WHERE campaign_id = ?`), campaignID)
	if err != nil {
		return counts, fmt.Errorf("failed to count deliveries: %w", err)
	}
	return counts, nil
}

// CountByStatus returns delivery totals per status across campaigns
func (r *DeliveryRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, r.db, "delivery_records")
}

func (r *DeliveryRepository) staleOrMissing(ctx context.Context, id, target string) error {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM delivery_records WHERE id = ?`), id)
	if isNoRows(err) {
		return model.NotFound("delivery", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get delivery status: %w", err)
	}
	return &model.StaleTransitionError{Entity: "delivery", ID: id, Status: status, Target: target}
}
