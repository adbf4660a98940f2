package store

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// CampaignRepository stores campaigns and takes recipient snapshots
type CampaignRepository struct {
	db *DB
}

// NewCampaignRepository creates a campaign repository
func NewCampaignRepository(db *DB) *CampaignRepository {
	return &CampaignRepository{db: db}
}

const campaignColumns = `id, tenant_id, text, media, button_text, button_url, kind, scheduled_at, status,
	recipient_count, sent_count, delivered_count, failed_count, blocked_count,
	created_by, created_at, started_at, completed_at`

// Create inserts a campaign
func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO campaigns (`+campaignColumns+`)
		VALUES (:id, :tenant_id, :text, :media, :button_text, :button_url, :kind, :scheduled_at, :status,
			:recipient_count, :sent_count, :delivered_count, :failed_count, :blocked_count,
			:created_by, :created_at, :started_at, :completed_at)`, c)
	if err != nil {
		return fmt.Errorf("failed to create campaign: %w", err)
	}
	return nil
}

// Get returns a campaign by ID
func (r *CampaignRepository) Get(ctx context.Context, id string) (*model.Campaign, error) {
	c := &model.Campaign{}
	err := r.db.GetContext(ctx, c, r.db.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, model.NotFound("campaign", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return c, nil
}

// List returns a tenant's campaigns, newest first
func (r *CampaignRepository) List(ctx context.Context, tenantID string, limit int) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE tenant_id = ? ORDER BY created_at DESC, id`
	args := []any{tenantID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	campaigns := []model.Campaign{}
	if err := r.db.SelectContext(ctx, &campaigns, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list campaigns: %w", err)
	}
	return campaigns, nil
}

// Due returns scheduled drafts whose time has come
func (r *CampaignRepository) Due(ctx context.Context, now time.Time) ([]model.Campaign, error) {
	campaigns := []model.Campaign{}
	err := r.db.SelectContext(ctx, &campaigns, r.db.Rebind(`
		SELECT `+campaignColumns+` FROM campaigns
		WHERE kind = ? AND status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at, id`),
		model.CampaignScheduled, model.CampaignDraft, utc(now))
	if err != nil {
		return nil, fmt.Errorf("failed to list due campaigns: %w", err)
	}
	return campaigns, nil
}

// Upcoming returns scheduled drafts not yet due. An empty tenantID lists all tenants.
func (r *CampaignRepository) Upcoming(ctx context.Context, tenantID string, now time.Time) ([]model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE kind = ? AND status = ? AND scheduled_at > ?`
	args := []any{model.CampaignScheduled, model.CampaignDraft, utc(now)}
	if tenantID != "" {
		query += " AND tenant_id = ?"
		args = append(args, tenantID)
	}
	query += " ORDER BY scheduled_at, id"

	campaigns := []model.Campaign{}
	if err := r.db.SelectContext(ctx, &campaigns, r.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list upcoming campaigns: %w", err)
	}
	return campaigns, nil
}

// Start snapshots eligible recipients into delivery records and moves the
// campaign out of draft, all in one transaction. check runs against the
// locked row before anything is written. A campaign with no eligible
// recipients is completed immediately.
func (r *CampaignRepository) Start(ctx context.Context, id string, now time.Time, check func(*model.Campaign) error) (*model.Campaign, error) {
	now = utc(now)
	var started *model.Campaign

	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		c := &model.Campaign{}
		err := tx.GetContext(ctx, c, tx.Rebind(`SELECT `+campaignColumns+` FROM campaigns WHERE id = ?`+r.db.forUpdate()), id)
		if isNoRows(err) {
			return model.NotFound("campaign", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get campaign: %w", err)
		}
		if err := check(c); err != nil {
			return err
		}

		subs, err := eligible(ctx, tx, c.TenantID)
		if err != nil {
			return err
		}

		stmt, err := tx.PreparexContext(ctx, tx.Rebind(`
			INSERT INTO delivery_records (id, campaign_id, tenant_id, recipient_id, address, status, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (campaign_id, recipient_id) DO NOTHING`))
		if err != nil {
			return fmt.Errorf("failed to prepare snapshot insert: %w", err)
		}
		defer stmt.Close()

		for _, s := range subs {
			if _, err := stmt.ExecContext(ctx, uuid.New().String(), c.ID, c.TenantID, s.RecipientID, s.Address, model.DeliveryPending, now); err != nil {
				return fmt.Errorf("failed to create delivery record: %w", err)
			}
		}

		var count int
		if err := tx.GetContext(ctx, &count, tx.Rebind(`SELECT COUNT(*) FROM delivery_records WHERE campaign_id = ?`), c.ID); err != nil {
			return fmt.Errorf("failed to count delivery records: %w", err)
		}

		status := model.CampaignSending
		var completedAt *time.Time
		if count == 0 {
			status = model.CampaignCompleted
			completedAt = &now
		}

		res, err := tx.ExecContext(ctx, tx.Rebind(`
			UPDATE campaigns SET status = ?, recipient_count = ?, started_at = ?, completed_at = ?
			WHERE id = ? AND status = ?`),
			status, count, now, completedAt, c.ID, model.CampaignDraft)
		if err != nil {
			return fmt.Errorf("failed to start campaign: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.StaleTransitionError{Entity: "campaign", ID: c.ID, Status: string(c.Status), Target: string(status)}
		}

		c.Status = status
		c.RecipientCount = count
		c.StartedAt = &now
		c.CompletedAt = completedAt
		started = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return started, nil
}

// Cancel moves a draft or sending campaign to cancelled
func (r *CampaignRepository) Cancel(ctx context.Context, id string, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`),
		model.CampaignCancelled, utc(now), id, model.CampaignDraft, model.CampaignSending)
	if err != nil {
		return fmt.Errorf("failed to cancel campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, id, string(model.CampaignCancelled))
	}
	return nil
}

// UpdateCounters overwrites the campaign counters with recomputed totals
func (r *CampaignRepository) UpdateCounters(ctx context.Context, id string, counts model.DeliveryCounts) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET sent_count = ?, delivered_count = ?, failed_count = ?, blocked_count = ?
		WHERE id = ?`),
		counts.Sent+counts.Delivered, counts.Delivered, counts.Failed, counts.Blocked, id)
	if err != nil {
		return fmt.Errorf("failed to update campaign counters: %w", err)
	}
	return nil
}

// Finish moves a sending campaign to completed or failed
func (r *CampaignRepository) Finish(ctx context.Context, id string, status model.CampaignStatus, now time.Time) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE campaigns SET status = ?, completed_at = ? WHERE id = ? AND status = ?`),
		status, utc(now), id, model.CampaignSending)
	if err != nil {
		return fmt.Errorf("failed to finish campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.staleOrMissing(ctx, id, string(status))
	}
	return nil
}

// Completable returns IDs of sending campaigns with no outstanding deliveries
func (r *CampaignRepository) Completable(ctx context.Context) ([]string, error) {
	ids := []string{}
	err := r.db.SelectContext(ctx, &ids, r.db.Rebind(`
		SELECT c.id FROM campaigns c
		WHERE c.status = ? AND NOT EXISTS (
			SELECT 1 FROM delivery_records d
			WHERE d.campaign_id = c.id AND d.status IN (?, ?)
		)
		ORDER BY c.started_at, c.id`),
		model.CampaignSending, model.DeliveryPending, model.DeliveryInFlight)
	if err != nil {
		return nil, fmt.Errorf("failed to list completable campaigns: %w", err)
	}
	return ids, nil
}

func (r *CampaignRepository) staleOrMissing(ctx context.Context, id, target string) error {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM campaigns WHERE id = ?`), id)
	if isNoRows(err) {
		return model.NotFound("campaign", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get campaign status: %w", err)
	}
	return &model.StaleTransitionError{Entity: "campaign", ID: id, Status: status, Target: target}
}
