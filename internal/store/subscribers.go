package store

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/jmoiron/sqlx"
)

// SubscriberRepository mirrors recipient eligibility from the subscriber lifecycle
type SubscriberRepository struct {
	db *DB
}

// NewSubscriberRepository creates a subscriber repository
func NewSubscriberRepository(db *DB) *SubscriberRepository {
	return &SubscriberRepository{db: db}
}

// Upsert creates or updates a subscriber. The blocked flag is kept.
func (r *SubscriberRepository) Upsert(ctx context.Context, spec model.SubscriberSpec, now time.Time) (*model.Subscriber, error) {
	now = utc(now)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO subscribers (tenant_id, recipient_id, address, active, blocked, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, recipient_id) DO UPDATE SET
			address = excluded.address,
			active = excluded.active,
			updated_at = excluded.updated_at`),
		spec.TenantID, spec.RecipientID, spec.Address, spec.Active, false, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert subscriber: %w", err)
	}
	return r.Get(ctx, spec.TenantID, spec.RecipientID)
}

// Get returns a subscriber
func (r *SubscriberRepository) Get(ctx context.Context, tenantID, recipientID string) (*model.Subscriber, error) {
	sub := &model.Subscriber{}
	err := r.db.GetContext(ctx, sub, r.db.Rebind(`
		SELECT * FROM subscribers WHERE tenant_id = ? AND recipient_id = ?`), tenantID, recipientID)
	if isNoRows(err) {
		return nil, model.NotFound("subscriber", tenantID+"/"+recipientID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscriber: %w", err)
	}
	return sub, nil
}

// MarkBlocked flags a subscriber that refused delivery
func (r *SubscriberRepository) MarkBlocked(ctx context.Context, tenantID, recipientID string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE subscribers SET blocked = ?, updated_at = ? WHERE tenant_id = ? AND recipient_id = ?`),
		true, utc(now), tenantID, recipientID,
	)
	if err != nil {
		return fmt.Errorf("failed to block subscriber: %w", err)
	}
	return nil
}

// eligible returns the tenant's active, unblocked subscribers with an address
func eligible(ctx context.Context, q sqlx.ExtContext, tenantID string) ([]model.Subscriber, error) {
	subs := []model.Subscriber{}
	err := sqlx.SelectContext(ctx, q, &subs, q.Rebind(`
		SELECT * FROM subscribers
		WHERE tenant_id = ? AND active = ? AND blocked = ? AND address <> ''
		ORDER BY recipient_id`), tenantID, true, false)
	if err != nil {
		return nil, fmt.Errorf("failed to select eligible subscribers: %w", err)
	}
	return subs, nil
}

// Eligible returns the subscribers a campaign started now would reach
func (r *SubscriberRepository) Eligible(ctx context.Context, tenantID string) ([]model.Subscriber, error) {
	return eligible(ctx, r.db, tenantID)
}
