package store

import (
	"context"
	"fmt"
	"time"
)

// OutcomeRow is the minimal per-item state the aggregator reads
type OutcomeRow struct {
	Status string     `db:"status"`
	Base   time.Time  `db:"base"`
	SentAt *time.Time `db:"sent_at"`
}

// StreamStepOutcomes calls fn for every job of a step. Base is the due time.
func (r *JobRepository) StreamStepOutcomes(ctx context.Context, stepID string, fn func(OutcomeRow)) error {
	return stream(ctx, r.db, `SELECT status, due_at AS base, sent_at FROM scheduled_jobs WHERE step_id = ?`, stepID, fn)
}

// StreamCampaignOutcomes calls fn for every record of a campaign. Base is
// the snapshot time.
func (r *DeliveryRepository) StreamCampaignOutcomes(ctx context.Context, campaignID string, fn func(OutcomeRow)) error {
	return stream(ctx, r.db, `SELECT status, created_at AS base, sent_at FROM delivery_records WHERE campaign_id = ?`, campaignID, fn)
}

func stream(ctx context.Context, db *DB, query, id string, fn func(OutcomeRow)) error {
	rows, err := db.QueryxContext(ctx, db.Rebind(query), id)
	if err != nil {
		return fmt.Errorf("failed to read outcomes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row OutcomeRow
		if err := rows.StructScan(&row); err != nil {
			return fmt.Errorf("failed to scan outcome: %w", err)
		}
		fn(row)
	}
	return rows.Err()
}
