package store

import (
	"context"
	"fmt"
	"strings"
)

// Migrate creates tables and indexes if they do not exist
func (db *DB) Migrate(ctx context.Context) error {
	migrations := []string{
		migrationSequences,
		migrationSteps,
		migrationSubscribers,
		migrationEnrollments,
		migrationScheduledJobs,
		migrationScheduledJobsIndexes,
		migrationCampaigns,
		migrationDeliveryRecords,
		migrationDeliveryRecordsIndexes,
	}

	for _, m := range migrations {
		if db.driver == DriverPostgres {
			m = strings.ReplaceAll(m, " TIMESTAMP", " TIMESTAMPTZ")
		}
		for _, stmt := range strings.Split(m, ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
		}
	}

	return nil
}

const migrationSequences = `
CREATE TABLE IF NOT EXISTS sequences (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL UNIQUE,
    enabled BOOLEAN NOT NULL DEFAULT FALSE,
    created_by TEXT NOT NULL DEFAULT '',
    updated_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

const migrationSteps = `
CREATE TABLE IF NOT EXISTS steps (
    id TEXT PRIMARY KEY,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    step_number INTEGER NOT NULL,
    body TEXT NOT NULL DEFAULT '',
    media TEXT NOT NULL DEFAULT '',
    buttons TEXT NOT NULL DEFAULT '[]',
    delay TEXT NOT NULL DEFAULT '0',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    campaign_tag TEXT NOT NULL DEFAULT '',
    extra TEXT NOT NULL DEFAULT '{}',
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    UNIQUE (sequence_id, step_number)
);
`

const migrationSubscribers = `
CREATE TABLE IF NOT EXISTS subscribers (
    tenant_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    active BOOLEAN NOT NULL DEFAULT TRUE,
    blocked BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, recipient_id)
);
`

const migrationEnrollments = `
CREATE TABLE IF NOT EXISTS funnel_enrollments (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    sequence_id TEXT NOT NULL REFERENCES sequences(id) ON DELETE CASCADE,
    anchor_at TIMESTAMP NOT NULL,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (sequence_id, recipient_id)
);
`

const migrationScheduledJobs = `
CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    step_id TEXT NOT NULL REFERENCES steps(id) ON DELETE CASCADE,
    enrollment_id TEXT REFERENCES funnel_enrollments(id) ON DELETE SET NULL,
    due_at TIMESTAMP NOT NULL,
    status TEXT NOT NULL DEFAULT 'pending',
    claimed_at TIMESTAMP,
    sent_at TIMESTAMP,
    error TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL
);
`

const migrationScheduledJobsIndexes = `
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_status_due ON scheduled_jobs(status, due_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_tenant ON scheduled_jobs(tenant_id, status, due_at);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_recipient ON scheduled_jobs(tenant_id, recipient_id, status);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_step ON scheduled_jobs(step_id, status);
CREATE INDEX IF NOT EXISTS idx_scheduled_jobs_enrollment ON scheduled_jobs(enrollment_id);
`

const migrationCampaigns = `
CREATE TABLE IF NOT EXISTS campaigns (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    text TEXT NOT NULL DEFAULT '',
    media TEXT NOT NULL DEFAULT '',
    button_text TEXT NOT NULL DEFAULT '',
    button_url TEXT NOT NULL DEFAULT '',
    kind TEXT NOT NULL,
    scheduled_at TIMESTAMP,
    status TEXT NOT NULL DEFAULT 'draft',
    recipient_count INTEGER NOT NULL DEFAULT 0,
    sent_count INTEGER NOT NULL DEFAULT 0,
    delivered_count INTEGER NOT NULL DEFAULT 0,
    failed_count INTEGER NOT NULL DEFAULT 0,
    blocked_count INTEGER NOT NULL DEFAULT 0,
    created_by TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    completed_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_campaigns_tenant_status ON campaigns(tenant_id, status, scheduled_at);
`

const migrationDeliveryRecords = `
CREATE TABLE IF NOT EXISTS delivery_records (
    id TEXT PRIMARY KEY,
    campaign_id TEXT NOT NULL REFERENCES campaigns(id) ON DELETE CASCADE,
    tenant_id TEXT NOT NULL,
    recipient_id TEXT NOT NULL,
    address TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'pending',
    claimed_at TIMESTAMP,
    sent_at TIMESTAMP,
    delivered_at TIMESTAMP,
    error TEXT NOT NULL DEFAULT '',
    provider_message_id TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    UNIQUE (campaign_id, recipient_id)
);
`

const migrationDeliveryRecordsIndexes = `
CREATE INDEX IF NOT EXISTS idx_delivery_records_status ON delivery_records(status, created_at);
CREATE INDEX IF NOT EXISTS idx_delivery_records_campaign ON delivery_records(campaign_id, status);
`
