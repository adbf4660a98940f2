package store

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/jmoiron/sqlx"
)

// JobRepository stores funnel enrollments and scheduled jobs
type JobRepository struct {
	db *DB
}

// NewJobRepository creates a job repository
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, tenant_id, recipient_id, step_id, enrollment_id, due_at, status, claimed_at, sent_at, error, created_at`

// JobAnchor pairs a pending job with its enrollment anchor time
type JobAnchor struct {
	JobID       string     `db:"id"`
	RecipientID string     `db:"recipient_id"`
	AnchorAt    *time.Time `db:"anchor_at"`
}

// Enroll stores the enrollment anchor and its jobs in one transaction.
// If the recipient was already enrolled in the sequence, the anchor moves
// and the old enrollment's pending jobs are cancelled.
func (r *JobRepository) Enroll(ctx context.Context, e *model.Enrollment, jobs []model.ScheduledJob) (restarted bool, err error) {
	err = r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		var existingID string
		err := tx.GetContext(ctx, &existingID, tx.Rebind(`
			SELECT id FROM funnel_enrollments WHERE sequence_id = ? AND recipient_id = ?`+r.db.forUpdate()),
			e.SequenceID, e.RecipientID)

		switch {
		case isNoRows(err):
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO funnel_enrollments (id, tenant_id, recipient_id, sequence_id, anchor_at, created_at)
				VALUES (:id, :tenant_id, :recipient_id, :sequence_id, :anchor_at, :created_at)`, e); err != nil {
				return fmt.Errorf("failed to create enrollment: %w", err)
			}
		case err != nil:
			return fmt.Errorf("failed to look up enrollment: %w", err)
		default:
			restarted = true
			e.ID = existingID
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE funnel_enrollments SET anchor_at = ?, tenant_id = ? WHERE id = ?`),
				utc(e.AnchorAt), e.TenantID, e.ID); err != nil {
				return fmt.Errorf("failed to move enrollment anchor: %w", err)
			}
			if _, err := tx.ExecContext(ctx, tx.Rebind(`
				UPDATE scheduled_jobs SET status = ?, error = ? WHERE enrollment_id = ? AND status = ?`),
				model.JobCancelled, "re-enrolled", e.ID, model.JobPending); err != nil {
				return fmt.Errorf("failed to cancel previous jobs: %w", err)
			}
		}

		for i := range jobs {
			jobs[i].EnrollmentID = &e.ID
			if _, err := tx.NamedExecContext(ctx, `
				INSERT INTO scheduled_jobs (`+jobColumns+`)
				VALUES (:id, :tenant_id, :recipient_id, :step_id, :enrollment_id, :due_at, :status, :claimed_at, :sent_at, :error, :created_at)`,
				&jobs[i]); err != nil {
				return fmt.Errorf("failed to create job: %w", err)
			}
		}
		return nil
	})
	return restarted, err
}

// Get returns a job by ID
func (r *JobRepository) Get(ctx context.Context, id string) (*model.ScheduledJob, error) {
	job := &model.ScheduledJob{}
	err := r.db.GetContext(ctx, job, r.db.Rebind(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, model.NotFound("job", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ListForRecipient returns a recipient's jobs ordered by due time
func (r *JobRepository) ListForRecipient(ctx context.Context, tenantID, recipientID string) ([]model.ScheduledJob, error) {
	jobs := []model.ScheduledJob{}
	err := r.db.SelectContext(ctx, &jobs, r.db.Rebind(`
		SELECT `+jobColumns+` FROM scheduled_jobs
		WHERE tenant_id = ? AND recipient_id = ?
		ORDER BY due_at, id`), tenantID, recipientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return jobs, nil
}

// PendingForStep returns the step's pending jobs with their anchors.
// AnchorAt is nil when the enrollment no longer exists.
func (r *JobRepository) PendingForStep(ctx context.Context, stepID string) ([]JobAnchor, error) {
	anchors := []JobAnchor{}
	err := r.db.SelectContext(ctx, &anchors, r.db.Rebind(`
		SELECT j.id, j.recipient_id, e.anchor_at
		FROM scheduled_jobs j
		LEFT JOIN funnel_enrollments e ON e.id = j.enrollment_id
		WHERE j.step_id = ? AND j.status = ?
		ORDER BY j.id`), stepID, model.JobPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending jobs for step: %w", err)
	}
	return anchors, nil
}

// Reschedule moves a job's due time if it is still pending
func (r *JobRepository) Reschedule(ctx context.Context, id string, dueAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scheduled_jobs SET due_at = ? WHERE id = ? AND status = ?`),
		utc(dueAt), id, model.JobPending)
	if err != nil {
		return false, fmt.Errorf("failed to reschedule job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimDue moves up to limit due jobs from pending to in_flight and returns
// exactly the rows this call changed, oldest due first.
func (r *JobRepository) ClaimDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledJob, error) {
	jobs := []model.ScheduledJob{}
	if limit <= 0 {
		return jobs, nil
	}
	now = utc(now)

	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		ids := []string{}
		err := tx.SelectContext(ctx, &ids, tx.Rebind(`
			UPDATE scheduled_jobs SET status = ?, claimed_at = ?
			WHERE id IN (
				SELECT id FROM scheduled_jobs
				WHERE status = ? AND due_at <= ?
				ORDER BY due_at, id
				LIMIT ?`+r.db.lockClause()+`
			) AND status = ?
			RETURNING id`),
			model.JobInFlight, now, model.JobPending, now, limit, model.JobPending)
		if err != nil {
			return fmt.Errorf("failed to claim due jobs: %w", err)
		}
		if len(ids) == 0 {
			return nil
		}

		query, args, err := sqlx.In(`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id IN (?) ORDER BY due_at, id`, ids)
		if err != nil {
			return err
		}
		return tx.SelectContext(ctx, &jobs, tx.Rebind(query), args...)
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Transition records a terminal outcome. Only pending or in_flight jobs move;
// anything else yields a StaleTransitionError and leaves the row untouched.
func (r *JobRepository) Transition(ctx context.Context, id string, outcome model.JobOutcome, now time.Time) error {
	var sentAt *time.Time
	if outcome.Status == model.JobSent {
		t := utc(now)
		sentAt = &t
	}

	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scheduled_jobs SET status = ?, sent_at = ?, error = ?
		WHERE id = ? AND status IN (?, ?)`),
		outcome.Status, sentAt, outcome.Reason, id, model.JobPending, model.JobInFlight)
	if err != nil {
		return fmt.Errorf("failed to record job outcome: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.staleOrMissing(ctx, id, string(outcome.Status))
	}
	return nil
}

// Release returns a claimed job to pending
func (r *JobRepository) Release(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scheduled_jobs SET status = ?, claimed_at = NULL WHERE id = ? AND status = ?`),
		model.JobPending, id, model.JobInFlight)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return r.staleOrMissing(ctx, id, string(model.JobPending))
	}
	return nil
}

// RequeueStale returns jobs claimed before cutoff to pending
func (r *JobRepository) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scheduled_jobs SET status = ?, claimed_at = NULL WHERE status = ? AND claimed_at < ?`),
		model.JobPending, model.JobInFlight, utc(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// CancelRecipient cancels every pending job of a recipient
func (r *JobRepository) CancelRecipient(ctx context.Context, tenantID, recipientID, reason string) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE scheduled_jobs SET status = ?, error = ?
		WHERE tenant_id = ? AND recipient_id = ? AND status = ?`),
		model.JobCancelled, reason, tenantID, recipientID, model.JobPending)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel recipient jobs: %w", err)
	}
	return res.RowsAffected()
}

// PurgeRecipient deletes a recipient's jobs and enrollments
func (r *JobRepository) PurgeRecipient(ctx context.Context, tenantID, recipientID string) (int64, error) {
	var deleted int64
	err := r.db.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM scheduled_jobs WHERE tenant_id = ? AND recipient_id = ?`), tenantID, recipientID)
		if err != nil {
			return fmt.Errorf("failed to delete jobs: %w", err)
		}
		if deleted, err = res.RowsAffected(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM funnel_enrollments WHERE tenant_id = ? AND recipient_id = ?`), tenantID, recipientID); err != nil {
			return fmt.Errorf("failed to delete enrollments: %w", err)
		}
		return nil
	})
	return deleted, err
}

// CountByStatus returns job totals per status
func (r *JobRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	return countByStatus(ctx, r.db, "scheduled_jobs")
}

func (r *JobRepository) staleOrMissing(ctx context.Context, id, target string) error {
	var status string
	err := r.db.GetContext(ctx, &status, r.db.Rebind(`SELECT status FROM scheduled_jobs WHERE id = ?`), id)
	if isNoRows(err) {
		return model.NotFound("job", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get job status: %w", err)
	}
	return &model.StaleTransitionError{Entity: "job", ID: id, Status: status, Target: target}
}

type statusCount struct {
	Status string `db:"status"`
	N      int64  `db:"n"`
}

func countByStatus(ctx context.Context, db *DB, table string) (map[string]int64, error) {
	rows := []statusCount{}
	if err := db.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM `+table+` GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to count %s: %w", table, err)
	}
	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}
