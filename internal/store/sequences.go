package store

import (
	"context"
	"fmt"
	"time"

	"github.com/foxzi/dripline/internal/model"
	"github.com/google/uuid"
)

// SequenceRepository stores sequences and their steps
type SequenceRepository struct {
	db *DB
}

// NewSequenceRepository creates a sequence repository
func NewSequenceRepository(db *DB) *SequenceRepository {
	return &SequenceRepository{db: db}
}

const stepColumns = `id, sequence_id, step_number, body, media, buttons, delay, active, campaign_tag, extra, created_at, updated_at`

// Upsert creates the tenant's sequence or updates its enabled flag
func (r *SequenceRepository) Upsert(ctx context.Context, spec model.SequenceSpec, now time.Time) (*model.Sequence, error) {
	now = utc(now)
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO sequences (id, tenant_id, enabled, created_by, updated_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_by = excluded.updated_by,
			updated_at = excluded.updated_at`),
		uuid.New().String(), spec.TenantID, spec.Enabled, spec.Actor, spec.Actor, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert sequence: %w", err)
	}
	return r.GetByTenant(ctx, spec.TenantID)
}

// Get returns a sequence by ID
func (r *SequenceRepository) Get(ctx context.Context, id string) (*model.Sequence, error) {
	seq := &model.Sequence{}
	err := r.db.GetContext(ctx, seq, r.db.Rebind(`SELECT * FROM sequences WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, model.NotFound("sequence", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, nil
}

// GetByTenant returns the tenant's sequence
func (r *SequenceRepository) GetByTenant(ctx context.Context, tenantID string) (*model.Sequence, error) {
	seq := &model.Sequence{}
	err := r.db.GetContext(ctx, seq, r.db.Rebind(`SELECT * FROM sequences WHERE tenant_id = ?`), tenantID)
	if isNoRows(err) {
		return nil, model.NotFound("sequence", "tenant:"+tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sequence: %w", err)
	}
	return seq, nil
}

// CreateStep inserts a step. A duplicate step number is a ValidationError.
func (r *SequenceRepository) CreateStep(ctx context.Context, step *model.Step) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO steps (`+stepColumns+`)
		VALUES (:id, :sequence_id, :step_number, :body, :media, :buttons, :delay, :active, :campaign_tag, :extra, :created_at, :updated_at)`,
		step,
	)
	if isUniqueViolation(err) {
		return model.Invalid("step_number", "step %d already exists in sequence", step.StepNumber)
	}
	if err != nil {
		return fmt.Errorf("failed to create step: %w", err)
	}
	return nil
}

// GetStep returns a step by ID
func (r *SequenceRepository) GetStep(ctx context.Context, id string) (*model.Step, error) {
	step := &model.Step{}
	err := r.db.GetContext(ctx, step, r.db.Rebind(`SELECT `+stepColumns+` FROM steps WHERE id = ?`), id)
	if isNoRows(err) {
		return nil, model.NotFound("step", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// ListSteps returns all steps of a sequence ordered by step number
func (r *SequenceRepository) ListSteps(ctx context.Context, sequenceID string) ([]model.Step, error) {
	steps := []model.Step{}
	err := r.db.SelectContext(ctx, &steps, r.db.Rebind(`
		SELECT `+stepColumns+` FROM steps WHERE sequence_id = ? ORDER BY step_number`), sequenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	return steps, nil
}

// ActiveSteps returns the active steps of a sequence ordered by step number
func (r *SequenceRepository) ActiveSteps(ctx context.Context, sequenceID string) ([]model.Step, error) {
	steps := []model.Step{}
	err := r.db.SelectContext(ctx, &steps, r.db.Rebind(`
		SELECT `+stepColumns+` FROM steps WHERE sequence_id = ? AND active = ? ORDER BY step_number`), sequenceID, true)
	if err != nil {
		return nil, fmt.Errorf("failed to list active steps: %w", err)
	}
	return steps, nil
}

// SetStepDelay stores a new delay on a step
func (r *SequenceRepository) SetStepDelay(ctx context.Context, id, delay string, now time.Time) error {
	return r.updateStep(ctx, id, `delay = ?, updated_at = ?`, delay, utc(now))
}

// SetStepActive toggles a step
func (r *SequenceRepository) SetStepActive(ctx context.Context, id string, active bool, now time.Time) error {
	return r.updateStep(ctx, id, `active = ?, updated_at = ?`, active, utc(now))
}

func (r *SequenceRepository) updateStep(ctx context.Context, id, set string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`UPDATE steps SET `+set+` WHERE id = ?`), append(args, id)...)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NotFound("step", id)
	}
	return nil
}

// StepWithSequence returns a step together with its sequence
func (r *SequenceRepository) StepWithSequence(ctx context.Context, stepID string) (*model.Step, *model.Sequence, error) {
	step, err := r.GetStep(ctx, stepID)
	if err != nil {
		return nil, nil, err
	}
	seq, err := r.Get(ctx, step.SequenceID)
	if err != nil {
		return nil, nil, err
	}
	return step, seq, nil
}
