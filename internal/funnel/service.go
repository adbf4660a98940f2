// Package funnel turns sequence definitions into per-recipient scheduled
// jobs and manages their lifecycle.
package funnel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/model"
	"github.com/foxzi/dripline/internal/store"
	"github.com/google/uuid"
)

// Options configures the funnel service
type Options struct {
	MaxButtons int
}

// Service implements enrollment, rescheduling and the due queue
type Service struct {
	sequences  *store.SequenceRepository
	jobs       *store.JobRepository
	clock      clock.Clock
	logger     *slog.Logger
	maxButtons int
}

// NewService creates a funnel service
func NewService(sequences *store.SequenceRepository, jobs *store.JobRepository, clk clock.Clock, logger *slog.Logger, opts Options) *Service {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxButtons <= 0 {
		opts.MaxButtons = 3
	}
	return &Service{
		sequences:  sequences,
		jobs:       jobs,
		clock:      clk,
		logger:     logger.With("component", "funnel"),
		maxButtons: opts.MaxButtons,
	}
}

// UpsertSequence creates the tenant's sequence or toggles it
func (s *Service) UpsertSequence(ctx context.Context, spec model.SequenceSpec) (*model.Sequence, error) {
	if err := model.Validate(spec); err != nil {
		return nil, err
	}
	return s.sequences.Upsert(ctx, spec, s.clock.Now())
}

// GetSequence returns a sequence by ID
func (s *Service) GetSequence(ctx context.Context, id string) (*model.Sequence, error) {
	return s.sequences.Get(ctx, id)
}

// AddStep validates and stores a new step
func (s *Service) AddStep(ctx context.Context, spec model.StepSpec) (*model.Step, error) {
	if err := model.Validate(spec); err != nil {
		return nil, err
	}
	if len(spec.Buttons) > s.maxButtons {
		return nil, model.Invalid("buttons", "at most %d buttons allowed, got %d", s.maxButtons, len(spec.Buttons))
	}
	delay, err := model.ParseDelay(spec.Delay)
	if err != nil {
		return nil, err
	}
	if _, err := s.sequences.Get(ctx, spec.SequenceID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	step := &model.Step{
		ID:          uuid.New().String(),
		SequenceID:  spec.SequenceID,
		StepNumber:  spec.StepNumber,
		Body:        spec.Body,
		Media:       spec.Media,
		Buttons:     spec.Buttons,
		Delay:       delay.String(),
		Active:      spec.Active,
		CampaignTag: spec.CampaignTag,
		Extra:       spec.Extra,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.sequences.CreateStep(ctx, step); err != nil {
		return nil, err
	}
	return step, nil
}

// ListSteps returns a sequence's steps ordered by step number
func (s *Service) ListSteps(ctx context.Context, sequenceID string) ([]model.Step, error) {
	if _, err := s.sequences.Get(ctx, sequenceID); err != nil {
		return nil, err
	}
	return s.sequences.ListSteps(ctx, sequenceID)
}

// SetStepActive enables or disables a step for future enrollments and
// for jobs not yet sent
func (s *Service) SetStepActive(ctx context.Context, stepID string, active bool) error {
	return s.sequences.SetStepActive(ctx, stepID, active, s.clock.Now())
}

// StepWithSequence loads a step and its sequence
func (s *Service) StepWithSequence(ctx context.Context, stepID string) (*model.Step, *model.Sequence, error) {
	return s.sequences.StepWithSequence(ctx, stepID)
}

// Enroll materializes one pending job per active step of the sequence,
// due at enrolledAt plus the step delay. A step whose delay cannot be
// converted is logged and skipped; the rest of the funnel is still created.
// A disabled sequence enrolls nothing.
func (s *Service) Enroll(ctx context.Context, tenantID, recipientID, sequenceID string, enrolledAt time.Time) ([]model.ScheduledJob, error) {
	if tenantID == "" {
		return nil, model.Invalid("tenant_id", "is required")
	}
	if recipientID == "" {
		return nil, model.Invalid("recipient_id", "is required")
	}

	seq, err := s.sequences.Get(ctx, sequenceID)
	if err != nil {
		return nil, err
	}
	if seq.TenantID != tenantID {
		return nil, model.Invalid("sequence_id", "sequence %s does not belong to tenant %s", sequenceID, tenantID)
	}
	if !seq.Enabled {
		s.logger.Debug("sequence disabled, nothing enrolled", "sequence_id", sequenceID, "recipient_id", recipientID)
		return []model.ScheduledJob{}, nil
	}

	steps, err := s.sequences.ActiveSteps(ctx, sequenceID)
	if err != nil {
		return nil, err
	}

	anchor := enrolledAt.UTC()
	now := s.clock.Now()
	jobs := make([]model.ScheduledJob, 0, len(steps))
	for _, step := range steps {
		dueAt, err := model.DueAt(anchor, step.Delay)
		if err != nil {
			s.logger.Warn("skipping step with malformed delay",
				"step_id", step.ID,
				"step_number", step.StepNumber,
				"delay", step.Delay,
				"error", err,
			)
			continue
		}
		jobs = append(jobs, model.ScheduledJob{
			ID:          uuid.New().String(),
			TenantID:    tenantID,
			RecipientID: recipientID,
			StepID:      step.ID,
			DueAt:       dueAt,
			Status:      model.JobPending,
			CreatedAt:   now,
		})
	}

	enrollment := &model.Enrollment{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		RecipientID: recipientID,
		SequenceID:  sequenceID,
		AnchorAt:    anchor,
		CreatedAt:   now,
	}
	restarted, err := s.jobs.Enroll(ctx, enrollment, jobs)
	if err != nil {
		return nil, err
	}

	s.logger.Info("recipient enrolled",
		"tenant_id", tenantID,
		"recipient_id", recipientID,
		"sequence_id", sequenceID,
		"jobs", len(jobs),
		"restarted", restarted,
	)
	return jobs, nil
}

// RescheduleForStep stores a new delay on the step and moves every job of
// that step still pending to anchor + newDelay. Jobs whose anchor cannot be
// resolved are logged and left as they are. Running it again with the same
// delay yields the same due times.
func (s *Service) RescheduleForStep(ctx context.Context, stepID, newDelay string) (int, error) {
	delay, err := model.ParseDelay(newDelay)
	if err != nil {
		return 0, err
	}
	dur, err := delay.Duration()
	if err != nil {
		return 0, err
	}

	if err := s.sequences.SetStepDelay(ctx, stepID, delay.String(), s.clock.Now()); err != nil {
		return 0, err
	}

	anchors, err := s.jobs.PendingForStep(ctx, stepID)
	if err != nil {
		return 0, err
	}

	affected := 0
	var errs []error
	for _, a := range anchors {
		if a.AnchorAt == nil {
			s.logger.Warn("funnel anchor not found, job left untouched",
				"job_id", a.JobID,
				"step_id", stepID,
				"recipient_id", a.RecipientID,
			)
			continue
		}
		ok, err := s.jobs.Reschedule(ctx, a.JobID, a.AnchorAt.Add(dur))
		if err != nil {
			s.logger.Error("failed to reschedule job", "job_id", a.JobID, "error", err)
			errs = append(errs, err)
			continue
		}
		if ok {
			affected++
		}
	}

	s.logger.Info("step rescheduled", "step_id", stepID, "delay", delay.String(), "affected", affected, "pending", len(anchors))
	return affected, errors.Join(errs...)
}

// FetchDue claims up to limit due jobs, oldest due first
func (s *Service) FetchDue(ctx context.Context, limit int) ([]model.ScheduledJob, error) {
	return s.jobs.ClaimDue(ctx, s.clock.Now(), limit)
}

// RecordOutcome moves a pending or claimed job to a terminal status.
// A job that already left pending yields a StaleTransitionError.
func (s *Service) RecordOutcome(ctx context.Context, jobID string, outcome model.JobOutcome) error {
	if !outcome.Status.Terminal() {
		return model.Invalid("outcome", "%q is not a terminal job status", outcome.Status)
	}
	err := s.jobs.Transition(ctx, jobID, outcome, s.clock.Now())
	if model.IsStaleTransition(err) {
		s.logger.Debug("ignoring stale job transition", "job_id", jobID, "error", err)
	}
	return err
}

// ReleaseJob returns a claimed job to the queue without an outcome
func (s *Service) ReleaseJob(ctx context.Context, jobID string) error {
	return s.jobs.Release(ctx, jobID)
}

// RequeueStale returns jobs claimed longer than olderThan ago to pending
func (s *Service) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := s.jobs.RequeueStale(ctx, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("requeued stale jobs", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// CancelRecipient cancels all pending jobs of a recipient
func (s *Service) CancelRecipient(ctx context.Context, tenantID, recipientID, reason string) (int64, error) {
	if reason == "" {
		reason = "cancelled"
	}
	n, err := s.jobs.CancelRecipient(ctx, tenantID, recipientID, reason)
	if err != nil {
		return 0, err
	}
	s.logger.Info("recipient jobs cancelled", "tenant_id", tenantID, "recipient_id", recipientID, "count", n, "reason", reason)
	return n, nil
}

// PurgeRecipient deletes all jobs and enrollments of a recipient
func (s *Service) PurgeRecipient(ctx context.Context, tenantID, recipientID string) (int64, error) {
	return s.jobs.PurgeRecipient(ctx, tenantID, recipientID)
}

// JobsForRecipient lists a recipient's jobs
func (s *Service) JobsForRecipient(ctx context.Context, tenantID, recipientID string) ([]model.ScheduledJob, error) {
	return s.jobs.ListForRecipient(ctx, tenantID, recipientID)
}
