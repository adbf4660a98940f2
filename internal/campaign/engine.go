// Package campaign runs mass broadcasts: creation, recipient snapshot at
// start, the pending-delivery queue and completion.
package campaign

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/model"
	"github.com/foxzi/dripline/internal/store"
	"github.com/google/uuid"
)

// Engine implements the campaign lifecycle
type Engine struct {
	campaigns   *store.CampaignRepository
	deliveries  *store.DeliveryRepository
	subscribers *store.SubscriberRepository
	clock       clock.Clock
	logger      *slog.Logger
}

// NewEngine creates a campaign engine
func NewEngine(campaigns *store.CampaignRepository, deliveries *store.DeliveryRepository, subscribers *store.SubscriberRepository, clk clock.Clock, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{
		campaigns:   campaigns,
		deliveries:  deliveries,
		subscribers: subscribers,
		clock:       clk,
		logger:      logger.With("component", "campaign"),
	}
}

// CreateCampaign validates the input and stores a draft
func (e *Engine) CreateCampaign(ctx context.Context, spec model.CampaignSpec) (*model.Campaign, error) {
	if err := model.Validate(spec); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		ID:        uuid.New().String(),
		TenantID:  spec.TenantID,
		Text:      spec.Text,
		Media:     spec.Media,
		Kind:      spec.Kind,
		Status:    model.CampaignDraft,
		CreatedBy: spec.CreatedBy,
		CreatedAt: e.clock.Now(),
	}
	if spec.Button != nil {
		c.ButtonText = spec.Button.Text
		c.ButtonURL = spec.Button.URL
	}
	if spec.Kind == model.CampaignScheduled {
		at := spec.ScheduledAt.UTC()
		c.ScheduledAt = &at
	}

	if err := e.campaigns.Create(ctx, c); err != nil {
		return nil, err
	}

	e.logger.Info("campaign created", "campaign_id", c.ID, "tenant_id", c.TenantID, "kind", c.Kind)
	return c, nil
}

// GetCampaign returns a campaign by ID
func (e *Engine) GetCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	return e.campaigns.Get(ctx, id)
}

// ListCampaigns returns a tenant's campaigns, newest first
func (e *Engine) ListCampaigns(ctx context.Context, tenantID string, limit int) ([]model.Campaign, error) {
	return e.campaigns.List(ctx, tenantID, limit)
}

// StartCampaign snapshots the tenant's eligible recipients into pending
// delivery records and moves the campaign to sending. The campaign must be a
// draft and, if scheduled, due. Concurrent or repeated calls never create a
// second record for the same recipient.
func (e *Engine) StartCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	now := e.clock.Now()
	c, err := e.campaigns.Start(ctx, id, now, func(c *model.Campaign) error {
		if c.Status != model.CampaignDraft {
			return &model.StaleTransitionError{Entity: "campaign", ID: c.ID, Status: string(c.Status), Target: string(model.CampaignSending)}
		}
		if c.Kind == model.CampaignScheduled && c.ScheduledAt != nil && c.ScheduledAt.After(now) {
			return model.Invalid("scheduled_at", "campaign is scheduled for %s", c.ScheduledAt.Format(time.RFC3339))
		}
		return nil
	})
	if err != nil {
		if model.IsStaleTransition(err) {
			e.logger.Debug("campaign already started", "campaign_id", id, "error", err)
		}
		return nil, err
	}

	e.logger.Info("campaign started",
		"campaign_id", c.ID,
		"tenant_id", c.TenantID,
		"recipients", c.RecipientCount,
		"status", c.Status,
	)
	return c, nil
}

// CancelCampaign stops a draft or sending campaign. Pending deliveries stay
// pending and are no longer handed out.
func (e *Engine) CancelCampaign(ctx context.Context, id string) error {
	if err := e.campaigns.Cancel(ctx, id, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Info("campaign cancelled", "campaign_id", id)
	return nil
}

// PreviewRecipients counts the recipients a campaign reaches. A draft is
// counted against the tenant's current eligible subscribers; a started
// campaign reports its snapshot size.
func (e *Engine) PreviewRecipients(ctx context.Context, id string) (int, error) {
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if c.Status != model.CampaignDraft {
		return c.RecipientCount, nil
	}
	subs, err := e.subscribers.Eligible(ctx, c.TenantID)
	if err != nil {
		return 0, err
	}
	return len(subs), nil
}

// Deliveries returns the delivery records of a campaign
func (e *Engine) Deliveries(ctx context.Context, id string) ([]model.DeliveryRecord, error) {
	if _, err := e.campaigns.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.deliveries.ListByCampaign(ctx, id)
}

// DueCampaigns returns scheduled drafts whose start time has passed
func (e *Engine) DueCampaigns(ctx context.Context) ([]model.Campaign, error) {
	return e.campaigns.Due(ctx, e.clock.Now())
}

// UpcomingCampaigns returns scheduled drafts not yet due
func (e *Engine) UpcomingCampaigns(ctx context.Context, tenantID string) ([]model.Campaign, error) {
	return e.campaigns.Upcoming(ctx, tenantID, e.clock.Now())
}

// FetchPendingDeliveries claims up to limit pending records of sending campaigns
func (e *Engine) FetchPendingDeliveries(ctx context.Context, limit int) ([]model.DeliveryRecord, error) {
	return e.deliveries.ClaimPending(ctx, e.clock.Now(), limit)
}

// RecordDeliveryOutcome moves a pending or claimed record to a terminal status
func (e *Engine) RecordDeliveryOutcome(ctx context.Context, deliveryID string, outcome model.DeliveryOutcome) error {
	if !outcome.Status.Terminal() {
		return model.Invalid("outcome", "%q is not a terminal delivery status", outcome.Status)
	}
	err := e.deliveries.Transition(ctx, deliveryID, outcome, e.clock.Now())
	if model.IsStaleTransition(err) {
		e.logger.Debug("ignoring stale delivery transition", "delivery_id", deliveryID, "error", err)
	}
	return err
}

// ReleaseDelivery returns a claimed record to the queue without an outcome
func (e *Engine) ReleaseDelivery(ctx context.Context, deliveryID string) error {
	return e.deliveries.Release(ctx, deliveryID)
}

// RequeueStale returns records claimed longer than olderThan ago to pending
func (e *Engine) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	n, err := e.deliveries.RequeueStale(ctx, e.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.logger.Warn("requeued stale deliveries", "count", n, "older_than", olderThan)
	}
	return n, nil
}

// CompleteCampaign recomputes the counters from the delivery records and,
// once nothing is outstanding, closes a sending campaign: completed, or
// failed when no record reached the provider. Calling it again only
// refreshes the counters.
func (e *Engine) CompleteCampaign(ctx context.Context, id string) (*model.Campaign, error) {
	c, err := e.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.Status == model.CampaignDraft {
		return nil, &model.StaleTransitionError{Entity: "campaign", ID: id, Status: string(c.Status), Target: string(model.CampaignCompleted)}
	}

	counts, err := e.deliveries.Counts(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := e.campaigns.UpdateCounters(ctx, id, counts); err != nil {
		return nil, err
	}

	if c.Status == model.CampaignSending {
		if n := counts.Outstanding(); n > 0 {
			c, err = e.campaigns.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			return c, model.Invalid("status", "%d deliveries still outstanding", n)
		}

		final := model.CampaignCompleted
		if counts.Total() > 0 && counts.Sent+counts.Delivered == 0 {
			final = model.CampaignFailed
		}
		if err := e.campaigns.Finish(ctx, id, final, e.clock.Now()); err != nil && !model.IsStaleTransition(err) {
			return nil, err
		}
		e.logger.Info("campaign finished",
			"campaign_id", id,
			"status", final,
			"sent", counts.Sent+counts.Delivered,
			"failed", counts.Failed,
			"blocked", counts.Blocked,
		)
	}

	return e.campaigns.Get(ctx, id)
}

// CompletableCampaigns returns IDs of sending campaigns with nothing outstanding
func (e *Engine) CompletableCampaigns(ctx context.Context) ([]string, error) {
	return e.campaigns.Completable(ctx)
}

// UpsertSubscriber mirrors a subscriber from the lifecycle collaborator
func (e *Engine) UpsertSubscriber(ctx context.Context, spec model.SubscriberSpec) (*model.Subscriber, error) {
	if err := model.Validate(spec); err != nil {
		return nil, err
	}
	return e.subscribers.Upsert(ctx, spec, e.clock.Now())
}

// Subscriber returns a subscriber
func (e *Engine) Subscriber(ctx context.Context, tenantID, recipientID string) (*model.Subscriber, error) {
	return e.subscribers.Get(ctx, tenantID, recipientID)
}

// BlockRecipient excludes a recipient from future snapshots
func (e *Engine) BlockRecipient(ctx context.Context, tenantID, recipientID string) error {
	if err := e.subscribers.MarkBlocked(ctx, tenantID, recipientID, e.clock.Now()); err != nil {
		return err
	}
	e.logger.Info("recipient blocked", "tenant_id", tenantID, "recipient_id", recipientID)
	return nil
}
