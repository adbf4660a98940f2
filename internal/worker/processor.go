// Package worker drives delivery: it claims due funnel jobs and pending
// campaign deliveries, sends them through the transport and records the
// outcome. A cron scheduler runs the sweeps on fixed intervals.
package worker

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/events"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/model"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/transport"
)

// Funnel is the part of the funnel service the worker needs
type Funnel interface {
	FetchDue(ctx context.Context, limit int) ([]model.ScheduledJob, error)
	StepWithSequence(ctx context.Context, stepID string) (*model.Step, *model.Sequence, error)
	RecordOutcome(ctx context.Context, jobID string, outcome model.JobOutcome) error
	ReleaseJob(ctx context.Context, jobID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	CancelRecipient(ctx context.Context, tenantID, recipientID, reason string) (int64, error)
}

// Campaigns is the part of the campaign engine the worker needs
type Campaigns interface {
	FetchPendingDeliveries(ctx context.Context, limit int) ([]model.DeliveryRecord, error)
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	RecordDeliveryOutcome(ctx context.Context, deliveryID string, outcome model.DeliveryOutcome) error
	ReleaseDelivery(ctx context.Context, deliveryID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	DueCampaigns(ctx context.Context) ([]model.Campaign, error)
	StartCampaign(ctx context.Context, id string) (*model.Campaign, error)
	CompletableCampaigns(ctx context.Context) ([]string, error)
	CompleteCampaign(ctx context.Context, id string) (*model.Campaign, error)
	Subscriber(ctx context.Context, tenantID, recipientID string) (*model.Subscriber, error)
	BlockRecipient(ctx context.Context, tenantID, recipientID string) error
}

// Quota decides whether a tenant may send one more message
type Quota interface {
	Allow(ctx context.Context, tenantID string) (*ratelimit.Result, error)
}

// Config contains processor configuration
type Config struct {
	BatchSize      int
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	SendTimeout    time.Duration
}

// Processor sends claimed work through the transport
type Processor struct {
	funnel    Funnel
	campaigns Campaigns
	sender    transport.Sender
	quota     Quota
	events    events.Publisher
	clock     clock.Clock
	cfg       Config
	logger    *slog.Logger
}

// NewProcessor creates a processor. quota and publisher may be nil.
func NewProcessor(f Funnel, c Campaigns, sender transport.Sender, quota Quota, publisher events.Publisher, clk clock.Clock, cfg Config, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Processor{
		funnel:    f,
		campaigns: c,
		sender:    sender,
		quota:     quota,
		events:    publisher,
		clock:     clk,
		cfg:       cfg,
		logger:    logger.With("component", "worker"),
	}
}

// ProcessJobs claims one batch of due funnel jobs and sends them. It returns
// how many of them reached a final status; released jobs are not counted.
func (p *Processor) ProcessJobs(ctx context.Context) (int, error) {
	jobs, err := p.funnel.FetchDue(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}

	p.logger.Debug("processing due jobs", "count", len(jobs))
	return p.fanOut(ctx, len(jobs), func(i int) bool { return p.processJob(ctx, &jobs[i]) }), nil
}

// ProcessDeliveries claims one batch of pending campaign deliveries and
// sends them. It returns how many reached a final status.
func (p *Processor) ProcessDeliveries(ctx context.Context) (int, error) {
	recs, err := p.campaigns.FetchPendingDeliveries(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(recs) == 0 {
		return 0, nil
	}

	// Campaign content is loaded once per batch
	campaigns := make(map[string]*model.Campaign)
	for _, r := range recs {
		if _, ok := campaigns[r.CampaignID]; ok {
			continue
		}
		c, err := p.campaigns.GetCampaign(ctx, r.CampaignID)
		if err != nil {
			p.logger.Error("failed to load campaign", "campaign_id", r.CampaignID, "error", err)
		}
		campaigns[r.CampaignID] = c
	}

	p.logger.Debug("processing deliveries", "count", len(recs))
	return p.fanOut(ctx, len(recs), func(i int) bool {
		return p.processDelivery(ctx, &recs[i], campaigns[recs[i].CampaignID])
	}), nil
}

// fanOut runs fn for 0..n-1 on at most cfg.Workers goroutines and counts
// the calls that returned true
func (p *Processor) fanOut(ctx context.Context, n int, fn func(i int) bool) int {
	idx := make(chan int)
	var wg sync.WaitGroup
	var done atomic.Int64

	workers := p.cfg.Workers
	if workers > n {
		workers = n
	}
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range idx {
				if fn(i) {
					done.Add(1)
				}
			}
		}()
	}

	for i := 0; i < n; i++ {
		idx <- i
	}
	close(idx)
	wg.Wait()
	return int(done.Load())
}

func (p *Processor) processJob(ctx context.Context, job *model.ScheduledJob) bool {
	logger := p.logger.With("job_id", job.ID, "tenant_id", job.TenantID, "recipient_id", job.RecipientID)

	step, seq, err := p.funnel.StepWithSequence(ctx, job.StepID)
	if model.IsNotFound(err) {
		return p.finishJob(ctx, logger, job, model.Cancelled("step removed"))
	}
	if err != nil {
		logger.Error("failed to load step", "error", err)
		p.releaseJob(ctx, logger, job)
		return false
	}
	if !seq.Enabled {
		return p.finishJob(ctx, logger, job, model.Cancelled("sequence disabled"))
	}
	if !step.Active {
		return p.finishJob(ctx, logger, job, model.Cancelled("step inactive"))
	}

	sub, err := p.campaigns.Subscriber(ctx, job.TenantID, job.RecipientID)
	if model.IsNotFound(err) {
		return p.finishJob(ctx, logger, job, model.Cancelled("unknown recipient"))
	}
	if err != nil {
		logger.Error("failed to load subscriber", "error", err)
		p.releaseJob(ctx, logger, job)
		return false
	}
	if !sub.Eligible() {
		return p.finishJob(ctx, logger, job, model.Cancelled("recipient ineligible"))
	}

	if !p.allow(ctx, logger, job.TenantID) {
		p.releaseJob(ctx, logger, job)
		return false
	}

	to := transport.Recipient{TenantID: job.TenantID, ID: job.RecipientID, Address: sub.Address}
	messageID, err := p.send(ctx, "job", to, step.Message())
	if err == nil {
		logger.Info("funnel step sent", "step", step.StepNumber, "message_id", messageID)
		return p.finishJob(ctx, logger, job, model.Sent())
	}
	if ctx.Err() != nil {
		p.releaseJob(context.WithoutCancel(ctx), logger, job)
		return false
	}

	if te, ok := model.AsTransport(err); ok && te.Blocked {
		done := p.finishJob(ctx, logger, job, model.Failed("blocked: "+te.Reason))
		p.handleBlocked(ctx, logger, job.TenantID, job.RecipientID)
		return done
	}
	logger.Warn("funnel step failed", "step", step.StepNumber, "error", err)
	return p.finishJob(ctx, logger, job, model.Failed(err.Error()))
}

func (p *Processor) processDelivery(ctx context.Context, rec *model.DeliveryRecord, c *model.Campaign) bool {
	logger := p.logger.With("delivery_id", rec.ID, "campaign_id", rec.CampaignID, "recipient_id", rec.RecipientID)

	if c == nil || c.Status != model.CampaignSending {
		// Cancelled after the claim; the record stays pending and is not handed out again
		p.releaseDelivery(ctx, logger, rec)
		return false
	}

	if !p.allow(ctx, logger, rec.TenantID) {
		p.releaseDelivery(ctx, logger, rec)
		return false
	}

	to := transport.Recipient{TenantID: rec.TenantID, ID: rec.RecipientID, Address: rec.Address}
	messageID, err := p.send(ctx, "delivery", to, c.Message())
	if err == nil {
		return p.finishDelivery(ctx, logger, rec, model.DeliverySentOutcome(messageID))
	}
	if ctx.Err() != nil {
		p.releaseDelivery(context.WithoutCancel(ctx), logger, rec)
		return false
	}

	if te, ok := model.AsTransport(err); ok && te.Blocked {
		done := p.finishDelivery(ctx, logger, rec, model.DeliveryBlockedOutcome(te.Reason))
		p.handleBlocked(ctx, logger, rec.TenantID, rec.RecipientID)
		return done
	}
	logger.Warn("campaign delivery failed", "error", err)
	return p.finishDelivery(ctx, logger, rec, model.DeliveryFailedOutcome(err.Error()))
}

// send retries temporary transport errors with exponential backoff
func (p *Processor) send(ctx context.Context, kind string, to transport.Recipient, msg model.Message) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		start := time.Now()
		sendCtx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		id, err := p.sender.Send(sendCtx, to, msg)
		cancel()

		if err == nil {
			metrics.ObserveSend(kind, "ok", time.Since(start).Seconds())
			return id, nil
		}
		lastErr = err

		te, ok := model.AsTransport(err)
		temporary := !ok || te.Temporary
		result := "error"
		if ok && te.Blocked {
			result = "blocked"
		}
		metrics.ObserveSend(kind, result, time.Since(start).Seconds())

		if !temporary || attempt == p.cfg.MaxAttempts {
			break
		}

		backoff := p.backoff(attempt)
		p.logger.Debug("retrying send", "kind", kind, "attempt", attempt, "backoff", backoff, "error", err)
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
	}
	return "", lastErr
}

// backoff is InitialBackoff * 2^(attempt-1), capped at MaxBackoff
func (p *Processor) backoff(attempt int) time.Duration {
	d := p.cfg.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.cfg.MaxBackoff {
			return p.cfg.MaxBackoff
		}
	}
	return d
}

func (p *Processor) allow(ctx context.Context, logger *slog.Logger, tenantID string) bool {
	if p.quota == nil {
		return true
	}
	res, err := p.quota.Allow(ctx, tenantID)
	if err != nil {
		logger.Error("quota check failed", "error", err)
		return false
	}
	if !res.Allowed {
		metrics.IncRateLimitExceeded(string(res.DeniedBy))
		logger.Debug("quota exceeded", "level", res.DeniedBy, "retry_after", res.RetryAfter)
		return false
	}
	return true
}

// handleBlocked marks the recipient blocked and cancels the rest of its funnel
func (p *Processor) handleBlocked(ctx context.Context, logger *slog.Logger, tenantID, recipientID string) {
	if err := p.campaigns.BlockRecipient(ctx, tenantID, recipientID); err != nil && !model.IsNotFound(err) {
		logger.Error("failed to mark recipient blocked", "error", err)
	}
	n, err := p.funnel.CancelRecipient(ctx, tenantID, recipientID, "recipient blocked")
	if err != nil {
		logger.Error("failed to cancel funnel for blocked recipient", "error", err)
	}
	logger.Info("recipient blocked the bot", "cancelled_jobs", n)
	p.publish(ctx, events.Event{Type: events.RecipientBlocked, TenantID: tenantID, EntityID: recipientID, RecipientID: recipientID})
}

// finishJob records the outcome and reports whether this call settled the job
func (p *Processor) finishJob(ctx context.Context, logger *slog.Logger, job *model.ScheduledJob, outcome model.JobOutcome) bool {
	err := p.funnel.RecordOutcome(ctx, job.ID, outcome)
	if err != nil {
		if !model.IsStaleTransition(err) {
			logger.Error("failed to record job outcome", "status", outcome.Status, "error", err)
		}
		return false
	}
	metrics.IncJobsProcessed(string(outcome.Status))

	typ := events.JobSent
	switch outcome.Status {
	case model.JobFailed:
		typ = events.JobFailed
	case model.JobCancelled:
		typ = events.JobCancelled
	}
	p.publish(ctx, events.Event{
		Type:        typ,
		TenantID:    job.TenantID,
		EntityID:    job.ID,
		RecipientID: job.RecipientID,
		Status:      string(outcome.Status),
		Reason:      outcome.Reason,
	})
	return true
}

func (p *Processor) finishDelivery(ctx context.Context, logger *slog.Logger, rec *model.DeliveryRecord, outcome model.DeliveryOutcome) bool {
	err := p.campaigns.RecordDeliveryOutcome(ctx, rec.ID, outcome)
	if err != nil {
		if !model.IsStaleTransition(err) {
			logger.Error("failed to record delivery outcome", "status", outcome.Status, "error", err)
		}
		return false
	}
	metrics.IncDeliveriesProcessed(string(outcome.Status))

	typ := events.DeliverySent
	switch outcome.Status {
	case model.DeliveryFailed:
		typ = events.DeliveryFailed
	case model.DeliveryBlocked:
		typ = events.DeliveryBlocked
	}
	p.publish(ctx, events.Event{
		Type:        typ,
		TenantID:    rec.TenantID,
		EntityID:    rec.ID,
		RecipientID: rec.RecipientID,
		Status:      string(outcome.Status),
		Reason:      outcome.Reason,
	})
	return true
}

func (p *Processor) releaseJob(ctx context.Context, logger *slog.Logger, job *model.ScheduledJob) {
	if err := p.funnel.ReleaseJob(ctx, job.ID); err != nil && !model.IsStaleTransition(err) {
		logger.Error("failed to release job", "error", err)
		return
	}
	metrics.IncJobsProcessed("released")
}

func (p *Processor) releaseDelivery(ctx context.Context, logger *slog.Logger, rec *model.DeliveryRecord) {
	if err := p.campaigns.ReleaseDelivery(ctx, rec.ID); err != nil && !model.IsStaleTransition(err) {
		logger.Error("failed to release delivery", "error", err)
		return
	}
	metrics.IncDeliveriesProcessed("released")
}

func (p *Processor) publish(ctx context.Context, e events.Event) {
	e.At = p.clock.Now()
	if err := p.events.Publish(ctx, e); err != nil {
		p.logger.Warn("failed to publish event", "type", e.Type, "error", err)
	}
}
