package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/foxzi/dripline/internal/events"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/model"
)

// Intervals configures how often each sweep runs
type Intervals struct {
	Jobs       time.Duration
	Deliveries time.Duration
	Campaigns  time.Duration
	Stale      time.Duration
	StaleAfter time.Duration // claims older than this are requeued
}

// Scheduler runs the sweeps on cron schedules. A sweep that is still
// running when its next tick fires is skipped.
type Scheduler struct {
	processor *Processor
	intervals Intervals
	logger    *slog.Logger
	cron      *cron.Cron
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewScheduler creates a scheduler around a processor
func NewScheduler(p *Processor, iv Intervals, logger *slog.Logger) *Scheduler {
	if iv.Jobs <= 0 {
		iv.Jobs = 10 * time.Second
	}
	if iv.Deliveries <= 0 {
		iv.Deliveries = 5 * time.Second
	}
	if iv.Campaigns <= 0 {
		iv.Campaigns = 30 * time.Second
	}
	if iv.Stale <= 0 {
		iv.Stale = time.Minute
	}
	if iv.StaleAfter <= 0 {
		iv.StaleAfter = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	logger = logger.With("component", "scheduler")

	cl := cronLogger{logger}
	return &Scheduler{
		processor: p,
		intervals: iv,
		logger:    logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}
}

// Start registers the sweeps and starts the cron runner
func (s *Scheduler) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	tasks := []struct {
		name  string
		every time.Duration
		fn    func(context.Context) error
	}{
		{"jobs", s.intervals.Jobs, s.runJobs},
		{"deliveries", s.intervals.Deliveries, s.runDeliveries},
		{"campaigns", s.intervals.Campaigns, s.runCampaigns},
		{"stale", s.intervals.Stale, s.runStale},
	}

	for _, t := range tasks {
		t := t
		_, err := s.cron.AddFunc(fmt.Sprintf("@every %s", t.every), func() {
			s.timed(s.ctx, t.name, t.fn)
		})
		if err != nil {
			return fmt.Errorf("failed to schedule %s sweep: %w", t.name, err)
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started",
		"jobs", s.intervals.Jobs,
		"deliveries", s.intervals.Deliveries,
		"campaigns", s.intervals.Campaigns,
		"stale", s.intervals.Stale,
	)
	return nil
}

// Stop stops scheduling and waits for running sweeps, up to ctx
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("stopping scheduler")
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out, cancelling running sweeps")
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info("scheduler stopped")
}

// RunOnce runs every sweep once in order: stale recovery, campaign starts,
// due jobs, deliveries and campaign completion. Job and delivery sweeps
// repeat until a batch comes back short.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.runStale(ctx); err != nil {
		return err
	}
	if err := s.startDueCampaigns(ctx); err != nil {
		return err
	}
	for {
		n, err := s.processor.ProcessJobs(ctx)
		if err != nil {
			return err
		}
		if n < s.processor.cfg.BatchSize {
			break
		}
	}
	for {
		n, err := s.processor.ProcessDeliveries(ctx)
		if err != nil {
			return err
		}
		if n < s.processor.cfg.BatchSize {
			break
		}
	}
	return s.completeCampaigns(ctx)
}

func (s *Scheduler) timed(ctx context.Context, name string, fn func(context.Context) error) {
	start := time.Now()
	if err := fn(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("sweep failed", "task", name, "error", err)
	}
	metrics.ObserveCycle(name, time.Since(start).Seconds())
}

func (s *Scheduler) runJobs(ctx context.Context) error {
	_, err := s.processor.ProcessJobs(ctx)
	return err
}

func (s *Scheduler) runDeliveries(ctx context.Context) error {
	_, err := s.processor.ProcessDeliveries(ctx)
	return err
}

func (s *Scheduler) runCampaigns(ctx context.Context) error {
	if err := s.startDueCampaigns(ctx); err != nil {
		return err
	}
	return s.completeCampaigns(ctx)
}

func (s *Scheduler) runStale(ctx context.Context) error {
	p := s.processor
	n, err := p.funnel.RequeueStale(ctx, s.intervals.StaleAfter)
	if err != nil {
		return err
	}
	metrics.AddStaleRequeued("job", n)

	n, err = p.campaigns.RequeueStale(ctx, s.intervals.StaleAfter)
	if err != nil {
		return err
	}
	metrics.AddStaleRequeued("delivery", n)
	return nil
}

func (s *Scheduler) startDueCampaigns(ctx context.Context) error {
	p := s.processor
	due, err := p.campaigns.DueCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, c := range due {
		started, err := p.campaigns.StartCampaign(ctx, c.ID)
		if err != nil {
			if !model.IsStaleTransition(err) {
				s.logger.Error("failed to start scheduled campaign", "campaign_id", c.ID, "error", err)
			}
			continue
		}
		metrics.IncCampaignsStarted()
		p.publish(ctx, events.Event{
			Type:     events.CampaignStarted,
			TenantID: started.TenantID,
			EntityID: started.ID,
			Status:   string(started.Status),
		})
	}
	return nil
}

func (s *Scheduler) completeCampaigns(ctx context.Context) error {
	p := s.processor
	ids, err := p.campaigns.CompletableCampaigns(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		c, err := p.campaigns.CompleteCampaign(ctx, id)
		if err != nil {
			if !model.IsValidation(err) && !model.IsStaleTransition(err) {
				s.logger.Error("failed to complete campaign", "campaign_id", id, "error", err)
			}
			continue
		}
		metrics.IncCampaignsFinished(string(c.Status))
		p.publish(ctx, events.Event{
			Type:     events.CampaignFinished,
			TenantID: c.TenantID,
			EntityID: c.ID,
			Status:   string(c.Status),
		})
	}
	return nil
}

// cronLogger adapts slog to cron.Logger
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
