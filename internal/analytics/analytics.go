// Package analytics rolls stored per-recipient outcomes up into step and
// campaign level counters, rates and timing. It only reads.
package analytics

import (
	"context"
	"time"

	"github.com/foxzi/dripline/internal/store"
	"github.com/patrickmn/go-cache"
)

// Summary is the rolled-up view of a step or campaign
type Summary struct {
	Total        int           `json:"total"`
	Pending      int           `json:"pending"`
	InFlight     int           `json:"in_flight"`
	Sent         int           `json:"sent"`
	Delivered    int           `json:"delivered"`
	Failed       int           `json:"failed"`
	Blocked      int           `json:"blocked"`
	Cancelled    int           `json:"cancelled"`
	DeliveryRate float64       `json:"delivery_rate"`
	FailureRate  float64       `json:"failure_rate"`
	MeanLatency  time.Duration `json:"mean_latency_ns"`
	Samples      int           `json:"latency_samples"`
}

// Accumulator folds outcome rows one at a time
type Accumulator struct {
	s    Summary
	mean float64
}

// Add folds one row into the running totals
func (a *Accumulator) Add(row store.OutcomeRow) {
	a.s.Total++
	switch row.Status {
	case "pending":
		a.s.Pending++
	case "in_flight":
		a.s.InFlight++
	case "sent":
		a.s.Sent++
	case "delivered":
		a.s.Delivered++
	case "failed":
		a.s.Failed++
	case "blocked":
		a.s.Blocked++
	case "cancelled":
		a.s.Cancelled++
	}

	if row.SentAt == nil {
		return
	}
	d := float64(row.SentAt.Sub(row.Base))
	a.s.Samples++
	a.mean += (d - a.mean) / float64(a.s.Samples)
}

// Summary returns the totals with rates computed
func (a *Accumulator) Summary() Summary {
	s := a.s
	if s.Total > 0 {
		s.DeliveryRate = float64(s.Sent+s.Delivered) / float64(s.Total)
		s.FailureRate = float64(s.Failed+s.Blocked) / float64(s.Total)
	}
	if s.Samples > 0 {
		s.MeanLatency = time.Duration(a.mean)
	}
	return s
}

// Summarize folds rows into a Summary
func Summarize(rows []store.OutcomeRow) Summary {
	var a Accumulator
	for _, r := range rows {
		a.Add(r)
	}
	return a.Summary()
}

// StepSource streams the jobs of a step
type StepSource interface {
	StreamStepOutcomes(ctx context.Context, stepID string, fn func(store.OutcomeRow)) error
}

// CampaignSource streams the delivery records of a campaign
type CampaignSource interface {
	StreamCampaignOutcomes(ctx context.Context, campaignID string, fn func(store.OutcomeRow)) error
}

// Aggregator serves summaries, caching each for a short TTL
type Aggregator struct {
	steps     StepSource
	campaigns CampaignSource
	cache     *cache.Cache
}

// NewAggregator creates an aggregator. A zero ttl disables caching.
func NewAggregator(steps StepSource, campaigns CampaignSource, ttl time.Duration) *Aggregator {
	a := &Aggregator{steps: steps, campaigns: campaigns}
	if ttl > 0 {
		a.cache = cache.New(ttl, 2*ttl)
	}
	return a
}

// StepSummary summarizes all jobs of a step
func (a *Aggregator) StepSummary(ctx context.Context, stepID string) (Summary, error) {
	return a.summary(ctx, "step:"+stepID, func(fn func(store.OutcomeRow)) error {
		return a.steps.StreamStepOutcomes(ctx, stepID, fn)
	})
}

// CampaignSummary summarizes all delivery records of a campaign
func (a *Aggregator) CampaignSummary(ctx context.Context, campaignID string) (Summary, error) {
	return a.summary(ctx, "campaign:"+campaignID, func(fn func(store.OutcomeRow)) error {
		return a.campaigns.StreamCampaignOutcomes(ctx, campaignID, fn)
	})
}

// Invalidate drops cached summaries
func (a *Aggregator) Invalidate() {
	if a.cache != nil {
		a.cache.Flush()
	}
}

func (a *Aggregator) summary(ctx context.Context, key string, stream func(func(store.OutcomeRow)) error) (Summary, error) {
	if a.cache != nil {
		if v, ok := a.cache.Get(key); ok {
			return v.(Summary), nil
		}
	}

	var acc Accumulator
	if err := stream(acc.Add); err != nil {
		return Summary{}, err
	}
	s := acc.Summary()

	if a.cache != nil {
		a.cache.SetDefault(key, s)
	}
	return s, nil
}
