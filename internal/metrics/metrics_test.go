package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistersAll(t *testing.T) {
	m := New()
	if m.Registry() == nil {
		t.Fatal("Registry() returned nil")
	}

	m.JobsProcessedTotal.WithLabelValues("sent")
	m.DeliveriesProcessedTotal.WithLabelValues("sent")

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"dripline_jobs_processed_total",
		"dripline_deliveries_processed_total",
		"dripline_jobs_rescheduled_total",
		"dripline_campaigns_started_total",
		"dripline_uptime_seconds",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestGlobalHelpers(t *testing.T) {
	m := New()
	SetGlobal(m)
	defer SetGlobal(nil)

	IncJobsProcessed("sent")
	IncJobsProcessed("sent")
	IncDeliveriesProcessed("blocked")
	AddJobsRescheduled(3)
	AddJobsRescheduled(0)
	IncCampaignsStarted()
	IncCampaignsFinished("completed")
	ObserveSend("job", "ok", 0.2)
	AddStaleRequeued("delivery", 4)
	IncRateLimitExceeded("tenant")

	if v := testutil.ToFloat64(m.JobsProcessedTotal.WithLabelValues("sent")); v != 2 {
		t.Errorf("jobs sent = %v, want 2", v)
	}
	if v := testutil.ToFloat64(m.DeliveriesProcessedTotal.WithLabelValues("blocked")); v != 1 {
		t.Errorf("deliveries blocked = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.JobsRescheduledTotal); v != 3 {
		t.Errorf("rescheduled = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.CampaignsFinishedTotal.WithLabelValues("completed")); v != 1 {
		t.Errorf("finished = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.SendAttemptsTotal.WithLabelValues("job", "ok")); v != 1 {
		t.Errorf("send attempts = %v, want 1", v)
	}
	if v := testutil.ToFloat64(m.StaleRequeuedTotal.WithLabelValues("delivery")); v != 4 {
		t.Errorf("stale requeued = %v, want 4", v)
	}
	if v := testutil.ToFloat64(m.RateLimitExceededTotal.WithLabelValues("tenant")); v != 1 {
		t.Errorf("rate limited = %v, want 1", v)
	}
}

func TestGlobalNilSafe(t *testing.T) {
	SetGlobal(nil)

	IncJobsProcessed("sent")
	IncDeliveriesProcessed("sent")
	AddJobsRescheduled(1)
	IncCampaignsStarted()
	IncCampaignsFinished("failed")
	ObserveSend("delivery", "error", 1)
	AddStaleRequeued("job", 1)
	IncRateLimitExceeded("global")
	ObserveCycle("jobs", 0.1)
}
