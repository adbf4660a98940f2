package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

type fakeBacklog struct {
	counts map[string]int64
	err    error
}

func (f *fakeBacklog) CountByStatus(context.Context) (map[string]int64, error) {
	return f.counts, f.err
}

func TestCollectorCollect(t *testing.T) {
	m := New()
	jobs := &fakeBacklog{counts: map[string]int64{"pending": 7, "in_flight": 2}}
	deliveries := &fakeBacklog{counts: map[string]int64{"blocked": 3}}

	c := NewCollector(m, jobs, deliveries, time.Minute, nil)
	c.Collect(context.Background())

	if v := testutil.ToFloat64(m.JobsBacklog.WithLabelValues("pending")); v != 7 {
		t.Errorf("pending jobs = %v, want 7", v)
	}
	if v := testutil.ToFloat64(m.JobsBacklog.WithLabelValues("cancelled")); v != 0 {
		t.Errorf("cancelled jobs = %v, want 0", v)
	}
	if v := testutil.ToFloat64(m.DeliveriesBacklog.WithLabelValues("blocked")); v != 3 {
		t.Errorf("blocked deliveries = %v, want 3", v)
	}
	if v := testutil.ToFloat64(m.Goroutines); v <= 0 {
		t.Errorf("goroutines = %v", v)
	}

	// A failing provider leaves the last values in place.
	jobs.err = errors.New("db down")
	jobs.counts = nil
	c.Collect(context.Background())
	if v := testutil.ToFloat64(m.JobsBacklog.WithLabelValues("pending")); v != 7 {
		t.Errorf("pending jobs after error = %v, want 7", v)
	}
}

func TestCollectorStartStop(t *testing.T) {
	m := New()
	c := NewCollector(m, nil, nil, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	c.Stop()

	if v := testutil.ToFloat64(m.UptimeSeconds); v <= 0 {
		t.Errorf("uptime = %v", v)
	}
}
