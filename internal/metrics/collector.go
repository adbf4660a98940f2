package metrics

import (
	"context"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BacklogProvider reports item counts per status
type BacklogProvider interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// Collector refreshes backlog and system gauges on an interval
type Collector struct {
	metrics    *Metrics
	jobs       BacklogProvider
	deliveries BacklogProvider
	interval   time.Duration
	startTime  time.Time
	logger     *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var jobStatuses = []string{"pending", "in_flight", "sent", "failed", "cancelled"}
var deliveryStatuses = []string{"pending", "in_flight", "sent", "delivered", "failed", "blocked"}

// NewCollector creates a collector. Either provider may be nil.
func NewCollector(m *Metrics, jobs, deliveries BacklogProvider, interval time.Duration, logger *slog.Logger) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Collector{
		metrics:    m,
		jobs:       jobs,
		deliveries: deliveries,
		interval:   interval,
		startTime:  time.Now(),
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

// Start begins the update loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the update loop
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	c.Collect(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}

// Collect updates all gauges once
func (c *Collector) Collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.jobs != nil {
		c.setBacklog(ctx, c.jobs, c.metrics.JobsBacklog, jobStatuses)
	}
	if c.deliveries != nil {
		c.setBacklog(ctx, c.deliveries, c.metrics.DeliveriesBacklog, deliveryStatuses)
	}
}

func (c *Collector) setBacklog(ctx context.Context, p BacklogProvider, g *prometheus.GaugeVec, statuses []string) {
	counts, err := p.CountByStatus(ctx)
	if err != nil {
		c.logger.Warn("failed to collect backlog", "error", err)
		return
	}
	// Statuses without rows report zero
	for _, s := range statuses {
		g.WithLabelValues(s).Set(float64(counts[s]))
	}
}
