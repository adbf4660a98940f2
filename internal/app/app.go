// Package app assembles the store, services, transport and servers from
// configuration and runs them.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/foxzi/dripline/internal/analytics"
	"github.com/foxzi/dripline/internal/api"
	"github.com/foxzi/dripline/internal/campaign"
	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/events"
	"github.com/foxzi/dripline/internal/funnel"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/ratelimit"
	"github.com/foxzi/dripline/internal/store"
	"github.com/foxzi/dripline/internal/transport"
	"github.com/foxzi/dripline/internal/worker"
)

// App is the main application
type App struct {
	config        *config.Config
	db            *store.DB
	jobs          *store.JobRepository
	deliveries    *store.DeliveryRepository
	funnel        *funnel.Service
	campaigns     *campaign.Engine
	stats         *analytics.Aggregator
	processor     *worker.Processor
	scheduler     *worker.Scheduler
	apiServer     *api.Server
	metrics       *metrics.Metrics
	metricsServer *metrics.Server
	collector     *metrics.Collector
	rateLimiter   *ratelimit.Limiter
	quotaDB       *bolt.DB
	publisher     events.Publisher
	logger        *slog.Logger
}

// New creates a new application. The database schema is migrated before
// anything else is built.
func New(cfg *config.Config, version string) (*App, error) {
	logger := SetupLogger(cfg.Logging)

	db, err := OpenStore(context.Background(), cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &App{
		config: cfg,
		db:     db,
		logger: logger,
	}
	if err := a.build(version); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// OpenStore connects to the configured database and applies migrations
func OpenStore(ctx context.Context, cfg config.DatabaseConfig) (*store.DB, error) {
	db, err := store.Open(cfg.Driver, cfg.DSN, store.Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := db.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return db, nil
}

func (a *App) build(version string) error {
	cfg := a.config
	logger := a.logger
	clk := clock.Real{}

	a.jobs = store.NewJobRepository(a.db)
	a.deliveries = store.NewDeliveryRepository(a.db)

	a.funnel = funnel.NewService(store.NewSequenceRepository(a.db), a.jobs, clk, logger,
		funnel.Options{MaxButtons: cfg.Funnel.MaxButtons})
	a.campaigns = campaign.NewEngine(store.NewCampaignRepository(a.db), a.deliveries,
		store.NewSubscriberRepository(a.db), clk, logger)
	a.stats = analytics.NewAggregator(a.jobs, a.deliveries, cfg.Analytics.CacheTTL)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
		metrics.SetGlobal(a.metrics)
		a.collector = metrics.NewCollector(a.metrics, a.jobs, a.deliveries, cfg.Metrics.UpdateInterval, logger)
		a.metricsServer = metrics.NewServer(a.metrics, cfg.Metrics.ListenAddr, cfg.Metrics.Path,
			cfg.Metrics.AllowedIPs, a.db.PingContext, logger.With("component", "metrics"))
		logger.Info("metrics enabled", "addr", cfg.Metrics.ListenAddr, "path", cfg.Metrics.Path)
	}

	sender, err := newSender(cfg.Transport, logger)
	if err != nil {
		return err
	}

	var quota worker.Quota
	if cfg.RateLimit.Enabled {
		a.rateLimiter, a.quotaDB, err = OpenQuotas(cfg.RateLimit, clk)
		if err != nil {
			return err
		}
		quota = a.rateLimiter
		logger.Info("tenant quotas enabled", "path", cfg.RateLimit.Path)
	}

	a.publisher = events.Noop{}
	if cfg.Events.Enabled {
		pub, err := events.NewAMQPPublisher(cfg.Events.URL, cfg.Events.Queue, logger)
		if err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
		a.publisher = pub
		logger.Info("outcome events enabled", "queue", cfg.Events.Queue)
	}

	s := cfg.Scheduler
	a.processor = worker.NewProcessor(a.funnel, a.campaigns, sender, quota, a.publisher, clk, worker.Config{
		BatchSize:      s.BatchSize,
		Workers:        s.Workers,
		MaxAttempts:    s.Retry.MaxAttempts,
		InitialBackoff: s.Retry.InitialBackoff,
		MaxBackoff:     s.Retry.MaxBackoff,
	}, logger)
	a.scheduler = worker.NewScheduler(a.processor, worker.Intervals{
		Jobs:       s.JobInterval,
		Deliveries: s.DeliveryInterval,
		Campaigns:  s.CampaignInterval,
		Stale:      s.StaleInterval,
		StaleAfter: s.StaleAfter,
	}, logger)

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(a.funnel, a.campaigns, a.stats, clk, &cfg.API, version, logger)
	}
	return nil
}

// OpenQuotas opens the bbolt counter file and creates the tenant limiter.
// The caller stops the limiter before closing the returned database.
func OpenQuotas(rl config.RateLimitConfig, clk clock.Clock) (*ratelimit.Limiter, *bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(rl.Path), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create quota directory: %w", err)
	}
	db, err := bolt.Open(rl.Path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open quota store: %w", err)
	}

	rlConfig := &ratelimit.Config{
		Global:        limitConfig(rl.Global),
		DefaultTenant: limitConfig(rl.DefaultTenant),
		FlushInterval: rl.FlushInterval,
	}
	if len(rl.Tenants) > 0 {
		rlConfig.Tenants = make(map[string]*ratelimit.LimitConfig, len(rl.Tenants))
		for tenant, v := range rl.Tenants {
			rlConfig.Tenants[tenant] = limitConfig(v)
		}
	}

	limiter, err := ratelimit.NewLimiter(db, rlConfig, clk)
	if err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to create rate limiter: %w", err)
	}
	return limiter, db, nil
}

func limitConfig(v *config.LimitValues) *ratelimit.LimitConfig {
	if v == nil {
		return nil
	}
	return &ratelimit.LimitConfig{
		MessagesPerHour: v.MessagesPerHour,
		MessagesPerDay:  v.MessagesPerDay,
	}
}

// newSender builds the configured transport wrapped in the per-tenant throttle
func newSender(cfg config.TransportConfig, logger *slog.Logger) (transport.Sender, error) {
	var sender transport.Sender
	switch cfg.Type {
	case "telegram":
		sender = transport.NewTelegramSender(transport.TelegramOptions{
			DefaultToken: cfg.Telegram.Token,
			Tokens:       cfg.Telegram.Tokens,
			APIEndpoint:  cfg.Telegram.APIEndpoint,
		}, logger)
	case "webhook":
		sender = transport.NewWebhookSender(cfg.Webhook.URL, cfg.Webhook.Token, cfg.Webhook.Timeout)
	case "dryrun":
		sender = transport.NewDryRunSender(cfg.DryRun.FailureProbability, 1000, logger)
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Type)
	}
	logger.Info("transport configured", "type", cfg.Type, "rate_per_second", cfg.RatePerSecond)
	return transport.NewThrottled(sender, cfg.RatePerSecond, cfg.Burst), nil
}

// Funnel returns the funnel service
func (a *App) Funnel() *funnel.Service { return a.funnel }

// Campaigns returns the campaign engine
func (a *App) Campaigns() *campaign.Engine { return a.campaigns }

// RunOnce runs every sweep once and returns
func (a *App) RunOnce(ctx context.Context) error {
	return a.scheduler.RunOnce(ctx)
}

// RequeueStale returns in_flight jobs and deliveries claimed more than
// scheduler.stale_after ago to pending
func (a *App) RequeueStale(ctx context.Context) (jobs, deliveries int64, err error) {
	after := a.config.Scheduler.StaleAfter
	if jobs, err = a.funnel.RequeueStale(ctx, after); err != nil {
		return 0, 0, err
	}
	if deliveries, err = a.campaigns.RequeueStale(ctx, after); err != nil {
		return jobs, 0, err
	}
	return jobs, deliveries, nil
}

// Run starts all components and waits for shutdown
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting dripline",
		"database", a.config.Database.Driver,
		"transport", a.config.Transport.Type,
		"api_enabled", a.config.API.Enabled,
		"api_addr", a.config.API.ListenAddr,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.scheduler.Start(ctx); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	if a.collector != nil {
		a.collector.Start(ctx)
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}

	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		a.logger.Error("server error", "error", runErr)
		cancel()
	}

	a.Shutdown(context.Background())
	return runErr
}

// Shutdown gracefully stops servers and sweeps, then releases resources
func (a *App) Shutdown(ctx context.Context) {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	// Stop the API first so no new work arrives
	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}

	a.scheduler.Stop(shutdownCtx)

	if a.collector != nil {
		a.collector.Stop()
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.Close(); err != nil {
		a.logger.Error("close error", "error", err)
	}
	a.logger.Info("shutdown complete")
}

// Close releases the store, quota database and event publisher
func (a *App) Close() error {
	var errs []error
	if a.rateLimiter != nil {
		// Persists counters
		if err := a.rateLimiter.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("rate limiter: %w", err))
		}
		a.rateLimiter = nil
	}
	if a.quotaDB != nil {
		if err := a.quotaDB.Close(); err != nil {
			errs = append(errs, fmt.Errorf("quota store: %w", err))
		}
		a.quotaDB = nil
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			errs = append(errs, fmt.Errorf("event publisher: %w", err))
		}
		a.publisher = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store: %w", err))
		}
		a.db = nil
	}
	return errors.Join(errs...)
}

// SetupLogger creates a logger based on configuration
func SetupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
