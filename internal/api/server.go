// Package api exposes the admin HTTP API for sequences, subscribers and
// campaigns.
package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/foxzi/dripline/internal/analytics"
	"github.com/foxzi/dripline/internal/clock"
	"github.com/foxzi/dripline/internal/config"
	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/model"
)

// Funnel is the subset of the funnel service the API drives
type Funnel interface {
	UpsertSequence(ctx context.Context, spec model.SequenceSpec) (*model.Sequence, error)
	GetSequence(ctx context.Context, id string) (*model.Sequence, error)
	AddStep(ctx context.Context, spec model.StepSpec) (*model.Step, error)
	ListSteps(ctx context.Context, sequenceID string) ([]model.Step, error)
	SetStepActive(ctx context.Context, stepID string, active bool) error
	StepWithSequence(ctx context.Context, stepID string) (*model.Step, *model.Sequence, error)
	RescheduleForStep(ctx context.Context, stepID, newDelay string) (int, error)
	Enroll(ctx context.Context, tenantID, recipientID, sequenceID string, enrolledAt time.Time) ([]model.ScheduledJob, error)
	CancelRecipient(ctx context.Context, tenantID, recipientID, reason string) (int64, error)
	PurgeRecipient(ctx context.Context, tenantID, recipientID string) (int64, error)
	JobsForRecipient(ctx context.Context, tenantID, recipientID string) ([]model.ScheduledJob, error)
}

// Campaigns is the subset of the campaign engine the API drives
type Campaigns interface {
	CreateCampaign(ctx context.Context, spec model.CampaignSpec) (*model.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, tenantID string, limit int) ([]model.Campaign, error)
	UpcomingCampaigns(ctx context.Context, tenantID string) ([]model.Campaign, error)
	StartCampaign(ctx context.Context, id string) (*model.Campaign, error)
	CancelCampaign(ctx context.Context, id string) error
	CompleteCampaign(ctx context.Context, id string) (*model.Campaign, error)
	PreviewRecipients(ctx context.Context, id string) (int, error)
	Deliveries(ctx context.Context, id string) ([]model.DeliveryRecord, error)
	UpsertSubscriber(ctx context.Context, spec model.SubscriberSpec) (*model.Subscriber, error)
	BlockRecipient(ctx context.Context, tenantID, recipientID string) error
}

// Stats provides read-only outcome summaries
type Stats interface {
	StepSummary(ctx context.Context, stepID string) (analytics.Summary, error)
	CampaignSummary(ctx context.Context, campaignID string) (analytics.Summary, error)
	Invalidate()
}

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	funnel     Funnel
	campaigns  Campaigns
	stats      Stats
	clock      clock.Clock
	config     *config.APIConfig
	logger     *slog.Logger
	version    string
	startTime  time.Time
}

// NewServer creates a new API server
func NewServer(f Funnel, c Campaigns, stats Stats, clk clock.Clock, cfg *config.APIConfig, version string, logger *slog.Logger) *Server {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Server{
		router:    chi.NewRouter(),
		funnel:    f,
		campaigns: c,
		stats:     stats,
		clock:     clk,
		config:    cfg,
		logger:    logger.With("component", "api"),
		version:   version,
		startTime: clk.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.HTTPMiddleware)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Put("/sequences", s.handleUpsertSequence)
		r.Get("/sequences/{id}", s.handleGetSequence)
		r.Post("/sequences/{id}/steps", s.handleAddStep)
		r.Get("/sequences/{id}/steps", s.handleListSteps)

		r.Put("/steps/{id}/delay", s.handleRescheduleStep)
		r.Put("/steps/{id}/active", s.handleSetStepActive)
		r.Get("/steps/{id}/stats", s.handleStepStats)

		r.Post("/enrollments", s.handleEnroll)

		r.Put("/subscribers", s.handleUpsertSubscriber)
		r.Route("/subscribers/{tenant}/{recipient}", func(r chi.Router) {
			r.Get("/jobs", s.handleRecipientJobs)
			r.Delete("/jobs", s.handlePurgeRecipient)
			r.Post("/cancel", s.handleCancelRecipient)
			r.Post("/block", s.handleBlockRecipient)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)
			r.Get("/upcoming", s.handleUpcomingCampaigns)
			r.Get("/{id}", s.handleGetCampaign)
			r.Post("/{id}/start", s.handleStartCampaign)
			r.Post("/{id}/cancel", s.handleCancelCampaign)
			r.Post("/{id}/complete", s.handleCompleteCampaign)
			r.Get("/{id}/stats", s.handleCampaignStats)
			r.Get("/{id}/recipients", s.handlePreviewRecipients)
			r.Get("/{id}/deliveries", s.handleCampaignDeliveries)
		})
	})
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:           s.config.ListenAddr,
		Handler:        s.router,
		MaxHeaderBytes: s.config.MaxHeaderBytes,
		ReadTimeout:    s.config.ReadTimeout,
		WriteTimeout:   s.config.WriteTimeout,
		IdleTimeout:    s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
