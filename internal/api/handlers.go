package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/foxzi/dripline/internal/metrics"
	"github.com/foxzi/dripline/internal/model"
)

const maxBodyBytes = 1 << 20

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// EnrollRequest is the request body for POST /enrollments
type EnrollRequest struct {
	TenantID    string     `json:"tenant_id"`
	RecipientID string     `json:"recipient_id"`
	SequenceID  string     `json:"sequence_id"`
	EnrolledAt  *time.Time `json:"enrolled_at,omitempty"`
}

// EnrollResponse is the response for POST /enrollments
type EnrollResponse struct {
	Jobs []model.ScheduledJob `json:"jobs"`
}

// DelayRequest is the request body for PUT /steps/{id}/delay
type DelayRequest struct {
	Delay string `json:"delay"`
}

// ActiveRequest is the request body for PUT /steps/{id}/active
type ActiveRequest struct {
	Active bool `json:"active"`
}

// CancelRequest is the request body for POST /subscribers/{tenant}/{recipient}/cancel
type CancelRequest struct {
	Reason string `json:"reason"`
}

// CountResponse reports how many records an operation touched
type CountResponse struct {
	Count int64 `json:"count"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  s.clock.Now().Sub(s.startTime).Truncate(time.Second).String(),
	})
}

// handleUpsertSequence handles PUT /api/v1/sequences
func (s *Server) handleUpsertSequence(w http.ResponseWriter, r *http.Request) {
	var spec model.SequenceSpec
	if !s.decode(w, r, &spec) {
		return
	}
	seq, err := s.funnel.UpsertSequence(r.Context(), spec)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, seq)
}

// handleGetSequence handles GET /api/v1/sequences/{id}
func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.funnel.GetSequence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, seq)
}

// handleAddStep handles POST /api/v1/sequences/{id}/steps
func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var spec model.StepSpec
	if !s.decode(w, r, &spec) {
		return
	}
	spec.SequenceID = chi.URLParam(r, "id")

	step, err := s.funnel.AddStep(r.Context(), spec)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, step)
}

// handleListSteps handles GET /api/v1/sequences/{id}/steps
func (s *Server) handleListSteps(w http.ResponseWriter, r *http.Request) {
	steps, err := s.funnel.ListSteps(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if steps == nil {
		steps = []model.Step{}
	}
	s.sendJSON(w, http.StatusOK, steps)
}

// handleRescheduleStep handles PUT /api/v1/steps/{id}/delay
func (s *Server) handleRescheduleStep(w http.ResponseWriter, r *http.Request) {
	var req DelayRequest
	if !s.decode(w, r, &req) {
		return
	}
	n, err := s.funnel.RescheduleForStep(r.Context(), chi.URLParam(r, "id"), req.Delay)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	metrics.AddJobsRescheduled(n)
	s.stats.Invalidate()
	s.sendJSON(w, http.StatusOK, CountResponse{Count: int64(n)})
}

// handleSetStepActive handles PUT /api/v1/steps/{id}/active
func (s *Server) handleSetStepActive(w http.ResponseWriter, r *http.Request) {
	var req ActiveRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.funnel.SetStepActive(r.Context(), chi.URLParam(r, "id"), req.Active); err != nil {
		s.sendServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStepStats handles GET /api/v1/steps/{id}/stats
func (s *Server) handleStepStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, _, err := s.funnel.StepWithSequence(r.Context(), id); err != nil {
		s.sendServiceError(w, err)
		return
	}
	summary, err := s.stats.StepSummary(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// handleEnroll handles POST /api/v1/enrollments
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req EnrollRequest
	if !s.decode(w, r, &req) {
		return
	}
	at := s.clock.Now()
	if req.EnrolledAt != nil {
		at = *req.EnrolledAt
	}

	jobs, err := s.funnel.Enroll(r.Context(), req.TenantID, req.RecipientID, req.SequenceID, at)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, EnrollResponse{Jobs: jobs})
}

// handleUpsertSubscriber handles PUT /api/v1/subscribers
func (s *Server) handleUpsertSubscriber(w http.ResponseWriter, r *http.Request) {
	var spec model.SubscriberSpec
	if !s.decode(w, r, &spec) {
		return
	}
	sub, err := s.campaigns.UpsertSubscriber(r.Context(), spec)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, sub)
}

// handleRecipientJobs handles GET /api/v1/subscribers/{tenant}/{recipient}/jobs
func (s *Server) handleRecipientJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.funnel.JobsForRecipient(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []model.ScheduledJob{}
	}
	s.sendJSON(w, http.StatusOK, jobs)
}

// handlePurgeRecipient handles DELETE /api/v1/subscribers/{tenant}/{recipient}/jobs
func (s *Server) handlePurgeRecipient(w http.ResponseWriter, r *http.Request) {
	n, err := s.funnel.PurgeRecipient(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleCancelRecipient handles POST /api/v1/subscribers/{tenant}/{recipient}/cancel
func (s *Server) handleCancelRecipient(w http.ResponseWriter, r *http.Request) {
	var req CancelRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	n, err := s.funnel.CancelRecipient(r.Context(), chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient"), req.Reason)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleBlockRecipient handles POST /api/v1/subscribers/{tenant}/{recipient}/block
func (s *Server) handleBlockRecipient(w http.ResponseWriter, r *http.Request) {
	tenant, recipient := chi.URLParam(r, "tenant"), chi.URLParam(r, "recipient")
	if err := s.campaigns.BlockRecipient(r.Context(), tenant, recipient); err != nil {
		s.sendServiceError(w, err)
		return
	}
	n, err := s.funnel.CancelRecipient(r.Context(), tenant, recipient, "recipient blocked")
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CountResponse{Count: n})
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var spec model.CampaignSpec
	if !s.decode(w, r, &spec) {
		return
	}
	c, err := s.campaigns.CreateCampaign(r.Context(), spec)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, c)
}

// handleListCampaigns handles GET /api/v1/campaigns?tenant_id=&limit=
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.sendError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	list, err := s.campaigns.ListCampaigns(r.Context(), tenant, limit)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleUpcomingCampaigns handles GET /api/v1/campaigns/upcoming?tenant_id=
func (s *Server) handleUpcomingCampaigns(w http.ResponseWriter, r *http.Request) {
	tenant := r.URL.Query().Get("tenant_id")
	if tenant == "" {
		s.sendError(w, http.StatusBadRequest, "tenant_id is required")
		return
	}
	list, err := s.campaigns.UpcomingCampaigns(r.Context(), tenant)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	if list == nil {
		list = []model.Campaign{}
	}
	s.sendJSON(w, http.StatusOK, list)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.GetCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleStartCampaign handles POST /api/v1/campaigns/{id}/start
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.StartCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	metrics.IncCampaignsStarted()
	s.sendJSON(w, http.StatusOK, c)
}

// handleCancelCampaign handles POST /api/v1/campaigns/{id}/cancel
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.campaigns.CancelCampaign(r.Context(), id); err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.stats.Invalidate()
	c, err := s.campaigns.GetCampaign(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleCompleteCampaign handles POST /api/v1/campaigns/{id}/complete
func (s *Server) handleCompleteCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.CompleteCampaign(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.stats.Invalidate()
	s.sendJSON(w, http.StatusOK, c)
}

// handlePreviewRecipients handles GET /api/v1/campaigns/{id}/recipients
func (s *Server) handlePreviewRecipients(w http.ResponseWriter, r *http.Request) {
	n, err := s.campaigns.PreviewRecipients(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, CountResponse{Count: int64(n)})
}

// handleCampaignDeliveries handles GET /api/v1/campaigns/{id}/deliveries
func (s *Server) handleCampaignDeliveries(w http.ResponseWriter, r *http.Request) {
	records, err := s.campaigns.Deliveries(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, records)
}

// handleCampaignStats handles GET /api/v1/campaigns/{id}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.campaigns.GetCampaign(r.Context(), id); err != nil {
		s.sendServiceError(w, err)
		return
	}
	summary, err := s.stats.CampaignSummary(r.Context(), id)
	if err != nil {
		s.sendServiceError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// decode reads a JSON body. On failure it writes a 400 and returns false.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// sendServiceError maps domain errors to status codes
func (s *Server) sendServiceError(w http.ResponseWriter, err error) {
	var verr *model.ValidationError
	switch {
	case errors.As(err, &verr):
		s.sendJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Field: verr.Field})
	case model.IsNotFound(err):
		s.sendError(w, http.StatusNotFound, err.Error())
	case model.IsStaleTransition(err):
		s.sendError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		s.sendError(w, http.StatusInternalServerError, "internal error")
	}
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

func slogLevelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}
