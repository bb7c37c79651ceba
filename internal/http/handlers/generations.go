package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/middleware"
	"github.com/psvps2-byte/kling-site/internal/pricing"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
)

type generateRequest struct {
	Kind    string         `json:"kind"`
	Tier    string         `json:"tier,omitempty"`
	Payload domain.Payload `json:"payload"`
}

type generateResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	CostPoints int    `json:"cost_points"`
	Balance    int    `json:"balance"`
}

type jobStatusResponse struct {
	JobID        string   `json:"job_id"`
	Kind         string   `json:"kind"`
	Status       string   `json:"status"`
	ResultURLs   []string `json:"result_urls"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// GenerationsCreate admits a generation job: validate, price, charge and
// enqueue in one transaction, then submit immediately for video kinds.
func (a *App) GenerationsCreate(w http.ResponseWriter, r *http.Request) {
	email := middleware.UserEmailFromContext(r.Context())
	if email == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	kind, ok := domain.ParseKind(req.Kind)
	if !ok {
		a.error(w, http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown kind %q", req.Kind))
		return
	}
	tier := domain.Tier(strings.ToUpper(strings.TrimSpace(req.Tier)))

	if err := pricing.Validate(kind, tier, req.Payload); err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}
	cost, err := pricing.Cost(kind, tier, req.Payload)
	if err != nil {
		a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	if _, err := a.Ledger.EnsureAccount(r.Context(), email); err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "account lookup failed")
		return
	}

	payloadJSON, err := json.Marshal(req.Payload)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job := &domain.Job{
		OwnerEmail:    email,
		Kind:          kind,
		Tier:          tier,
		CostPoints:    cost,
		Payload:       payloadJSON,
		ExpectedCount: pricing.ExpectedCount(kind, req.Payload),
	}

	if _, err := a.Ledger.SpendAndCreateJob(r.Context(), job); err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientFunds):
			a.error(w, http.StatusPaymentRequired, "insufficient_funds", "not enough points for this job")
		case errors.Is(err, domain.ErrAccountNotFound):
			a.error(w, http.StatusNotFound, "not_found", "account not found")
		default:
			a.Logger.Error().Err(err).Str("owner", email).Msg("admission: charge failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		}
		return
	}

	status := job.Status
	if kind.SubmitsAtAdmission() {
		taskID, err := a.Provider.Submit(r.Context(), kling.SubmitRequest{
			Kind:    kind,
			Tier:    tier,
			Payload: req.Payload,
		})
		if err != nil || taskID == "" {
			if err == nil {
				err = errors.New("provider returned no task id")
			}
			a.Comp.Fail(r.Context(), job, err)
			a.error(w, http.StatusBadGateway, "provider_rejected", "video provider rejected the job; points were refunded")
			return
		}
		if err := a.Jobs.MarkSubmitted(r.Context(), job.ID, taskID); err != nil {
			a.Logger.Error().Err(err).Str("job_id", job.ID).Msg("admission: mark submitted failed")
		} else {
			status = domain.StatusPending
		}
	}

	balance, err := a.Ledger.Balance(r.Context(), email)
	if err != nil {
		balance = 0
	}
	a.json(w, http.StatusAccepted, generateResponse{
		JobID:      job.ID,
		Status:     string(status),
		CostPoints: cost,
		Balance:    balance,
	})
}

// GenerationsGet is the owner-scoped poll endpoint.
func (a *App) GenerationsGet(w http.ResponseWriter, r *http.Request) {
	email := middleware.UserEmailFromContext(r.Context())
	if email == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}

	job, err := a.Jobs.GetByID(r.Context(), id)
	if err != nil || job.OwnerEmail != email {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.json(w, http.StatusOK, jobStatusResponse{
		JobID:        job.ID,
		Kind:         string(job.Kind),
		Status:       string(job.Status),
		ResultURLs:   job.ResultURLs,
		ErrorMessage: job.ErrorMessage,
	})
}

// GenerationsList returns the caller's recent jobs.
func (a *App) GenerationsList(w http.ResponseWriter, r *http.Request) {
	email := middleware.UserEmailFromContext(r.Context())
	if email == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobs, err := a.Jobs.ListByOwner(r.Context(), email, 50)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	items := make([]jobStatusResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, jobStatusResponse{
			JobID:        jobs[i].ID,
			Kind:         string(jobs[i].Kind),
			Status:       string(jobs[i].Status),
			ResultURLs:   jobs[i].ResultURLs,
			ErrorMessage: jobs[i].ErrorMessage,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
