package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/middleware"
	"github.com/psvps2-byte/kling-site/internal/pricing"
)

type paymentCreateRequest struct {
	AmountPoints int `json:"amount_points"`
}

type paymentResponse struct {
	ID           string `json:"id"`
	AmountPoints int    `json:"amount_points"`
	Status       string `json:"status"`
}

// PaymentsCreate opens a PENDING intent for a point purchase.
func (a *App) PaymentsCreate(w http.ResponseWriter, r *http.Request) {
	email := middleware.UserEmailFromContext(r.Context())
	if email == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req paymentCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.AmountPoints <= 0 || req.AmountPoints > pricing.RefundCeiling {
		a.error(w, http.StatusBadRequest, "bad_request", "amount_points out of range")
		return
	}

	intent := &domain.PaymentIntent{
		OwnerEmail:   email,
		AmountPoints: req.AmountPoints,
		Status:       domain.PaymentPending,
	}
	if err := a.Payments.Create(r.Context(), intent); err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to create payment intent")
		return
	}
	a.json(w, http.StatusCreated, paymentResponse{
		ID:           intent.ID,
		AmountPoints: intent.AmountPoints,
		Status:       string(intent.Status),
	})
}

// PaymentsConfirm stands in for the gateway callback. The conditional
// PENDING to PAID flip gates the credit, so replayed callbacks credit once.
func (a *App) PaymentsConfirm(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		a.error(w, http.StatusBadRequest, "bad_request", "id required")
		return
	}

	intent, err := a.Payments.GetByID(r.Context(), id)
	if err != nil {
		a.error(w, http.StatusNotFound, "not_found", "payment intent not found")
		return
	}

	won, err := a.Payments.MarkPaid(r.Context(), id)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to confirm payment")
		return
	}
	if won {
		if _, err := a.Ledger.Credit(r.Context(), intent.OwnerEmail, intent.AmountPoints); err != nil {
			a.Logger.Error().Err(err).
				Str("payment_id", id).
				Str("owner", intent.OwnerEmail).
				Msg("payments: credit failed after confirm")
		}
	}
	a.json(w, http.StatusOK, paymentResponse{
		ID:           intent.ID,
		AmountPoints: intent.AmountPoints,
		Status:       string(domain.PaymentPaid),
	})
}
