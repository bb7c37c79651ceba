package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/middleware"
	"github.com/psvps2-byte/kling-site/internal/pricing"
)

type balanceResponse struct {
	Email   string `json:"email"`
	Balance int    `json:"balance"`
}

// CreditsBalance returns the caller's current balance, creating the account
// on first access.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	email := middleware.UserEmailFromContext(r.Context())
	if email == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	account, err := a.Ledger.EnsureAccount(r.Context(), email)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to load account")
		return
	}
	a.json(w, http.StatusOK, balanceResponse{Email: account.Email, Balance: account.Points})
}

type adminRefundRequest struct {
	Account string `json:"account"`
	Amount  int    `json:"amount"`
}

// CreditsRefund is the manual admin credit path, guarded by a static token.
func (a *App) CreditsRefund(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Admin-Token")
	if a.AdminToken == "" || subtle.ConstantTimeCompare([]byte(token), []byte(a.AdminToken)) != 1 {
		a.error(w, http.StatusForbidden, "forbidden", "admin token required")
		return
	}

	var req adminRefundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	if req.Account == "" || req.Amount <= 0 || req.Amount > pricing.RefundCeiling {
		a.error(w, http.StatusBadRequest, "bad_request", "account and a positive amount are required")
		return
	}

	balance, err := a.Ledger.Refund(r.Context(), req.Account, req.Amount)
	if err != nil {
		if errors.Is(err, domain.ErrAccountNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "refund failed")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"account": req.Account, "new_balance": balance})
}
