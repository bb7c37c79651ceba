// Package handlers implements the public HTTP API: generation admission and
// polling, payment intents, and credit administration.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/psvps2-byte/kling-site/internal/domain"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
	"github.com/psvps2-byte/kling-site/internal/worker"
)

// Submitter is the admission-time provider path for kinds that submit
// synchronously with the request.
type Submitter interface {
	Submit(ctx context.Context, req kling.SubmitRequest) (string, error)
}

type App struct {
	Ledger     domain.LedgerRepository
	Jobs       domain.JobRepository
	Payments   domain.PaymentRepository
	Provider   Submitter
	Comp       *worker.Compensator
	AdminToken string
	Logger     zerolog.Logger
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}
