// Package httpapi assembles the public router.
package httpapi

import (
	stdhttp "net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/psvps2-byte/kling-site/internal/http/handlers"
	"github.com/psvps2-byte/kling-site/internal/middleware"
)

type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	// StaticDir, when set, is served under /static for the filesystem
	// storage driver.
	StaticDir string
	Logger    zerolog.Logger
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.Logger(opts.Logger))
	if len(opts.AllowedOrigins) > 0 {
		r.Use(middleware.CORS(opts.AllowedOrigins))
	}

	r.Get("/v1/healthz", app.Health)

	if opts.StaticDir != "" {
		fs := stdhttp.StripPrefix("/static/", stdhttp.FileServer(stdhttp.Dir(opts.StaticDir)))
		r.Get("/static/*", fs.ServeHTTP)
	}

	// Gateway callback; authenticated by intent id knowledge, not a session.
	r.Post("/v1/payments/{id}/confirm", app.PaymentsConfirm)

	// Admin path guarded by its own token inside the handler.
	r.Post("/v1/credits/refund", app.CreditsRefund)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(opts.JWTSecret))

		r.Route("/v1/generations", func(r chi.Router) {
			r.Post("/", app.GenerationsCreate)
			r.Get("/", app.GenerationsList)
			r.Get("/{id}", app.GenerationsGet)
		})

		r.Post("/v1/payments", app.PaymentsCreate)
		r.Get("/v1/credits/balance", app.CreditsBalance)
	})

	return r
}
