package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/psvps2-byte/kling-site/internal/adapter/repo"
	"github.com/psvps2-byte/kling-site/internal/http/handlers"
	"github.com/psvps2-byte/kling-site/internal/http/httpapi"
	"github.com/psvps2-byte/kling-site/internal/infra"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
	"github.com/psvps2-byte/kling-site/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if err := infra.RunMigrations(cfg, "migrations", logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	ledger := repo.NewLedgerRepository(dbpool)
	jobs := repo.NewJobRepository(dbpool)
	payments := repo.NewPaymentRepository(dbpool)

	klingClient, err := kling.NewClient(kling.Options{
		AccessKey: cfg.KlingAccessKey,
		SecretKey: cfg.KlingSecretKey,
		BaseURL:   cfg.KlingBaseURL,
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider client")
	}

	app := &handlers.App{
		Ledger:     ledger,
		Jobs:       jobs,
		Payments:   payments,
		Provider:   klingClient,
		Comp:       worker.NewCompensator(ledger, logger),
		AdminToken: cfg.AdminToken,
		Logger:     logger,
	}

	routerOpts := httpapi.Options{
		JWTSecret:      cfg.JWTSecret,
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	}
	if cfg.StorageDriver == "fs" {
		routerOpts.StaticDir = cfg.StoragePath
	}
	router := httpapi.NewRouter(app, routerOpts)

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on %s", server.Addr())
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
