package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/psvps2-byte/kling-site/internal/adapter/repo"
	"github.com/psvps2-byte/kling-site/internal/infra"
	"github.com/psvps2-byte/kling-site/internal/provider/kling"
	"github.com/psvps2-byte/kling-site/internal/provider/openai"
	"github.com/psvps2-byte/kling-site/internal/storage"
	"github.com/psvps2-byte/kling-site/internal/worker"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = "worker-" + uuid.NewString()[:8]
	}
	logger = logger.With().Str("worker_id", workerID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	ledger := repo.NewLedgerRepository(dbpool)
	jobs := repo.NewJobRepository(dbpool)

	klingClient, err := kling.NewClient(kling.Options{
		AccessKey: cfg.KlingAccessKey,
		SecretKey: cfg.KlingSecretKey,
		BaseURL:   cfg.KlingBaseURL,
		Logger:    &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build provider client")
	}
	openaiClient, err := openai.NewClient(openai.Options{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Logger:  &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build image client")
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build blob store")
	}

	comp := worker.NewCompensator(ledger, logger)
	reconciler := worker.NewReconciler(workerID, jobs, klingClient, openaiClient, store, comp, cfg.PollInterval, logger)
	dispatcher := worker.NewDispatcher(jobs, klingClient, comp, cfg.MaxConcurrent, cfg.PollInterval, logger)
	watchdog := worker.NewWatchdog(jobs, comp, cfg.QueuedGrace, cfg.RunningCeiling, 0, logger)

	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{
		reconciler.Run,
		dispatcher.Run,
		watchdog.Run,
	} {
		wg.Add(1)
		go func(run func(context.Context) error) {
			defer wg.Done()
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Msg("worker loop exited")
			}
		}(run)
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	wg.Wait()
	logger.Info().Msg("worker stopped")
}

func buildStore(ctx context.Context, cfg *infra.Config) (storage.BlobStore, error) {
	if cfg.StorageDriver == "s3" {
		return storage.NewS3Store(ctx, storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			Endpoint:        cfg.S3Endpoint,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretKey,
			ForcePathStyle:  cfg.S3Endpoint != "",
			PublicBaseURL:   cfg.StorageBaseURL,
		})
	}
	return storage.NewFileStore(cfg.StoragePath, cfg.StorageBaseURL)
}
