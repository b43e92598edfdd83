package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"leadsheet/internal/config"
	"leadsheet/internal/credential"
	"leadsheet/internal/db"
	"leadsheet/internal/extract"
	"leadsheet/internal/httpserver"
	"leadsheet/internal/llm/openai"
	"leadsheet/internal/marker"
	"leadsheet/internal/mq"
	"leadsheet/internal/pipeline"
	redisclient "leadsheet/internal/redis"
	"leadsheet/internal/repository"
	"leadsheet/internal/sheets"
	"leadsheet/internal/util"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config load failed", zap.Error(err))
	}

	logger.Info("Starting leadsheet worker...")

	dbConn, err := db.NewConnection(cfg.DB, logger)
	if err != nil {
		logger.Fatal("DB initialization failed", zap.Error(err))
	}
	defer dbConn.Close()

	rdb := redisclient.NewClient(cfg.Redis)
	defer rdb.Close()

	deduper := util.NewDeduper(rdb, time.Hour)
	retryCounter := util.NewRetryCounter(rdb, time.Hour)

	// Repositories
	messageRepo := repository.NewMessageRepository(dbConn)
	tenantRepo := repository.NewTenantRepository(dbConn, logger)
	credentialRepo := repository.NewCredentialRepository(dbConn)

	// Credential manager: one process-wide key, per-tenant refresh locking.
	cipher, err := credential.NewCipherFromBase64(cfg.Credential.Key)
	if err != nil {
		logger.Fatal("credential cipher init failed", zap.Error(err))
	}
	tokenEndpoint := credential.NewTokenEndpoint(cfg.OAuth.TokenURL, cfg.OAuth.ClientID, cfg.OAuth.ClientSecret)
	credManager := credential.NewManager(credentialRepo, cipher, tokenEndpoint, logger)

	// External clients
	llmClient := openai.New(cfg.LLM.BaseURL, cfg.LLM.APIKey)
	sheetsClient := sheets.NewClient(cfg.Sheets.BaseURL, credManager, logger)

	// Pipeline components
	extractor := extract.New(llmClient, cfg.LLM.PrimaryModel, cfg.LLM.FallbackModel, logger)
	reconciler := sheets.NewReconciler(sheetsClient, logger)
	trigger := pipeline.NewTriggerEvaluator(llmClient, cfg.LLM.ClassifierModel, logger)

	publisher, err := mq.NewPublisher(cfg.MQ.URL)
	if err != nil {
		logger.Fatal("failed to init publisher", zap.Error(err))
	}
	defer publisher.Close()

	completionMarker := marker.New(messageRepo, publisher, logger)

	consumer, err := mq.NewConsumer(cfg.MQ.URL, "message.received.pipeline.q", mq.RoutingKeyMessageReceived, logger)
	if err != nil {
		logger.Fatal("failed to init consumer", zap.Error(err))
	}
	consumer.WithRetryCounter(retryCounter, 5)

	listener := pipeline.NewListener(
		consumer,
		messageRepo,
		tenantRepo,
		credManager,
		trigger,
		extractor,
		reconciler,
		completionMarker,
		deduper,
		logger,
	)

	// Ops server: healthz, metrics, JWT-guarded status.
	ops := httpserver.New(cfg.Ops.Port, cfg.Ops.JWTSecret, func() any {
		statusCtx, statusCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer statusCancel()
		backlog, err := messageRepo.CountUnprocessed(statusCtx)
		if err != nil {
			logger.Warn("failed to count unprocessed messages", zap.Error(err))
			backlog = -1
		}
		return map[string]any{
			"counters":            listener.Snapshot(),
			"unprocessed_backlog": backlog,
		}
	}, logger)
	go func() {
		if err := ops.ListenAndServe(); err != nil {
			logger.Warn("ops server stopped", zap.Error(err))
		}
	}()
	defer ops.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutdown signal received")
		cancel()
		listener.Stop()
	}()

	logger.Info("Pipeline listener starting")
	if err := listener.Run(ctx); err != nil && ctx.Err() == nil {
		// Feed-level failure: tear down without auto-restart, supervision
		// is external.
		logger.Fatal("listener terminated", zap.Error(err))
	}
	logger.Info("worker stopped")
}
