package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"docforge/api/internal/app"
	"docforge/api/internal/archive"
	"docforge/api/internal/cache"
	"docforge/api/internal/completion"
	"docforge/api/internal/config"
	"docforge/api/internal/history"
	"docforge/api/internal/search"
	"docforge/api/internal/store"
	"docforge/api/internal/workflow"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal(logger, "database connection failed", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		fatal(logger, "migrations failed", err)
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		fatal(logger, "failed to create repos dir", err)
	}

	dataStore := store.NewPostgresStore(db)

	var roundCache workflow.RoundCache
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisCache, err := cache.NewRedisRoundCache(cfg.RedisURL, cfg.RoundTTL)
		if err != nil {
			fatal(logger, "redis connection failed", err)
		}
		defer redisCache.Close()
		roundCache = redisCache
		logger.Info("round cache enabled", "ttl", cfg.RoundTTL.String())
	}

	if strings.TrimSpace(cfg.CompletionAPIKey) == "" {
		logger.Warn("COMPLETION_API_KEY is not set; generation steps will fail")
	}
	completer, err := completion.New(completion.Config{
		APIKey:      cfg.CompletionAPIKey,
		BaseURL:     cfg.CompletionBaseURL,
		Model:       cfg.CompletionModel,
		MaxAttempts: cfg.CompletionMaxAttempts,
		BaseDelay:   cfg.CompletionBaseDelay,
		Timeout:     cfg.CompletionTimeout,
		Logger:      logger,
	})
	if err != nil {
		fatal(logger, "completion client setup failed", err)
	}

	wf := workflow.New(dataStore, completer, workflow.Options{
		QuestionsPerRound: cfg.QuestionsPerRound,
		RoundCache:        roundCache,
		Logger:            logger,
	})

	var engine search.Engine
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		defer meiliClient.Close()
		engine = meiliClient
	}
	searchService := search.NewService(engine, search.NewPgFTS(db), logger)
	defer searchService.Wait()
	go searchService.ReindexAll(ctx)

	opts := app.Options{
		DB:        dataStore,
		Search:    searchService,
		History:   history.New(cfg.ReposDir),
		JWTSecret: []byte(cfg.JWTSecret),
		Logger:    logger,
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiveStore, err := archive.New(archive.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			fatal(logger, "archive setup failed", err)
		}
		if err := archiveStore.EnsureBucket(ctx); err != nil {
			logger.Warn("archive bucket unavailable", "bucket", cfg.MinioBucket, "error", err)
		}
		opts.Archive = archiveStore
	}

	service := app.NewService(wf, opts)
	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      3 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("docforge API listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fatal(logger, "server failed", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
}

func fatal(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	os.Exit(1)
}
