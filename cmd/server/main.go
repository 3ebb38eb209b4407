package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"hackhub-backend/internal/assistant"
	"hackhub-backend/internal/chatstore"
	"hackhub-backend/internal/config"
	"hackhub-backend/internal/database"
	"hackhub-backend/internal/handlers"
	"hackhub-backend/internal/logging"
	"hackhub-backend/internal/middleware"
	"hackhub-backend/internal/repository"
	"hackhub-backend/internal/router"
	"hackhub-backend/internal/services"
	"hackhub-backend/internal/websocket"
	"hackhub-backend/migrations"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	logger, err := logging.New(cfg.Env)
	if err != nil {
		log.Fatalf("✗ Logger initialization failed: %v", err)
	}
	defer logger.Sync()
	logger.Info("🚀 Starting HackHub assistant backend...", zap.String("env", cfg.Env))

	catalog, err := config.LoadModelCatalog(cfg.ModelProfilesPath, cfg.DefaultModelID)
	if err != nil {
		logger.Fatal("✗ Model profiles invalid", zap.Error(err))
	}
	logger.Info("✓ Model profiles loaded", zap.Int("profiles", len(catalog.List())), zap.String("default", catalog.Default().ID))

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("✗ PostgreSQL connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		logger.Fatal("✗ Redis connection failed", zap.Error(err))
	}
	defer redisClients.Close()
	logger.Info("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(context.Background(), pool, migrations.FS, logger); err != nil {
		logger.Fatal("✗ Database migration failed", zap.Error(err))
	}
	logger.Info("✓ Database migrations applied")

	// ──── Step 5: Initialize Message Store ────
	chatRepo := repository.NewChatRepo(pool)
	store := chatstore.NewStore(chatRepo, redisClients.PubSub, logger)
	summaryCache := chatstore.NewSummaryCache(redisClients.Cache, cfg.SummaryCacheTTL, logger)

	// ──── Step 6: Initialize AI Providers ────
	var gemini *services.GeminiService
	if cfg.GeminiAPIKey != "" {
		gemini, err = services.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiConcurrentReqs, cfg.SummaryModel, logger)
		if err != nil {
			logger.Fatal("✗ Gemini client initialization failed", zap.Error(err))
		}
		defer gemini.Close()
		logger.Info("✓ Gemini client initialized")
	} else {
		logger.Error("GEMINI_API_KEY is not set; in-process AI routes are disabled")
	}

	aiCfg := handlers.AIHandlerConfig{
		Catalog: catalog,
		Timeout: cfg.CallTimeout,
		Logger:  logger,
	}
	if gemini != nil {
		aiCfg.Completer = gemini
		aiCfg.Summarizer = gemini
		aiCfg.Ideas = gemini
	}

	// Chat views talk to the completion and summarization endpoints over
	// HTTP when they are configured, and to Gemini directly otherwise.
	var completer assistant.Completer
	var summaryBackend assistant.SummaryBackend
	switch {
	case cfg.CompletionURL != "":
		completer = assistant.NewHTTPCompleter(cfg.CompletionURL, cfg.ProxyToken)
	case gemini != nil:
		completer = gemini
	}
	switch {
	case cfg.SummarizeURL != "":
		summaryBackend = assistant.NewHTTPSummaryBackend(cfg.SummarizeURL, cfg.ProxyToken)
	case gemini != nil:
		summaryBackend = gemini
	}
	if !cfg.AssistantConfigured() {
		logger.Error("no completion provider configured; chat views will show the setup notice")
	}

	invoker := assistant.NewInvoker(completer, assistant.InvokerConfig{Timeout: cfg.CallTimeout}, logger)
	var summarizer *assistant.Summarizer
	if summaryBackend != nil {
		summarizer = assistant.NewSummarizer(summaryBackend, assistant.SummarizerConfig{
			Model:     cfg.SummaryModel,
			CharLimit: cfg.SummaryCharLimit,
			Timeout:   cfg.CallTimeout,
		}, logger)
	}

	// ──── Step 7: Start WebSocket Hub ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	wsHub := websocket.NewHub(websocket.HubConfig{
		Auth:          jwtAuth,
		Store:         store,
		Summarizer:    summarizer,
		Invoker:       invoker,
		Cache:         summaryCache,
		Catalog:       catalog,
		SystemPrompt:  cfg.SystemPrompt,
		ContextWindow: cfg.ContextWindowSize,
		Logger:        logger,
	})
	logger.Info("✓ WebSocket hub started", zap.Int("context_window", cfg.ContextWindowSize))

	// ──── Step 8: Start HTTP Server ────
	aiLimiter := middleware.NewRateLimiter(cfg.AIRateLimitPerMin, time.Minute)
	defer aiLimiter.Stop()

	r := router.New(
		jwtAuth,
		aiLimiter,
		handlers.NewAIHandler(aiCfg),
		handlers.NewChatHandler(store),
		wsHub,
		cfg.FrontendURL,
	)

	// Completions can take up to the call timeout.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.CallTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("Shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := wsHub.Shutdown(ctx); err != nil {
			logger.Warn("websocket hub did not drain", zap.Error(err))
		}
		server.Shutdown(ctx)
	}()

	logger.Info(fmt.Sprintf("✓ HackHub backend ready on http://localhost:%s", cfg.Port),
		zap.String("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://localhost:%s/api/v1/sessions/{id}/assistant/ws", cfg.Port)))

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		logger.Fatal("Server error", zap.Error(err))
	}
}
