package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"navyk-backend/internal/chat"
	"navyk-backend/internal/config"
	"navyk-backend/internal/database"
	"navyk-backend/internal/handlers"
	"navyk-backend/internal/logging"
	"navyk-backend/internal/middleware"
	"navyk-backend/internal/ratelimit"
	"navyk-backend/internal/repository"
	"navyk-backend/internal/router"
	"navyk-backend/internal/services"
	"navyk-backend/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	log, err := logging.New(cfg.LogLevel, cfg.IsProduction())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting NAVYK backend", zap.String("env", cfg.Env))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	// ──── Step 3: Run Database Migrations ────
	if err := database.RunMigrations(ctx, pool, cfg.MigrationsPath, log); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	// ──── Step 4: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer redisClients.Close()
	log.Info("redis connected")

	// ──── Step 5: Initialize Gemini Coach ────
	catalog := services.NewCoachCatalog()
	gemini, err := services.NewGeminiCoach(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, 5, catalog, log.Named("gemini"))
	if err != nil {
		return fmt.Errorf("gemini: %w", err)
	}
	defer gemini.Close()
	log.Info("gemini client initialized", zap.String("model", cfg.GeminiModel))

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	sessionRepo := repository.NewChatSessionRepo(pool)
	events := services.NewEventPublisher(redisClients.PubSub, log.Named("events"))
	allowance := services.NewAllowance(redisClients.Commands, cfg.ChatMonthlyAllowance)
	functionLimiter := middleware.NewRateLimiter(
		ratelimit.NewRedisWindow(redisClients.Commands, "chat_fn_rate:", cfg.ChatRateLimit, cfg.ChatRateWindow),
		log.Named("ratelimit"),
	)

	// ──── Step 6: Chat Pipelines ────
	manager := chat.NewManager(chat.Config{
		Endpoint:       cfg.ChatFunctionURL,
		ChunkCap:       cfg.ChatChunkCap,
		RevealDelay:    cfg.ChatRevealDelay,
		RequestTimeout: cfg.ChatRequestTimeout,
	}, chat.ManagerOptions{
		Store:   sessionRepo,
		HTTP:    &http.Client{},
		Limiter: ratelimit.NewWindow(cfg.ChatRateLimit, cfg.ChatRateWindow),
		Credentials: func(userID uuid.UUID) chat.CredentialProvider {
			return chat.CredentialFunc(func(context.Context) (string, error) {
				return jwtAuth.GenerateAccessToken(userID, middleware.DefaultTokenTTL)
			})
		},
		Notifier: events.Notifier,
		Observer: events.Observer,
		Logger:   log,
		IdleTTL:  cfg.ChatIdleTTL,
	})

	// ──── Step 7: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, jwtAuth, log)

	// ──── Step 8: Start HTTP Server ────
	r := router.New(
		jwtAuth,
		handlers.NewChatHandler(manager, sessionRepo, catalog, log.Named("http")),
		handlers.NewChatFunctionHandler(gemini, allowance, catalog, log.Named("coach-chat")),
		functionLimiter,
		wsHub,
		cfg.FrontendURL,
	)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Chat function responses stream for up to the request timeout.
		WriteTimeout: cfg.ChatRequestTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("NAVYK backend ready",
			zap.String("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
			zap.String("ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port)))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		return manager.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := server.Shutdown(shutdownCtx)

		manager.Close()
		wsHub.Close()
		return err
	})

	return g.Wait()
}
