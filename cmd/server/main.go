package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/teamKimtaerin/ecg-backend/internal/auth"
	"github.com/teamKimtaerin/ecg-backend/internal/client"
	"github.com/teamKimtaerin/ecg-backend/internal/config"
	"github.com/teamKimtaerin/ecg-backend/internal/handler"
	"github.com/teamKimtaerin/ecg-backend/internal/middleware"
	"github.com/teamKimtaerin/ecg-backend/internal/quota"
	"github.com/teamKimtaerin/ecg-backend/internal/service"
	"github.com/teamKimtaerin/ecg-backend/internal/stage"
	"github.com/teamKimtaerin/ecg-backend/internal/store"
	"github.com/teamKimtaerin/ecg-backend/internal/transfer"
	"github.com/teamKimtaerin/ecg-backend/internal/worker"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis not available: %v", err)
	}

	// Initialize Asynq client
	asynqClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer asynqClient.Close()

	// Initialize validator
	validate := validator.New()

	// Job store and quota ledger
	jobStore := store.NewRedisStore(redisClient)
	ledger := quota.NewRedisLedger(redisClient, &cfg.YouTube)

	// Staging backend: R2 when configured so a remote worker can reach
	// staged payloads, local disk otherwise.
	var stg stage.Stage
	if cfg.R2.AccessKeyID != "" && cfg.R2.SecretAccessKey != "" {
		r2Stage, err := stage.NewR2Stage(&cfg.R2)
		if err != nil {
			log.Fatalf("Failed to initialize R2 staging: %v", err)
		}
		stg = r2Stage
	} else {
		log.Println("Info: R2 staging not configured, using local disk")
		diskStage, err := stage.NewDiskStage(filepath.Join(cfg.Upload.TempDir, "ecg-uploads"))
		if err != nil {
			log.Fatalf("Failed to initialize disk staging: %v", err)
		}
		stg = diskStage
	}

	// YouTube client — unconfigured credential selects the mock transfer path
	creds := &client.StaticCredentials{Token: cfg.YouTube.AccessToken}
	youtubeClient := client.NewYouTubeClient(&cfg.YouTube, creds)

	var engine *transfer.Engine
	if youtubeClient.IsConfigured() {
		engine = transfer.NewEngine(youtubeClient, stg, &cfg.YouTube, cfg.Upload.TempDir)
	} else {
		log.Println("Info: YouTube credential not configured, uploads run in mock mode")
	}

	// Initialize OIDC JWKS verifier (optional - falls back to legacy JWT)
	var jwksVerifier *auth.JWKSVerifier
	if cfg.OIDC.Issuer != "" {
		var err error
		jwksVerifier, err = auth.NewJWKSVerifier(&cfg.OIDC)
		if err != nil {
			log.Printf("Warning: JWKS verifier not initialized: %v", err)
		} else {
			defer jwksVerifier.Close()
		}
	}

	// Services
	uploadService := service.NewUploadService(jobStore, ledger, stg, asynqClient, validate, cfg.YouTube.UploadCost)

	// Handlers
	youtubeHandler := handler.NewYouTubeHandler(uploadService, cfg.Upload.MaxFileSizeMB)

	// Initialize auth handler for ForwardAuth verification
	var tokenVerifier auth.TokenVerifier
	if jwksVerifier != nil {
		tokenVerifier = jwksVerifier
	}
	authHandler := handler.NewAuthHandler(tokenVerifier, cfg.JWT.Secret)

	// Initialize middleware (with fallback support)
	var apiAuthMiddleware fiber.Handler
	if cfg.Gateway.Enabled {
		// Behind Traefik: auth is handled by ForwardAuth, read X-User-* headers
		log.Println("Info: Gateway mode enabled — using header-based auth")
		apiAuthMiddleware = middleware.GatewayAuthMiddleware()
	} else {
		var authMiddleware *middleware.AuthMiddleware
		if jwksVerifier != nil && cfg.JWT.Secret != "" {
			authMiddleware = middleware.NewAuthMiddlewareWithFallback(jwksVerifier, cfg.JWT.Secret)
		} else if jwksVerifier != nil {
			authMiddleware = middleware.NewAuthMiddleware(jwksVerifier)
		} else {
			authMiddleware = middleware.NewLegacyAuthMiddleware(cfg.JWT.Secret)
		}
		apiAuthMiddleware = authMiddleware.Authenticate()
	}
	rateLimiter := middleware.NewRateLimiter(redisClient)

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: customErrorHandler,
		BodyLimit:    cfg.Upload.MaxFileSizeMB * 1024 * 1024,
	})

	// Global middleware
	app.Use(recover.New())
	isDebug := strings.EqualFold(cfg.Server.LogLevel, "debug")
	logFormat := "[${time}] ${status} - ${latency} ${method} ${path}\n"
	if isDebug {
		logFormat = "[${time}] ${status} - ${latency} ${method} ${path} ${queryParams} ${reqHeaders}\n"
		log.Println("Debug logging enabled")
	}
	app.Use(logger.New(logger.Config{
		Format: logFormat,
	}))
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Base URL - timestamp
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"timestamp": time.Now().Unix(),
		})
	})

	// Health check
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status": "ok",
			"services": fiber.Map{
				"youtube": youtubeClient.IsConfigured(),
				"redis":   redisClient.Ping(c.Context()).Err() == nil,
				"r2":      cfg.R2.AccessKeyID != "",
				"auth":    jwksVerifier != nil || cfg.JWT.Secret != "",
			},
		})
	})

	// ForwardAuth verification endpoint (internal, called by Traefik)
	app.Get("/auth/verify", authHandler.Verify)

	// API routes
	api := app.Group("/api", apiAuthMiddleware)

	youtube := api.Group("/youtube")
	youtube.Post("/upload", rateLimiter.UploadLimit(cfg.RateLimit.UploadPerHour), youtubeHandler.Upload)
	youtube.Get("/status/:uploadId", rateLimiter.StatusLimit(cfg.RateLimit.StatusPerMin), youtubeHandler.Status)
	youtube.Get("/quota", youtubeHandler.Quota)
	youtube.Delete("/cancel/:uploadId", youtubeHandler.Cancel)

	// Start Asynq worker server
	go startWorkerServer(cfg, uploadService, engine)

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Println("Shutting down server...")
		if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	// Start server
	addr := ":" + cfg.Server.Port
	log.Printf("Server starting on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}

func startWorkerServer(cfg *config.Config, uploadService *service.UploadService, engine *transfer.Engine) {
	asynqLogLevel := asynq.InfoLevel
	if strings.EqualFold(cfg.Server.LogLevel, "debug") {
		asynqLogLevel = asynq.DebugLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "warn") {
		asynqLogLevel = asynq.WarnLevel
	} else if strings.EqualFold(cfg.Server.LogLevel, "error") {
		asynqLogLevel = asynq.ErrorLevel
	}

	srv := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		},
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"upload": 10,
			},
			LogLevel: asynqLogLevel,
		},
	)

	uploadWorker := worker.NewUploadWorker(uploadService, engine)

	mux := asynq.NewServeMux()
	mux.HandleFunc(service.TaskTypeYouTubeUpload, uploadWorker.ProcessTask)

	if err := srv.Run(mux); err != nil {
		log.Printf("Asynq worker error: %v", err)
	}
}

func customErrorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	if e, ok := err.(*fiber.Error); ok {
		code = e.Code
		message = e.Message
	}

	return c.Status(code).JSON(fiber.Map{
		"error": fiber.Map{
			"code":    "SERVICE_ERROR",
			"message": message,
		},
	})
}
