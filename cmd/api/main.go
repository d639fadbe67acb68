package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/copyforge/pipeline/internal/auth"
	"github.com/copyforge/pipeline/internal/cache"
	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/contentstore"
	"github.com/copyforge/pipeline/internal/database"
	"github.com/copyforge/pipeline/internal/delivery"
	"github.com/copyforge/pipeline/internal/events"
	"github.com/copyforge/pipeline/internal/generator"
	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/internal/metrics"
	"github.com/copyforge/pipeline/internal/middleware"
	"github.com/copyforge/pipeline/internal/orchestrator"
	"github.com/copyforge/pipeline/internal/quota"
	"github.com/copyforge/pipeline/internal/tracing"
	"github.com/copyforge/pipeline/internal/worker"
)

// API carries the wired components behind the HTTP handlers.
type API struct {
	cfg       *config.Config
	log       *logging.Logger
	repo      *database.Repository
	authority *auth.Authority
	ledger    *quota.Ledger
	orch      *orchestrator.Orchestrator
	store     *contentstore.Store
	cache     *cache.Cache
}

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logging: %v\n", err)
		os.Exit(1)
	}

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.Endpoint)
		if err != nil {
			log.Fatalf("Failed to initialize tracing: %v", err)
		}
		defer closer.Close()
	}

	db, err := database.New(cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	repo := database.NewRepository(db)

	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	authority, err := auth.NewAuthority(rdb, repo, auth.Options{
		Secret:          cfg.Auth.JWTSecret,
		AccessTokenTTL:  cfg.Auth.AccessTokenTTL,
		RefreshTokenTTL: cfg.Auth.RefreshTokenTTL,
		StreamTicketTTL: cfg.Auth.StreamTicketTTL,
	})
	if err != nil {
		log.Fatalf("Failed to initialize token authority: %v", err)
	}

	ledger := quota.NewLedger(rdb, cfg.Quota.Limits())

	store, err := contentstore.New(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize artifact store: %v", err)
	}

	publisher, err := events.New(cfg.Queue)
	if err != nil {
		log.Fatalf("Failed to connect to event queue: %v", err)
	}
	defer publisher.Close()

	var producer worker.Producer
	switch cfg.Generator.Mode {
	case "scripted":
		producer = generator.NewScripted(
			"This is scripted output for local development. ",
			"It streams in fixed chunks. ",
			"Configure generator.mode=upstream for real generation.",
		)
	default:
		producer = generator.NewUpstream(cfg.Generator)
	}

	pool := worker.NewPool(cfg.Pipeline.WorkerCount, producer)
	hub := delivery.NewHub(cfg.Pipeline.LiveWindow, cfg.Pipeline.GraceTimeout, log)
	orch := orchestrator.New(cfg.Pipeline, pool, hub, ledger, repo, store, publisher, log)

	api := &API{
		cfg:       cfg,
		log:       log,
		repo:      repo,
		authority: authority,
		ledger:    ledger,
		orch:      orch,
		store:     store,
		cache:     cache.NewCacheWithClient(rdb),
	}

	router := setupRouter(api)

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Errorf("Metrics server failed: %v", err)
			}
		}()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if metricsServer != nil {
		metricsServer.Shutdown(ctx)
	}

	log.Info("Server stopped")
}

func setupRouter(api *API) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(api.log))

	// Health check
	router.GET("/health", api.healthCheck)

	limiter := middleware.NewRateLimiter(20, 40)

	// Credential endpoints carry no bearer token; they are limited by IP.
	authGroup := router.Group("/auth")
	authGroup.Use(middleware.RateLimit(limiter))
	{
		authGroup.POST("/signup", api.signup)
		authGroup.POST("/login", api.login)
		authGroup.POST("/refresh", api.refresh)
		authGroup.POST("/logout", api.logout)
	}

	v1 := router.Group("/api/v1")
	v1.Use(middleware.TokenAuth(api.authority))
	v1.Use(middleware.RateLimit(limiter))
	v1.Use(middleware.QuotaHeaders(api.ledger))
	{
		v1.POST("/generations", api.createGeneration)
		v1.GET("/generations", api.listGenerations)
		v1.GET("/generations/:id", api.getGeneration)
		v1.POST("/generations/:id/cancel", api.cancelGeneration)
		v1.GET("/generations/:id/artifact", api.getArtifact)
		v1.GET("/quota", api.getQuota)
	}

	// The delivery channel authenticates with the first attach frame, not
	// a header, so it sits outside the bearer middleware.
	router.GET("/ws/generations", api.streamGeneration)

	return router
}
