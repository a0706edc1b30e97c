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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/echochat/backend/go/internal/v1/auth"
	"github.com/echochat/backend/go/internal/v1/bus"
	"github.com/echochat/backend/go/internal/v1/config"
	"github.com/echochat/backend/go/internal/v1/files"
	"github.com/echochat/backend/go/internal/v1/governor"
	"github.com/echochat/backend/go/internal/v1/health"
	"github.com/echochat/backend/go/internal/v1/httpapi"
	"github.com/echochat/backend/go/internal/v1/hub"
	"github.com/echochat/backend/go/internal/v1/logging"
	"github.com/echochat/backend/go/internal/v1/middleware"
	"github.com/echochat/backend/go/internal/v1/presence"
	"github.com/echochat/backend/go/internal/v1/relay"
	"github.com/echochat/backend/go/internal/v1/rooms"
	"github.com/echochat/backend/go/internal/v1/store"
	"github.com/echochat/backend/go/internal/v1/tracing"
	"github.com/echochat/backend/go/internal/v1/types"
	"github.com/echochat/backend/go/internal/v1/voice"
)

const serviceName = "echochat-core"

func main() {
	// Load .env file for local development.
	// Try multiple paths to handle different ways of running the app
	envPaths := []string{".env", "../../../.env", "../../.env"}
	var envLoaded bool

	for _, path := range envPaths {
		if err := godotenv.Load(path); err == nil {
			slog.Info("Loaded environment from", "path", path)
			envLoaded = true
			break
		}
	}

	if !envLoaded {
		slog.Warn("No .env file found in any expected location, relying on environment variables")
	}

	// Validate environment variables before starting the server
	cfg, err := config.ValidateEnv()
	if err != nil {
		slog.Error("Environment validation failed", "error", err)
		os.Exit(1)
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		slog.Error("Failed to initialize logger", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()

	if cfg.DevelopmentMode {
		logging.Info(ctx, "Running in DEVELOPMENT MODE")
	}

	// --- Tracing (Optional) ---
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, serviceName, cfg.OTelCollector)
		if err != nil {
			logging.Error(ctx, "Failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Storage Gateway ---
	st, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logging.Fatal(ctx, "Failed to open storage", zap.Error(err))
	}
	if err := st.EnsureSchema(ctx); err != nil {
		logging.Fatal(ctx, "Failed to migrate schema", zap.Error(err))
	}
	defer func() { _ = st.Close() }()

	// --- Redis Bus Initialization (Optional) ---
	// Initialize Redis for distributed pub/sub if enabled
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "Failed to connect to Redis, running in single-instance mode", zap.Error(err))
			busService = nil // Fallback to single-instance mode
		} else {
			logging.Info(ctx, "Redis pub/sub initialized for distributed messaging",
				zap.String("addr", cfg.RedisAddr))
		}
	} else {
		logging.Info(ctx, "Running in single-instance mode (Redis disabled)")
	}
	var bridge types.Bridge
	if busService != nil {
		bridge = busService
	}

	// --- Engines ---
	gov, err := governor.New(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "Failed to build governor", zap.Error(err))
	}

	authority := auth.NewAuthority(st, auth.Options{
		Secret:          cfg.JWTSecret,
		AccessTTL:       cfg.AccessTokenTTL,
		RefreshTTL:      cfg.RefreshTokenTTL,
		LockoutAttempts: cfg.LockoutAttempts,
		LockoutWindow:   cfg.LockoutWindow,
		IdleLogout:      cfg.IdleLogout,
	})
	policy := rooms.NewEngine(st, gov, rooms.Options{
		RoomCapacity: cfg.RoomCapacity,
		MaxSubrooms:  cfg.MaxSubrooms,
		HistoryLimit: cfg.HistoryLimit,
	})
	relaySvc := relay.New(st, gov, policy)
	voiceMgr := voice.NewManager(voice.Options{
		VoiceRoomCap:     cfg.VoiceRoomCap,
		HandshakeTimeout: cfg.HandshakeTimeout,
		TransferTimeout:  cfg.TransferTimeout,
	})
	tracker := presence.NewTracker(st)
	fileSvc, err := files.NewService(st, cfg.UploadDir)
	if err != nil {
		logging.Fatal(ctx, "Failed to prepare upload directory", zap.Error(err))
	}

	allowedOrigins := splitOrigins(cfg.AllowedOrigins)
	h := hub.New(hub.Deps{
		Store:          st,
		Authority:      authority,
		Governor:       gov,
		Relay:          relaySvc,
		Policy:         policy,
		Voice:          voiceMgr,
		Presence:       tracker,
		Bridge:         bridge,
		AllowedOrigins: allowedOrigins,
	})

	// The engines emit through the hub; the hub routes into the engines.
	authority.SetSender(h)
	policy.SetSender(h)
	policy.SetBridge(bridge)
	relaySvc.SetSender(h)
	relaySvc.SetBridge(bridge)
	voiceMgr.SetSender(h)
	voiceMgr.SetBridge(bridge)
	tracker.SetSender(h)
	tracker.SetBridge(bridge)
	if busService != nil {
		tracker.SetRoster(busService)
		relaySvc.SetOnlineFunc(busService.IsOnline)
	}

	// --- Background jobs ---
	jobsCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	go authority.RunIdleSweeper(jobsCtx, time.Minute)
	go fileSvc.RunGC(jobsCtx, 15*time.Minute)

	// --- Set up Server ---
	var router *gin.Engine
	if cfg.DevelopmentMode {
		router = gin.Default()
	} else {
		gin.SetMode(gin.ReleaseMode)
		router = gin.New()
		router.Use(gin.Recovery())
	}
	router.Use(middleware.CorrelationID())
	if cfg.TracingEnabled {
		router.Use(otelgin.Middleware(serviceName))
	}

	// Cors
	corsConfig := cors.DefaultConfig()
	if len(allowedOrigins) > 0 {
		corsConfig.AllowOrigins = allowedOrigins
	} else {
		corsConfig.AllowOrigins = []string{"http://localhost:3000"}
	}
	corsConfig.AllowCredentials = true
	corsConfig.AddAllowHeaders("Authorization", "X-CSRF-Token", "X-Correlation-ID")
	router.Use(cors.New(corsConfig))

	// Routing
	wsGroup := router.Group("/ws")
	{
		wsGroup.GET("/chat", h.ServeWs)
	}

	// Prometheus metrics endpoint
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	httpapi.Register(router, httpapi.Deps{
		Config:    cfg,
		Store:     st,
		Authority: authority,
		Rooms:     policy,
		Voice:     voiceMgr,
		Files:     fileSvc,
		Governor:  gov,
		Health:    health.NewHandler(st, busService),
		Sender:    h,
	})

	// Start the server.
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		logging.Info(ctx, "API server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "Failed to run server", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	// Wait for an interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "Shutting down server...")

	stopJobs()

	// The context is used to inform the server it has 30 seconds to finish
	// the requests it is currently handling
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Close all active connections gracefully
	if err := h.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Error during hub shutdown", zap.Error(err))
	}

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "Server forced to shutdown", zap.Error(err))
	}

	// Close Redis connection if it was initialized
	if busService != nil {
		if err := busService.Close(); err != nil {
			logging.Error(ctx, "Failed to close Redis connection", zap.Error(err))
		} else {
			logging.Info(ctx, "Redis connection closed")
		}
	}

	logging.Info(ctx, "Server exiting")
}

// splitOrigins parses the comma-separated ALLOWED_ORIGINS value.
func splitOrigins(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
