package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/meetmesh/signaling/internal/v1/admin"
	"github.com/meetmesh/signaling/internal/v1/auth"
	"github.com/meetmesh/signaling/internal/v1/bridge"
	"github.com/meetmesh/signaling/internal/v1/bus"
	"github.com/meetmesh/signaling/internal/v1/config"
	"github.com/meetmesh/signaling/internal/v1/engine"
	"github.com/meetmesh/signaling/internal/v1/engine/loopback"
	"github.com/meetmesh/signaling/internal/v1/health"
	"github.com/meetmesh/signaling/internal/v1/logging"
	"github.com/meetmesh/signaling/internal/v1/middleware"
	"github.com/meetmesh/signaling/internal/v1/ratelimit"
	"github.com/meetmesh/signaling/internal/v1/registry"
	"github.com/meetmesh/signaling/internal/v1/session"
	"github.com/meetmesh/signaling/internal/v1/tracing"
	"github.com/meetmesh/signaling/internal/v1/types"
	"github.com/meetmesh/signaling/pkg/recorder"
)

func main() {
	// .env is for local development; in deployment everything comes from the
	// environment.
	for _, path := range []string{".env", "../../../.env", "../../.env"} {
		if err := godotenv.Load(path); err == nil {
			break
		}
	}

	cfg, err := config.ValidateEnv()
	if err != nil {
		logging.Fatal(context.Background(), "environment validation failed", zap.Error(err))
	}

	if err := logging.Initialize(cfg.DevelopmentMode); err != nil {
		logging.Fatal(context.Background(), "failed to initialize logger", zap.Error(err))
	}
	ctx := context.Background()

	if collectorAddr := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); collectorAddr != "" {
		tp, err := tracing.InitTracer(ctx, "signaling", collectorAddr)
		if err != nil {
			logging.Error(ctx, "failed to initialize tracing, continuing without it", zap.Error(err))
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = tp.Shutdown(shutdownCtx)
			}()
		}
	}

	// --- Auth ---
	var validator types.TokenValidator
	if cfg.EnableAuth {
		v, err := auth.NewValidator(ctx, cfg.AuthDomain, cfg.AuthAudience)
		if err != nil {
			logging.Fatal(ctx, "failed to create auth validator", zap.Error(err))
		}
		validator = v
		logging.Info(ctx, "auth validator initialized",
			zap.String("domain", cfg.AuthDomain),
			zap.String("audience", cfg.AuthAudience))
	} else {
		// tokens are still parsed so principals attach, but nothing is verified
		validator = &auth.InsecureValidator{}
		logging.Warn(ctx, "authentication disabled, do not use in production")
	}

	// --- Redis bus (optional) ---
	var busService *bus.Service
	if cfg.RedisEnabled {
		busService, err = bus.NewService(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			logging.Error(ctx, "failed to connect to redis, running single-instance", zap.Error(err))
			busService = nil
		}
	} else {
		logging.Info(ctx, "running in single-instance mode")
	}

	// --- Registries and engine ---
	clients := registry.NewClientRegistry()
	rooms := registry.NewRoomRegistry(func() types.RoomOptions {
		maxVideo, allowObservers, maxObservers := cfg.RoomOptionsSource()
		return types.RoomOptions{
			MaxVideoProducers: maxVideo,
			AllowObservers:    allowObservers,
			MaxObservers:      maxObservers,
		}
	})

	var adapter *engine.Adapter
	if cfg.EnableSFU {
		adapter = engine.NewAdapter(engine.Options{
			Factory:   loopback.New().Factory(),
			ListenIPs: cfg.ListenIPs,
		})
		// spawn the pool now so readiness reflects a live engine from boot
		if err := adapter.Start(ctx); err != nil {
			logging.Fatal(ctx, "failed to start media engine workers", zap.Error(err))
		}
		logging.Info(ctx, "media engine initialized", zap.Int("listen_ips", len(cfg.ListenIPs)))
	} else {
		logging.Warn(ctx, "running signaling-only, sfu operations disabled")
	}

	br := bridge.New(clients, rooms, adapter, busService)
	busService.Subscribe(ctx, br.DeliverRemote)

	var recorderClient session.Recorder
	if cfg.RecorderAPIURL != "" {
		recorderClient = recorder.New(recorder.Options{
			BaseURL: cfg.RecorderAPIURL,
			RtpIP:   cfg.BindIP,
		})
		logging.Info(ctx, "recorder client initialized", zap.String("url", cfg.RecorderAPIURL))
	}

	hub := session.NewHub(cfg, validator, clients, rooms, adapter, br, recorderClient)

	// --- Rate limiting ---
	limiter, err := ratelimit.NewRateLimiter(cfg, busService.Client())
	if err != nil {
		logging.Fatal(ctx, "failed to create rate limiter", zap.Error(err))
	}

	// --- Router ---
	if !cfg.DevelopmentMode {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware("signaling"))

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	router.Use(cors.New(corsConfig))

	router.GET("/ws", limiter.WebSocketMiddleware(), hub.ServeWs)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	var engineChecker health.EngineChecker
	if adapter != nil {
		engineChecker = health.EngineCheckerFunc(func(ctx context.Context) string {
			if adapter.Metrics()["workers"] > 0 {
				return "healthy"
			}
			return "unhealthy"
		})
	}
	healthHandler := health.NewHandler(busService, engineChecker)
	router.GET("/health/live", healthHandler.Liveness)
	router.GET("/health/ready", healthHandler.Readiness)

	adminHandler := admin.NewHandler(validator, clients, rooms, adapter)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// the admin surface binds separately when ADMIN_PORT is set, so it can be
	// firewalled off from client traffic
	var adminSrv *http.Server
	if cfg.AdminPort != "" {
		adminRouter := gin.New()
		adminRouter.Use(gin.Recovery())
		adminRouter.Use(middleware.CorrelationID())
		adminHandler.Register(adminRouter)
		adminSrv = &http.Server{
			Addr:    ":" + cfg.AdminPort,
			Handler: adminRouter,
		}
		go func() {
			logging.Info(ctx, "admin server starting", zap.String("port", cfg.AdminPort))
			if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Error(ctx, "admin server failed", zap.Error(err))
			}
		}()
	} else {
		adminHandler.Register(router)
	}

	go func() {
		logging.Info(ctx, "signaling server starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(ctx, "server failed", zap.Error(err))
			_ = syscall.Kill(os.Getpid(), syscall.SIGTERM)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logging.Info(ctx, "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error(ctx, "server forced to shutdown", zap.Error(err))
	}
	if adminSrv != nil {
		if err := adminSrv.Shutdown(shutdownCtx); err != nil {
			logging.Error(ctx, "admin server forced to shutdown", zap.Error(err))
		}
	}
	if err := busService.Close(); err != nil {
		logging.Error(ctx, "failed to close redis connection", zap.Error(err))
	}

	logging.Info(ctx, "server exited")
}
