package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"peercall/internal/core/services"
	httphandlers "peercall/internal/handlers/http"
	"peercall/internal/infrastructure/middleware"
	"peercall/internal/infrastructure/monitoring"
	"peercall/internal/infrastructure/repositories"
	signalinfra "peercall/internal/infrastructure/signal"
	"peercall/pkg/config"
	"peercall/pkg/logger"
	"peercall/pkg/tracing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
)

func main() {
	startTime := time.Now()

	configPath := flag.StringP("config", "c", "configs/config.yaml", "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		zapLogger := logger.New("info")
		zapLogger.Sugar().Fatalw("failed to load configuration", "path", *configPath, "error", err)
	}

	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerURL,
		Environment: cfg.Tracing.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		log.Fatalw("failed to initialize tracing", "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Repositories
	repoFactory := repositories.NewRepositoryFactory(ctx, cfg, log)
	presence, err := repoFactory.CreatePresenceRegistry(ctx)
	if err != nil {
		log.Fatalw("failed to prepare presence registry", "error", err)
	}
	sessions, err := repoFactory.CreateCallSessionStore(ctx)
	if err != nil {
		log.Fatalw("failed to prepare call session store", "error", err)
	}

	// Monitoring
	collector := monitoring.NewPrometheusCollector(prometheus.DefaultRegisterer)

	health := monitoring.NewHealthChecker()
	health.AddPresenceCheck(presence, 30*time.Second, 2*time.Second)
	health.AddSessionCheck(sessions, 30*time.Second, 2*time.Second)
	if client := repoFactory.RedisClient(); client != nil {
		health.AddRedisCheck(client, 15*time.Second, 2*time.Second)
	}
	health.StartBackgroundChecks(ctx)

	// Signaling core
	hub := signalinfra.NewHub(cfg.Signal.SendQueueSize, cfg.RateLimiting.WebSocket.MaxConnections, log.Named("hub"))
	hub.OnCountChange(collector.SetConnections)

	routerOpts := []services.RouterOption{services.WithCallMetrics(collector)}
	var identities *services.IdentityService
	if cfg.Auth.Enabled {
		identities = services.NewIdentityService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.TokenTTL)
		routerOpts = append(routerOpts, services.WithIdentityVerifier(identities))
		log.Info("identity tokens required for registration")
	}

	router := services.NewSignalingRouter(presence, sessions, hub, services.RouterConfig{
		RingTimeout:     cfg.Signal.RingTimeout,
		MaxPayloadBytes: int(cfg.Signal.MaxMessageSizeBytes),
	}, log.Named("router"), routerOpts...)

	wsConfig := signalinfra.ServerConfig{
		PingInterval:    cfg.Signal.PingInterval,
		PongTimeout:     cfg.Signal.PongTimeout,
		WriteTimeout:    cfg.Signal.WriteTimeout,
		MaxMessageBytes: cfg.Signal.MaxMessageSizeBytes,
		AllowedOrigins:  cfg.Signal.AllowedOrigins,
	}
	if cfg.RateLimiting.Enabled {
		wsConfig.MessagesPerSecond = cfg.RateLimiting.WebSocket.MessagesPerSecond
		wsConfig.Burst = cfg.RateLimiting.WebSocket.Burst
	}
	wsServer := signalinfra.NewWebSocketServer(hub, router, wsConfig, log.Named("websocket"))

	// HTTP surface
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(
		middleware.RecoveryMiddleware(log),
		middleware.TracingMiddleware("/health", "/ready", "/metrics", cfg.Signal.Path),
		middleware.ErrorHandlerMiddleware(log),
	)

	engine.GET(cfg.Signal.Path, gin.WrapF(wsServer.HandleWebSocket))

	api := engine.Group("/api/v1")
	api.Use(middleware.NewHTTPRateLimitMiddleware(cfg))
	if identities != nil {
		api.Use(middleware.AuthMiddleware(identities))
	}
	presenceHandler := httphandlers.NewPresenceHandler(presence, sessions, httphandlers.WithRosterCache(time.Second))
	defer presenceHandler.Close()
	presenceHandler.SetupRoutes(api)

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":      monitoring.StatusHealthy,
			"timestamp":   time.Now(),
			"uptime":      time.Since(startTime).String(),
			"connections": hub.Count(),
		})
	})

	engine.GET("/ready", func(c *gin.Context) {
		status := health.CheckAll(c.Request.Context())
		code := http.StatusOK
		if status.Status != monitoring.StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, status)
	})

	if cfg.Monitoring.PrometheusEnabled {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
		log.Info("Prometheus metrics enabled")
	}

	srv := &http.Server{
		Addr:        cfg.Server.Address,
		Handler:     engine,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Sockets clear their deadlines after the upgrade; this bounds plain requests.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Infow("starting peercall signaling relay",
			"address", cfg.Server.Address,
			"path", cfg.Signal.Path,
			"redis", repoFactory.UsesRedis(),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	failed := false
	select {
	case err := <-serverErr:
		log.Errorw("server failed", "error", err)
		failed = true
	case <-ctx.Done():
		log.Info("received shutdown signal")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		if closeErr := srv.Close(); closeErr != nil {
			log.Errorw("error force closing server", "error", closeErr)
		}
	}

	// Hijacked sockets are not covered by Shutdown.
	hub.CloseAll()
	wsServer.Wait()
	router.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("failed to flush traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repository factory", "error", err)
	}

	log.Info("peercall signaling relay stopped")
	if failed {
		os.Exit(1)
	}
}
