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

	"github.com/eternisai/voicerelay/internal/auth"
	"github.com/eternisai/voicerelay/internal/config"
	"github.com/eternisai/voicerelay/internal/gateway"
	"github.com/eternisai/voicerelay/internal/logger"
	"github.com/eternisai/voicerelay/internal/metrics"
	"github.com/eternisai/voicerelay/internal/quota"
	"github.com/eternisai/voicerelay/internal/storage/pg"
	"github.com/eternisai/voicerelay/internal/stripe"
	"github.com/eternisai/voicerelay/internal/upstream"
	"github.com/eternisai/voicerelay/internal/writequeue"
	"github.com/gin-gonic/gin"
	"github.com/rs/cors"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.Config{Level: logLevel(cfg.LogLevel), Format: cfg.LogFormat})

	log.Info("setting gin mode", "mode", cfg.GinMode)
	gin.SetMode(cfg.GinMode)

	db, err := pg.InitDatabase(cfg.DatabaseURL, pg.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxIdleTime: time.Duration(cfg.DBConnMaxIdleTime) * time.Minute,
		ConnMaxLifetime: time.Duration(cfg.DBConnMaxLifetime) * time.Minute,
	})
	if err != nil {
		log.Error("failed to initialize database", "error", err)
		os.Exit(1)
	}

	quotaStore := pg.NewQuotaStore(db.DB)
	quotaSvc := quota.New(quotaStore)

	txExecutor := pg.NewTranscriptionExecutor(db.DB)
	queue := writequeue.New(txExecutor, log)
	queue.Start()

	sessionValidator, err := auth.NewSessionValidator(cfg.JWTJWKSURL)
	if err != nil {
		log.Error("failed to initialize session validator", "error", err)
		os.Exit(1)
	}

	provider, ok := cfg.UpstreamProviders.Active()
	if !ok {
		log.Error("no active upstream STT provider configured")
		os.Exit(1)
	}
	upstreamAPIKey := os.Getenv(provider.APIKeyEnvVar)
	if upstreamAPIKey == "" {
		log.Warn("upstream STT API key env var is unset", "env_var", provider.APIKeyEnvVar)
	}

	gw := gateway.New(log, sessionValidator, quotaSvc, queue, upstream.NewDialer(), provider.BaseURL, upstreamAPIKey)

	stripeSvc := stripe.NewService(pg.NewSubscriptionStore(db.DB), cfg.StripeWebhookSecret, log)
	stripeHandler := stripe.NewHandler(stripeSvc, log)

	metricsRegistry := metrics.NewRegistry()
	healthChecker := metrics.NewHealthChecker(db.DB)

	router := setupRouter(routerInput{
		gateway:         gw,
		stripeHandler:   stripeHandler,
		metricsRegistry: metricsRegistry,
		healthChecker:   healthChecker,
		corsOrigins:     cfg.CORSAllowedOrigins,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("voicerelay listening", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	}()

	metricsTicker := time.NewTicker(5 * time.Second)
	defer metricsTicker.Stop()
	metricsDone := make(chan struct{})
	go func() {
		for {
			select {
			case <-metricsTicker.C:
				metrics.SetSessionsActive(gw.ActiveSessionCount())
				metrics.SetWriteQueueDepth(queue.Depth(), queue.InFlightCount())
			case <-metricsDone:
				return
			}
		}
	}()
	defer close(metricsDone)

	quitCh := make(chan os.Signal, 1)
	signal.Notify(quitCh, syscall.SIGINT, syscall.SIGTERM)
	<-quitCh
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}

	queue.Flush()
	queue.Stop()

	log.Info("server exited")
}

type routerInput struct {
	gateway         *gateway.Gateway
	stripeHandler   *stripe.Handler
	metricsRegistry *metrics.Registry
	healthChecker   *metrics.HealthChecker
	corsOrigins     string
}

func setupRouter(input routerInput) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	origins := []string{"http://localhost:3000"}
	if input.corsOrigins != "" {
		split := strings.Split(input.corsOrigins, ",")
		for i, o := range split {
			split[i] = strings.TrimSpace(o)
		}
		origins = split
	}
	router.Use(cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   origins,
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
	}).Handler)

	router.GET("/healthz", input.healthChecker.ServeHTTP)
	router.GET("/metrics", gin.WrapH(input.metricsRegistry.Handler()))

	router.GET("/ws/transcribe", input.gateway.HandleUpgrade)

	router.POST("/webhooks/stripe", input.stripeHandler.HandleWebhook)

	return router
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
