package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weather-analytics/internal/config"
	"weather-analytics/internal/handlers"
	"weather-analytics/internal/repository"
	"weather-analytics/internal/services"
	"weather-analytics/pkg/cache"
	"weather-analytics/pkg/database"
	"weather-analytics/pkg/logging"
	"weather-analytics/pkg/metrics"
)

func main() {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := logging.NewStructuredLogger("weather-analytics-api", "1.0.0", logging.ParseLevel(cfg.Logging.Level))

	ctx := context.Background()
	logger.Info(ctx, "[STARTUP] Starting weather analytics API server", logging.Fields{
		"version":       "1.0.0",
		"server_host":   cfg.Server.Host,
		"server_port":   cfg.Server.Port,
		"db_host":       cfg.Database.Host,
		"db_name":       cfg.Database.Database,
		"cache_backend": cfg.Cache.Backend,
	})

	// Initialize metrics collector
	metricsCollector := metrics.NewCollector("weather_analytics")

	// Initialize database
	dbConfig := &database.Config{
		Host:            cfg.Database.Host,
		Port:            cfg.Database.Port,
		User:            cfg.Database.User,
		Password:        cfg.Database.Password,
		Database:        cfg.Database.Database,
		SSLMode:         cfg.Database.SSLMode,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	}

	db, err := database.NewPostgresDB(dbConfig, logger, metricsCollector)
	if err != nil {
		logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to database", logging.Fields{}, err)
	}
	defer db.Close()

	// Initialize repository with the configured cache backend
	var observationRepo repository.ObservationRepository
	observationRepo = repository.NewObservationRepository(db, logger, metricsCollector)

	switch cfg.Cache.Backend {
	case "memory":
		memoryCache := cache.NewMemoryCache(cfg.Cache.Size, cfg.Cache.TTL)
		observationRepo = repository.NewCachedObservationRepository(observationRepo, memoryCache, logger, metricsCollector)
	case "redis":
		redisCache, err := cache.NewRedisCache(cfg.Cache.RedisAddr, cfg.Cache.RedisPassword, cfg.Cache.RedisDB, cfg.Cache.TTL)
		if err != nil {
			logger.Fatal(ctx, "[STARTUP_ERROR] Failed to connect to Redis", logging.Fields{
				"redis_addr": cfg.Cache.RedisAddr,
			}, err)
		}
		defer redisCache.Close()
		observationRepo = repository.NewCachedObservationRepository(observationRepo, redisCache, logger, metricsCollector)
	}

	// Initialize services
	correlationService := services.NewCorrelationService(observationRepo, cfg.Analytics, logger, metricsCollector)
	pcaService := services.NewPCAService(observationRepo, cfg.Analytics, logger, metricsCollector)
	exportService := services.NewExportService(logger, metricsCollector)

	// Initialize handlers
	analyticsHandler := handlers.NewAnalyticsHandler(
		correlationService, pcaService, exportService, observationRepo, logger, metricsCollector)

	// Setup router
	router := mux.NewRouter()

	// Register routes
	analyticsHandler.RegisterRoutes(router)

	// Prometheus metrics endpoint
	router.Handle("/metrics", promhttp.Handler())

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info(ctx, "[SERVER_START] HTTP server listening", logging.Fields{
			"address": server.Addr,
		})

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal(ctx, "[SERVER_ERROR] Server failed", logging.Fields{}, err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info(ctx, "[SHUTDOWN] Shutting down server...", logging.Fields{})

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "[SHUTDOWN_ERROR] Server forced to shutdown", logging.Fields{}, err)
	}

	logger.Info(ctx, "[SHUTDOWN_COMPLETE] Server stopped", logging.Fields{})
}
