// File: price-tracker-service/cmd/main.go
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"price-tracker-service/internal/api"
	"price-tracker-service/internal/config"
	"price-tracker-service/internal/extract"
	"price-tracker-service/internal/ledger"
	"price-tracker-service/internal/resolve"
	"price-tracker-service/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"google.golang.org/grpc"
)

const (
	defaultAppName = "PriceTrackerService" // App name for logger
)

func main() {
	if err := godotenv.Load(); err != nil {
		// The application can still proceed if environment variables are set in other ways.
		log.Println("INFO: .env file not found or error loading, relying on system environment variables.")
	}
	logger := log.New(os.Stdout, fmt.Sprintf("[%s] ", defaultAppName), log.LstdFlags|log.Lshortfile|log.Lmicroseconds)
	logger.Println("INFO: Starting service...")

	// --- Configuration Loading ---
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("FATAL: Error loading configuration: %v", err)
	}
	tuning, err := config.LoadTuning(cfg.TuningFile)
	if err != nil {
		logger.Fatalf("FATAL: Error loading tuning: %v", err)
	}
	logger.Printf("INFO: Configuration loaded for APP_ENV: %s, LogLevel: %s", cfg.AppEnv, cfg.LogLevel)

	// --- Database Connection ---
	db, err := sql.Open("postgres", cfg.Postgres.DSN())
	if err != nil {
		logger.Fatalf("FATAL: Failed to initialize database connection: %v", err)
	}
	defer func() {
		// Fallback if startup fails before graceful shutdown takes over.
		if err := db.Close(); err != nil {
			logger.Printf("WARN: Error closing database on deferred cleanup: %v", err)
		}
	}()

	startupCtx, cancelStartup := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.PingContext(startupCtx); err != nil {
		logger.Fatalf("FATAL: Failed to ping database: %v", err)
	}
	dbStore := store.NewPostgresStore(db)
	if err := dbStore.Migrate(startupCtx); err != nil {
		logger.Fatalf("FATAL: Failed to apply schema: %v", err)
	}
	cancelStartup()
	logger.Println("INFO: Database connection established and schema applied.")

	// --- Extraction, Resolution & Ledger ---
	collector, err := setupCollector(tuning, logger)
	if err != nil {
		logger.Fatalf("FATAL: Failed to build extraction pipeline: %v", err)
	}
	resolverSvc := resolve.NewService(resolve.NewResolver(resolve.Config{
		Cutoff:       tuning.Resolver.Cutoff,
		DebugLogging: cfg.Debug(),
		Logger:       logger,
	}), dbStore)
	ledgerSvc := ledger.NewService(dbStore, collector, resolverSvc, ledger.Config{
		StaleAfterDays: tuning.Ledger.StaleAfterDays,
	}, logger)

	// --- Initialize API Handlers ---
	httpAPIHandler := api.NewHTTPHandler(dbStore, ledgerSvc, resolverSvc, collector)
	grpcHealth := api.NewGRPCHealth(dbStore, logger)

	// --- Setup & Start HTTP Server ---
	httpRouter := chi.NewRouter()
	setupBaseMiddleware(httpRouter, logger)     // Basic middleware
	registerHealthCheck(httpRouter, logger, db) // Health check for HTTP

	var throttle func(http.Handler) http.Handler
	if cfg.RateLimitPerMinute > 0 {
		throttle = api.NewClientRateLimiter(cfg.RateLimitPerMinute).Middleware
		logger.Printf("INFO: Extraction endpoints limited to %d requests/minute per client.", cfg.RateLimitPerMinute)
	}
	httpAPIHandler.RegisterRoutes(httpRouter, throttle)

	httpServer := &http.Server{
		Addr:         ":" + cfg.HttpServer.Port,
		Handler:      httpRouter,
		ReadTimeout:  cfg.HttpServer.TimeoutRead,
		WriteTimeout: cfg.HttpServer.TimeoutWrite,
		IdleTimeout:  cfg.HttpServer.TimeoutIdle,
	}

	go func() {
		logger.Printf("INFO: HTTP server listening on port %s", cfg.HttpServer.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("FATAL: HTTP server ListenAndServe error: %v", err)
		}
		logger.Println("INFO: HTTP server has stopped.")
	}()

	// --- Setup & Start gRPC Server ---
	grpcServer := api.NewGRPCServer(grpcHealth)
	logger.Println("INFO: gRPC health check and reflection services registered.")
	grpcListener, err := net.Listen("tcp", ":"+cfg.GrpcServer.Port)
	if err != nil {
		logger.Fatalf("FATAL: Failed to listen for gRPC on port %s: %v", cfg.GrpcServer.Port, err)
	}

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go grpcHealth.Watch(watchCtx, cfg.GrpcServer.HealthInterval)

	go func() {
		logger.Printf("INFO: gRPC server listening on port %s", cfg.GrpcServer.Port)
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Fatalf("FATAL: gRPC server Serve error: %v", err)
		}
		logger.Println("INFO: gRPC server has stopped.")
	}()

	// --- Graceful Shutdown ---
	shutdownComplete := make(chan struct{})
	go waitForShutdown(logger, httpServer, grpcServer, func() {
		stopWatch()
		grpcHealth.Shutdown()
	}, dbStore, shutdownComplete)

	<-shutdownComplete // Block until graceful shutdown is complete
	logger.Println("INFO: Service shutdown sequence finished.")
}

func setupCollector(t *config.Tuning, logger *log.Logger) (*extract.Collector, error) {
	parser, err := extract.NewPriceParser(t.Extract.Currencies)
	if err != nil {
		return nil, err
	}
	ranker := extract.NewRanker(parser, t.Extract.HeaderExclusionPx)
	images := extract.NewImageSelector(t.Extract.ImageKeywords)
	return extract.NewCollector(parser, ranker, images, extract.CollectorConfig{
		Workers:       t.Collect.Workers,
		SourceTimeout: t.Collect.SourceTimeout,
		FetchRate:     t.Collect.FetchRate,
		FetchBurst:    t.Collect.FetchBurst,
	}, logger), nil
}

func setupBaseMiddleware(router *chi.Mux, logger *log.Logger) {
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Logger) // Chi's request logger
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second)) // Default timeout for requests
	logger.Println("INFO: Base HTTP middleware registered.")
}

func registerHealthCheck(router *chi.Mux, logger *log.Logger, db *sql.DB) {
	healthPath := "/api/v1/healthz"
	router.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		dbStatus := "healthy"
		if err := db.PingContext(ctx); err != nil {
			dbStatus = "unhealthy"
			logger.Printf("WARN: Health check DB ping failed: %v", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK) // Always 200, but payload indicates detailed status
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "healthy",
			"serviceName": defaultAppName,
			"timestamp":   time.Now().UTC().Format(time.RFC3339),
			"database":    dbStatus,
		})
	})
	logger.Printf("INFO: HTTP health check registered at %s", healthPath)
}

func waitForShutdown(
	logger *log.Logger,
	httpServer *http.Server,
	grpcServer *grpc.Server,
	stopHealth func(),
	dbStore *store.PostgresStore,
	shutdownComplete chan struct{},
) {
	defer close(shutdownComplete)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	receivedSignal := <-sigChan
	logger.Printf("INFO: Received signal: %s. Starting graceful shutdown...", receivedSignal)

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	// Report NOT_SERVING before draining so load balancers stop routing here.
	stopHealth()

	logger.Println("INFO: Attempting to gracefully shut down gRPC server...")
	stoppedGrpc := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stoppedGrpc)
	}()

	logger.Println("INFO: Attempting to gracefully shut down HTTP server...")
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("WARN: HTTP server graceful shutdown failed: %v", err)
	} else {
		logger.Println("INFO: HTTP server gracefully shut down.")
	}

	select {
	case <-stoppedGrpc:
		logger.Println("INFO: gRPC server gracefully shut down.")
	case <-shutdownCtx.Done():
		logger.Printf("WARN: gRPC server graceful shutdown timed out: %v", shutdownCtx.Err())
		logger.Println("INFO: Forcing gRPC server stop...")
		grpcServer.Stop()
		logger.Println("INFO: gRPC server forced stop.")
	}

	if dbStore != nil {
		if err := dbStore.Close(); err != nil {
			logger.Printf("WARN: Error closing database connection: %v", err)
		}
	}

	logger.Println("INFO: Graceful shutdown sequence completed.")
}
