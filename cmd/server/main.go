package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/config"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/handlers"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/idempotency"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/realtime"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/tracing"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.Info("Starting messenger server...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logrus.Infof("Service: %s, Port: %s", cfg.ServiceName, cfg.ServicePort)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logrus.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logrus.Errorf("Error shutting down tracer: %v", err)
		}
	}()

	// Initialize MinIO client
	logrus.Info("Connecting to MinIO...")
	minioClient, err := storage.NewMinioClient(
		cfg.MinIOEndpoint,
		cfg.MinIOAccessKey,
		cfg.MinIOSecretKey,
		cfg.MinIOBucketName,
		cfg.MinIOUseSSL,
	)
	if err != nil {
		logrus.Fatalf("Failed to initialize MinIO client: %v", err)
	}
	logrus.Info("MinIO client initialized")

	// Initialize MySQL client
	logrus.Info("Connecting to MySQL...")
	mysqlClient, err := storage.NewMySQLClient(cfg.GetDSN())
	if err != nil {
		logrus.Fatalf("Failed to initialize MySQL client: %v", err)
	}
	defer mysqlClient.Close()
	logrus.Info("MySQL client initialized")

	// Initialize Redis client
	logrus.Info("Connecting to Redis...")
	redisClient, err := storage.NewRedisClient(cfg.GetRedisAddr(), cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		logrus.Fatalf("Failed to initialize Redis client: %v", err)
	}
	defer redisClient.Close()
	logrus.Info("Redis client initialized")

	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()

	// Realtime gateway
	broker := realtime.NewRedisBroker(hubCtx, redisClient)
	auth := realtime.NewAuthenticator(cfg.RealtimeJWTSecret, cfg.RealtimeHMACSecret)
	hub := realtime.NewHub(broker, auth, mysqlClient.ListConversationTopics, realtime.Config{
		MaxTopics:    cfg.RealtimeMaxTopics,
		PingInterval: cfg.RealtimePingInterval,
		PongWait:     cfg.RealtimePongWait,
	})
	go func() {
		if err := hub.Run(hubCtx); err != nil && hubCtx.Err() == nil {
			logrus.Errorf("Fan-out loop exited: %v", err)
		}
	}()

	// Idempotency guard over the mutating route
	idemStore := idempotency.NewStore(redisClient, cfg.IdempotencyLockTTL, cfg.IdempotencyResultTTL)
	guard := idempotency.NewGuard(idemStore, idempotency.DefaultActor, cfg.IdempotencyMaxBody)

	// Pipeline producer
	jobQueue := queue.New(redisClient)
	uploadHandler := handlers.NewUploadCompleteHandler(mysqlClient, minioClient, jobQueue)

	// Setup HTTP router
	router := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET")

	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Handle("/uploads/{session_id}/complete",
		otelhttp.NewHandler(guard.Handler(uploadHandler), "POST /uploads/{session_id}/complete")).Methods("POST")
	router.Handle("/ws", hub)

	// Create HTTP server
	srv := &http.Server{
		Addr:         ":" + cfg.ServicePort,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logrus.Infof("Server listening on port %s", cfg.ServicePort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	stopHub()

	logrus.Info("Server exited")
}
