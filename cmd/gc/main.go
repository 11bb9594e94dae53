package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/config"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/gc"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/tracing"
)

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.Info("Starting messenger gc...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName+"-gc", cfg.JaegerEndpoint)
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

	host, err := os.Hostname()
	if err != nil {
		host = "gc"
	}

	collector := gc.New(mysqlClient, minioClient, queue.New(redisClient), gc.Config{
		ScanInterval:  cfg.GCScanInterval,
		GracePeriod:   cfg.GCGracePeriod,
		BatchSize:     cfg.GCBatchSize,
		QuarantineTTL: cfg.QuarantineTTL,
		MaxInFlight:   cfg.MaxInFlight,
		BlockTimeout:  cfg.BlockTimeout,
		ReadRetryMax:  cfg.ReadRetryMax,
		Consumer:      fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := collector.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.Fatalf("Collector failed: %v", err)
	}

	logrus.Info("GC exited")
}
