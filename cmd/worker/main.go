package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tolyasherbakov-a11y/backend-messenger/internal/config"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/queue"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/scan"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/storage"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/tracing"
	"github.com/tolyasherbakov-a11y/backend-messenger/internal/workers"
)

// consumerName gives each worker process a stable-enough identity for
// the consumer group without any coordination.
func consumerName() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
}

func main() {
	logrus.SetFormatter(&logrus.JSONFormatter{})
	logrus.Info("Starting messenger worker...")

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}

	logrus.Infof("Worker kinds: %v", cfg.WorkerKinds)

	// Initialize OpenTelemetry tracing
	shutdownTracer, err := tracing.InitTracer(cfg.ServiceName+"-worker", cfg.JaegerEndpoint)
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

	jobQueue := queue.New(redisClient)
	consumer := consumerName()

	// Map each requested worker kind to its stream, group and handler.
	type consumerSpec struct {
		stream  string
		group   string
		handler queue.Handler
	}

	specs := make([]consumerSpec, 0, len(cfg.WorkerKinds))
	for _, kind := range cfg.WorkerKinds {
		switch kind {
		case "antivirus":
			scanner := scan.NewScanner(cfg.ClamdAddr, cfg.ClamdTimeout)
			w := workers.NewAntivirusWorker(mysqlClient, minioClient, scanner, jobQueue)
			specs = append(specs, consumerSpec{queue.StreamAntivirus, "antivirus", w.Handle})
		case "metadata":
			w := workers.NewMetadataWorker(mysqlClient, minioClient, jobQueue, cfg.FFprobePath)
			specs = append(specs, consumerSpec{queue.StreamMetadata, "metadata", w.Handle})
		case "image-variant":
			w := workers.NewImageVariantWorker(mysqlClient, minioClient)
			specs = append(specs, consumerSpec{queue.StreamImageVariant, "image-variant", w.Handle})
		case "video-transcode":
			w := workers.NewTranscodeWorker(mysqlClient, minioClient,
				cfg.FFmpegPath, cfg.FFprobePath, cfg.TranscodeWorkDir, cfg.MaxRenditions)
			specs = append(specs, consumerSpec{queue.StreamVideoTranscode, "video-transcode", w.Handle})
		default:
			logrus.Fatalf("Unknown worker kind: %s", kind)
		}
	}
	if len(specs) == 0 {
		logrus.Fatal("No worker kinds configured")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, spec := range specs {
		runner := queue.NewRunner(jobQueue, queue.RunnerConfig{
			Stream:       spec.stream,
			Group:        spec.group,
			Consumer:     consumer,
			MaxInFlight:  cfg.MaxInFlight,
			BlockTimeout: cfg.BlockTimeout,
			ReadRetryMax: cfg.ReadRetryMax,
		}, spec.handler)

		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			if err := runner.Run(ctx); err != nil && ctx.Err() == nil {
				logrus.WithField("stream", stream).Errorf("Consumer loop failed: %v", err)
				stop()
			}
		}(spec.stream)
	}

	<-ctx.Done()
	logrus.Info("Shutting down worker...")
	wg.Wait()
	logrus.Info("Worker exited")
}
