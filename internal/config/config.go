package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration
type Config struct {
	// Service configuration
	ServiceName string
	ServicePort string

	// MinIO configuration
	MinIOEndpoint   string
	MinIOAccessKey  string
	MinIOSecretKey  string
	MinIOBucketName string
	MinIOUseSSL     bool

	// MySQL configuration
	MySQLHost     string
	MySQLPort     string
	MySQLUser     string
	MySQLPassword string
	MySQLDatabase string

	// Redis configuration
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Jaeger configuration
	JaegerEndpoint string

	// Worker configuration
	WorkerKinds      []string
	MaxInFlight      int
	BlockTimeout     time.Duration
	ReadRetryMax     time.Duration
	MaxRenditions    int
	ClamdAddr        string
	ClamdTimeout     time.Duration
	FFmpegPath       string
	FFprobePath      string
	TranscodeWorkDir string

	// Garbage collector configuration
	GCScanInterval time.Duration
	GCGracePeriod  time.Duration
	GCBatchSize    int
	QuarantineTTL  time.Duration

	// Idempotency configuration
	IdempotencyLockTTL   time.Duration
	IdempotencyResultTTL time.Duration
	IdempotencyMaxBody   int64

	// Realtime configuration
	RealtimeJWTSecret    string
	RealtimeHMACSecret   string
	RealtimeMaxTopics    int
	RealtimePingInterval time.Duration
	RealtimePongWait     time.Duration
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	config := &Config{
		// Service defaults
		ServiceName: getEnv("SERVICE_NAME", "messenger-media"),
		ServicePort: getEnv("SERVICE_PORT", "8080"),

		// MinIO defaults
		MinIOEndpoint:   getEnv("MINIO_ENDPOINT", "localhost:9000"),
		MinIOAccessKey:  getEnv("MINIO_ACCESS_KEY", "minioadmin"),
		MinIOSecretKey:  getEnv("MINIO_SECRET_KEY", "minioadmin"),
		MinIOBucketName: getEnv("MINIO_BUCKET_NAME", "media"),
		MinIOUseSSL:     getEnvAsBool("MINIO_USE_SSL", false),

		// MySQL defaults
		MySQLHost:     getEnv("MYSQL_HOST", "localhost"),
		MySQLPort:     getEnv("MYSQL_PORT", "3306"),
		MySQLUser:     getEnv("MYSQL_USER", "root"),
		MySQLPassword: getEnv("MYSQL_PASSWORD", ""),
		MySQLDatabase: getEnv("MYSQL_DATABASE", "messenger"),

		// Redis defaults
		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		// Jaeger defaults
		JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:4318"),

		// Worker defaults
		WorkerKinds:      getEnvAsList("WORKER_KINDS", []string{"antivirus", "metadata", "image-variant", "video-transcode"}),
		MaxInFlight:      getEnvAsInt("MAX_IN_FLIGHT", 4),
		BlockTimeout:     getEnvAsDuration("BLOCK_TIMEOUT", 5*time.Second),
		ReadRetryMax:     getEnvAsDuration("READ_RETRY_MAX", 30*time.Second),
		MaxRenditions:    getEnvAsInt("MAX_RENDITIONS", 4),
		ClamdAddr:        getEnv("CLAMD_ADDR", "localhost:3310"),
		ClamdTimeout:     getEnvAsDuration("CLAMD_TIMEOUT", 60*time.Second),
		FFmpegPath:       getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:      getEnv("FFPROBE_PATH", "ffprobe"),
		TranscodeWorkDir: getEnv("TRANSCODE_WORK_DIR", os.TempDir()),

		// Garbage collector defaults
		GCScanInterval: getEnvAsDuration("GC_SCAN_INTERVAL", 5*time.Minute),
		GCGracePeriod:  getEnvAsDuration("GC_GRACE_PERIOD", 24*time.Hour),
		GCBatchSize:    getEnvAsInt("GC_BATCH_SIZE", 100),
		QuarantineTTL:  getEnvAsDuration("QUARANTINE_TTL", 72*time.Hour),

		// Idempotency defaults
		IdempotencyLockTTL:   getEnvAsDuration("IDEMPOTENCY_LOCK_TTL", 30*time.Second),
		IdempotencyResultTTL: getEnvAsDuration("IDEMPOTENCY_RESULT_TTL", 24*time.Hour),
		IdempotencyMaxBody:   int64(getEnvAsInt("IDEMPOTENCY_MAX_BODY", 1<<20)),

		// Realtime defaults
		RealtimeJWTSecret:    getEnv("REALTIME_JWT_SECRET", ""),
		RealtimeHMACSecret:   getEnv("REALTIME_HMAC_SECRET", ""),
		RealtimeMaxTopics:    getEnvAsInt("REALTIME_MAX_TOPICS", 128),
		RealtimePingInterval: getEnvAsDuration("REALTIME_PING_INTERVAL", 30*time.Second),
		RealtimePongWait:     getEnvAsDuration("REALTIME_PONG_WAIT", 90*time.Second),
	}

	if config.MaxInFlight < 1 {
		return nil, fmt.Errorf("MAX_IN_FLIGHT must be at least 1, got %d", config.MaxInFlight)
	}
	if config.MaxRenditions < 1 {
		return nil, fmt.Errorf("MAX_RENDITIONS must be at least 1, got %d", config.MaxRenditions)
	}

	return config, nil
}

// GetDSN returns the MySQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		c.MySQLUser,
		c.MySQLPassword,
		c.MySQLHost,
		c.MySQLPort,
		c.MySQLDatabase,
	)
}

// GetRedisAddr returns the Redis address
func (c *Config) GetRedisAddr() string {
	return fmt.Sprintf("%s:%s", c.RedisHost, c.RedisPort)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
