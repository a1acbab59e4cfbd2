package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Destinations understood by the relay server.
const (
	DestinationLocal = "local"
	DestinationS3    = "s3"
	DestinationAzure = "azure"
	DestinationSFTP  = "sftp"
	DestinationFTPS  = "ftps"
)

// Job stores understood by the relay server.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Relay configures the reference application server.
type Relay struct {
	HTTPAddr         string        `validate:"required"`
	GRPCAddr         string        `validate:"required"`
	DataDir          string        `validate:"required"`
	Destination      string        `validate:"oneof=local s3 azure sftp ftps"`
	Workers          int           `validate:"gte=1,lte=64"`
	QueueSize        int           `validate:"gte=1"`
	MaxUploadBytes   int64         `validate:"gt=0"`
	ProcessingDelay  time.Duration `validate:"gte=0"`
	JobStore         string        `validate:"oneof=memory postgres sqlite"`
	PostgresDSN      string        `validate:"required_if=JobStore postgres"`
	SQLitePath       string        `validate:"required_if=JobStore sqlite"`
	RedisAddr        string
	RedisPassword    string
	StatusRateLimit  int           `validate:"gte=0"`
	StatusRateWindow time.Duration `validate:"gt=0"`
	LogLevel         string        `validate:"oneof=trace debug info warn error"`
}

// LoadRelay reads the relay server configuration from the environment.
func LoadRelay() (Relay, error) {
	c := Relay{
		HTTPAddr:         SanitizeListenAddr(env("RELAY_HTTP_BIND", ":8080")),
		GRPCAddr:         SanitizeListenAddr(env("RELAY_GRPC_BIND", ":50051")),
		DataDir:          env("DATA_DIR", "data/uploads"),
		Destination:      env("RELAY_DESTINATION", DestinationLocal),
		Workers:          intEnv("RELAY_WORKERS", 2),
		QueueSize:        intEnv("RELAY_QUEUE_SIZE", 64),
		MaxUploadBytes:   int64Env("RELAY_MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
		ProcessingDelay:  durationEnv("RELAY_PROCESSING_DELAY", 0),
		JobStore:         env("JOB_STORE", StoreMemory),
		PostgresDSN:      env("POSTGRES_DSN", ""),
		SQLitePath:       env("SQLITE_PATH", ""),
		RedisAddr:        env("REDIS_ADDR", ""),
		RedisPassword:    env("REDIS_PASSWORD", ""),
		StatusRateLimit:  intEnv("STATUS_RATE_LIMIT", 120),
		StatusRateWindow: durationEnv("STATUS_RATE_WINDOW", time.Minute),
		LogLevel:         env("LOG_LEVEL", "info"),
	}
	if err := validate.Struct(c); err != nil {
		return Relay{}, fmt.Errorf("invalid relay config: %w", err)
	}
	return c, nil
}

// Relay reports whether uploads must be relayed to a hosted destination
// after the server has received them.
func (c Relay) Relay() bool {
	return c.Destination != DestinationLocal
}

// RateLimited reports whether status requests go through the Redis limiter.
func (c Relay) RateLimited() bool {
	return c.RedisAddr != "" && c.StatusRateLimit > 0
}

// Level returns the configured log level, defaulting to info.
func (c Relay) Level() zerolog.Level {
	return parseLevel(c.LogLevel)
}
