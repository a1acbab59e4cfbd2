package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

// DefaultMaxUploadBytes mirrors the server's default intro-video limit.
const DefaultMaxUploadBytes int64 = 1 << 30

// Client configures the upload tracker side.
type Client struct {
	BaseURL      string        `validate:"required,url"`
	UploadPath   string        `validate:"required"`
	StatusPath   string        `validate:"required"`
	SettingsPath string        `validate:"required"`
	MaxBytes     int64         `validate:"gte=0"`
	PollFloor    time.Duration `validate:"gt=0"`
	PollCeiling  time.Duration `validate:"gtefield=PollFloor"`
	HTTPTimeout  time.Duration `validate:"gte=0"`
	// RelayOverride, when set, replaces the relay flag fetched from the server.
	RelayOverride *bool
	LogLevel      string `validate:"oneof=trace debug info warn error"`
}

// LoadClient reads the client configuration from the environment.
func LoadClient() (Client, error) {
	c := Client{
		BaseURL:       env("UPLOAD_BASE_URL", "http://localhost:8080"),
		UploadPath:    env("UPLOAD_PATH", "/api/v1/uploads/intro-video"),
		StatusPath:    env("UPLOAD_STATUS_PATH", "/api/v1/uploads/jobs"),
		SettingsPath:  env("UPLOAD_SETTINGS_PATH", "/api/v1/settings/video-upload"),
		MaxBytes:      int64Env("UPLOAD_MAX_BYTES", DefaultMaxUploadBytes),
		PollFloor:     durationEnv("UPLOAD_POLL_FLOOR", jobstatus.DefaultFloor),
		PollCeiling:   durationEnv("UPLOAD_POLL_CEILING", jobstatus.DefaultCeiling),
		HTTPTimeout:   durationEnv("UPLOAD_HTTP_TIMEOUT", 15*time.Second),
		RelayOverride: optionalBoolEnv("UPLOAD_RELAY"),
		LogLevel:      env("LOG_LEVEL", "info"),
	}
	if err := validate.Struct(c); err != nil {
		return Client{}, fmt.Errorf("invalid client config: %w", err)
	}
	return c, nil
}

// Poll returns the poller bounds.
func (c Client) Poll() jobstatus.Options {
	return jobstatus.Options{Floor: c.PollFloor, Ceiling: c.PollCeiling}
}

// Level returns the configured log level, defaulting to info.
func (c Client) Level() zerolog.Level {
	return parseLevel(c.LogLevel)
}

func parseLevel(s string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return zerolog.InfoLevel
	}
	return lvl
}
