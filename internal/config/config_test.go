package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduflow/platform/mediaupload/internal/config"
	"github.com/eduflow/platform/mediaupload/internal/jobstatus"
)

func TestLoadClientDefaults(t *testing.T) {
	c, err := config.LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8080", c.BaseURL)
	assert.Equal(t, "/api/v1/uploads/intro-video", c.UploadPath)
	assert.Equal(t, jobstatus.DefaultFloor, c.PollFloor)
	assert.Equal(t, 30*time.Second, c.PollCeiling)
	assert.Nil(t, c.RelayOverride)
	assert.Equal(t, zerolog.InfoLevel, c.Level())
}

func TestLoadClientFromEnv(t *testing.T) {
	t.Setenv("UPLOAD_BASE_URL", "https://api.example.test")
	t.Setenv("UPLOAD_POLL_FLOOR", "500")
	t.Setenv("UPLOAD_POLL_CEILING", "10s")
	t.Setenv("UPLOAD_MAX_BYTES", "1048576")
	t.Setenv("UPLOAD_RELAY", "true")
	t.Setenv("LOG_LEVEL", "debug")

	c, err := config.LoadClient()
	require.NoError(t, err)

	assert.Equal(t, "https://api.example.test", c.BaseURL)
	assert.Equal(t, 500*time.Millisecond, c.PollFloor)
	assert.Equal(t, jobstatus.Options{Floor: 500 * time.Millisecond, Ceiling: 10 * time.Second}, c.Poll())
	assert.Equal(t, int64(1<<20), c.MaxBytes)
	require.NotNil(t, c.RelayOverride)
	assert.True(t, *c.RelayOverride)
	assert.Equal(t, zerolog.DebugLevel, c.Level())
}

func TestLoadClientRejectsInvalid(t *testing.T) {
	tests := map[string][2]string{
		"bad url":             {"UPLOAD_BASE_URL", "not a url"},
		"ceiling below floor": {"UPLOAD_POLL_CEILING", "1s"},
		"unknown log level":   {"LOG_LEVEL", "loud"},
	}
	for name, kv := range tests {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := config.LoadClient()
			assert.Error(t, err)
		})
	}
}

func TestLoadRelay(t *testing.T) {
	t.Setenv("RELAY_HTTP_BIND", ":9090 # local only")
	t.Setenv("RELAY_DESTINATION", "s3")
	t.Setenv("RELAY_WORKERS", "4")
	t.Setenv("JOB_STORE", "sqlite")
	t.Setenv("SQLITE_PATH", "jobs.db")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	c, err := config.LoadRelay()
	require.NoError(t, err)

	assert.Equal(t, ":9090", c.HTTPAddr)
	assert.True(t, c.Relay())
	assert.Equal(t, 4, c.Workers)
	assert.Equal(t, "jobs.db", c.SQLitePath)
	assert.True(t, c.RateLimited())
	assert.Equal(t, time.Minute, c.StatusRateWindow)
}

func TestLoadRelayRequiresStoreSettings(t *testing.T) {
	t.Setenv("JOB_STORE", "postgres")

	_, err := config.LoadRelay()
	assert.Error(t, err)
}

func TestLoadRelayLocalDestinationNeedsNoRelay(t *testing.T) {
	c, err := config.LoadRelay()
	require.NoError(t, err)

	assert.False(t, c.Relay())
	assert.False(t, c.RateLimited())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("UPLOAD_BASE_URL=https://dotenv.example.test\n"), 0o600))
	t.Setenv("UPLOAD_BASE_URL", "")
	os.Unsetenv("UPLOAD_BASE_URL")

	require.NoError(t, config.LoadDotEnv(path))
	t.Cleanup(func() { os.Unsetenv("UPLOAD_BASE_URL") })

	c, err := config.LoadClient()
	require.NoError(t, err)
	assert.Equal(t, "https://dotenv.example.test", c.BaseURL)

	assert.NoError(t, config.LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}

func TestSanitizeListenAddr(t *testing.T) {
	assert.Equal(t, ":50060", config.SanitizeListenAddr(" :50060 :: note"))
	assert.Equal(t, "0.0.0.0:80", config.SanitizeListenAddr(`"0.0.0.0:80"`))
	assert.Equal(t, "", config.SanitizeListenAddr("   "))
}
